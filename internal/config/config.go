package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Supervisor    SupervisorConfig    `toml:"supervisor"`
	Git           GitConfig           `toml:"git"`
	Executor      ExecutorConfig      `toml:"executor"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Logging       LoggingConfig       `toml:"logging"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LogDir       string `toml:"log_dir"`
}

// SupervisorConfig bounds and paces supervised CLI processes
type SupervisorConfig struct {
	MaxConcurrent        int      `toml:"max_concurrent"`
	MaxCLICalls          int      `toml:"max_cli_calls"`
	CheckInterval        Duration `toml:"check_interval"`
	CheckpointInterval   Duration `toml:"checkpoint_interval"`
	ProgressInterval     Duration `toml:"progress_interval"` // 0 = every check
	Timeout              Duration `toml:"timeout"`
	GracePeriod          Duration `toml:"grace_period"`
	ProgressTimeout      Duration `toml:"progress_timeout"`
	CommitTimeout        Duration `toml:"commit_timeout"`
	InitialCommitTimeout Duration `toml:"initial_commit_timeout"`
	LogTailLines         int      `toml:"log_tail_lines"`
}

// GitConfig holds settings for checkpoint commits
type GitConfig struct {
	Remote             string   `toml:"remote"`
	AuthorName         string   `toml:"author_name"`
	AuthorEmail        string   `toml:"author_email"`
	TokenEnv           string   `toml:"token_env"`
	BreakerMaxFailures uint32   `toml:"breaker_max_failures"`
	BreakerCooldown    Duration `toml:"breaker_cooldown"`
}

// ExecutorConfig selects the CLI tool used for jobs
type ExecutorConfig struct {
	Type       string `toml:"type"` // claude-code, opencode or script
	Model      string `toml:"model"`
	ScriptPath string `toml:"script_path"`
	PromptDir  string `toml:"prompt_dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port              int    `toml:"port"`
	Host              string `toml:"host"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	Burst             int    `toml:"burst"`
}

// MaintenanceConfig controls periodic cleanup
type MaintenanceConfig struct {
	PruneCron string   `toml:"prune_cron"`
	Retain    Duration `toml:"retain"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
	Output string `toml:"output"` // stderr, stdout or a file path
}

// Duration is a time.Duration that reads and writes as "10s", "2h", ...
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".claude-cli-supervisor")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(base, "supervisor.db"),
			LogDir:       filepath.Join(base, "logs"),
		},
		Supervisor: SupervisorConfig{
			MaxConcurrent:        5,
			MaxCLICalls:          10,
			CheckInterval:        Duration(10 * time.Second),
			CheckpointInterval:   Duration(5 * time.Minute),
			Timeout:              Duration(2 * time.Hour),
			GracePeriod:          Duration(10 * time.Second),
			ProgressTimeout:      Duration(30 * time.Second),
			CommitTimeout:        Duration(120 * time.Second),
			InitialCommitTimeout: Duration(60 * time.Second),
			LogTailLines:         40,
		},
		Git: GitConfig{
			Remote:             "origin",
			AuthorName:         "cli-supervisor",
			AuthorEmail:        "cli-supervisor@localhost",
			TokenEnv:           "GITHUB_TOKEN",
			BreakerMaxFailures: 3,
			BreakerCooldown:    Duration(5 * time.Minute),
		},
		Executor: ExecutorConfig{
			Type:  "claude-code",
			Model: "claude-sonnet-4-20250514",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			RequestsPerMinute: 30,
			Burst:             5,
		},
		Maintenance: MaintenanceConfig{
			PruneCron: "@hourly",
			Retain:    Duration(7 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)
	cfg.Executor.ScriptPath = ExpandPath(cfg.Executor.ScriptPath)
	cfg.Executor.PromptDir = ExpandPath(cfg.Executor.PromptDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the supervisor limits and intervals
func (c *Config) Validate() error {
	s := c.Supervisor
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("supervisor.max_concurrent must be positive, got %d", s.MaxConcurrent)
	}
	if s.MaxCLICalls <= 0 {
		return fmt.Errorf("supervisor.max_cli_calls must be positive, got %d", s.MaxCLICalls)
	}
	if s.CheckInterval <= 0 {
		return fmt.Errorf("supervisor.check_interval must be positive")
	}
	if s.CheckpointInterval <= 0 {
		return fmt.Errorf("supervisor.checkpoint_interval must be positive")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("supervisor.timeout must be positive")
	}
	if s.ProgressInterval < 0 || s.GracePeriod < 0 {
		return fmt.Errorf("supervisor intervals must not be negative")
	}
	switch c.Executor.Type {
	case "claude-code", "opencode", "script":
	default:
		return fmt.Errorf("executor.type %q is not one of claude-code, opencode, script", c.Executor.Type)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "claude-cli-supervisor", "config.toml")
}

// LockPath returns the lock file guarding a database against a second supervisor
func (c *Config) LockPath() string {
	return c.General.DatabasePath + ".lock"
}

// LocalConfigName is the per-repository config file looked up from the working directory
const LocalConfigName = ".cli-supervisor.toml"

// FindLocalConfig walks up from the current directory looking for LocalConfigName.
// Returns an empty string if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path if given, otherwise a local
// config found from the working directory, otherwise the default path.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
