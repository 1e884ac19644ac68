package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/checkpoint"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/config"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/gitops"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/limiter"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/notify"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/observer"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/procpool"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/prompts"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if local := config.FindLocalConfig(); local != "" {
		return local
	}
	return config.DefaultConfigPath()
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	return taskstore.New(cfg.General.DatabasePath)
}

// app holds the wired supervisor and its collaborators
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *taskstore.Store
	pool     *procpool.Pool
	limiter  *limiter.Limiter
	prompts  *prompts.Loader
	observer *observer.Observer
	sup      *supervisor.Supervisor

	listeners []domain.EventCallback
	closeLog  func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, closeLog, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	s := cfg.Supervisor
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		pool:     procpool.New(s.MaxConcurrent, procpool.WithLogger(logger)),
		limiter:  limiter.New(s.MaxCLICalls, logger),
		prompts:  prompts.DefaultLoader(cfg.Executor.PromptDir),
		observer: observer.New(2 * s.CheckpointInterval.Std()),
		closeLog: closeLog,
	}
	a.pool.SetOnChange(func(active, max int) {
		logger.Debug("pool changed", "active", active, "max", max)
	})

	committer := gitops.New(gitops.Options{
		Remote:             cfg.Git.Remote,
		AuthorName:         cfg.Git.AuthorName,
		AuthorEmail:        cfg.Git.AuthorEmail,
		BreakerMaxFailures: cfg.Git.BreakerMaxFailures,
		BreakerCooldown:    cfg.Git.BreakerCooldown.Std(),
		Logger:             logger,
	})
	checkpoints := checkpoint.New(store, committer, a.prompts, checkpoint.Config{
		ProgressTimeout:      s.ProgressTimeout.Std(),
		CommitTimeout:        s.CommitTimeout.Std(),
		InitialCommitTimeout: s.InitialCommitTimeout.Std(),
	}, logger)

	a.addListener(a.observer.HandleEvent)
	a.addListener(notify.EventHandler(notifier(cfg), logger))

	a.sup = supervisor.New(ctx, supervisor.Config{
		LogDir:             cfg.General.LogDir,
		Timeout:            s.Timeout.Std(),
		CheckInterval:      s.CheckInterval.Std(),
		CheckpointInterval: s.CheckpointInterval.Std(),
		ProgressInterval:   s.ProgressInterval.Std(),
		GracePeriod:        s.GracePeriod.Std(),
		LogTailLines:       s.LogTailLines,
	}, supervisor.Deps{
		Pool:        a.pool,
		Limiter:     a.limiter,
		Store:       store,
		Checkpoints: checkpoints,
		OnEvent:     a.dispatch,
		Logger:      logger,
	})
	return a, nil
}

func notifier(cfg *config.Config) notify.Notifier {
	var ns []notify.Notifier
	if cfg.Notifications.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		ns = append(ns, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(ns) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(ns...)
}

// addListener must be called before the first start
func (a *app) addListener(l domain.EventCallback) {
	a.listeners = append(a.listeners, l)
}

func (a *app) dispatch(e domain.Event) {
	for _, l := range a.listeners {
		l(e)
	}
}

func (a *app) jobDefaults() jobspec.Defaults {
	return jobspec.Defaults{
		Executor: jobspec.Executor(a.cfg.Executor.Type),
		Model:    a.cfg.Executor.Model,
		Script:   a.cfg.Executor.ScriptPath,
		TokenEnv: a.cfg.Git.TokenEnv,
	}
}

// reload applies the limits of a changed config file
func (a *app) reload(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		a.logger.Warn("ignoring invalid config change", "path", path, "err", err)
		return
	}
	a.pool.SetMaxConcurrent(cfg.Supervisor.MaxConcurrent)
	a.limiter.SetMax(cfg.Supervisor.MaxCLICalls)
	a.prompts.ClearCache()
	a.logger.Info("config reloaded",
		"max_concurrent", cfg.Supervisor.MaxConcurrent,
		"max_cli_calls", cfg.Supervisor.MaxCLICalls)
}

func (a *app) Close() {
	a.sup.Wait()
	a.store.Close()
	a.closeLog()
}
