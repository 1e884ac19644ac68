// Package jobspec reads YAML job files and turns them into supervised
// command lines.
package jobspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/config"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/gitops"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/prompts"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
)

// Executor names the CLI tool a job runs
type Executor string

const (
	ExecutorClaudeCode Executor = "claude-code"
	ExecutorOpenCode   Executor = "opencode"
	ExecutorScript     Executor = "script"
)

// ErrNoPrompt is returned when a job has neither a prompt nor a template
var ErrNoPrompt = errors.New("job needs a prompt or a prompt_template")

// Job is one YAML job file
type Job struct {
	Name           string              `yaml:"name"`
	Description    string              `yaml:"description,omitempty"`
	Executor       Executor            `yaml:"executor,omitempty"`
	Model          string              `yaml:"model,omitempty"`
	Prompt         string              `yaml:"prompt,omitempty"`
	PromptTemplate string              `yaml:"prompt_template,omitempty"`
	Vars           map[string]string   `yaml:"vars,omitempty"`
	Repository     string              `yaml:"repository"`
	Branch         string              `yaml:"branch,omitempty"`
	Session        string              `yaml:"session,omitempty"`
	Timeout        time.Duration       `yaml:"timeout,omitempty"`
	Script         string              `yaml:"script,omitempty"`
	Args           []string            `yaml:"args,omitempty"`
	Auth           *gitops.AuthContext `yaml:"auth,omitempty"`
}

// Defaults fill fields a job file leaves empty
type Defaults struct {
	Executor Executor
	Model    string
	Script   string
	TokenEnv string // used when the job names no auth
}

// Load reads a job file from disk
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	job, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return job, nil
}

// Parse decodes a job from YAML
func Parse(data []byte) (*Job, error) {
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ApplyDefaults fills empty fields from d
func (j *Job) ApplyDefaults(d Defaults) {
	if j.Executor == "" {
		j.Executor = d.Executor
	}
	if j.Executor == "" {
		j.Executor = ExecutorClaudeCode
	}
	if j.Model == "" && j.Executor != ExecutorScript {
		j.Model = d.Model
	}
	if j.Script == "" {
		j.Script = d.Script
	}
	if j.Name == "" {
		j.Name = string(j.Executor)
	}
	if j.Auth == nil && d.TokenEnv != "" {
		j.Auth = &gitops.AuthContext{TokenEnv: d.TokenEnv}
	}
}

// Validate checks that the job can be rendered
func (j *Job) Validate() error {
	if j.Repository == "" {
		return fmt.Errorf("repository is required")
	}
	if j.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	switch j.Executor {
	case ExecutorClaudeCode, ExecutorOpenCode:
		if j.Prompt == "" && j.PromptTemplate == "" {
			return ErrNoPrompt
		}
	case ExecutorScript:
		if j.Script == "" {
			return fmt.Errorf("script executor needs a script")
		}
	default:
		return fmt.Errorf("unknown executor %q", j.Executor)
	}
	return nil
}

// RenderPrompt returns the prompt passed to the CLI. A template prompt is
// rendered through the loader with the job's variables.
func (j *Job) RenderPrompt(loader *prompts.Loader) (string, error) {
	if j.PromptTemplate == "" {
		return j.Prompt, nil
	}
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return loader.BuildJobPrompt(j.PromptTemplate, prompts.JobData{
		Prompt:     j.Prompt,
		Repository: j.Repository,
		Branch:     j.Branch,
		Vars:       j.Vars,
	})
}

// Command builds the command line for the job's executor
func (j *Job) Command(loader *prompts.Loader) ([]string, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}

	switch j.Executor {
	case ExecutorOpenCode:
		prompt, err := j.RenderPrompt(loader)
		if err != nil {
			return nil, err
		}
		args := []string{"opencode", "run"}
		if j.Model != "" {
			args = append(args, "-m", j.Model)
		}
		return append(args, prompt), nil

	case ExecutorScript:
		args := append([]string{j.Script}, j.Args...)
		if j.Prompt != "" || j.PromptTemplate != "" {
			prompt, err := j.RenderPrompt(loader)
			if err != nil {
				return nil, err
			}
			args = append(args, prompt)
		}
		return args, nil

	default:
		prompt, err := j.RenderPrompt(loader)
		if err != nil {
			return nil, err
		}
		args := []string{
			"claude",
			"--print",
			"--verbose",
			"--dangerously-skip-permissions",
			"--output-format", "stream-json",
		}
		if j.Model != "" {
			args = append(args, "--model", j.Model)
		}
		return append(args, "-p", prompt), nil
	}
}

// SpawnSpec renders the job into a supervisor start request
func (j *Job) SpawnSpec(loader *prompts.Loader) (supervisor.SpawnSpec, error) {
	command, err := j.Command(loader)
	if err != nil {
		return supervisor.SpawnSpec{}, err
	}
	return supervisor.SpawnSpec{
		Command:     command,
		RepoPath:    config.ExpandPath(j.Repository),
		Branch:      j.Branch,
		SessionID:   j.Session,
		Type:        string(j.Executor),
		Name:        j.Name,
		Description: j.Description,
		Auth:        j.Auth,
		Timeout:     j.Timeout,
	}, nil
}
