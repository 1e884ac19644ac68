package jobspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/prompts"
)

const claudeJob = `
name: docs-refresh
description: Refresh the README
executor: claude-code
model: claude-sonnet-4-20250514
prompt: Update the README to match the CLI flags.
repository: /srv/repos/app
branch: docs/refresh
session: nightly
timeout: 45m
auth:
  token_env: APP_TOKEN
  username: bot
`

func TestParse(t *testing.T) {
	job, err := Parse([]byte(claudeJob))
	require.NoError(t, err)

	assert.Equal(t, "docs-refresh", job.Name)
	assert.Equal(t, ExecutorClaudeCode, job.Executor)
	assert.Equal(t, 45*time.Minute, job.Timeout)
	assert.Equal(t, "nightly", job.Session)
	require.NotNil(t, job.Auth)
	assert.Equal(t, "APP_TOKEN", job.Auth.TokenEnv)
	assert.Equal(t, "bot", job.Auth.Username)
	assert.Empty(t, job.Auth.Token)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("timeout: [1, 2"))
	assert.Error(t, err)
}

func TestLoad_NameFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weekly-deps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt: bump deps\nrepository: /tmp/r\n"), 0o644))

	job, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "weekly-deps", job.Name)
}

func TestCommand_ClaudeCode(t *testing.T) {
	job, err := Parse([]byte(claudeJob))
	require.NoError(t, err)

	cmd, err := job.Command(nil)
	require.NoError(t, err)

	assert.Equal(t, "claude", cmd[0])
	assert.Contains(t, cmd, "--print")
	assert.Contains(t, cmd, "--dangerously-skip-permissions")
	assert.Equal(t, []string{"--model", "claude-sonnet-4-20250514", "-p", "Update the README to match the CLI flags."}, cmd[len(cmd)-4:])
}

func TestCommand_OpenCode(t *testing.T) {
	job := &Job{
		Executor:   ExecutorOpenCode,
		Model:      "zai-coding-plan/glm-4.7",
		Prompt:     "fix the flaky test",
		Repository: "/tmp/r",
	}

	cmd, err := job.Command(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"opencode", "run", "-m", "zai-coding-plan/glm-4.7", "fix the flaky test"}, cmd)
}

func TestCommand_Script(t *testing.T) {
	job := &Job{
		Executor:   ExecutorScript,
		Script:     "/usr/local/bin/agent.sh",
		Args:       []string{"--fast"},
		Repository: "/tmp/r",
	}

	cmd, err := job.Command(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/agent.sh", "--fast"}, cmd)

	job.Prompt = "go"
	cmd, err = job.Command(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/agent.sh", "--fast", "go"}, cmd)
}

func TestCommand_PromptTemplate(t *testing.T) {
	job := &Job{
		Executor:       ExecutorClaudeCode,
		Prompt:         "Add request tracing.",
		PromptTemplate: "claude",
		Vars:           map[string]string{"service": "billing"},
		Repository:     "/srv/repos/app",
		Branch:         "feat/tracing",
	}

	cmd, err := job.Command(prompts.NewLoader())
	require.NoError(t, err)

	prompt := cmd[len(cmd)-1]
	assert.Contains(t, prompt, "/srv/repos/app")
	assert.Contains(t, prompt, "feat/tracing")
	assert.Contains(t, prompt, "Add request tracing.")
	assert.Contains(t, prompt, "service: billing")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"ok", Job{Executor: ExecutorClaudeCode, Prompt: "x", Repository: "/r"}, false},
		{"no repository", Job{Executor: ExecutorClaudeCode, Prompt: "x"}, true},
		{"no prompt", Job{Executor: ExecutorOpenCode, Repository: "/r"}, true},
		{"script without path", Job{Executor: ExecutorScript, Repository: "/r"}, true},
		{"unknown executor", Job{Executor: "cursor", Prompt: "x", Repository: "/r"}, true},
		{"negative timeout", Job{Executor: ExecutorClaudeCode, Prompt: "x", Repository: "/r", Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	job := Job{Executor: ExecutorClaudeCode, Repository: "/r"}
	assert.ErrorIs(t, job.Validate(), ErrNoPrompt)
}

func TestApplyDefaults(t *testing.T) {
	job := &Job{Prompt: "x", Repository: "/r"}
	job.ApplyDefaults(Defaults{Executor: ExecutorOpenCode, Model: "m1", TokenEnv: "GITHUB_TOKEN"})

	assert.Equal(t, ExecutorOpenCode, job.Executor)
	assert.Equal(t, "m1", job.Model)
	assert.Equal(t, "opencode", job.Name)
	require.NotNil(t, job.Auth)
	assert.Equal(t, "GITHUB_TOKEN", job.Auth.TokenEnv)

	explicit := &Job{Executor: ExecutorClaudeCode, Model: "mine", Name: "n"}
	explicit.ApplyDefaults(Defaults{Executor: ExecutorOpenCode, Model: "m1"})
	assert.Equal(t, ExecutorClaudeCode, explicit.Executor)
	assert.Equal(t, "mine", explicit.Model)
	assert.Nil(t, explicit.Auth)
}

func TestSpawnSpec(t *testing.T) {
	job, err := Parse([]byte(claudeJob))
	require.NoError(t, err)

	spec, err := job.SpawnSpec(nil)
	require.NoError(t, err)

	assert.Equal(t, "/srv/repos/app", spec.RepoPath)
	assert.Equal(t, "docs/refresh", spec.Branch)
	assert.Equal(t, "nightly", spec.SessionID)
	assert.Equal(t, "claude-code", spec.Type)
	assert.Equal(t, "docs-refresh", spec.Name)
	assert.Equal(t, 45*time.Minute, spec.Timeout)
	assert.Same(t, job.Auth, spec.Auth)
	assert.Equal(t, "claude", spec.Command[0])
}
