package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/config"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/monitor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
	"github.com/hochfrequenz/claude-cli-supervisor/web/api"
)

type stubSupervisor struct {
	started []supervisor.SpawnSpec
	resets  []string
}

func (s *stubSupervisor) Start(_ context.Context, spec supervisor.SpawnSpec) (string, int, error) {
	s.started = append(s.started, spec)
	return "task-1", 99, nil
}

func (s *stubSupervisor) Cancel(taskID string) error {
	if taskID != "task-1" {
		return supervisor.ErrSessionNotFound
	}
	return nil
}

func (s *stubSupervisor) Sessions() []monitor.Info { return nil }

func (s *stubSupervisor) Pool() supervisor.PoolStatus {
	return supervisor.PoolStatus{Active: []int{99}, MaxConcurrent: 3}
}

func (s *stubSupervisor) KillAll() []int { return []int{99} }

func (s *stubSupervisor) ResetInvocations(id string) { s.resets = append(s.resets, id) }

func (s *stubSupervisor) InvocationCount(string) int { return 4 }

type emptyStore struct{}

func (emptyStore) ListTasks(context.Context, taskstore.ListOptions) ([]*domain.Task, error) {
	return nil, nil
}

func (emptyStore) GetTask(context.Context, string) (*domain.Task, error) {
	return nil, taskstore.ErrNotFound
}

func (emptyStore) ListProgressUpdates(context.Context, string, int) ([]*domain.ProgressUpdate, error) {
	return nil, nil
}

func newTestAPI(t *testing.T) (*apiClient, *stubSupervisor) {
	t.Helper()
	sup := &stubSupervisor{}
	server := api.NewServer(emptyStore{}, sup, nil, api.Options{
		JobDefaults: jobspec.Defaults{Executor: jobspec.ExecutorClaudeCode},
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return newAPIClient(ts.URL), sup
}

func TestApplyServeFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&servePort, "port", 0, "")
	cmd.Flags().StringVar(&serveHost, "host", "", "")
	cmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "")
	cmd.Flags().IntVar(&serveMaxCLICalls, "max-cli-calls", 0, "")
	if err := cmd.ParseFlags([]string{"--port", "9191", "--max-concurrent", "2"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	if err := applyServeFlags(cmd, cfg); err != nil {
		t.Fatalf("applyServeFlags: %v", err)
	}

	if cfg.Web.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Web.Port)
	}
	if cfg.Supervisor.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Supervisor.MaxConcurrent)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Host = %q, unchanged flag should keep config value", cfg.Web.Host)
	}
	if cfg.Supervisor.MaxCLICalls != 10 {
		t.Errorf("MaxCLICalls = %d, want 10", cfg.Supervisor.MaxCLICalls)
	}
}

func TestApplyServeFlags_Invalid(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "")
	if err := cmd.ParseFlags([]string{"--max-concurrent", "0"}); err != nil {
		t.Fatal(err)
	}
	if err := applyServeFlags(cmd, config.Default()); err == nil {
		t.Error("max-concurrent 0 should be rejected")
	}
}

func TestServerURL(t *testing.T) {
	cfg := config.Default()
	cfg.Web.Host = "0.0.0.0"
	cfg.Web.Port = 8181
	if got := serverURL(cfg); got != "http://127.0.0.1:8181" {
		t.Errorf("serverURL = %q", got)
	}
}

func TestAPIClient_SubmitJob(t *testing.T) {
	c, sup := newTestAPI(t)

	job := &jobspec.Job{
		Name:       "docs",
		Prompt:     "update the docs",
		Repository: "/srv/app",
		Timeout:    20 * time.Minute,
	}
	resp, err := c.SubmitJob(context.Background(), job)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if resp.TaskID != "task-1" || resp.PID != 99 {
		t.Errorf("resp = %+v", resp)
	}
	if len(sup.started) != 1 {
		t.Fatalf("started = %d, want 1", len(sup.started))
	}
	if sup.started[0].Timeout != 20*time.Minute {
		t.Errorf("Timeout = %v, want 20m", sup.started[0].Timeout)
	}
}

func TestAPIClient_Errors(t *testing.T) {
	c, _ := newTestAPI(t)

	err := c.Cancel(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "no running session") {
		t.Errorf("Cancel error = %v", err)
	}

	_, err = c.SubmitJob(context.Background(), &jobspec.Job{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "repository is required") {
		t.Errorf("SubmitJob error = %v", err)
	}
}

func TestAPIClient_PoolAndSessions(t *testing.T) {
	c, sup := newTestAPI(t)
	ctx := context.Background()

	pool, err := c.Pool(ctx)
	if err != nil || pool.MaxConcurrent != 3 {
		t.Errorf("Pool = %+v, %v", pool, err)
	}

	pids, err := c.KillAll(ctx)
	if err != nil || len(pids) != 1 || pids[0] != 99 {
		t.Errorf("KillAll = %v, %v", pids, err)
	}

	inv, err := c.Invocations(ctx, "s1")
	if err != nil || inv.Count != 4 {
		t.Errorf("Invocations = %+v, %v", inv, err)
	}

	if err := c.ResetInvocations(ctx, "s1"); err != nil {
		t.Fatalf("ResetInvocations: %v", err)
	}
	if len(sup.resets) != 1 || sup.resets[0] != "s1" {
		t.Errorf("resets = %v", sup.resets)
	}
}

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now()
	printTasks(&buf, []*domain.Task{
		{ID: "t1", Name: "docs", PID: 10, Status: domain.StatusRunning, Progress: 30, CreatedAt: now, UpdatedAt: now},
	})

	out := buf.String()
	for _, want := range []string{"ID", "STATUS", "docs", "running", "30%", "now"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTask(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now()
	printTask(&buf, &domain.Task{
		ID:        "t1",
		Name:      "lint",
		Status:    domain.StatusFailed,
		Error:     "Process exited with exit code 1",
		Metadata:  domain.Metadata{"exit_code": 1, "branch": "main"},
		CreatedAt: now,
		UpdatedAt: now,
	}, []*domain.ProgressUpdate{{Message: "Process 10 running", CreatedAt: now}})

	out := buf.String()
	for _, want := range []string{"lint", "failed", "exit code 1", "branch", "Process 10 running"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "branch") > strings.Index(out, "exit_code") {
		t.Error("metadata keys should be sorted")
	}
}

func TestFormatPIDs(t *testing.T) {
	if got := formatPIDs(nil); got != "" {
		t.Errorf("formatPIDs(nil) = %q", got)
	}
	if got := formatPIDs([]int{3, 5}); got != "[3 5]" {
		t.Errorf("formatPIDs = %q", got)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("a\nb"); got != "a" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
}
