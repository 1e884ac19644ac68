package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/process"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

func TestRunServe_BadMaintenanceCronReturnsPromptly(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")

	live := exec.Command("sleep", "30")
	if err := live.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		live.Process.Kill()
		live.Wait()
	})

	store, err := taskstore.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTask(context.Background(), domain.NewTask{Type: "cli", Name: "left over", PID: live.Process.Pid}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	cfgPath := filepath.Join(dir, "config.toml")
	toml := fmt.Sprintf(`[general]
database_path = %q
log_dir = %q

[maintenance]
prune_cron = "not a cron expression"
`, dbPath, filepath.Join(dir, "logs"))
	if err := os.WriteFile(cfgPath, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	oldPath := configPath
	configPath = cfgPath
	t.Cleanup(func() { configPath = oldPath })

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(&cobra.Command{}, nil) }()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "maintenance") {
			t.Fatalf("runServe error = %v, want maintenance error", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after a scheduler error")
	}

	if !process.IsAlive(live.Process.Pid) {
		t.Error("a process left running must not be signalled when serve fails to start")
	}
}
