package taskstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, domain.NewTask{
		Type:        "cli",
		Name:        "claude-code feature/x",
		Description: "Implement validators",
		PID:         4242,
		LogFile:     "/tmp/x.log",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("CreateTask returned empty id")
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, domain.StatusRunning)
	}
	if got.PID != 4242 {
		t.Errorf("PID = %d, want 4242", got.PID)
	}
	if got.Name != "claude-code feature/x" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.LogFile != "/tmp/x.log" {
		t.Errorf("LogFile = %q", got.LogFile)
	}
	if len(got.Metadata) != 0 {
		t.Errorf("Metadata = %v, want empty", got.Metadata)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	err = store.UpdateStatus(context.Background(), "missing", domain.StatusUpdate{Status: domain.StatusFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "job"})

	err := store.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:   domain.StatusRunning,
		Message:  "working",
		Progress: 250,
		Metadata: domain.Metadata{"branch": "feature/x"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTask(ctx, id)
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want clamped 100", got.Progress)
	}
	if got.Metadata["branch"] != "feature/x" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	// nil metadata keeps what is stored
	err = store.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:  domain.StatusFailed,
		Message: "boom",
		Error:   "exit code 7",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ = store.GetTask(ctx, id)
	if got.Status != domain.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Error != "exit code 7" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0", got.Progress)
	}
	if got.Metadata["branch"] != "feature/x" {
		t.Errorf("Metadata lost: %v", got.Metadata)
	}
}

func TestStore_ProgressUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "job"})

	for _, msg := range []string{"one", "two", "three"} {
		if err := store.AddProgressUpdate(ctx, id, msg, domain.Metadata{"msg": msg}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListProgressUpdates(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d updates, want 3", len(all))
	}
	if all[0].Message != "one" || all[2].Message != "three" {
		t.Errorf("order = %q..%q, want one..three", all[0].Message, all[2].Message)
	}

	last, _ := store.ListProgressUpdates(ctx, id, 2)
	if len(last) != 2 || last[0].Message != "two" || last[1].Message != "three" {
		t.Errorf("last 2 = %+v", last)
	}
	if last[1].Metadata["msg"] != "three" {
		t.Errorf("Metadata = %v", last[1].Metadata)
	}

	if err := store.AddProgressUpdate(ctx, "missing", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddProgressUpdate(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "job"})
		ids = append(ids, id)
	}
	store.UpdateStatus(ctx, ids[0], domain.StatusUpdate{Status: domain.StatusCompleted, Progress: 100})

	all, err := store.ListTasks(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}
	if all[0].ID != ids[2] {
		t.Errorf("first = %s, want newest %s", all[0].ID, ids[2])
	}

	running, _ := store.ListRunning(ctx)
	if len(running) != 2 {
		t.Errorf("running = %d, want 2", len(running))
	}

	limited, _ := store.ListTasks(ctx, ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestStore_PruneFinished(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-48 * time.Hour)
	store.now = func() time.Time { return past }

	done, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "done"})
	store.UpdateStatus(ctx, done, domain.StatusUpdate{Status: domain.StatusCompleted})
	store.AddProgressUpdate(ctx, done, "tick", nil)
	running, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "running"})

	store.now = time.Now
	recent, _ := store.CreateTask(ctx, domain.NewTask{Type: "cli", Name: "recent"})
	store.UpdateStatus(ctx, recent, domain.StatusUpdate{Status: domain.StatusFailed})

	n, err := store.PruneFinished(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}

	if _, err := store.GetTask(ctx, done); !errors.Is(err, ErrNotFound) {
		t.Errorf("old finished task still present: %v", err)
	}
	if _, err := store.GetTask(ctx, running); err != nil {
		t.Errorf("running task pruned: %v", err)
	}
	if _, err := store.GetTask(ctx, recent); err != nil {
		t.Errorf("recent task pruned: %v", err)
	}
	updates, _ := store.ListProgressUpdates(ctx, done, 0)
	if len(updates) != 0 {
		t.Errorf("progress updates of pruned task = %d, want 0", len(updates))
	}
}
