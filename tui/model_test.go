package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

type fakeSource struct {
	tasks   []*domain.Task
	updates []*domain.ProgressUpdate
	err     error
}

func (f *fakeSource) ListTasks(context.Context, taskstore.ListOptions) ([]*domain.Task, error) {
	return f.tasks, f.err
}

func (f *fakeSource) ListProgressUpdates(context.Context, string, int) ([]*domain.ProgressUpdate, error) {
	return f.updates, f.err
}

func sampleTasks() []*domain.Task {
	now := time.Now()
	return []*domain.Task{
		{ID: "aaaaaaaa-1", Name: "docs", Status: domain.StatusRunning, Progress: 40, PID: 101, CreatedAt: now, UpdatedAt: now},
		{ID: "bbbbbbbb-2", Name: "deps", Status: domain.StatusCompleted, Progress: 100, CreatedAt: now, UpdatedAt: now},
		{ID: "cccccccc-3", Name: "lint", Status: domain.StatusFailed, Error: "exit code 1", CreatedAt: now, UpdatedAt: now},
		{ID: "dddddddd-4", Name: "tests", Status: domain.StatusRunning, Progress: 10, PID: 102, CreatedAt: now, UpdatedAt: now},
	}
}

func update(m Model, msg tea.Msg) (Model, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewModel(t *testing.T) {
	model := NewModel(ModelConfig{MaxConcurrent: 3})

	if model.maxConcurrent != 3 {
		t.Errorf("maxConcurrent = %d, want 3", model.maxConcurrent)
	}
	if model.refresh != 2*time.Second {
		t.Errorf("refresh = %v, want 2s", model.refresh)
	}
	if model.activeTab != tabRunning {
		t.Errorf("activeTab = %d, want %d", model.activeTab, tabRunning)
	}
}

func TestModel_SetTasks(t *testing.T) {
	model := NewModel(ModelConfig{})
	model.SetTasks(sampleTasks())

	if len(model.allTasks) != 4 {
		t.Errorf("allTasks count = %d, want 4", len(model.allTasks))
	}
	if len(model.running) != 2 {
		t.Errorf("running count = %d, want 2", len(model.running))
	}
}

func TestModel_DataMsg(t *testing.T) {
	model := NewModel(ModelConfig{})

	model, _ = update(model, DataMsg{Tasks: sampleTasks()})
	if len(model.running) != 2 || model.lastRefresh.IsZero() {
		t.Errorf("running = %d, lastRefresh = %v", len(model.running), model.lastRefresh)
	}

	model, _ = update(model, DataMsg{Err: errors.New("database is locked")})
	if model.err == nil {
		t.Error("err should be set")
	}
	if len(model.allTasks) != 4 {
		t.Errorf("failed refresh should keep tasks, got %d", len(model.allTasks))
	}
}

func TestModel_LoadCmd(t *testing.T) {
	source := &fakeSource{tasks: sampleTasks()}
	model := NewModel(ModelConfig{Source: source})

	msg := model.loadCmd()()
	data, ok := msg.(DataMsg)
	if !ok {
		t.Fatalf("loadCmd returned %T, want DataMsg", msg)
	}
	if len(data.Tasks) != 4 {
		t.Errorf("Tasks = %d, want 4", len(data.Tasks))
	}

	if NewModel(ModelConfig{}).loadCmd() != nil {
		t.Error("loadCmd without source should be nil")
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(ModelConfig{})
	model.width = 100
	model.height = 40

	for _, want := range []int{tabTasks, tabDetail, tabRunning} {
		model, _ = update(model, tea.KeyMsg{Type: tea.KeyTab})
		if model.activeTab != want {
			t.Errorf("activeTab = %d, want %d", model.activeTab, want)
		}
	}
}

func TestModel_Navigation(t *testing.T) {
	model := NewModel(ModelConfig{})
	model.SetTasks(sampleTasks())
	model.activeTab = tabTasks

	for i := 0; i < 10; i++ {
		model, _ = update(model, key("j"))
	}
	if model.selectedRow != 3 {
		t.Errorf("selectedRow = %d, want 3 (clamped)", model.selectedRow)
	}

	model, _ = update(model, key("k"))
	if model.selectedRow != 2 {
		t.Errorf("selectedRow = %d, want 2", model.selectedRow)
	}
}

func TestModel_StatusFilter(t *testing.T) {
	model := NewModel(ModelConfig{})
	model.SetTasks(sampleTasks())
	model.activeTab = tabTasks

	model, _ = update(model, key("f"))
	if model.statusFilter != domain.StatusRunning {
		t.Errorf("statusFilter = %q, want running", model.statusFilter)
	}
	if n := len(model.visibleTasks()); n != 2 {
		t.Errorf("visible = %d, want 2", n)
	}

	model, _ = update(model, key("f"))
	model, _ = update(model, key("f"))
	if n := len(model.visibleTasks()); n != 1 || model.visibleTasks()[0].Name != "lint" {
		t.Errorf("failed filter visible = %d", n)
	}

	model, _ = update(model, key("f"))
	if model.statusFilter != "" {
		t.Errorf("statusFilter = %q, want empty after full cycle", model.statusFilter)
	}
}

func TestModel_EnterOpensDetail(t *testing.T) {
	source := &fakeSource{
		updates: []*domain.ProgressUpdate{{TaskID: "dddddddd-4", Message: "Process 102 running", CreatedAt: time.Now()}},
	}
	model := NewModel(ModelConfig{Source: source})
	model.SetTasks(sampleTasks())
	model.width = 120
	model.height = 40

	model, _ = update(model, key("j"))
	model, cmd := update(model, tea.KeyMsg{Type: tea.KeyEnter})

	if model.activeTab != tabDetail {
		t.Fatalf("activeTab = %d, want detail", model.activeTab)
	}
	if model.detail == nil || model.detail.ID != "dddddddd-4" {
		t.Fatalf("detail = %+v, want tests task", model.detail)
	}
	if cmd == nil {
		t.Fatal("enter should load progress updates")
	}

	model, _ = update(model, cmd())
	if len(model.updates) != 1 {
		t.Errorf("updates = %d, want 1", len(model.updates))
	}

	// Updates for another task are ignored
	model, _ = update(model, DetailMsg{TaskID: "other", Updates: nil})
	if len(model.updates) != 1 {
		t.Errorf("updates = %d after foreign DetailMsg, want 1", len(model.updates))
	}

	view := model.View()
	if !strings.Contains(view, "Process 102 running") {
		t.Error("detail view should list progress updates")
	}

	model, _ = update(model, tea.KeyMsg{Type: tea.KeyEsc})
	if model.activeTab != tabTasks {
		t.Errorf("activeTab after esc = %d, want tasks", model.activeTab)
	}
}

func TestModel_Quit(t *testing.T) {
	model := NewModel(ModelConfig{})
	_, cmd := update(model, key("q"))
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestView(t *testing.T) {
	model := NewModel(ModelConfig{MaxConcurrent: 5})
	if got := model.View(); got != "Loading..." {
		t.Errorf("View before size = %q", got)
	}

	model, _ = update(model, tea.WindowSizeMsg{Width: 120, Height: 40})
	model.SetTasks(sampleTasks())

	view := model.View()
	if !strings.Contains(view, "Running: 2/5") {
		t.Error("header should show running count")
	}
	if !strings.Contains(view, "docs") || strings.Contains(view, "deps") {
		t.Error("running tab should list only running tasks")
	}

	model.activeTab = tabTasks
	view = model.View()
	if !strings.Contains(view, "deps") || !strings.Contains(view, "lint") {
		t.Error("tasks tab should list all tasks")
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct  int
		want string
	}{
		{0, "░░░░"},
		{50, "██░░"},
		{100, "████"},
		{150, "████"},
		{-5, "░░░░"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.pct, 4); got != tt.want {
			t.Errorf("progressBar(%d) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}
