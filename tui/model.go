package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

const (
	tabRunning = iota
	tabTasks
	tabDetail
	tabCount
)

// Source is where the dashboard reads tasks from
type Source interface {
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	ListProgressUpdates(ctx context.Context, id string, limit int) ([]*domain.ProgressUpdate, error)
}

// Model is the TUI application model
type Model struct {
	source        Source
	refresh       time.Duration
	maxConcurrent int
	taskLimit     int

	// Data
	running  []*domain.Task
	allTasks []*domain.Task
	detail   *domain.Task
	updates  []*domain.ProgressUpdate
	err      error

	// UI state
	width        int
	height       int
	activeTab    int
	selectedRow  int
	statusFilter domain.TaskStatus

	lastRefresh time.Time
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Source        Source
	Refresh       time.Duration
	MaxConcurrent int
	TaskLimit     int
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 2 * time.Second
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = 200
	}
	return Model{
		source:        cfg.Source,
		refresh:       cfg.Refresh,
		maxConcurrent: cfg.MaxConcurrent,
		taskLimit:     cfg.TaskLimit,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadCmd(),
		m.tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// DataMsg carries freshly loaded tasks
type DataMsg struct {
	Tasks []*domain.Task
	Err   error
}

// DetailMsg carries the progress updates of one task
type DetailMsg struct {
	TaskID  string
	Updates []*domain.ProgressUpdate
	Err     error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) loadCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	source, limit := m.source, m.taskLimit
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tasks, err := source.ListTasks(ctx, taskstore.ListOptions{Limit: limit})
		return DataMsg{Tasks: tasks, Err: err}
	}
}

func (m Model) loadDetailCmd(taskID string) tea.Cmd {
	if m.source == nil {
		return nil
	}
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		updates, err := source.ListProgressUpdates(ctx, taskID, 50)
		return DetailMsg{TaskID: taskID, Updates: updates, Err: err}
	}
}

// SetTasks replaces the task list and derives the running view
func (m *Model) SetTasks(tasks []*domain.Task) {
	m.allTasks = tasks
	var running []*domain.Task
	for _, t := range tasks {
		if t.Status == domain.StatusRunning {
			running = append(running, t)
		}
	}
	m.running = running
	if m.detail != nil {
		for _, t := range tasks {
			if t.ID == m.detail.ID {
				m.detail = t
				break
			}
		}
	}
	m.clampSelection()
}

// visibleTasks returns the rows of the current tab
func (m Model) visibleTasks() []*domain.Task {
	switch m.activeTab {
	case tabRunning:
		return m.running
	case tabTasks:
		if m.statusFilter == "" {
			return m.allTasks
		}
		var out []*domain.Task
		for _, t := range m.allTasks {
			if t.Status == m.statusFilter {
				out = append(out, t)
			}
		}
		return out
	default:
		return nil
	}
}

func (m *Model) clampSelection() {
	n := len(m.visibleTasks())
	if m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}
