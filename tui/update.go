package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

var statusFilters = []domain.TaskStatus{"", domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		case "j", "down":
			m.selectedRow++
			m.clampSelection()
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
			if m.activeTab == tabDetail && m.detail != nil {
				return m, m.loadDetailCmd(m.detail.ID)
			}
		case "f":
			// Cycle the status filter on the tasks tab
			if m.activeTab == tabTasks {
				for i, s := range statusFilters {
					if s == m.statusFilter {
						m.statusFilter = statusFilters[(i+1)%len(statusFilters)]
						break
					}
				}
				m.selectedRow = 0
			}
		case "enter":
			rows := m.visibleTasks()
			if m.selectedRow < len(rows) {
				m.detail = rows[m.selectedRow]
				m.updates = nil
				m.activeTab = tabDetail
				return m, m.loadDetailCmd(m.detail.ID)
			}
		case "esc":
			if m.activeTab == tabDetail {
				m.activeTab = tabTasks
				m.selectedRow = 0
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		cmds := []tea.Cmd{m.loadCmd(), m.tickCmd()}
		if m.activeTab == tabDetail && m.detail != nil {
			cmds = append(cmds, m.loadDetailCmd(m.detail.ID))
		}
		return m, tea.Batch(cmds...)

	case DataMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.SetTasks(msg.Tasks)
			m.lastRefresh = timeNow()
		}

	case DetailMsg:
		if m.detail != nil && msg.TaskID == m.detail.ID {
			m.err = msg.Err
			m.updates = msg.Updates
		}
	}

	return m, nil
}
