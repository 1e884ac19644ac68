package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

var timeNow = time.Now

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("238"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))
)

var tabNames = []string{"Running", "Tasks", "Detail"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	header := fmt.Sprintf(" CLI Supervisor │ Running: %d/%d │ Tasks: %d │ Updated %s ",
		len(m.running), m.maxConcurrent, len(m.allTasks), m.refreshedAgo())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRunning:
		section = m.renderTaskTable(m.running, "No supervised processes running")
	case tabTasks:
		section = m.renderTaskTable(m.visibleTasks(), "No tasks")
	case tabDetail:
		section = m.renderDetail()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(failedStyle.Render(" Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	// Status bar
	var statusBar string
	switch m.activeTab {
	case tabTasks:
		filter := "all"
		if m.statusFilter != "" {
			filter = string(m.statusFilter)
		}
		statusBar = fmt.Sprintf(" [tab]switch [f]ilter (%s) [j/k]move [enter]detail [r]efresh [q]uit ", filter)
	case tabDetail:
		statusBar = " [tab]switch [esc]back [r]efresh [q]uit "
	default:
		statusBar = " [tab]switch [j/k]move [enter]detail [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) refreshedAgo() string {
	if m.lastRefresh.IsZero() {
		return "never"
	}
	return humanize.Time(m.lastRefresh)
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs[i] = tabActiveStyle.Render(name)
		} else {
			tabs[i] = tabInactiveStyle.Render(name)
		}
	}
	return " " + strings.Join(tabs, "  │  ")
}

func statusStyle(s domain.TaskStatus) lipgloss.Style {
	switch s {
	case domain.StatusCompleted:
		return completedStyle
	case domain.StatusFailed:
		return failedStyle
	default:
		return runningStyle
	}
}

func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func (m Model) renderTaskTable(tasks []*domain.Task, empty string) string {
	if len(tasks) == 0 {
		return dimmedStyle.Render(empty)
	}

	maxRows := m.height - 8
	if maxRows < 5 {
		maxRows = 5
	}
	start := 0
	if m.selectedRow >= maxRows {
		start = m.selectedRow - maxRows + 1
	}
	end := start + maxRows
	if end > len(tasks) {
		end = len(tasks)
	}

	var b strings.Builder
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("%-10s %-24s %-8s %-10s %-22s %s", "TASK", "NAME", "PID", "STATUS", "PROGRESS", "UPDATED")))
	b.WriteString("\n")

	for i := start; i < end; i++ {
		t := tasks[i]
		name := t.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		row := fmt.Sprintf("%-10s %-24s %-8d %s %s %3d%% %s",
			shortID(t.ID),
			name,
			t.PID,
			statusStyle(t.Status).Render(fmt.Sprintf("%-10s", t.Status)),
			progressBar(t.Progress, 16),
			t.Progress,
			humanize.Time(t.UpdatedAt),
		)
		if i == m.selectedRow {
			row = selectedStyle.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	if len(tasks) > maxRows {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("%d of %d", end-start, len(tasks))))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDetail() string {
	t := m.detail
	if t == nil {
		return dimmedStyle.Render("Select a task with enter")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task:     %s\n", t.ID)
	fmt.Fprintf(&b, "Name:     %s\n", t.Name)
	fmt.Fprintf(&b, "Status:   %s  %s %d%%\n", statusStyle(t.Status).Render(string(t.Status)), progressBar(t.Progress, 20), t.Progress)
	fmt.Fprintf(&b, "PID:      %d\n", t.PID)
	if t.LogFile != "" {
		fmt.Fprintf(&b, "Log:      %s\n", t.LogFile)
	}
	fmt.Fprintf(&b, "Started:  %s (%s)\n", t.CreatedAt.Format(time.DateTime), humanize.Time(t.CreatedAt))
	if t.Message != "" {
		fmt.Fprintf(&b, "Message:  %s\n", t.Message)
	}
	if t.Error != "" {
		b.WriteString(failedStyle.Render("Error:") + "\n" + t.Error + "\n")
	}

	if len(t.Metadata) > 0 {
		b.WriteString("\nMetadata:\n")
		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %-20s %v\n", k, t.Metadata[k])
		}
	}

	if len(m.updates) > 0 {
		b.WriteString("\nProgress:\n")
		for _, u := range m.updates {
			fmt.Fprintf(&b, "  %s  %s\n", dimmedStyle.Render(u.CreatedAt.Format(time.TimeOnly)), u.Message)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
