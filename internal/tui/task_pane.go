package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corvid-labs/autopilot/internal/events"
)

// taskRow is what the pane knows about one task, accumulated from events.
type taskRow struct {
	ID       string
	Status   string
	AgentID  string
	Provider string
	Started  time.Time
	Duration time.Duration
}

// TaskPaneModel lists tasks the engine has touched this session, newest
// activity first kept in insertion order for stable reading.
type TaskPaneModel struct {
	tasks       map[string]*taskRow
	order       []string
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{tasks: make(map[string]*taskRow)}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case events.TaskScheduledEvent:
		row := m.row(msg.ID)
		row.Status = "scheduled"
		row.AgentID = msg.AgentID

	case events.TaskStartedEvent:
		row := m.row(msg.ID)
		row.Status = "running"
		row.AgentID = msg.AgentID
		row.Provider = msg.Provider
		row.Started = msg.Timestamp

	case events.TaskFinishedEvent:
		row := m.row(msg.ID)
		row.Status = msg.Status
		row.Duration = msg.Duration

	case events.TaskFailedEvent:
		row := m.row(msg.ID)
		row.Status = "failed"
		row.Duration = msg.Duration
	}

	return m, nil
}

func (m *TaskPaneModel) row(id string) *taskRow {
	if r, ok := m.tasks[id]; ok {
		return r
	}
	r := &taskRow{ID: id, Status: "pending"}
	m.tasks[id] = r
	m.order = append(m.order, id)
	return r
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the task list.
func (m TaskPaneModel) View() string {
	var b strings.Builder
	b.WriteString(StyleTitle.Render("Tasks"))
	b.WriteString("\n")

	visible := m.height - 4
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}

	for i := start; i < len(m.order) && i < start+visible; i++ {
		row := m.tasks[m.order[i]]
		cursor := "  "
		if i == m.selectedIdx && m.focused {
			cursor = "> "
		}
		line := fmt.Sprintf("%s%s %s", cursor, statusStyle(row.Status).Render(statusGlyph(row.Status)), row.ID)
		if row.AgentID != "" {
			line += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(" @" + row.AgentID)
		}
		if row.Duration > 0 {
			line += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).
				Render(fmt.Sprintf(" (%s)", row.Duration.Round(time.Second)))
		}
		b.WriteString(truncateLine(line, m.width-4))
		b.WriteString("\n")
	}
	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("  waiting for activity"))
		b.WriteString("\n")
	}

	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}
	return border.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func statusGlyph(status string) string {
	switch status {
	case "running", "scheduled", "in_progress":
		return "●"
	case "done":
		return "✓"
	case "failed":
		return "✗"
	case "blocked":
		return "◌"
	default:
		return "·"
	}
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "scheduled", "in_progress", "needs_review":
		return StyleStatusRunning
	case "done":
		return StyleStatusDone
	case "failed":
		return StyleStatusFailed
	case "blocked":
		return StyleStatusBlocked
	default:
		return StyleStatusPending
	}
}

func truncateLine(s string, max int) string {
	if max <= 0 || lipgloss.Width(s) <= max {
		return s
	}
	// Crude rune cut; styled segments may lose their reset but lipgloss
	// re-renders each frame so the damage is one line.
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
