package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/corvid-labs/autopilot/internal/events"
)

const feedCap = 500

// FeedPaneModel is a scrolling feed of the engine's decisions: gate
// verdicts, loop detections, escalations, capacity incidents.
type FeedPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewFeedPaneModel creates an empty feed pane.
func NewFeedPaneModel() FeedPaneModel {
	return FeedPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the feed pane.
func (m FeedPaneModel) Update(msg tea.Msg) (FeedPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.GateEvaluatedEvent:
		verdict := StyleStatusDone.Render("pass")
		if !msg.Passed {
			if msg.Retryable {
				verdict = StyleStatusBlocked.Render("retry")
			} else {
				verdict = StyleStatusFailed.Render("fatal")
			}
		}
		m.append(fmt.Sprintf("%s gate %s on %s: %s",
			msg.Timestamp.Format("15:04:05"), msg.Gate, msg.ID, verdict))

	case events.LoopDetectedEvent:
		m.append(fmt.Sprintf("%s %s loop on %s -> %s",
			msg.Timestamp.Format("15:04:05"),
			StyleStatusBlocked.Render(msg.LoopType), msg.ID, msg.Recommendation))

	case events.EscalationChangedEvent:
		m.append(fmt.Sprintf("%s escalation on %s: %s -> %s",
			msg.Timestamp.Format("15:04:05"), msg.ID,
			msg.From, StyleStatusFailed.Render(msg.To)))

	case events.CapacityEvent:
		m.append(fmt.Sprintf("%s provider %s out of capacity (%s)",
			msg.Timestamp.Format("15:04:05"),
			StyleStatusBlocked.Render(msg.Provider), msg.ID))

	case events.TaskFailedEvent:
		m.append(fmt.Sprintf("%s %s %s: %s",
			msg.Timestamp.Format("15:04:05"),
			StyleStatusFailed.Render("failed"), msg.ID, msg.Reason))
	}

	return m, cmd
}

func (m *FeedPaneModel) append(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > feedCap {
		m.lines = m.lines[len(m.lines)-feedCap:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// SetSize updates the pane dimensions.
func (m *FeedPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width - 4
	m.viewport.Height = height - 4
}

// SetFocused updates the focus state.
func (m *FeedPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the decision feed.
func (m FeedPaneModel) View() string {
	var b strings.Builder
	b.WriteString(StyleTitle.Render("Decisions"))
	b.WriteString("\n")
	if len(m.lines) == 0 {
		b.WriteString(StyleStatusPending.Render("  no decisions yet"))
	} else {
		b.WriteString(m.viewport.View())
	}

	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}
	return border.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}
