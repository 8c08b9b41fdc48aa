package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corvid-labs/autopilot/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneFeed
)

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	taskPane    TaskPaneModel
	feedPane    FeedPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	forceTick   func()

	lastTick events.TickEvent
	agents   []events.AgentSnapshot
	width    int
	height   int
	quitting bool
}

// New creates a monitor model. It subscribes to all bus topics; forceTick
// may be nil when the monitor is read-only.
func New(bus *events.Bus, forceTick func()) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		feedPane:    NewFeedPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
		forceTick:   forceTick,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return tea.Quit()
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab, KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneFeed
			m.updateFocusStates()

		case KeyForce:
			if m.forceTick != nil {
				m.forceTick()
			}

		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneFeed:
				var cmd tea.Cmd
				m.feedPane, cmd = m.feedPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.TickEvent:
		m.lastTick = msg
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.AgentsEvent:
		m.agents = msg.Agents
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		// Fan the event into both panes; each pane keeps what it knows.
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.feedPane, cmd = m.feedPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // status bar + help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.feedPane.SetSize(rightWidth, availableHeight)

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.feedPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, m.statusBar(), HelpView())
}

func (m Model) statusBar() string {
	busy := 0
	for _, a := range m.agents {
		if a.Busy {
			busy++
		}
	}
	idle := m.lastTick.Idle
	if idle == "" {
		idle = "working"
	}
	bar := fmt.Sprintf("tick %d | %s | ready %d | running %d | agents %d/%d | next in %s",
		m.lastTick.Tick, idle, m.lastTick.Ready, m.lastTick.Running,
		busy, len(m.agents), m.lastTick.Interval.Round(time.Second))
	return StyleStatusBar.Width(m.width).Render(bar)
}

func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.feedPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.feedPane.SetFocused(m.focusedPane == PaneFeed)
}
