// Package tui provides the terminal progress view for anvil run --watch.
// It renders live task state from the orchestrator's event stream.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/anvilworks/anvil/internal/orchestrator"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// EventMsg wraps one orchestrator event for the bubbletea loop.
type EventMsg orchestrator.Event

// EventsClosedMsg signals that the orchestrator's event stream ended.
type EventsClosedMsg struct{}

// taskRow is the display state of one task.
type taskRow struct {
	id         string
	capability string
	workerID   string
	attempt    int
	state      string
	detail     string
}

// Model is the bubbletea model for the watch view.
type Model struct {
	events <-chan orchestrator.Event

	spinner     spinner.Model
	sessionID   string
	sessionName string
	rows        []*taskRow
	rowByID     map[string]*taskRow
	done        bool
	finalStatus string
	quitting    bool
}

// New creates a watch model over the orchestrator's event stream.
func New(events <-chan orchestrator.Event) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle
	return &Model{
		events:  events,
		spinner: s,
		rowByID: make(map[string]*taskRow),
	}
}

// waitForEvent blocks on the next orchestrator event.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return EventsClosedMsg{}
		}
		return EventMsg(ev)
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case EventMsg:
		m.apply(orchestrator.Event(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, m.waitForEvent()

	case EventsClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one orchestrator event into the display state.
func (m *Model) apply(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventSessionSubmitted:
		m.sessionID = ev.SessionID
		m.sessionName = ev.Message
		return
	case orchestrator.EventSessionDone:
		m.done = true
		m.finalStatus = ev.Message
		return
	}
	if ev.TaskID == "" {
		return
	}

	row := m.rowByID[ev.TaskID]
	if row == nil {
		row = &taskRow{id: ev.TaskID, capability: ev.Capability}
		m.rowByID[ev.TaskID] = row
		m.rows = append(m.rows, row)
		sort.Slice(m.rows, func(i, j int) bool { return m.rows[i].id < m.rows[j].id })
	}
	if ev.WorkerID != "" {
		row.workerID = ev.WorkerID
	}
	if ev.Attempt > 0 {
		row.attempt = ev.Attempt
	}

	switch ev.Type {
	case orchestrator.EventTaskDispatched:
		row.state = "dispatched"
	case orchestrator.EventTaskStarted:
		row.state = "running"
	case orchestrator.EventTaskCompleted:
		row.state = "succeeded"
	case orchestrator.EventTaskRetrying:
		row.state = "retrying"
		row.detail = ev.Message
	case orchestrator.EventTaskFailed:
		row.state = "failed"
		if ev.Error != nil {
			row.detail = ev.Error.Error()
		}
	case orchestrator.EventTaskSkipped:
		row.state = "skipped"
		row.detail = ev.Message
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	header := m.sessionName
	if header == "" {
		header = "anvil"
	}
	if m.sessionID != "" {
		header += dimStyle.Render(fmt.Sprintf("  [%s]", m.sessionID))
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	for _, row := range m.rows {
		b.WriteString("  ")
		b.WriteString(m.renderState(row.state))
		b.WriteString(fmt.Sprintf("  %-20s", row.capability))
		if row.workerID != "" {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" %s", row.workerID)))
		}
		if row.attempt > 1 {
			b.WriteString(warnStyle.Render(fmt.Sprintf(" attempt %d", row.attempt)))
		}
		if row.detail != "" && (row.state == "failed" || row.state == "skipped" || row.state == "retrying") {
			b.WriteString(dimStyle.Render("  " + row.detail))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.done:
		b.WriteString(m.renderFinal())
	case m.quitting:
		b.WriteString(dimStyle.Render("detaching; session keeps running"))
	default:
		b.WriteString(m.spinner.View())
		b.WriteString(dimStyle.Render(" working… press q to detach"))
	}
	b.WriteString("\n")
	return b.String()
}

// renderState renders a fixed-width colored state cell.
func (m *Model) renderState(state string) string {
	padded := fmt.Sprintf("%-10s", state)
	switch state {
	case "succeeded":
		return okStyle.Render(padded)
	case "failed":
		return failStyle.Render(padded)
	case "skipped", "retrying":
		return warnStyle.Render(padded)
	case "running", "dispatched":
		return runningStyle.Render(padded)
	default:
		return dimStyle.Render(padded)
	}
}

// renderFinal renders the terminal session line.
func (m *Model) renderFinal() string {
	switch m.finalStatus {
	case "succeeded":
		return okStyle.Render("session succeeded")
	case "partial":
		return warnStyle.Render("session partially succeeded")
	default:
		return failStyle.Render("session " + m.finalStatus)
	}
}
