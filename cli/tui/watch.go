package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skyform-io/skyform/types"
)

// maxWatchLines bounds the scrollback kept by the watch view.
const maxWatchLines = 200

type eventMsg types.StreamEvent

type streamClosedMsg struct{}

// WatchModel is a Bubble Tea model that follows a deployment's live event
// stream. It is read-only: closing the view never affects the deployment.
type WatchModel struct {
	view     DeploymentView
	events   <-chan types.StreamEvent
	spinner  spinner.Model
	lines    []string
	status   string
	progress int
	done     bool
	quitting bool
	width    int
	height   int
}

// NewWatchModel creates a watch model over a subscribed event channel.
func NewWatchModel(view DeploymentView, events <-chan types.StreamEvent) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = HighlightStyle

	status := ""
	if view.Deployment != nil {
		status = string(view.Deployment.Status)
	}
	return WatchModel{
		view:     view,
		events:   events,
		spinner:  sp,
		status:   status,
		progress: -1,
	}
}

func waitForEvent(events <-chan types.StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.absorb(types.StreamEvent(msg))
		if m.done {
			return m, nil
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.done = true
		return m, nil
	}

	return m, nil
}

// absorb folds one stream event into the model's display state.
func (m *WatchModel) absorb(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventStdout:
		m.appendLines(StdoutStyle, ev.Data)
	case types.EventStderr:
		m.appendLines(StderrStyle, ev.Data)
	case types.EventCommandQueued:
		m.appendLine(ValueStyle.Render("· queued  " + commandLabel(ev)))
	case types.EventCommandStarted:
		m.appendLine(HighlightStyle.Render("▸ running " + commandLabel(ev)))
	case types.EventCommandCompleted:
		m.appendLine(SuccessStyle.Render("✓ done    " + commandLabel(ev)))
	case types.EventCommandFailed:
		line := "✗ failed  " + commandLabel(ev)
		if ev.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *ev.ExitCode)
		}
		m.appendLine(ErrorStyle.Render(line))
	case types.EventCommandCancelled:
		m.appendLine(WarningStyle.Render("– cancelled " + commandLabel(ev)))
	case types.EventCLILog:
		m.appendLine(HelpStyle.Render(ev.Message))
	case types.EventJobProgress:
		if ev.Progress != nil {
			m.progress = *ev.Progress
		}
	case types.EventError:
		m.appendLine(ErrorStyle.Render("error: " + ev.Message))
		m.done = true
	case types.EventEnd:
		if ev.ExitCode != nil && *ev.ExitCode != 0 {
			m.appendLine(ErrorStyle.Render(fmt.Sprintf("stream ended (exit %d)", *ev.ExitCode)))
		} else {
			m.appendLine(SuccessStyle.Render("stream ended"))
		}
		m.done = true
	}
}

// commandLabel returns the command text for a command event. The hub frames
// carry the command text in Data and the command id in Message.
func commandLabel(ev types.StreamEvent) string {
	if ev.Data != "" {
		return ev.Data
	}
	return ev.Message
}

func (m *WatchModel) appendLines(style lipgloss.Style, data string) {
	for _, line := range strings.Split(strings.TrimRight(data, "\n"), "\n") {
		m.appendLine(style.Render(line))
	}
}

func (m *WatchModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxWatchLines {
		m.lines = m.lines[len(m.lines)-maxWatchLines:]
	}
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	title := "Watching deployment"
	if d := m.view.Deployment; d != nil {
		title = fmt.Sprintf("Watching %s (%s)", d.Name, d.ID)
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")

	header := LabelStyle.Render("Status:") + " " + StatusStyle(m.status).Render(m.status)
	if m.view.Session != nil {
		header += "   " + LabelStyle.Render("Stage:") + " " +
			ValueStyle.Render(string(m.view.Session.CurrentStage))
	}
	if m.progress >= 0 {
		header += fmt.Sprintf("   %s %d%%", LabelStyle.Render("Progress:"), m.progress)
	}
	if !m.done {
		header += "  " + m.spinner.View()
	}
	b.WriteString(header)
	b.WriteString("\n\n")

	// Fit the tail of the scrollback to the available height.
	visible := m.lines
	if m.height > 8 && len(visible) > m.height-8 {
		visible = visible[len(visible)-(m.height-8):]
	}
	for _, line := range visible {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	return b.String()
}

// RunWatch runs the live watch TUI over a subscribed event channel. It
// returns when the operator quits or the stream closes.
func RunWatch(view DeploymentView, events <-chan types.StreamEvent) error {
	model := NewWatchModel(view, events)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
