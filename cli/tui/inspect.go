package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skyform-io/skyform/types"
)

// DeploymentView is the payload rendered by the inspect and watch views.
type DeploymentView struct {
	Deployment *types.Deployment
	Session    *types.StageSession
}

// InspectModel is a Bubble Tea model for the deployment detail view.
type InspectModel struct {
	view     DeploymentView
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(view DeploymentView) InspectModel {
	return InspectModel{view: view}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return m.renderDeployment() + "\n" + help
}

func (m InspectModel) renderDeployment() string {
	d := m.view.Deployment
	if d == nil {
		return "No deployment loaded"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Deployment Details"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Deployment ID", d.ID},
		{"Name", d.Name},
		{"Environment", d.Environment},
		{"Region", d.Region},
		{"Status", string(d.Status)},
		{"Version", fmt.Sprintf("%d", d.Version)},
		{"Owner", d.OwnerID},
		{"Created At", d.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Updated At", d.UpdatedAt.Format("2006-01-02 15:04:05")},
	}

	if d.RepoURL != "" {
		repo := d.RepoURL
		if d.Branch != "" {
			repo += "@" + d.Branch
		}
		rows = append(rows, []string{"Repository", repo})
	}
	if d.Estimate != nil {
		rows = append(rows, []string{"Est. Monthly", fmt.Sprintf("$%.2f", d.Estimate.MonthlyUSD)})
	}
	if m.view.Session != nil {
		rows = append(rows, []string{"Current Stage", string(m.view.Session.CurrentStage)})
	}

	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := row[1]
		if row[0] == "Status" {
			value = StatusStyle(string(d.Status)).Render(value)
		} else {
			value = ValueStyle.Render(value)
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	if len(d.StatusHistory) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Recent History"))
		b.WriteString("\n")
		history := d.StatusHistory
		if len(history) > 5 {
			history = history[len(history)-5:]
		}
		for _, h := range history {
			line := fmt.Sprintf("%s  %s",
				h.Timestamp.Format("15:04:05"),
				StatusStyle(string(h.Status)).Render(string(h.Status)))
			if h.Reason != "" {
				line += "  " + ValueStyle.Render(h.Reason)
			}
			b.WriteString(line + "\n")
		}
	}

	return BoxStyle.Render(b.String())
}

// RunInspectTUI runs the deployment detail TUI. data must be a
// DeploymentView or *DeploymentView.
func RunInspectTUI(data any) error {
	var view DeploymentView
	switch v := data.(type) {
	case DeploymentView:
		view = v
	case *DeploymentView:
		view = *v
	default:
		return fmt.Errorf("invalid data type for inspect_deployment")
	}

	model := NewInspectModel(view)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(view DeploymentView) string {
	model := NewInspectModel(view)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
