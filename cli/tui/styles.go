// Package tui provides Bubble Tea TUI components for the skyform CLI.
//
// TUI rules:
//   - TUI is opt-in only (--tui flag, or the dedicated watch command)
//   - TUI is read-only; it never mutates deployments
//   - TUI uses the same data payloads as non-TUI rendering
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	// TitleStyle for headers and titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	// SuccessStyle for success states.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(successColor)

	// WarningStyle for warning states.
	WarningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	// ErrorStyle for error states.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	// HighlightStyle for states awaiting operator input.
	HighlightStyle = lipgloss.NewStyle().
			Foreground(highlightColor)

	// BoxStyle for bordered containers.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// HelpStyle for help text.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	// StdoutStyle and StderrStyle color streamed subprocess output.
	StdoutStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D1D5DB"))
	StderrStyle = lipgloss.NewStyle().
			Foreground(warningColor)
)

// StatusStyle returns a style based on a deployment status string.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "DEPLOYED", "APPROVED", "ROLLED_BACK", "ESTIMATED":
		return SuccessStyle
	case "VALIDATION_FAILED", "SANDBOX_FAILED", "DEPLOYMENT_FAILED",
		"ROLLBACK_FAILED", "CANCELLED":
		return ErrorStyle
	case "PENDING_APPROVAL":
		return HighlightStyle
	case "INITIAL", "DESTROYED":
		return ValueStyle
	default:
		// All remaining statuses are in-progress phases.
		return WarningStyle
	}
}
