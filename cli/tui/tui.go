package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
)

// Run starts the appropriate static TUI based on the view type.
// Returns an error if the view type doesn't support TUI.
func Run(viewType string, data any) error {
	if !IsTUISupported(viewType) {
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}

	switch viewType {
	case "inspect_deployment":
		return RunInspectTUI(data)
	default:
		return fmt.Errorf("unknown view type: %s", viewType)
	}
}

// IsTUISupported returns true if the view type supports TUI mode.
// Only the read-only deployment detail view is routed through Run; the live
// watch view has its own entrypoint because it needs an event stream.
func IsTUISupported(viewType string) bool {
	switch viewType {
	case "inspect_deployment":
		return true
	default:
		return false
	}
}

// SupportedTUIViews returns a list of view types that support TUI.
func SupportedTUIViews() []string {
	return []string{"inspect_deployment"}
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
