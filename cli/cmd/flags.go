// Package cmd provides CLI commands for the skyform binary.
package cmd

import "github.com/urfave/cli/v2"

// Exit codes for the operator CLI.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitUsage           = 2
	ExitUnauthenticated = 3
)

// Shared flags.
var (
	// ConfigFlag points at an alternate skyform.yaml.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to skyform.yaml (default: $SKYFORM_CONFIG or ./skyform.yaml)",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for the deployment detail view; watch has its own command.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (deployments get only)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error
// messages instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// MutatingFlags returns the shared flags for commands that change state.
func MutatingFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		FormatFlag,
		NoColorFlag,
	}
}

// opFailure wraps an operation error in a cli.Exit with code 1 so the exit
// handler propagates it.
func opFailure(err error) error {
	return cli.Exit(err.Error(), ExitFailure)
}

// usageError reports a usage problem with exit code 2.
func usageError(msg string) error {
	return cli.Exit(msg, ExitUsage)
}
