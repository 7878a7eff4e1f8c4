package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/skyform-io/skyform/cli/cmd"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitErrHandler_ExitCoder(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"success", cli.Exit("", cmd.ExitOK), cmd.ExitOK},
		{"operation failure", cli.Exit("store unreachable", cmd.ExitFailure), cmd.ExitFailure},
		{"usage error", cli.Exit("missing deployment id", cmd.ExitUsage), cmd.ExitUsage},
		{"unauthenticated", cli.Exit("not logged in", cmd.ExitUnauthenticated), cmd.ExitUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// We can't test os.Exit without a subprocess, but we can verify
			// the error is recognized as ExitCoder with the right code.
			var exitCoder cli.ExitCoder
			if !errors.As(tt.err, &exitCoder) {
				t.Fatal("error should be cli.ExitCoder")
			}
			if exitCoder.ExitCode() != tt.wantCode {
				t.Errorf("exit code = %d, want %d", exitCoder.ExitCode(), tt.wantCode)
			}
		})
	}
}

func TestExitErrHandler_WrappedExitCoder(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), cli.Exit("inner error", 42))

	var exitCoder cli.ExitCoder
	if !errors.As(wrapped, &exitCoder) {
		t.Fatal("wrapped error should still match cli.ExitCoder")
	}
	if exitCoder.ExitCode() != 42 {
		t.Errorf("exit code = %d, want 42", exitCoder.ExitCode())
	}
}

func TestExitErrHandler_RegularError(t *testing.T) {
	err := errors.New("regular error")

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		t.Fatal("regular error should not be cli.ExitCoder")
	}
}
