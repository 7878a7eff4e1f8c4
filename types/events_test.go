package types_test

import (
	"testing"

	"github.com/skyform-io/skyform/types"
)

func TestEventType_IsTerminal(t *testing.T) {
	terminal := []types.EventType{types.EventEnd, types.EventError}
	for _, et := range terminal {
		if !et.IsTerminal() {
			t.Errorf("expected %s to be terminal", et)
		}
	}

	nonTerminal := []types.EventType{
		types.EventStdout,
		types.EventStderr,
		types.EventComplete,
		types.EventCommandQueued,
		types.EventCommandStarted,
		types.EventJobProgress,
	}
	for _, et := range nonTerminal {
		if et.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", et)
		}
	}
}

func TestCorrelationKey(t *testing.T) {
	got := types.CorrelationKey("command", "abc-123")
	if got != "command:abc-123" {
		t.Errorf("unexpected correlation key: %s", got)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []types.Status{
		types.StatusDeployed,
		types.StatusCancelled,
		types.StatusDestroyed,
		types.StatusRolledBack,
		types.StatusRollbackFailed,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	// Failure sidetracks stay resumable.
	for _, s := range []types.Status{
		types.StatusValidationFailed,
		types.StatusSandboxFailed,
		types.StatusDeploymentFailed,
	} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
		if !s.IsFailure() {
			t.Errorf("expected %s to be a failure status", s)
		}
	}
}

func TestNextStage_Order(t *testing.T) {
	if got := types.NextStage(types.StageAnalyze); got != types.StageConfigure {
		t.Errorf("expected CONFIGURE after ANALYZE, got %s", got)
	}
	if got := types.NextStage(types.StageHealthCheck); got != "" {
		t.Errorf("expected no stage after HEALTH_CHECK, got %s", got)
	}
	if !types.IsFinalStage(types.StageHealthCheck) {
		t.Error("expected HEALTH_CHECK to be the final stage")
	}
}

func TestCommandStatus_IsTerminal(t *testing.T) {
	cases := map[types.CommandStatus]bool{
		types.CommandPending:   false,
		types.CommandRunning:   false,
		types.CommandSuccess:   true,
		types.CommandFailed:    true,
		types.CommandSkipped:   true,
		types.CommandCancelled: true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}
