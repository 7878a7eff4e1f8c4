package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/skyform-io/skyform/types"
)

func TestKindOf(t *testing.T) {
	err := types.E(types.KindLockContended, "state lock held")
	if got := types.KindOf(err); got != types.KindLockContended {
		t.Errorf("KindOf = %s, want %s", got, types.KindLockContended)
	}

	wrapped := fmt.Errorf("plan: %w", err)
	if got := types.KindOf(wrapped); got != types.KindLockContended {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, types.KindLockContended)
	}

	if got := types.KindOf(errors.New("plain")); got != types.KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, types.KindInternal)
	}

	if got := types.KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestKindOf_StructErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind types.ErrKind
	}{
		{&types.LockContendedError{Key: "k", Holder: "h", Purpose: "plan"}, types.KindLockContended},
		{&types.IllegalTransitionError{From: types.StatusDeployed, To: types.StatusGathering}, types.KindIllegalTransition},
		{&types.InvalidSourceError{Reasons: []string{"main.tf too short"}}, types.KindInvalidInput},
		{&types.TimeoutError{Command: "sleep 99", PartialOutput: "partial"}, types.KindTimeout},
		{&types.SubprocessError{Command: "false", ExitCode: 1}, types.KindSubprocessFailed},
	}
	for _, tc := range cases {
		if got := types.KindOf(tc.err); got != tc.kind {
			t.Errorf("KindOf(%T) = %s, want %s", tc.err, got, tc.kind)
		}
		wrapped := fmt.Errorf("run: %w", tc.err)
		if !types.IsKind(wrapped, tc.kind) {
			t.Errorf("IsKind(wrapped %T, %s) = false", tc.err, tc.kind)
		}
	}
}

func TestTypedErrors_MatchKindSentinels(t *testing.T) {
	cases := []struct {
		err  error
		kind types.ErrKind
	}{
		{&types.LockContendedError{Key: "k", Holder: "h", Purpose: "plan"}, types.KindLockContended},
		{&types.IllegalTransitionError{From: types.StatusDeployed, To: types.StatusGathering}, types.KindIllegalTransition},
		{&types.InvalidSourceError{Reasons: []string{"main.tf too short"}}, types.KindInvalidInput},
		{&types.TimeoutError{Command: "sleep 99"}, types.KindTimeout},
		{&types.SubprocessError{Command: "false", ExitCode: 1}, types.KindSubprocessFailed},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, types.E(tc.kind, "")) {
			t.Errorf("%T does not match kind %s", tc.err, tc.kind)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := types.WrapErr(types.KindAIUnavailable, "generation request failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}
