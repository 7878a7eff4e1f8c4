package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind is the machine-readable classification of an engine error. Callers
// (UI, CLI) branch on the kind; messages are for humans.
type ErrKind string

// Error kinds.
const (
	KindNotFound           ErrKind = "not_found"
	KindInvalidInput       ErrKind = "invalid_input"
	KindValidationRejected ErrKind = "validation_rejected"
	KindIllegalTransition  ErrKind = "illegal_transition"
	KindLockContended      ErrKind = "lock_contended"
	KindTimeout            ErrKind = "timeout"
	KindUnauthorized       ErrKind = "unauthorized"
	KindAuditImmutable     ErrKind = "audit_immutable"
	KindAIUnavailable      ErrKind = "ai_unavailable"
	KindSubprocessFailed   ErrKind = "subprocess_failed"
	KindIaCParse           ErrKind = "iac_parse_error"
	KindJobRetryable       ErrKind = "job_retryable"
	KindJobFatal           ErrKind = "job_fatal"
	KindInternal           ErrKind = "internal"
)

// Error is a typed engine error carrying a kind, a stable message, and an
// optional cause.
type Error struct {
	Kind    ErrKind
	Message string
	Err     error
}

// E builds a typed error.
func E(kind ErrKind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// Ef builds a typed error with a formatted message.
func Ef(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause in a typed error.
func WrapErr(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so sentinel comparisons like
// errors.Is(err, types.E(types.KindLockContended, "")) work regardless of
// message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
// A nil err yields the empty kind.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k interface{ Kind() ErrKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool { return KindOf(err) == kind }

// LockContendedError reports that the distributed state lock is held.
type LockContendedError struct {
	Key     string
	Holder  string
	Purpose string
}

func (e *LockContendedError) Error() string {
	return fmt.Sprintf("lock_contended: %s held by %s (%s)", e.Key, e.Holder, e.Purpose)
}

// Kind classifies the error for KindOf.
func (e *LockContendedError) Kind() ErrKind { return KindLockContended }

// Is matches typed kind sentinels.
func (e *LockContendedError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == KindLockContended
}

// IllegalTransitionError reports a rejected state machine move.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal_transition: %s -> %s", e.From, e.To)
}

// Kind classifies the error for KindOf.
func (e *IllegalTransitionError) Kind() ErrKind { return KindIllegalTransition }

// Is matches typed kind sentinels.
func (e *IllegalTransitionError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == KindIllegalTransition
}

// InvalidSourceError reports infrastructure sources that failed the
// materialization pre-check. Reasons lists every violated rule.
type InvalidSourceError struct {
	Reasons []string
}

func (e *InvalidSourceError) Error() string {
	return "invalid_input: invalid infrastructure sources: " + strings.Join(e.Reasons, "; ")
}

// Kind classifies the error for KindOf.
func (e *InvalidSourceError) Kind() ErrKind { return KindInvalidInput }

// Is matches typed kind sentinels.
func (e *InvalidSourceError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == KindInvalidInput
}

// TimeoutError reports a subprocess killed on deadline, with whatever output
// was captured before the kill.
type TimeoutError struct {
	Command       string
	PartialOutput string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: command timed out: %s", e.Command)
}

// Kind classifies the error for KindOf.
func (e *TimeoutError) Kind() ErrKind { return KindTimeout }

// Is matches typed kind sentinels.
func (e *TimeoutError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == KindTimeout
}

// SubprocessError reports a subprocess that exited non-zero.
type SubprocessError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess_failed: %s (exit %d)", e.Command, e.ExitCode)
}

// Kind classifies the error for KindOf.
func (e *SubprocessError) Kind() ErrKind { return KindSubprocessFailed }

// Is matches typed kind sentinels.
func (e *SubprocessError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Kind == KindSubprocessFailed
}
