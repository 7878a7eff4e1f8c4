package types

import "time"

// EventType discriminates streaming event frames delivered to subscribers.
type EventType string

// Event type constants.
const (
	EventStdout           EventType = "stdout"
	EventStderr           EventType = "stderr"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
	EventEnd              EventType = "end"
	EventCommandQueued    EventType = "command_queued"
	EventCommandStarted   EventType = "command_started"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandCancelled EventType = "command_cancelled"
	EventCLILog           EventType = "cli_log"
	EventJobProgress      EventType = "job_progress"
)

// IsTerminal returns true for event types that end a correlation stream.
func (t EventType) IsTerminal() bool {
	return t == EventEnd || t == EventError
}

// StreamEvent is one frame delivered to stream subscribers.
//
// Correlation keys are "<kind>:<id>" (for example "command:<commandId>",
// "job:<jobId>"). Subscribers only observe events published after they
// subscribe; a terminal end frame carries the exit code and final buffered
// output.
type StreamEvent struct {
	Type        EventType `json:"type"`
	Correlation string    `json:"correlation"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         int64     `json:"seq"`

	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// CorrelationKey builds a fan-out correlation key from kind and id.
func CorrelationKey(kind, id string) string { return kind + ":" + id }
