package types

import "time"

// CommandType classifies the tool a command invokes. The validator keeps a
// separate pattern table per type.
type CommandType string

// Command type constants.
const (
	CommandShell    CommandType = "shell"
	CommandIaC      CommandType = "iac"
	CommandProvider CommandType = "provider"
	CommandDocker   CommandType = "docker"
)

// CommandStatus represents the execution status of a queued command.
type CommandStatus string

// Command status constants.
const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandSuccess   CommandStatus = "success"
	CommandFailed    CommandStatus = "failed"
	CommandSkipped   CommandStatus = "skipped"
	CommandCancelled CommandStatus = "cancelled"
)

// IsTerminal returns true if the status can no longer change.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandSuccess, CommandFailed, CommandSkipped, CommandCancelled:
		return true
	}
	return false
}

// Command is one entry of a deployment's command queue.
type Command struct {
	ID      string      `bson:"id" json:"id"`
	Command string      `bson:"command" json:"command"`
	Type    CommandType `bson:"type" json:"type"`
	Reason  string      `bson:"reason,omitempty" json:"reason,omitempty"`

	Status   CommandStatus `bson:"status" json:"status"`
	ExitCode *int          `bson:"exitCode,omitempty" json:"exitCode,omitempty"`
	Output   string        `bson:"output,omitempty" json:"output,omitempty"`

	IsFixCommand   bool `bson:"isFixCommand,omitempty" json:"isFixCommand,omitempty"`
	IsRetryCommand bool `bson:"isRetryCommand,omitempty" json:"isRetryCommand,omitempty"`

	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// BlockingError summarizes the failed command that blocks a queue.
type BlockingError struct {
	Command     string `bson:"command" json:"command"`
	ExitCode    int    `bson:"exitCode" json:"exitCode"`
	ErrorOutput string `bson:"errorOutput,omitempty" json:"errorOutput,omitempty"`
}

// QueueSnapshot is the persisted form of a command queue. It lives inside the
// deployment's stage session document and is the resume anchor after a crash.
type QueueSnapshot struct {
	Commands      []Command      `bson:"commands" json:"commands"`
	CurrentIndex  int            `bson:"currentIndex" json:"currentIndex"`
	IsBlocked     bool           `bson:"isBlocked" json:"isBlocked"`
	BlockingError *BlockingError `bson:"blockingError,omitempty" json:"blockingError,omitempty"`
}

// CommandRecord is the durable per-execution history record. It survives
// queue rotation and is append-only.
type CommandRecord struct {
	CommandID    string        `bson:"commandId" json:"commandId"`
	DeploymentID string        `bson:"deploymentId" json:"deploymentId"`
	Command      string        `bson:"command" json:"command"`
	Type         CommandType   `bson:"type" json:"type"`
	Status       CommandStatus `bson:"status" json:"status"`
	ExitCode     *int          `bson:"exitCode,omitempty" json:"exitCode,omitempty"`
	Stdout       string        `bson:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr       string        `bson:"stderr,omitempty" json:"stderr,omitempty"`
	UserID       string        `bson:"userId,omitempty" json:"userId,omitempty"`
	WorkDir      string        `bson:"workingDirectory,omitempty" json:"workingDirectory,omitempty"`
	// Env holds a snapshot of non-secret environment values captured at
	// execution time (region, workdir, tool versions). Credentials are never
	// recorded.
	Env         map[string]string `bson:"env,omitempty" json:"env,omitempty"`
	StartedAt   time.Time         `bson:"startedAt" json:"startedAt"`
	CompletedAt time.Time         `bson:"completedAt" json:"completedAt"`
	DurationMs  int64             `bson:"durationMs" json:"durationMs"`
}
