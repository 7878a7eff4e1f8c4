// Package metrics provides engine-wide counters.
//
// The Collector accumulates counters over the daemon's lifetime. It is a leaf
// package with no internal dependencies; the composition root injects one
// instance into the orchestrator and the job dispatcher, and the daemon logs a
// snapshot at shutdown.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all engine counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Stage lifecycle
	StagesStarted  int64 `json:"stagesStarted"`
	StagesAdvanced int64 `json:"stagesAdvanced"`
	StagesRetried  int64 `json:"stagesRetried"`

	// Command execution
	CommandsSucceeded int64 `json:"commandsSucceeded"`
	CommandsFailed    int64 `json:"commandsFailed"`
	CommandsSkipped   int64 `json:"commandsSkipped"`
	CommandsDenied    int64 `json:"commandsDenied"`

	// AI calls
	AICalls    int64 `json:"aiCalls"`
	AIFailures int64 `json:"aiFailures"`

	// Jobs
	JobsSubmitted int64 `json:"jobsSubmitted"`
	JobsCompleted int64 `json:"jobsCompleted"`
	JobsFailed    int64 `json:"jobsFailed"`
	JobsRetried   int64 `json:"jobsRetried"`

	// State lock
	LockAcquired  int64 `json:"lockAcquired"`
	LockContended int64 `json:"lockContended"`

	// Dimensions (informational, set at construction)
	Environment string `json:"environment,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// Collector accumulates engine counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	stagesStarted  int64
	stagesAdvanced int64
	stagesRetried  int64

	commandsSucceeded int64
	commandsFailed    int64
	commandsSkipped   int64
	commandsDenied    int64

	aiCalls    int64
	aiFailures int64

	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
	jobsRetried   int64

	lockAcquired  int64
	lockContended int64

	environment string
	nodeID      string
}

// NewCollector creates a Collector with dimension labels. Both dimensions are
// optional.
func NewCollector(environment, nodeID string) *Collector {
	return &Collector{environment: environment, nodeID: nodeID}
}

// --- Stage lifecycle ---

// IncStageStarted records an AI generation kicking off a stage.
func (c *Collector) IncStageStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stagesStarted++
	c.mu.Unlock()
}

// IncStageAdvanced records a stage passing verification and advancing.
func (c *Collector) IncStageAdvanced() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stagesAdvanced++
	c.mu.Unlock()
}

// IncStageRetried records a stage re-entering its queue after a failed
// verification.
func (c *Collector) IncStageRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stagesRetried++
	c.mu.Unlock()
}

// --- Command execution ---

// IncCommandSucceeded records a command finishing with exit code zero.
func (c *Collector) IncCommandSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsSucceeded++
	c.mu.Unlock()
}

// IncCommandFailed records a command failure or cancellation.
func (c *Collector) IncCommandFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsFailed++
	c.mu.Unlock()
}

// IncCommandSkipped records an operator skipping a blocking command.
func (c *Collector) IncCommandSkipped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsSkipped++
	c.mu.Unlock()
}

// IncCommandDenied records the validator rejecting an AI-proposed command.
func (c *Collector) IncCommandDenied() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.commandsDenied++
	c.mu.Unlock()
}

// --- AI calls ---

// IncAICall records one AI service call.
func (c *Collector) IncAICall() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.aiCalls++
	c.mu.Unlock()
}

// IncAIFailure records an AI call that errored.
func (c *Collector) IncAIFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.aiFailures++
	c.mu.Unlock()
}

// --- Jobs ---

// IncJobSubmitted records a job entering the dispatcher.
func (c *Collector) IncJobSubmitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSubmitted++
	c.mu.Unlock()
}

// IncJobCompleted records a job finishing successfully.
func (c *Collector) IncJobCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsCompleted++
	c.mu.Unlock()
}

// IncJobFailed records a job exhausting its attempts.
func (c *Collector) IncJobFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsFailed++
	c.mu.Unlock()
}

// IncJobRetried records a retryable job failure going back on the queue.
func (c *Collector) IncJobRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsRetried++
	c.mu.Unlock()
}

// --- State lock ---

// IncLockAcquired records a successful state-lock acquisition.
func (c *Collector) IncLockAcquired() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lockAcquired++
	c.mu.Unlock()
}

// IncLockContended records a state-lock acquisition losing to a holder.
func (c *Collector) IncLockContended() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lockContended++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		StagesStarted:  c.stagesStarted,
		StagesAdvanced: c.stagesAdvanced,
		StagesRetried:  c.stagesRetried,

		CommandsSucceeded: c.commandsSucceeded,
		CommandsFailed:    c.commandsFailed,
		CommandsSkipped:   c.commandsSkipped,
		CommandsDenied:    c.commandsDenied,

		AICalls:    c.aiCalls,
		AIFailures: c.aiFailures,

		JobsSubmitted: c.jobsSubmitted,
		JobsCompleted: c.jobsCompleted,
		JobsFailed:    c.jobsFailed,
		JobsRetried:   c.jobsRetried,

		LockAcquired:  c.lockAcquired,
		LockContended: c.lockContended,

		Environment: c.environment,
		NodeID:      c.nodeID,
	}
}
