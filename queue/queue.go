// Package queue runs per-deployment command queues with strict in-order
// execution and a blocking gate on failure.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/types"
)

// InterruptedReason marks commands that were running when the process died.
const InterruptedReason = "interrupted"

// Progress summarizes queue completion for UI callers.
type Progress struct {
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	IsBlocked bool `json:"isBlocked"`
}

// Executor runs one command and reports its outcome. Satisfied by
// *runner.Runner via RunnerExecutor.
type Executor interface {
	Execute(ctx context.Context, cmd types.Command, correlation string) (exitCode int, output string, err error)
}

// RunnerExecutor adapts a subprocess runner to the queue's Executor contract.
type RunnerExecutor struct {
	Runner  *runner.Runner
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Execute runs the command under the host shell, streaming under the given
// correlation key.
func (e RunnerExecutor) Execute(ctx context.Context, cmd types.Command, correlation string) (int, string, error) {
	res, err := e.Runner.Run(ctx, cmd.Command, runner.Options{
		Dir:         e.Dir,
		Env:         e.Env,
		Timeout:     e.Timeout,
		Correlation: correlation,
	})
	if err != nil {
		return -1, "", err
	}
	return res.ExitCode, res.Output(), nil
}

// Queue holds the command list for one deployment. All operations are
// serialized by the embedded mutex; Execute additionally holds a run gate so
// at most one command is in flight.
type Queue struct {
	mu           sync.Mutex
	deploymentID string
	commands     []types.Command
	currentIndex int
	isBlocked    bool
	blocking     *types.BlockingError
	running      bool

	exec   Executor
	hub    *runner.Hub
	logger *log.Logger
}

// New creates an empty queue for a deployment. hub may be nil.
func New(deploymentID string, exec Executor, hub *runner.Hub, logger *log.Logger) *Queue {
	return &Queue{deploymentID: deploymentID, exec: exec, hub: hub, logger: logger}
}

// Restore rebuilds a queue from a persisted snapshot. Commands that were
// running at snapshot time become failed with reason "interrupted" and block
// the queue, so a restart never silently re-runs a half-finished command.
func Restore(deploymentID string, snap types.QueueSnapshot, exec Executor, hub *runner.Hub, logger *log.Logger) *Queue {
	q := New(deploymentID, exec, hub, logger)
	q.commands = make([]types.Command, len(snap.Commands))
	copy(q.commands, snap.Commands)
	q.currentIndex = snap.CurrentIndex
	q.isBlocked = snap.IsBlocked
	q.blocking = snap.BlockingError

	for i := range q.commands {
		if q.commands[i].Status == types.CommandRunning {
			q.commands[i].Status = types.CommandFailed
			// Keep whatever output the command produced before the crash.
			if q.commands[i].Output != "" {
				q.commands[i].Output += "\n" + InterruptedReason
			} else {
				q.commands[i].Output = InterruptedReason
			}
			q.isBlocked = true
			q.blocking = &types.BlockingError{
				Command:     q.commands[i].Command,
				ExitCode:    -1,
				ErrorOutput: InterruptedReason,
			}
			if i < q.currentIndex {
				q.currentIndex = i
			}
		}
	}
	return q
}

// Enqueue replaces the queue contents. It is rejected while a command is
// running. Commands get fresh IDs when they have none, pending status, and
// the queue resets to index zero, unblocked.
func (q *Queue) Enqueue(commands []types.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return types.Ef(types.KindInvalidInput, "cannot replace queue for %s while a command is running", q.deploymentID)
	}

	q.commands = make([]types.Command, len(commands))
	for i, c := range commands {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Status = types.CommandPending
		c.Output = ""
		c.ExitCode = nil
		q.commands[i] = c
		q.publish(types.EventCommandQueued, c, nil)
	}
	q.currentIndex = 0
	q.isBlocked = false
	q.blocking = nil
	return nil
}

// NextCommand returns the command at the current index when it is pending and
// the queue is not blocked; otherwise nil.
func (q *Queue) NextCommand() *types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isBlocked || q.currentIndex >= len(q.commands) {
		return nil
	}
	c := q.commands[q.currentIndex]
	if c.Status != types.CommandPending {
		return nil
	}
	out := c
	return &out
}

// Execute runs the command at the current index. Exit code zero marks it
// success and advances the index; non-zero marks it failed and blocks the
// queue. Cancellation marks it cancelled and blocks the queue, since a
// cancelled step needs the same operator intervention as a failed one.
func (q *Queue) Execute(ctx context.Context) (types.Command, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return types.Command{}, types.Ef(types.KindInvalidInput, "a command is already running for %s", q.deploymentID)
	}
	if q.isBlocked {
		q.mu.Unlock()
		return types.Command{}, types.Ef(types.KindInvalidInput, "queue for %s is blocked; resolve or skip first", q.deploymentID)
	}
	if q.currentIndex >= len(q.commands) || q.commands[q.currentIndex].Status != types.CommandPending {
		q.mu.Unlock()
		return types.Command{}, types.Ef(types.KindNotFound, "no pending command for %s", q.deploymentID)
	}

	idx := q.currentIndex
	q.commands[idx].Status = types.CommandRunning
	now := time.Now().UTC()
	q.commands[idx].StartedAt = &now
	q.running = true
	cmd := q.commands[idx]
	q.mu.Unlock()

	q.publish(types.EventCommandStarted, cmd, nil)
	correlation := types.CorrelationKey("command", cmd.ID)
	exitCode, output, runErr := q.exec.Execute(ctx, cmd, correlation)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	done := time.Now().UTC()
	q.commands[idx].CompletedAt = &done
	q.commands[idx].Output = output
	q.commands[idx].ExitCode = &exitCode

	switch {
	case runErr != nil && ctx.Err() != nil:
		q.commands[idx].Status = types.CommandCancelled
		q.block(idx, exitCode, "cancelled")
		q.publish(types.EventCommandCancelled, q.commands[idx], &exitCode)
		return q.commands[idx], runErr
	case runErr != nil:
		q.commands[idx].Status = types.CommandFailed
		if q.commands[idx].Output == "" {
			q.commands[idx].Output = runErr.Error()
		}
		q.block(idx, exitCode, q.commands[idx].Output)
		q.publish(types.EventCommandFailed, q.commands[idx], &exitCode)
		return q.commands[idx], runErr
	case exitCode == 0:
		q.commands[idx].Status = types.CommandSuccess
		q.currentIndex++
		q.publish(types.EventCommandCompleted, q.commands[idx], &exitCode)
		return q.commands[idx], nil
	default:
		q.commands[idx].Status = types.CommandFailed
		q.block(idx, exitCode, output)
		q.publish(types.EventCommandFailed, q.commands[idx], &exitCode)
		return q.commands[idx], nil
	}
}

func (q *Queue) block(idx, exitCode int, output string) {
	q.isBlocked = true
	q.blocking = &types.BlockingError{
		Command:     q.commands[idx].Command,
		ExitCode:    exitCode,
		ErrorOutput: output,
	}
	q.logger.Warn("queue blocked",
		zap.String("deployment_id", q.deploymentID),
		zap.String("command", q.commands[idx].Command),
		zap.Int("exit_code", exitCode))
}

// Skip marks the blocking command skipped and unblocks the queue. Only valid
// while blocked.
func (q *Queue) Skip() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isBlocked {
		return types.Ef(types.KindInvalidInput, "queue for %s is not blocked", q.deploymentID)
	}
	q.commands[q.currentIndex].Status = types.CommandSkipped
	q.currentIndex++
	q.isBlocked = false
	q.blocking = nil
	return nil
}

// Resolve splices AI-supplied fix commands immediately after the blocking
// command, followed by retry commands, and unblocks the queue. The blocking
// command itself stays failed; the retry list is expected to contain its
// corrected form.
func (q *Queue) Resolve(fixCommands, retryCommands []types.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isBlocked {
		return types.Ef(types.KindInvalidInput, "queue for %s is not blocked", q.deploymentID)
	}

	spliced := make([]types.Command, 0, len(fixCommands)+len(retryCommands))
	for _, c := range append(append([]types.Command{}, fixCommands...), retryCommands...) {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Status = types.CommandPending
		spliced = append(spliced, c)
		q.publish(types.EventCommandQueued, c, nil)
	}

	at := q.currentIndex + 1
	tail := make([]types.Command, len(q.commands[at:]))
	copy(tail, q.commands[at:])
	q.commands = append(q.commands[:at], append(spliced, tail...)...)

	q.currentIndex = at
	q.isBlocked = false
	q.blocking = nil
	return nil
}

// BlockingError returns the error that blocked the queue, or nil.
func (q *Queue) BlockingError() *types.BlockingError {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.blocking == nil {
		return nil
	}
	out := *q.blocking
	return &out
}

// Progress reports completion counts. Completed counts terminal statuses
// before the current index; a command blocking at the current index has not
// been gotten past, so it does not count.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	completed := 0
	for i := 0; i < q.currentIndex && i < len(q.commands); i++ {
		if q.commands[i].Status.IsTerminal() {
			completed++
		}
	}
	return Progress{Completed: completed, Total: len(q.commands), IsBlocked: q.isBlocked}
}

// Done reports whether every command reached a terminal state with none
// blocking.
func (q *Queue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.isBlocked && q.currentIndex >= len(q.commands)
}

// Snapshot captures the queue for persistence into the StageSession.
func (q *Queue) Snapshot() types.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Command, len(q.commands))
	copy(out, q.commands)
	var blocking *types.BlockingError
	if q.blocking != nil {
		b := *q.blocking
		blocking = &b
	}
	return types.QueueSnapshot{
		Commands:      out,
		CurrentIndex:  q.currentIndex,
		IsBlocked:     q.isBlocked,
		BlockingError: blocking,
	}
}

// Commands returns a copy of the queue contents.
func (q *Queue) Commands() []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Command, len(q.commands))
	copy(out, q.commands)
	return out
}

func (q *Queue) publish(et types.EventType, cmd types.Command, exitCode *int) {
	if q.hub == nil {
		return
	}
	q.hub.Publish(types.CorrelationKey("deployment", q.deploymentID), types.StreamEvent{
		Type:     et,
		Data:     cmd.Command,
		ExitCode: exitCode,
		Message:  cmd.ID,
	})
}
