package engine

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/ai"
	"github.com/skyform-io/skyform/types"
)

// envAllowlist names the non-secret environment variables snapshotted into
// command history records. Credentials are never recorded.
var envAllowlist = []string{
	"AWS_REGION",
	"AWS_DEFAULT_REGION",
	"TF_VERSION",
	"TERRAFORM_VERSION",
}

// NextCommand returns the next pending command, or nil when the queue is
// empty, exhausted, or blocked.
func (o *Orchestrator) NextCommand(deploymentID string) (*types.Command, error) {
	q, err := o.queueFor(deploymentID)
	if err != nil {
		return nil, err
	}
	return q.NextCommand(), nil
}

// BlockingError returns the error blocking a deployment's queue, or nil.
func (o *Orchestrator) BlockingError(deploymentID string) (*types.BlockingError, error) {
	q, err := o.queueFor(deploymentID)
	if err != nil {
		return nil, err
	}
	return q.BlockingError(), nil
}

// ExecuteNext runs the current command, appends the durable history record,
// and persists the queue snapshot. A non-zero exit blocks the queue and moves
// the deployment into its phase failure sidetrack; the returned command
// carries the outcome either way.
func (o *Orchestrator) ExecuteNext(ctx context.Context, deploymentID, userID string) (types.Command, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	q, err := o.queueFor(deploymentID)
	if err != nil {
		return types.Command{}, err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return types.Command{}, err
	}

	cmd, runErr := q.Execute(ctx)
	if cmd.ID != "" {
		o.appendHistory(ctx, deploymentID, userID, cmd)
	}
	if err := o.saveSession(ctx, s, q); err != nil {
		o.logger.Error("session persist failed after command",
			zap.String("deployment_id", deploymentID),
			zap.Error(err))
	}

	switch cmd.Status {
	case types.CommandSuccess:
		o.metrics.IncCommandSucceeded()
	case types.CommandFailed, types.CommandCancelled:
		o.metrics.IncCommandFailed()
		exit := -1
		if cmd.ExitCode != nil {
			exit = *cmd.ExitCode
		}
		o.failDeployment(ctx, deploymentID, fmt.Sprintf("command %q exited %d", cmd.Command, exit))
	}
	return cmd, runErr
}

// SkipCommand skips the blocking command and unblocks the queue.
func (o *Orchestrator) SkipCommand(ctx context.Context, deploymentID, userID string) error {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	q, err := o.queueFor(deploymentID)
	if err != nil {
		return err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := q.Skip(); err != nil {
		return err
	}
	o.metrics.IncCommandSkipped()
	if err := o.saveSession(ctx, s, q); err != nil {
		return err
	}
	o.record(ctx, userID, "command_skip", deploymentID, nil)
	return nil
}

// ResolveError asks the AI to diagnose the blocking command and splices the
// suggested fix and retry commands into the queue, unblocking it. The
// analysis is persisted into the session.
func (o *Orchestrator) ResolveError(ctx context.Context, deploymentID, userID string) (*ai.AnalysisResponse, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	q, err := o.queueFor(deploymentID)
	if err != nil {
		return nil, err
	}
	blocking := q.BlockingError()
	if blocking == nil {
		return nil, types.Ef(types.KindInvalidInput, "queue for %s is not blocked", deploymentID)
	}
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	var failed []types.Command
	for _, c := range q.Commands() {
		if c.Status == types.CommandFailed {
			failed = append(failed, c)
		}
	}

	o.metrics.IncAICall()
	resp, err := o.aiClient.AnalyzeErrors(ctx, ai.Request{
		DeploymentID:   deploymentID,
		Stage:          s.CurrentStage,
		Action:         ai.ActionAnalyzeErrors,
		History:        historyLines(d, s),
		FailedCommands: failed,
	})
	if err != nil {
		o.metrics.IncAIFailure()
		return nil, err
	}

	fixes := o.filterCommands(ctx, deploymentID, userID, resp.FixCommands)
	retries := o.filterCommands(ctx, deploymentID, userID, resp.RetryCommands)
	if err := q.Resolve(fixes, retries); err != nil {
		return nil, err
	}

	s.ErrorAnalyses = append(s.ErrorAnalyses, types.ErrorAnalysis{
		Analysis:      resp.Analysis,
		FixCommands:   fixes,
		RetryCommands: retries,
		CreatedAt:     o.now().UTC(),
	})
	if err := o.saveSession(ctx, s, q); err != nil {
		return nil, err
	}
	o.record(ctx, userID, "command_resolve", deploymentID, map[string]any{
		"command": blocking.Command,
		"fixes":   len(fixes),
		"retries": len(retries),
	})
	return resp, nil
}

// Chat relays a free-form operator message to the AI. Returned commands are
// surfaced to the caller, never enqueued implicitly.
func (o *Orchestrator) Chat(ctx context.Context, deploymentID, userID, message string) (*ai.ChatResponse, error) {
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	o.metrics.IncAICall()
	resp, err := o.aiClient.Chat(ctx, ai.Request{
		DeploymentID: deploymentID,
		Stage:        s.CurrentStage,
		Action:       ai.ActionChat,
		History:      historyLines(d, s),
		Message:      message,
	})
	if err != nil {
		o.metrics.IncAIFailure()
		return nil, err
	}
	o.record(ctx, userID, "chat", deploymentID, nil)
	return resp, nil
}

// appendHistory writes the durable per-execution record, including the
// allowlisted environment snapshot. Failures are logged, never propagated.
func (o *Orchestrator) appendHistory(ctx context.Context, deploymentID, userID string, cmd types.Command) {
	rec := types.CommandRecord{
		CommandID:    cmd.ID,
		DeploymentID: deploymentID,
		Command:      cmd.Command,
		Type:         cmd.Type,
		Status:       cmd.Status,
		ExitCode:     cmd.ExitCode,
		Stdout:       cmd.Output,
		UserID:       userID,
		Env:          captureEnv(),
	}
	if cmd.StartedAt != nil {
		rec.StartedAt = *cmd.StartedAt
	}
	if cmd.CompletedAt != nil {
		rec.CompletedAt = *cmd.CompletedAt
		rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}
	if err := o.history.Append(ctx, rec); err != nil {
		o.logger.Error("command history append failed",
			zap.String("deployment_id", deploymentID),
			zap.String("command_id", cmd.ID),
			zap.Error(err))
	}
}

func captureEnv() map[string]string {
	env := make(map[string]string, len(envAllowlist))
	for _, key := range envAllowlist {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			env[key] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// Progress reports queue completion for a deployment.
func (o *Orchestrator) Progress(deploymentID string) (completed, total int, blocked bool, err error) {
	q, err := o.queueFor(deploymentID)
	if err != nil {
		return 0, 0, false, err
	}
	p := q.Progress()
	return p.Completed, p.Total, p.IsBlocked, nil
}
