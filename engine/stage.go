package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/ai"
	"github.com/skyform-io/skyform/policy"
	"github.com/skyform-io/skyform/types"
)

// stageTarget maps each stage to the status a deployment holds while the
// stage runs. A stage owns several statuses; the target is the last one of
// its group on the happy path.
var stageTarget = map[types.StageID]types.Status{
	types.StageAnalyze:         types.StatusCodeAnalysis,
	types.StageConfigure:       types.StatusDependencyAnalysis,
	types.StageGenerate:        types.StatusPlanning,
	types.StageAwaitFileUpload: types.StatusPlanning,
	types.StageVerifyFiles:     types.StatusValidating,
	types.StageLocalBuild:      types.StatusEstimated,
	types.StageLocalTest:       types.StatusPendingApproval,
	types.StageProvision:       types.StatusSandboxDeploying,
	types.StageDeploy:          types.StatusDeploying,
	types.StageHealthCheck:     types.StatusDeploying,
}

// happyPath is the linear status chain from creation to DEPLOYED.
var happyPath = []types.Status{
	types.StatusInitial,
	types.StatusGathering,
	types.StatusRepositoryAnalysis,
	types.StatusCodeAnalysis,
	types.StatusInfrastructureDiscovery,
	types.StatusDependencyAnalysis,
	types.StatusPlanning,
	types.StatusValidating,
	types.StatusEstimated,
	types.StatusPendingApproval,
	types.StatusApproved,
	types.StatusSandboxDeploying,
	types.StatusTesting,
	types.StatusGithubCommit,
	types.StatusGithubActions,
	types.StatusDeploying,
	types.StatusDeployed,
}

// reentry maps each failure sidetrack to the status a resumed deployment
// re-enters.
var reentry = map[types.Status]types.Status{
	types.StatusValidationFailed: types.StatusValidating,
	types.StatusSandboxFailed:    types.StatusSandboxDeploying,
	types.StatusDeploymentFailed: types.StatusDeploying,
}

func pathIndex(s types.Status) int {
	for i, p := range happyPath {
		if p == s {
			return i
		}
	}
	return -1
}

// advanceStatus walks the deployment along the happy path up to target,
// committing each step through the state machine. Failure sidetracks re-enter
// their phase first. Crossing PENDING_APPROVAL requires an explicit Approve
// call and is refused here.
func (o *Orchestrator) advanceStatus(ctx context.Context, deploymentID string, target types.Status, reason string) (*types.Deployment, error) {
	ti := pathIndex(target)
	if ti < 0 {
		return nil, types.Ef(types.KindInternal, "status %s is not on the pipeline path", target)
	}
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if re, ok := reentry[d.Status]; ok {
		// DEPLOYMENT_FAILED is the catch-all sidetrack; when the resumed
		// stage is earlier than the deploy phase, re-enter at GATHERING and
		// re-walk instead of jumping ahead.
		if d.Status == types.StatusDeploymentFailed && ti < pathIndex(types.StatusDeploying) {
			re = types.StatusGathering
		}
		d, err = o.machine.Transition(ctx, deploymentID, re, reason, o.actor)
		if err != nil {
			return nil, err
		}
	}
	for {
		ci := pathIndex(d.Status)
		if ci < 0 {
			return nil, types.Ef(types.KindIllegalTransition, "deployment %s is %s and cannot advance to %s", deploymentID, d.Status, target)
		}
		if ci >= ti {
			return d, nil
		}
		if d.Status == types.StatusPendingApproval {
			return nil, types.Ef(types.KindUnauthorized, "deployment %s awaits approval", deploymentID)
		}
		d, err = o.machine.Transition(ctx, deploymentID, happyPath[ci+1], reason, o.actor)
		if err != nil {
			return nil, err
		}
	}
}

// BeginStage asks the AI for the current stage's plan, persists it into the
// session, and replaces the command queue with the validator-filtered
// commands. File proposals land pending in the session.
func (o *Orchestrator) BeginStage(ctx context.Context, deploymentID, userID string) (*types.StageSession, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return nil, types.Ef(types.KindInvalidInput, "deployment %s is %s; no further stages", deploymentID, d.Status)
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	if _, err := o.advanceStatus(ctx, deploymentID, stageTarget[s.CurrentStage], "stage "+string(s.CurrentStage)); err != nil {
		return nil, err
	}

	o.metrics.IncAICall()
	resp, err := o.aiClient.Generate(ctx, ai.Request{
		DeploymentID:   deploymentID,
		Stage:          s.CurrentStage,
		Action:         ai.ActionGenerate,
		ProjectContext: projectContext(d),
		History:        historyLines(d, s),
	})
	if err != nil {
		o.metrics.IncAIFailure()
		o.failDeployment(ctx, deploymentID, "ai generation failed: "+err.Error())
		return nil, err
	}

	accepted := o.filterCommands(ctx, deploymentID, userID, resp.Commands)

	q := o.ensureQueue(deploymentID)
	if err := q.Enqueue(accepted); err != nil {
		return nil, err
	}

	s.Instructions = resp.Instructions
	now := o.now().UTC()
	for _, p := range resp.FileProposals {
		p.ID = uuid.NewString()
		p.Status = types.ProposalPending
		p.CreatedAt = now
		s.Proposals = append(s.Proposals, p)
	}
	if err := o.saveSession(ctx, s, q); err != nil {
		return nil, err
	}

	o.metrics.IncStageStarted()
	o.record(ctx, userID, "stage_begin", deploymentID, map[string]any{
		"stage":     string(s.CurrentStage),
		"commands":  len(accepted),
		"proposals": len(resp.FileProposals),
	})
	o.logger.Info("stage began",
		zap.String("deployment_id", deploymentID),
		zap.String("stage", string(s.CurrentStage)),
		zap.Int("commands", len(accepted)))
	return s, nil
}

// filterCommands runs AI-proposed commands through the validator. Denied
// commands are dropped and audited; confirmation requirements are carried in
// the command reason for the operator surface.
func (o *Orchestrator) filterCommands(ctx context.Context, deploymentID, userID string, cmds []types.Command) []types.Command {
	accepted := make([]types.Command, 0, len(cmds))
	for _, c := range cmds {
		res, err := o.validator.Validate(policy.Input{
			Command:      c.Command,
			DeploymentID: deploymentID,
			UserID:       userID,
			Type:         c.Type,
		})
		if err != nil {
			o.metrics.IncCommandDenied()
			o.record(ctx, userID, "command_denied", deploymentID, map[string]any{
				"command": c.Command,
				"reason":  res.Reason,
			})
			o.logger.Warn("command denied",
				zap.String("deployment_id", deploymentID),
				zap.String("command", c.Command),
				zap.String("reason", res.Reason))
			continue
		}
		if res.Verdict == policy.VerdictConfirm && c.Reason == "" {
			c.Reason = "requires confirmation: " + res.Reason
		}
		accepted = append(accepted, c)
	}
	return accepted
}

// VerifyStage asks the AI whether the completed stage actually succeeded.
// A pass advances the session to the next stage (DEPLOYED on the final one);
// a fail re-enters the queue with the suggested remediation commands.
func (o *Orchestrator) VerifyStage(ctx context.Context, deploymentID, userID string) (*ai.VerifyResponse, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	q, err := o.queueFor(deploymentID)
	if err != nil {
		return nil, err
	}
	if !q.Done() {
		return nil, types.Ef(types.KindInvalidInput, "queue for %s has pending or blocked commands", deploymentID)
	}
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	statusMap, samples := summarizeCommands(q.Commands())
	o.metrics.IncAICall()
	resp, err := o.aiClient.AutoVerify(ctx, ai.Request{
		DeploymentID:  deploymentID,
		Stage:         s.CurrentStage,
		Action:        ai.ActionAutoVerify,
		History:       historyLines(d, s),
		StatusMap:     statusMap,
		OutputSamples: samples,
	})
	if err != nil {
		o.metrics.IncAIFailure()
		return nil, err
	}

	now := o.now().UTC()
	s.Verifications = append(s.Verifications, types.Verification{
		StageID:   s.CurrentStage,
		Passed:    resp.Passed,
		Analysis:  resp.Analysis,
		Timestamp: now,
	})

	if !resp.ShouldAdvance {
		o.metrics.IncStageRetried()
		s.StageHistory = append(s.StageHistory, types.StageResult{StageID: s.CurrentStage, Success: false, Timestamp: now})
		remediation := o.filterCommands(ctx, deploymentID, userID, append(append([]types.Command{}, resp.FixCommands...), resp.RetryCommands...))
		if len(remediation) > 0 {
			if err := q.Enqueue(remediation); err != nil {
				return nil, err
			}
		}
		if err := o.saveSession(ctx, s, q); err != nil {
			return nil, err
		}
		o.record(ctx, userID, "stage_verify", deploymentID, map[string]any{"stage": string(s.CurrentStage), "passed": false})
		return resp, nil
	}

	s.StageHistory = append(s.StageHistory, types.StageResult{StageID: s.CurrentStage, Success: true, Timestamp: now})
	finished := types.IsFinalStage(s.CurrentStage)
	if finished {
		d, err = o.advanceStatus(ctx, deploymentID, types.StatusDeployed, "pipeline completed")
		if err != nil {
			return nil, err
		}
		o.publishCompletion(ctx, d)
	} else {
		s.CurrentStage = types.NextStage(s.CurrentStage)
	}
	if err := o.saveSession(ctx, s, q); err != nil {
		return nil, err
	}

	o.metrics.IncStageAdvanced()
	o.record(ctx, userID, "stage_verify", deploymentID, map[string]any{"stage": string(s.CurrentStage), "passed": true})
	o.logger.Info("stage advanced",
		zap.String("deployment_id", deploymentID),
		zap.String("stage", string(s.CurrentStage)),
		zap.Bool("finished", finished))
	return resp, nil
}

// RunStage drives one full stage: begin, execute every command, verify.
// It stops with a SubprocessFailed error when the queue blocks; the operator
// resolves or skips and calls RunStage again (BeginStage is idempotent per
// stage only through verification, so re-entry goes through ExecuteNext).
func (o *Orchestrator) RunStage(ctx context.Context, deploymentID, userID string) (*ai.VerifyResponse, error) {
	if _, err := o.BeginStage(ctx, deploymentID, userID); err != nil {
		return nil, err
	}
	return o.FinishStage(ctx, deploymentID, userID)
}

// FinishStage executes the remaining queue and verifies, without replacing
// the plan. Used after resolve/skip or resume.
func (o *Orchestrator) FinishStage(ctx context.Context, deploymentID, userID string) (*ai.VerifyResponse, error) {
	for {
		q, err := o.queueFor(deploymentID)
		if err != nil {
			return nil, err
		}
		if q.Done() {
			break
		}
		if q.NextCommand() == nil {
			b := q.BlockingError()
			if b == nil {
				return nil, types.Ef(types.KindInternal, "queue for %s stalled without a blocking error", deploymentID)
			}
			return nil, &types.SubprocessError{Command: b.Command, ExitCode: b.ExitCode, Output: b.ErrorOutput}
		}
		if _, err := o.ExecuteNext(ctx, deploymentID, userID); err != nil {
			return nil, err
		}
	}
	return o.VerifyStage(ctx, deploymentID, userID)
}

// projectContext summarizes the deployment for AI seeding.
func projectContext(d *types.Deployment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s environment=%s region=%s", d.Name, d.Environment, d.Region)
	if d.RepoURL != "" {
		fmt.Fprintf(&b, " repo=%s", d.RepoURL)
		if d.Branch != "" {
			fmt.Fprintf(&b, "@%s", d.Branch)
		}
	}
	if d.Description != "" {
		b.WriteString("\n")
		b.WriteString(d.Description)
	}
	return b.String()
}

// historyLines renders the cumulative history the AI is seeded with: status
// moves and stage outcomes, oldest first, capped to the recent window.
func historyLines(d *types.Deployment, s *types.StageSession) []string {
	const window = 20
	var lines []string
	for _, sc := range d.StatusHistory {
		line := string(sc.Status)
		if sc.Reason != "" {
			line += ": " + sc.Reason
		}
		lines = append(lines, line)
	}
	for _, sr := range s.StageHistory {
		lines = append(lines, fmt.Sprintf("stage %s success=%t", sr.StageID, sr.Success))
	}
	if len(lines) > window {
		lines = lines[len(lines)-window:]
	}
	return lines
}

// summarizeCommands builds the auto-verify seed: a command status map and
// truncated output samples.
func summarizeCommands(cmds []types.Command) (map[string]string, []string) {
	const sampleCap = 400
	statusMap := make(map[string]string, len(cmds))
	var samples []string
	for _, c := range cmds {
		statusMap[c.Command] = string(c.Status)
		if c.Output == "" {
			continue
		}
		out := c.Output
		if len(out) > sampleCap {
			out = out[:sampleCap]
		}
		samples = append(samples, out)
	}
	return statusMap, samples
}
