// Package lifecycle declares the deployment status graph and commits legal
// transitions.
//
// The graph is data: a transition table from each status to the set of
// statuses it may move to. Anything absent from the table is rejected with
// IllegalTransition, the attempt is audited, and the stored aggregate stays
// untouched.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/types"
)

// transitions maps each status to its legal successors. Failure sidetracks
// are re-enterable so a deployment can resume after remediation; rollback
// and destroy are explicit operator moves out of DEPLOYED.
var transitions = map[types.Status][]types.Status{
	types.StatusInitial:                 {types.StatusGathering, types.StatusCancelled},
	types.StatusGathering:               {types.StatusRepositoryAnalysis, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusRepositoryAnalysis:      {types.StatusCodeAnalysis, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusCodeAnalysis:            {types.StatusInfrastructureDiscovery, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusInfrastructureDiscovery: {types.StatusDependencyAnalysis, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusDependencyAnalysis:      {types.StatusPlanning, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusPlanning:                {types.StatusValidating, types.StatusValidationFailed, types.StatusCancelled},
	types.StatusValidating:              {types.StatusEstimated, types.StatusValidationFailed, types.StatusCancelled},
	types.StatusEstimated:               {types.StatusPendingApproval, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusPendingApproval:         {types.StatusApproved, types.StatusCancelled},
	types.StatusApproved:                {types.StatusSandboxDeploying, types.StatusCancelled},
	types.StatusSandboxDeploying:        {types.StatusTesting, types.StatusSandboxFailed, types.StatusCancelled},
	types.StatusTesting:                 {types.StatusGithubCommit, types.StatusSandboxFailed, types.StatusCancelled},
	types.StatusGithubCommit:            {types.StatusGithubActions, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusGithubActions:           {types.StatusDeploying, types.StatusDeploymentFailed, types.StatusCancelled},
	types.StatusDeploying:               {types.StatusDeployed, types.StatusDeploymentFailed, types.StatusCancelled},

	types.StatusValidationFailed: {types.StatusValidating, types.StatusCancelled},
	types.StatusSandboxFailed:    {types.StatusSandboxDeploying, types.StatusCancelled},
	types.StatusDeploymentFailed: {types.StatusDeploying, types.StatusGathering, types.StatusRollingBack, types.StatusCancelled},

	types.StatusDeployed:    {types.StatusRollingBack, types.StatusDestroyed},
	types.StatusRollingBack: {types.StatusRolledBack, types.StatusRollbackFailed},
}

// CanTransition reports whether the move from one status to another is legal.
func CanTransition(from, to types.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the legal next statuses for a status.
func Successors(from types.Status) []types.Status {
	out := make([]types.Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Resumable reports whether the deployment can be advanced further. Resume is
// always an explicit caller action; the engine never resumes on its own.
func Resumable(d *types.Deployment) bool {
	return d != nil && !d.Status.IsTerminal()
}

// Machine commits transitions against the deployment store.
type Machine struct {
	deps   store.Deployments
	rec    *audit.Recorder
	logger *log.Logger
	now    func() time.Time
}

// NewMachine creates a Machine. rec may be nil to skip the audit trail
// (tests).
func NewMachine(deps store.Deployments, rec *audit.Recorder, logger *log.Logger) *Machine {
	return &Machine{deps: deps, rec: rec, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Transition moves a deployment to the target status, appends the status
// history entry, persists, and audits. Illegal moves leave the aggregate
// unchanged, audit the rejected attempt, and fail with IllegalTransition.
func (m *Machine) Transition(ctx context.Context, deploymentID string, to types.Status, reason, actor string) (*types.Deployment, error) {
	d, err := m.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(d.Status, to) {
		m.record(ctx, actor, "transition_rejected", d, string(d.Status), string(to), reason)
		return nil, &types.IllegalTransitionError{From: d.Status, To: to}
	}

	from := d.Status
	now := m.now().UTC()
	d.Status = to
	d.StatusHistory = append(d.StatusHistory, types.StatusChange{
		Status:    to,
		Timestamp: now,
		Reason:    reason,
		Actor:     actor,
	})
	d.UpdatedAt = now

	if err := m.deps.Update(ctx, d); err != nil {
		return nil, err
	}

	m.logger.Info("deployment transitioned",
		zap.String("deployment_id", deploymentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	m.record(ctx, actor, "transition", d, string(from), string(to), reason)
	return d, nil
}

// Fail moves a deployment into the failure sidetrack matching its current
// phase, carrying the human-readable reason. Statuses with no failure
// sidetrack move to DEPLOYMENT_FAILED as the catch-all.
func (m *Machine) Fail(ctx context.Context, deploymentID, reason, actor string) (*types.Deployment, error) {
	d, err := m.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return m.Transition(ctx, deploymentID, FailureStatus(d.Status), reason, actor)
}

// FailureStatus maps a status to its failure sidetrack.
func FailureStatus(s types.Status) types.Status {
	switch s {
	case types.StatusValidating, types.StatusPlanning:
		return types.StatusValidationFailed
	case types.StatusSandboxDeploying, types.StatusTesting:
		return types.StatusSandboxFailed
	default:
		return types.StatusDeploymentFailed
	}
}

func (m *Machine) record(ctx context.Context, actor, action string, d *types.Deployment, prev, next, reason string) {
	if m.rec == nil {
		return
	}
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	m.rec.Record(ctx, audit.Event{
		UserID:        actor,
		Action:        action,
		ResourceType:  "deployment",
		ResourceID:    d.ID,
		PreviousState: prev,
		NewState:      next,
		Details:       details,
	})
}
