// Package engine is the orchestrator: it drives deployments through the
// stage pipeline, brokers AI plans into per-deployment command queues, and
// owns the resume path after a restart.
//
// The orchestrator holds no in-memory-only state that prevents resume: the
// StageSession document is the anchor, and the live queue is always a
// projection of its snapshot.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/adapter"
	"github.com/skyform-io/skyform/ai"
	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/lifecycle"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/policy"
	"github.com/skyform-io/skyform/queue"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/terraform"
	"github.com/skyform-io/skyform/types"
)

// adapterTimeout bounds one completion-event publication.
const adapterTimeout = 10 * time.Second

// IaC is the slice of the lifecycle manager the orchestrator needs directly:
// materializing approved file proposals and tearing down on rollback. Plan
// and apply run through the command queue and the job dispatcher instead.
type IaC interface {
	WriteAndFormat(deploymentID string, files map[string]string) ([]string, error)
	Destroy(ctx context.Context, deploymentID string, opts terraform.ApplyOptions) (string, error)
}

// Config wires the orchestrator's collaborators. Stores, Machine, and AI are
// required; everything else degrades gracefully when absent.
type Config struct {
	Stores    store.Stores
	Machine   *lifecycle.Machine
	AI        ai.Client
	IaC       IaC
	Validator *policy.Validator
	Hub       *runner.Hub
	Recorder  *audit.Recorder
	Metrics   *metrics.Collector
	Adapters  []adapter.Adapter

	// ExecutorFor builds the command executor for one deployment, typically a
	// queue.RunnerExecutor rooted at the deployment's working tree.
	ExecutorFor func(deploymentID string) queue.Executor

	// Actor is the audit user for engine-initiated actions. Defaults to
	// "engine".
	Actor  string
	Logger *log.Logger
}

// Orchestrator drives deployments. Within one deployment every operation is
// serialized by a per-deployment mutex; distinct deployments proceed in
// parallel.
type Orchestrator struct {
	deps      store.Deployments
	sessions  store.Sessions
	history   store.History
	machine   *lifecycle.Machine
	aiClient  ai.Client
	iac       IaC
	validator *policy.Validator
	hub       *runner.Hub
	rec       *audit.Recorder
	metrics   *metrics.Collector
	adapters  []adapter.Adapter
	execFor   func(deploymentID string) queue.Executor
	actor     string
	logger    *log.Logger
	now       func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	queues map[string]*queue.Queue
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Stores.Deployments == nil || cfg.Stores.Sessions == nil || cfg.Stores.History == nil {
		return nil, types.E(types.KindInvalidInput, "deployment, session, and history stores are required")
	}
	if cfg.Machine == nil {
		return nil, types.E(types.KindInvalidInput, "state machine is required")
	}
	if cfg.AI == nil {
		return nil, types.E(types.KindInvalidInput, "ai client is required")
	}
	if cfg.ExecutorFor == nil {
		return nil, types.E(types.KindInvalidInput, "executor factory is required")
	}
	if cfg.Validator == nil {
		cfg.Validator = policy.New(nil)
	}
	if cfg.Actor == "" {
		cfg.Actor = "engine"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Orchestrator{
		deps:      cfg.Stores.Deployments,
		sessions:  cfg.Stores.Sessions,
		history:   cfg.Stores.History,
		machine:   cfg.Machine,
		aiClient:  cfg.AI,
		iac:       cfg.IaC,
		validator: cfg.Validator,
		hub:       cfg.Hub,
		rec:       cfg.Recorder,
		metrics:   cfg.Metrics,
		adapters:  cfg.Adapters,
		execFor:   cfg.ExecutorFor,
		actor:     cfg.Actor,
		logger:    cfg.Logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		queues:    make(map[string]*queue.Queue),
	}, nil
}

// lockFor returns the per-deployment mutex, creating it on first use.
func (o *Orchestrator) lockFor(deploymentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[deploymentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[deploymentID] = l
	}
	return l
}

// queueFor returns the live queue of a deployment.
func (o *Orchestrator) queueFor(deploymentID string) (*queue.Queue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[deploymentID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no active queue for %s; begin a stage or resume first", deploymentID)
	}
	return q, nil
}

// ensureQueue returns the live queue, creating an empty one when absent.
func (o *Orchestrator) ensureQueue(deploymentID string) *queue.Queue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[deploymentID]
	if !ok {
		q = queue.New(deploymentID, o.execFor(deploymentID), o.hub, o.logger)
		o.queues[deploymentID] = q
	}
	return q
}

func (o *Orchestrator) setQueue(deploymentID string, q *queue.Queue) {
	o.mu.Lock()
	o.queues[deploymentID] = q
	o.mu.Unlock()
}

// NewDeployment carries deployment creation input.
type NewDeployment struct {
	Name        string
	Description string
	Environment string
	Region      string
	RepoURL     string
	Branch      string
	OwnerID     string
	BudgetUSD   float64
}

// Create registers a deployment in INITIAL status with a fresh stage session
// anchored at the first pipeline stage.
func (o *Orchestrator) Create(ctx context.Context, in NewDeployment) (*types.Deployment, error) {
	if in.Name == "" {
		return nil, types.E(types.KindInvalidInput, "deployment name is required")
	}
	if in.OwnerID == "" {
		return nil, types.E(types.KindInvalidInput, "owner id is required")
	}
	if in.Region == "" {
		return nil, types.E(types.KindInvalidInput, "region is required")
	}
	if in.Environment == "" {
		in.Environment = "sandbox"
	}

	now := o.now().UTC()
	d := &types.Deployment{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Environment: in.Environment,
		Region:      in.Region,
		RepoURL:     in.RepoURL,
		Branch:      in.Branch,
		OwnerID:     in.OwnerID,
		BudgetUSD:   in.BudgetUSD,
		Status:      types.StatusInitial,
		StatusHistory: []types.StatusChange{
			{Status: types.StatusInitial, Timestamp: now, Reason: "created", Actor: in.OwnerID},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Create(ctx, d); err != nil {
		return nil, err
	}
	if err := o.sessions.Put(ctx, &types.StageSession{
		DeploymentID: d.ID,
		CurrentStage: types.StageOrder[0],
		UpdatedAt:    now,
	}); err != nil {
		return nil, err
	}
	o.record(ctx, in.OwnerID, "create", d.ID, map[string]any{"name": in.Name, "environment": in.Environment})
	o.logger.Info("deployment created",
		zap.String("deployment_id", d.ID),
		zap.String("name", in.Name),
		zap.String("environment", in.Environment))
	return d, nil
}

// Get loads a deployment and its stage session.
func (o *Orchestrator) Get(ctx context.Context, deploymentID string) (*types.Deployment, *types.StageSession, error) {
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	return d, s, nil
}

// Approve records a human approval decision. An approval moves the deployment
// from PENDING_APPROVAL to APPROVED; a rejection cancels it.
func (o *Orchestrator) Approve(ctx context.Context, deploymentID, userID, comment string, approved bool) (*types.Deployment, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != types.StatusPendingApproval {
		return nil, types.Ef(types.KindIllegalTransition, "deployment %s is %s, not pending approval", deploymentID, d.Status)
	}

	d.Approvals = append(d.Approvals, types.Approval{
		UserID:    userID,
		Approved:  approved,
		Comment:   comment,
		Timestamp: o.now().UTC(),
	})
	if err := o.deps.Update(ctx, d); err != nil {
		return nil, err
	}

	if !approved {
		d, err = o.machine.Transition(ctx, deploymentID, types.StatusCancelled, "approval rejected", userID)
		if err != nil {
			return nil, err
		}
		o.publishCompletion(ctx, d)
		return d, nil
	}
	return o.machine.Transition(ctx, deploymentID, types.StatusApproved, "approved", userID)
}

// Cancel moves a deployment to CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID, userID, reason string) (*types.Deployment, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	if reason == "" {
		reason = "cancelled by operator"
	}
	d, err := o.machine.Transition(ctx, deploymentID, types.StatusCancelled, reason, userID)
	if err != nil {
		return nil, err
	}
	o.publishCompletion(ctx, d)
	return d, nil
}

// Rollback tears down a deployed stack: ROLLING_BACK, destroy, then
// ROLLED_BACK or ROLLBACK_FAILED depending on the destroy outcome. Both
// outcomes are terminal.
func (o *Orchestrator) Rollback(ctx context.Context, deploymentID, userID string) (*types.Deployment, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	if _, err := o.machine.Transition(ctx, deploymentID, types.StatusRollingBack, "rollback requested", userID); err != nil {
		return nil, err
	}

	var destroyErr error
	if o.iac != nil {
		_, destroyErr = o.iac.Destroy(ctx, deploymentID, terraform.ApplyOptions{UserID: userID})
	}

	outcome := types.StatusRolledBack
	reason := "rollback completed"
	if destroyErr != nil {
		outcome = types.StatusRollbackFailed
		reason = "destroy failed: " + destroyErr.Error()
		o.logger.Error("rollback destroy failed",
			zap.String("deployment_id", deploymentID),
			zap.Error(destroyErr))
	}
	d, err := o.machine.Transition(ctx, deploymentID, outcome, reason, userID)
	if err != nil {
		return nil, err
	}
	o.publishCompletion(ctx, d)
	return d, destroyErr
}

// Resume rebuilds a deployment's live queue from its persisted session after
// a process restart. Commands that were running at crash time come back
// failed with reason "interrupted" and block the queue. Resume is always an
// explicit caller action.
func (o *Orchestrator) Resume(ctx context.Context, deploymentID string) (*types.StageSession, error) {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.Resumable(d) {
		return nil, types.Ef(types.KindInvalidInput, "deployment %s is %s and cannot be resumed", deploymentID, d.Status)
	}
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	q := queue.Restore(deploymentID, s.Queue, o.execFor(deploymentID), o.hub, o.logger)
	o.setQueue(deploymentID, q)

	// Persist the post-restore snapshot so interrupted markings survive a
	// second crash.
	s.Queue = q.Snapshot()
	s.UpdatedAt = o.now().UTC()
	if err := o.sessions.Put(ctx, s); err != nil {
		return nil, err
	}
	o.record(ctx, o.actor, "resume", deploymentID, map[string]any{"stage": string(s.CurrentStage)})
	o.logger.Info("deployment resumed",
		zap.String("deployment_id", deploymentID),
		zap.String("stage", string(s.CurrentStage)),
		zap.Bool("blocked", s.Queue.IsBlocked))
	return s, nil
}

// publishCompletion fans a terminal deployment out to the configured
// adapters. Publication failures are logged and never block the caller.
func (o *Orchestrator) publishCompletion(ctx context.Context, d *types.Deployment) {
	if d == nil || !d.Status.IsTerminal() || len(o.adapters) == 0 {
		return
	}
	now := o.now().UTC()
	ev := &adapter.DeploymentEvent{
		ContractVersion: adapter.ContractVersion,
		EventType:       adapter.EventTypeDeploymentCompleted,
		DeploymentID:    d.ID,
		Name:            d.Name,
		Environment:     d.Environment,
		Region:          d.Region,
		Status:          string(d.Status),
		Version:         d.Version,
		StateKey:        d.StateKey(),
		Timestamp:       now.Format(time.RFC3339),
		DurationMs:      now.Sub(d.CreatedAt).Milliseconds(),
	}
	for _, a := range o.adapters {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adapterTimeout)
		if err := a.Publish(actx, ev); err != nil {
			o.logger.Warn("completion publish failed",
				zap.String("deployment_id", d.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// failDeployment moves the deployment into its phase failure sidetrack and
// logs. Used when an error bubbles up mid-stage; transition failures here are
// logged, not propagated, so the original error stays primary.
func (o *Orchestrator) failDeployment(ctx context.Context, deploymentID, reason string) {
	if _, err := o.machine.Fail(ctx, deploymentID, reason, o.actor); err != nil {
		o.logger.Warn("could not mark deployment failed",
			zap.String("deployment_id", deploymentID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, userID, action, deploymentID string, details map[string]any) {
	if o.rec == nil {
		return
	}
	o.rec.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       action,
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Details:      details,
	})
}

// saveSession persists the session with a fresh queue snapshot.
func (o *Orchestrator) saveSession(ctx context.Context, s *types.StageSession, q *queue.Queue) error {
	if q != nil {
		s.Queue = q.Snapshot()
	}
	s.UpdatedAt = o.now().UTC()
	return o.sessions.Put(ctx, s)
}
