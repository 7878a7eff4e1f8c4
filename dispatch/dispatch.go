// Package dispatch is the persistent job queue: redis lists per job kind
// with lease keys for crash detection, exponential-backoff retries, and
// progress fan-out through the runner hub.
//
// The durable job record lives in the document store; redis carries only a
// msgpack envelope naming the job. A worker that dies mid-job lets its lease
// key expire, and the reaper requeues the entry.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/types"
)

// Defaults.
const (
	DefaultKeyPrefix    = "skyform"
	DefaultVisibility   = 2 * time.Minute
	DefaultBackoffBase  = 1 * time.Second
	DefaultMaxAttempts  = 3
	DefaultPollInterval = 250 * time.Millisecond

	// History bounds for terminal job records, per kind.
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 500
)

// cancelMarkerTTL bounds how long a cancellation marker for a leased job
// lingers when the worker never observes it.
const cancelMarkerTTL = time.Hour

// envelope is the wire frame carried on the redis list. The full job record
// lives in the document store; keeping the frame minimal makes queued-entry
// removal deterministic.
type envelope struct {
	JobID string `msgpack:"jobId"`
}

// Handler executes one job. progress reports 0..100 to stream subscribers.
// Returning an error wrapped as KindJobFatal skips remaining retries.
type Handler func(ctx context.Context, job *types.Job, progress func(int)) (map[string]any, error)

// Config wires a Dispatcher.
type Config struct {
	Client  *goredis.Client
	Jobs    store.Jobs
	Hub     *runner.Hub
	Metrics *metrics.Collector
	Logger  *log.Logger

	// KeyPrefix namespaces every redis key. Defaults to "skyform".
	KeyPrefix string
	// Visibility is the lease TTL; a worker must finish or heartbeat within
	// it.
	Visibility time.Duration
	// BackoffBase seeds the retry backoff: base * 2^(attempts-1).
	BackoffBase time.Duration
	// MaxAttempts bounds executions per job.
	MaxAttempts int
	// PollInterval is the idle worker's queue polling period.
	PollInterval time.Duration

	KeepCompleted int64
	KeepFailed    int64
}

// Dispatcher submits and processes jobs.
type Dispatcher struct {
	client  *goredis.Client
	jobs    store.Jobs
	hub     *runner.Hub
	metrics *metrics.Collector
	logger  *log.Logger

	prefix        string
	visibility    time.Duration
	backoffBase   time.Duration
	maxAttempts   int
	poll          time.Duration
	keepCompleted int64
	keepFailed    int64
	now           func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Client == nil {
		return nil, types.E(types.KindInvalidInput, "redis client is required")
	}
	if cfg.Jobs == nil {
		return nil, types.E(types.KindInvalidInput, "job store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = DefaultKeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = DefaultKeepFailed
	}
	return &Dispatcher{
		client:        cfg.Client,
		jobs:          cfg.Jobs,
		hub:           cfg.Hub,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		prefix:        cfg.KeyPrefix,
		visibility:    cfg.Visibility,
		backoffBase:   cfg.BackoffBase,
		maxAttempts:   cfg.MaxAttempts,
		poll:          cfg.PollInterval,
		keepCompleted: cfg.KeepCompleted,
		keepFailed:    cfg.KeepFailed,
		now:           time.Now,
	}, nil
}

func (d *Dispatcher) queueKey(kind types.JobKind) string {
	return d.prefix + ":jobs:" + string(kind)
}

func (d *Dispatcher) activeKey(kind types.JobKind) string {
	return d.prefix + ":jobs:" + string(kind) + ":active"
}

func (d *Dispatcher) leaseKey(jobID string) string {
	return d.prefix + ":lease:" + jobID
}

func (d *Dispatcher) cancelKey(jobID string) string {
	return d.prefix + ":cancel:" + jobID
}

func frame(jobID string) []byte {
	data, _ := msgpack.Marshal(envelope{JobID: jobID})
	return data
}

// Submit persists a job record and pushes its envelope onto the kind's
// queue. Returns the job id.
func (d *Dispatcher) Submit(ctx context.Context, kind types.JobKind, deploymentID string, payload map[string]any) (string, error) {
	job := &types.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		DeploymentID: deploymentID,
		Payload:      payload,
		Status:       types.JobQueued,
		MaxAttempts:  d.maxAttempts,
		EnqueuedAt:   d.now().UTC(),
	}
	if err := d.jobs.Put(ctx, job); err != nil {
		return "", err
	}
	if err := d.client.LPush(ctx, d.queueKey(kind), frame(job.ID)).Err(); err != nil {
		return "", types.WrapErr(types.KindInternal, "enqueue job", err)
	}
	d.metrics.IncJobSubmitted()
	d.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("deployment_id", deploymentID))
	return job.ID, nil
}

// Job loads a job record.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (*types.Job, error) {
	return d.jobs.Get(ctx, jobID)
}

// Cancel cancels a job. A queued job is removed from its list and marked
// cancelled immediately; a leased job gets a cancellation marker its worker
// observes as a context cancellation.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case types.JobQueued:
		if err := d.client.LRem(ctx, d.queueKey(job.Kind), 0, frame(jobID)).Err(); err != nil {
			return types.WrapErr(types.KindInternal, "dequeue job", err)
		}
		now := d.now().UTC()
		job.Status = types.JobCancelled
		job.CompletedAt = &now
		return d.jobs.Put(ctx, job)
	case types.JobActive:
		if err := d.client.Set(ctx, d.cancelKey(jobID), "1", cancelMarkerTTL).Err(); err != nil {
			return types.WrapErr(types.KindInternal, "mark job cancelled", err)
		}
		return nil
	default:
		return types.Ef(types.KindInvalidInput, "job %s is already %s", jobID, job.Status)
	}
}

// Process leases jobs of one kind FIFO and runs them through the handler
// until ctx is cancelled. Run one Process goroutine per kind.
func (d *Dispatcher) Process(ctx context.Context, kind types.JobKind, h Handler) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		data, err := d.client.LMove(ctx, d.queueKey(kind), d.activeKey(kind), "RIGHT", "LEFT").Result()
		switch {
		case err == goredis.Nil:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("queue poll failed", zap.String("kind", string(kind)), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}
		d.handle(ctx, kind, []byte(data), h)
	}
}

// handle runs one leased envelope end to end.
func (d *Dispatcher) handle(ctx context.Context, kind types.JobKind, data []byte, h Handler) {
	defer d.client.LRem(context.WithoutCancel(ctx), d.activeKey(kind), 1, data)

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		d.logger.Error("undecodable job frame dropped", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	job, err := d.jobs.Get(ctx, env.JobID)
	if err != nil {
		d.logger.Warn("leased job has no record", zap.String("job_id", env.JobID), zap.Error(err))
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	// Cancelled while queued but before our Cancel could remove the entry.
	if cancelled, _ := d.client.Exists(ctx, d.cancelKey(job.ID)).Result(); cancelled > 0 {
		d.finishCancelled(ctx, job)
		return
	}

	if err := d.client.Set(ctx, d.leaseKey(job.ID), "1", d.visibility).Err(); err != nil {
		d.logger.Warn("lease acquisition failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer d.client.Del(context.WithoutCancel(ctx), d.leaseKey(job.ID))

	now := d.now().UTC()
	job.Status = types.JobActive
	job.Attempts++
	job.StartedAt = &now
	if err := d.jobs.Put(ctx, job); err != nil {
		d.logger.Error("job record update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.watch(jobCtx, job.ID, cancel)

	result, runErr := h(jobCtx, job, d.progressFunc(job.ID))

	switch {
	case runErr == nil:
		d.finishCompleted(ctx, job, result)
	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Cancellation or lease loss, not worker shutdown.
		d.finishCancelled(ctx, job)
	case job.Attempts < job.MaxAttempts && !types.IsKind(runErr, types.KindJobFatal):
		d.retry(ctx, job, runErr)
	default:
		d.finishFailed(ctx, job, runErr)
	}
}

// watch heartbeats the lease and observes the cancellation marker. Losing
// the lease cancels the job context: the broker considers the job dead.
func (d *Dispatcher) watch(ctx context.Context, jobID string, cancel context.CancelFunc) {
	interval := d.visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cancelled, _ := d.client.Exists(ctx, d.cancelKey(jobID)).Result(); cancelled > 0 {
			cancel()
			return
		}
		ok, err := d.client.Expire(ctx, d.leaseKey(jobID), d.visibility).Result()
		if err == nil && !ok {
			d.logger.Warn("job lease lost", zap.String("job_id", jobID))
			cancel()
			return
		}
	}
}

func (d *Dispatcher) progressFunc(jobID string) func(int) {
	return func(p int) {
		if d.hub == nil {
			return
		}
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		v := p
		d.hub.Publish(types.CorrelationKey("job", jobID), types.StreamEvent{
			Type:     types.EventJobProgress,
			Progress: &v,
		})
	}
}

func (d *Dispatcher) finishCompleted(ctx context.Context, job *types.Job, result map[string]any) {
	now := d.now().UTC()
	job.Status = types.JobCompleted
	job.Result = result
	job.LastError = ""
	job.CompletedAt = &now
	d.put(ctx, job)
	d.metrics.IncJobCompleted()
	d.prune(ctx, job.Kind)
	d.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
}

func (d *Dispatcher) finishFailed(ctx context.Context, job *types.Job, runErr error) {
	now := d.now().UTC()
	job.Status = types.JobFailed
	job.LastError = runErr.Error()
	job.CompletedAt = &now
	d.put(ctx, job)
	d.metrics.IncJobFailed()
	d.prune(ctx, job.Kind)
	d.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.Attempts),
		zap.Error(runErr))
}

func (d *Dispatcher) finishCancelled(ctx context.Context, job *types.Job) {
	ctx = context.WithoutCancel(ctx)
	now := d.now().UTC()
	job.Status = types.JobCancelled
	job.CompletedAt = &now
	d.put(ctx, job)
	d.client.Del(ctx, d.cancelKey(job.ID))
	d.logger.Info("job cancelled", zap.String("job_id", job.ID))
}

// retry requeues the job after backoffBase * 2^(attempts-1).
func (d *Dispatcher) retry(ctx context.Context, job *types.Job, runErr error) {
	job.Status = types.JobQueued
	job.LastError = runErr.Error()
	d.put(ctx, job)
	d.metrics.IncJobRetried()

	backoff := d.backoffBase * time.Duration(1<<uint(job.Attempts-1))
	d.logger.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", backoff))

	jobID, kind := job.ID, job.Kind
	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := d.client.LPush(context.WithoutCancel(ctx), d.queueKey(kind), frame(jobID)).Err(); err != nil {
			d.logger.Error("job requeue failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) put(ctx context.Context, job *types.Job) {
	if err := d.jobs.Put(context.WithoutCancel(ctx), job); err != nil {
		d.logger.Error("job record update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (d *Dispatcher) prune(ctx context.Context, kind types.JobKind) {
	if err := d.jobs.PruneTerminal(context.WithoutCancel(ctx), kind, d.keepCompleted, d.keepFailed); err != nil {
		d.logger.Warn("job history prune failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
