package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/skyform-io/skyform/dispatch"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/metrics"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/types"
)

type fixture struct {
	d       *dispatch.Dispatcher
	mem     *store.Memory
	hub     *runner.Hub
	metrics *metrics.Collector
	client  *goredis.Client
}

func newFixture(t *testing.T, tweak func(*dispatch.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	hub := runner.NewHub()
	coll := metrics.NewCollector("test", "")

	cfg := dispatch.Config{
		Client:       client,
		Jobs:         mem.Stores().Jobs,
		Hub:          hub,
		Metrics:      coll,
		Logger:       log.NewNop(),
		Visibility:   90 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		MaxAttempts:  3,
		PollInterval: 5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	d, err := dispatch.New(cfg)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	return &fixture{d: d, mem: mem, hub: hub, metrics: coll, client: client}
}

// process runs one worker for the kind until the test ends.
func (f *fixture) process(t *testing.T, kind types.JobKind, h dispatch.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.d.Process(ctx, kind, h) }()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmit_PersistsQueuedJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.d.Submit(ctx, types.JobIaCPlan, "d1", map[string]any{"varFile": "prod.tfvars"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := f.d.Job(ctx, id)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != types.JobQueued || job.Kind != types.JobIaCPlan || job.DeploymentID != "d1" {
		t.Errorf("job = %+v", job)
	}
	if n, _ := f.client.LLen(ctx, "skyform:jobs:iac_plan").Result(); n != 1 {
		t.Errorf("queue length = %d", n)
	}
	if f.metrics.Snapshot().JobsSubmitted != 1 {
		t.Errorf("submitted counter = %d", f.metrics.Snapshot().JobsSubmitted)
	}
}

func TestProcess_CompletesJobAndPublishesProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.d.Submit(ctx, types.JobIaCApply, "d1", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, unsub := f.hub.Subscribe(types.CorrelationKey("job", id))
	defer unsub()

	f.process(t, types.JobIaCApply, func(_ context.Context, job *types.Job, progress func(int)) (map[string]any, error) {
		progress(50)
		progress(100)
		return map[string]any{"applied": 2}, nil
	})

	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobCompleted
	})

	job, _ := f.d.Job(ctx, id)
	if job.Attempts != 1 || job.Result["applied"] != 2 {
		t.Errorf("job = %+v", job)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("timestamps missing")
	}

	var got []int
	for len(got) < 2 {
		select {
		case ev := <-events:
			if ev.Type == types.EventJobProgress && ev.Progress != nil {
				got = append(got, *ev.Progress)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("progress events = %v", got)
		}
	}
	if got[0] != 50 || got[1] != 100 {
		t.Errorf("progress = %v", got)
	}
	if f.metrics.Snapshot().JobsCompleted != 1 {
		t.Errorf("completed counter = %d", f.metrics.Snapshot().JobsCompleted)
	}
}

func TestProcess_RetriesWithBackoffThenSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	failures := 2
	f.process(t, types.JobIaCInit, func(context.Context, *types.Job, func(int)) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("transient backend error")
		}
		return nil, nil
	})

	id, _ := f.d.Submit(ctx, types.JobIaCInit, "d1", nil)
	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobCompleted
	})

	job, _ := f.d.Job(ctx, id)
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
	if f.metrics.Snapshot().JobsRetried != 2 {
		t.Errorf("retried counter = %d", f.metrics.Snapshot().JobsRetried)
	}
}

func TestProcess_ExhaustedAttemptsFail(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.process(t, types.JobIaCValidate, func(context.Context, *types.Job, func(int)) (map[string]any, error) {
		return nil, errors.New("always broken")
	})

	id, _ := f.d.Submit(ctx, types.JobIaCValidate, "d1", nil)
	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobFailed
	})

	job, _ := f.d.Job(ctx, id)
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
	if job.LastError != "always broken" {
		t.Errorf("lastError = %q", job.LastError)
	}
}

func TestProcess_FatalErrorSkipsRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.process(t, types.JobIaCDestroy, func(context.Context, *types.Job, func(int)) (map[string]any, error) {
		return nil, types.E(types.KindJobFatal, "deployment no longer exists")
	})

	id, _ := f.d.Submit(ctx, types.JobIaCDestroy, "d1", nil)
	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobFailed
	})

	job, _ := f.d.Job(ctx, id)
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fatal skips retries)", job.Attempts)
	}
}

func TestCancel_QueuedJobIsRemoved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, _ := f.d.Submit(ctx, types.JobSandboxRun, "d1", nil)
	if err := f.d.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job, _ := f.d.Job(ctx, id)
	if job.Status != types.JobCancelled {
		t.Errorf("status = %s", job.Status)
	}
	if n, _ := f.client.LLen(ctx, "skyform:jobs:sandbox_run").Result(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestCancel_ActiveJobGetsSignal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	f.process(t, types.JobSandboxRun, func(jobCtx context.Context, _ *types.Job, _ func(int)) (map[string]any, error) {
		close(started)
		<-jobCtx.Done()
		return nil, jobCtx.Err()
	})

	id, _ := f.d.Submit(ctx, types.JobSandboxRun, "d1", nil)
	<-started

	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobActive
	})
	if err := f.d.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, func() bool {
		job, err := f.d.Job(ctx, id)
		return err == nil && job.Status == types.JobCancelled
	})
}

func TestProcess_FIFOPerKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	ids := make([]string, 3)
	for i := range ids {
		id, err := f.d.Submit(ctx, types.JobIaCPlan, "d1", nil)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids[i] = id
	}

	f.process(t, types.JobIaCPlan, func(_ context.Context, job *types.Job, _ func(int)) (map[string]any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("order = %v, want %v", order, ids)
		}
	}
}

func TestPrune_BoundsTerminalHistory(t *testing.T) {
	f := newFixture(t, func(cfg *dispatch.Config) {
		cfg.KeepCompleted = 2
		cfg.KeepFailed = 2
	})
	ctx := context.Background()

	f.process(t, types.JobIaCInit, func(context.Context, *types.Job, func(int)) (map[string]any, error) {
		return nil, nil
	})

	ids := make([]string, 4)
	for i := range ids {
		id, _ := f.d.Submit(ctx, types.JobIaCInit, "d1", nil)
		ids[i] = id
		waitFor(t, func() bool {
			job, err := f.d.Job(ctx, id)
			return err == nil && job.Status == types.JobCompleted
		})
	}

	completed, err := f.mem.Stores().Jobs.ListByKind(ctx, types.JobIaCInit, types.JobCompleted, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("retained completed jobs = %d, want 2", len(completed))
	}
}
