// Package terraform drives the single-deployment IaC lifecycle: validate,
// write, init (cached), plan, apply, destroy.
//
// Every operation that touches the working tree is serialized by a
// per-deployment mutex; mutual exclusion on the shared backend state is the
// distributed state lock, scoped to a single plan/apply/destroy and released
// on every exit path.
package terraform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/statelock"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/types"
	"github.com/skyform-io/skyform/worktree"
)

// PlanFileName is the saved plan artifact inside a working tree.
const PlanFileName = "tfplan"

// initMarker is the directory recorded after a successful init. Its presence
// lets later operations skip re-initialization.
const initMarker = ".initState"

// ProcessRunner is the subprocess surface the manager needs. Satisfied by
// *runner.Runner.
type ProcessRunner interface {
	Run(ctx context.Context, command string, opts runner.Options) (*runner.Result, error)
}

// BlobStore reads state blobs after an apply. Satisfied by *stateblob.Store.
type BlobStore interface {
	Get(ctx context.Context, deploymentID string) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	// Binary is the IaC CLI (default "terraform").
	Binary string
	// HolderID identifies this engine instance in lock rows.
	HolderID string
	// AutoApprove passes -auto-approve to apply and destroy.
	AutoApprove bool
	// Env is the subprocess environment (cloud credentials, region). Nil
	// inherits the process environment.
	Env []string
	// InitTimeout, PlanTimeout, ApplyTimeout bound the subprocess phases.
	// Zero falls back to the runner default.
	InitTimeout  time.Duration
	PlanTimeout  time.Duration
	ApplyTimeout time.Duration
}

// ValidateResult is the outcome of a validation pass.
type ValidateResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// PlanResult is the parsed outcome of a plan.
type PlanResult struct {
	PlanText  string           `json:"planText"`
	Changes   Changes          `json:"changes"`
	Resources []types.Resource `json:"resources,omitempty"`
	PlanFile  string           `json:"planFile"`
}

// ApplyResult is the parsed outcome of an apply.
type ApplyResult struct {
	Output    string           `json:"output"`
	Resources []types.Resource `json:"resources,omitempty"`
	State     []byte           `json:"-"`
}

// Manager owns the lifecycle flow for every deployment served by this
// process.
type Manager struct {
	opts   Options
	trees  *worktree.Manager
	locker *statelock.Locker
	blobs  BlobStore
	proc   ProcessRunner
	deps   store.Deployments
	rec    *audit.Recorder
	logger *log.Logger

	mu     sync.Mutex
	states map[string]*deploymentState
}

// deploymentState carries the per-deployment mutex and the in-process init
// memo.
type deploymentState struct {
	mu       sync.Mutex
	initDone bool
}

// NewManager creates a lifecycle manager. deps may be nil when version
// bookkeeping is not wanted (tests); rec may be nil to skip the audit trail.
func NewManager(opts Options, trees *worktree.Manager, locker *statelock.Locker, blobs BlobStore, proc ProcessRunner, deps store.Deployments, rec *audit.Recorder, logger *log.Logger) *Manager {
	if opts.Binary == "" {
		opts.Binary = "terraform"
	}
	return &Manager{
		opts:   opts,
		trees:  trees,
		locker: locker,
		blobs:  blobs,
		proc:   proc,
		deps:   deps,
		rec:    rec,
		logger: logger,
		states: make(map[string]*deploymentState),
	}
}

func (m *Manager) state(deploymentID string) *deploymentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[deploymentID]
	if !ok {
		st = &deploymentState{}
		m.states[deploymentID] = st
	}
	return st
}

// Validate runs the static pre-checks and, when the working tree already
// exists on disk, the CLI's own validate verb. Validation never mutates
// state.
func (m *Manager) Validate(ctx context.Context, deploymentID string, files map[string]string) (*ValidateResult, error) {
	issues := worktree.Validate(files)
	if len(issues) > 0 {
		return &ValidateResult{Valid: false, Issues: issues}, nil
	}

	dir := m.trees.Dir(deploymentID)
	if _, err := os.Stat(filepath.Join(dir, initMarker)); err != nil {
		// Syntax validation needs an initialized tree; the pre-check alone
		// decides until then.
		return &ValidateResult{Valid: true}, nil
	}

	res, err := m.proc.Run(ctx, m.opts.Binary+" validate -no-color", runner.Options{
		Dir:     dir,
		Env:     m.opts.Env,
		Timeout: m.opts.InitTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return &ValidateResult{Valid: false, Issues: splitIssues(res.Output())}, nil
	}
	return &ValidateResult{Valid: true}, nil
}

// WriteAndFormat materializes the files atomically and invalidates the init
// memo, since a new tree may carry a new backend block.
func (m *Manager) WriteAndFormat(deploymentID string, files map[string]string) ([]string, error) {
	st := m.state(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	written, err := m.trees.WriteAtomic(deploymentID, files)
	if err != nil {
		return nil, err
	}
	st.initDone = false
	return written, nil
}

// Initialize runs the init verb unless a previous run left the marker in
// place. force re-runs init regardless. Returns true when the cached result
// was used.
func (m *Manager) Initialize(ctx context.Context, deploymentID string, force bool) (bool, error) {
	st := m.state(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.initializeLocked(ctx, deploymentID, st, force)
}

func (m *Manager) initializeLocked(ctx context.Context, deploymentID string, st *deploymentState, force bool) (bool, error) {
	dir := m.trees.Dir(deploymentID)
	marker := filepath.Join(dir, initMarker)

	if !force {
		if st.initDone {
			return true, nil
		}
		if _, err := os.Stat(marker); err == nil {
			st.initDone = true
			return true, nil
		}
	}

	res, err := m.proc.Run(ctx, m.opts.Binary+" init -input=false -no-color", runner.Options{
		Dir:     dir,
		Env:     m.opts.Env,
		Timeout: m.opts.InitTimeout,
	})
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, &types.SubprocessError{Command: m.opts.Binary + " init", ExitCode: res.ExitCode, Output: res.Output()}
	}
	if err := os.MkdirAll(marker, 0o755); err != nil {
		return false, types.WrapErr(types.KindInternal, "record init marker", err)
	}
	st.initDone = true
	m.logger.Info("working tree initialized", zap.String("deployment_id", deploymentID))
	return false, nil
}

// PlanOptions configures a plan.
type PlanOptions struct {
	// VarFile is an optional -var-file argument.
	VarFile string
	// UserID attributes the operation in the audit trail.
	UserID string
}

// Plan produces and saves an execution plan under the state lock.
func (m *Manager) Plan(ctx context.Context, deploymentID string, opts PlanOptions) (*PlanResult, error) {
	st := m.state(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.planLocked(ctx, deploymentID, st, opts)
}

func (m *Manager) planLocked(ctx context.Context, deploymentID string, st *deploymentState, opts PlanOptions) (*PlanResult, error) {
	if _, err := m.initializeLocked(ctx, deploymentID, st, false); err != nil {
		return nil, err
	}

	handle, err := m.locker.Acquire(ctx, deploymentID, m.opts.HolderID, "plan")
	if err != nil {
		return nil, err
	}
	defer m.releaseLock(ctx, handle)

	cmd := m.opts.Binary + " plan -input=false -no-color -out=" + PlanFileName
	if opts.VarFile != "" {
		cmd += " -var-file=" + opts.VarFile
	}
	res, err := m.proc.Run(ctx, cmd, runner.Options{
		Dir:         m.trees.Dir(deploymentID),
		Env:         m.opts.Env,
		Timeout:     m.opts.PlanTimeout,
		Correlation: types.CorrelationKey("plan", deploymentID),
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &types.SubprocessError{Command: m.opts.Binary + " plan", ExitCode: res.ExitCode, Output: res.Output()}
	}

	out := res.Output()
	result := &PlanResult{
		PlanText:  out,
		Changes:   ParseChanges(out),
		Resources: ParsePlanResources(out),
		PlanFile:  filepath.Join(m.trees.Dir(deploymentID), PlanFileName),
	}
	m.record(ctx, opts.UserID, "plan", deploymentID, map[string]any{
		"add": result.Changes.Add, "change": result.Changes.Change, "destroy": result.Changes.Destroy,
	})
	return result, nil
}

// ApplyOptions configures an apply or destroy.
type ApplyOptions struct {
	// UserID attributes the operation in the audit trail.
	UserID string
}

// Apply executes the saved plan under the state lock. A missing plan file
// triggers an implicit plan first. On success the deployment version is
// incremented and the previous sources are pushed into the version
// catalogue.
func (m *Manager) Apply(ctx context.Context, deploymentID string, opts ApplyOptions) (*ApplyResult, error) {
	st := m.state(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := m.initializeLocked(ctx, deploymentID, st, false); err != nil {
		return nil, err
	}
	planFile := filepath.Join(m.trees.Dir(deploymentID), PlanFileName)
	if _, err := os.Stat(planFile); err != nil {
		if _, err := m.planLocked(ctx, deploymentID, st, PlanOptions{UserID: opts.UserID}); err != nil {
			return nil, err
		}
	}

	handle, err := m.locker.Acquire(ctx, deploymentID, m.opts.HolderID, "apply")
	if err != nil {
		return nil, err
	}
	defer m.releaseLock(ctx, handle)

	cmd := m.opts.Binary + " apply -input=false -no-color"
	if m.opts.AutoApprove {
		cmd += " -auto-approve"
	}
	cmd += " " + PlanFileName
	res, err := m.proc.Run(ctx, cmd, runner.Options{
		Dir:         m.trees.Dir(deploymentID),
		Env:         m.opts.Env,
		Timeout:     m.opts.ApplyTimeout,
		Correlation: types.CorrelationKey("apply", deploymentID),
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &types.SubprocessError{Command: m.opts.Binary + " apply", ExitCode: res.ExitCode, Output: res.Output()}
	}

	out := res.Output()
	result := &ApplyResult{
		Output:    out,
		Resources: ParseApplyResources(out),
	}
	state, err := m.blobs.Get(ctx, deploymentID)
	if err != nil {
		m.logger.Warn("state blob fetch after apply failed",
			zap.String("deployment_id", deploymentID), zap.Error(err))
	} else {
		result.State = state
	}

	// A consumed plan cannot be applied twice.
	_ = os.Remove(planFile)

	if err := m.bumpVersion(ctx, deploymentID, result.Resources); err != nil {
		m.logger.Warn("version bookkeeping failed",
			zap.String("deployment_id", deploymentID), zap.Error(err))
	}
	m.record(ctx, opts.UserID, "apply", deploymentID, map[string]any{
		"resources": len(result.Resources),
	})
	return result, nil
}

// Destroy tears the deployment's infrastructure down under the state lock.
func (m *Manager) Destroy(ctx context.Context, deploymentID string, opts ApplyOptions) (string, error) {
	st := m.state(deploymentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := m.initializeLocked(ctx, deploymentID, st, false); err != nil {
		return "", err
	}

	handle, err := m.locker.Acquire(ctx, deploymentID, m.opts.HolderID, "destroy")
	if err != nil {
		return "", err
	}
	defer m.releaseLock(ctx, handle)

	cmd := m.opts.Binary + " destroy -input=false -no-color"
	if m.opts.AutoApprove {
		cmd += " -auto-approve"
	}
	res, err := m.proc.Run(ctx, cmd, runner.Options{
		Dir:         m.trees.Dir(deploymentID),
		Env:         m.opts.Env,
		Timeout:     m.opts.ApplyTimeout,
		Correlation: types.CorrelationKey("destroy", deploymentID),
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &types.SubprocessError{Command: m.opts.Binary + " destroy", ExitCode: res.ExitCode, Output: res.Output()}
	}
	m.record(ctx, opts.UserID, "destroy", deploymentID, nil)
	return res.Output(), nil
}

// GetState reads the deployment's state blob. A deployment that has never
// applied yields nil.
func (m *Manager) GetState(ctx context.Context, deploymentID string) ([]byte, error) {
	return m.blobs.Get(ctx, deploymentID)
}

// releaseLock releases on a context detached from the caller's, so a
// cancelled apply still frees the lock.
func (m *Manager) releaseLock(ctx context.Context, h *statelock.Handle) {
	if err := m.locker.Release(context.WithoutCancel(ctx), h); err != nil {
		m.logger.Error("state lock release failed", zap.String("key", h.Key), zap.Error(err))
	}
}

// bumpVersion records a successful apply on the deployment aggregate.
func (m *Manager) bumpVersion(ctx context.Context, deploymentID string, resources []types.Resource) error {
	if m.deps == nil {
		return nil
	}
	d, err := m.deps.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Version > 0 {
		d.PreviousVersions = append(d.PreviousVersions, types.DeploymentVersion{
			Version:   d.Version,
			Sources:   d.Sources,
			AppliedAt: d.UpdatedAt,
			StateKey:  d.StateKey(),
		})
	}
	d.Version++
	if len(resources) > 0 {
		d.Resources = resources
	}
	d.UpdatedAt = time.Now().UTC()
	return m.deps.Update(ctx, d)
}

func (m *Manager) record(ctx context.Context, userID, action, deploymentID string, details map[string]any) {
	if m.rec == nil {
		return
	}
	m.rec.Record(ctx, audit.Event{
		UserID:       userID,
		Action:       action,
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Details:      details,
	})
}

func splitIssues(output string) []string {
	var issues []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			issues = append(issues, line)
		}
	}
	return issues
}
