package store

import (
	"context"
	"sort"
	"sync"

	"github.com/skyform-io/skyform/types"
)

// Memory is an in-process implementation of every repository. It backs unit
// tests and single-node development mode; durability comes from the Mongo
// implementation. Each repository interface is exposed as a typed view over
// the same shared state.
type Memory struct {
	mu          sync.RWMutex
	deployments map[string]types.Deployment
	sessions    map[string]types.StageSession
	history     []types.CommandRecord
	jobs        map[string]types.Job
	auditByHash map[string]struct{}
	audit       []types.AuditEntry
}

// NewMemory creates an empty in-memory store bundle.
func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[string]types.Deployment),
		sessions:    make(map[string]types.StageSession),
		jobs:        make(map[string]types.Job),
		auditByHash: make(map[string]struct{}),
	}
}

// Stores returns the bundle view of the memory store.
func (m *Memory) Stores() Stores {
	return Stores{
		Deployments: (*memDeployments)(m),
		Sessions:    (*memSessions)(m),
		History:     (*memHistory)(m),
		Jobs:        (*memJobs)(m),
		Audit:       (*memAudit)(m),
	}
}

// AuditCount returns the number of stored audit entries. Test helper.
func (m *Memory) AuditCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit)
}

type memDeployments Memory

func (m *memDeployments) Create(_ context.Context, d *types.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; ok {
		return types.Ef(types.KindInvalidInput, "deployment %s already exists", d.ID)
	}
	m.deployments[d.ID] = *d
	return nil
}

func (m *memDeployments) Get(_ context.Context, deploymentID string) (*types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "deployment %s not found", deploymentID)
	}
	out := d
	return &out, nil
}

func (m *memDeployments) Update(_ context.Context, d *types.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return types.Ef(types.KindNotFound, "deployment %s not found", d.ID)
	}
	m.deployments[d.ID] = *d
	return nil
}

func (m *memDeployments) List(_ context.Context, ownerID string, limit int64) ([]types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDeployments) ListNonTerminal(_ context.Context) ([]types.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Deployment
	for _, d := range m.deployments {
		if !d.Status.IsTerminal() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memSessions Memory

func (m *memSessions) Put(_ context.Context, s *types.StageSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.DeploymentID] = *s
	return nil
}

func (m *memSessions) Get(_ context.Context, deploymentID string) (*types.StageSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deploymentID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "stage session %s not found", deploymentID)
	}
	out := s
	return &out, nil
}

type memHistory Memory

func (m *memHistory) Append(_ context.Context, rec types.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

func (m *memHistory) ListForDeployment(_ context.Context, deploymentID string, limit int64) ([]types.CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.CommandRecord
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].DeploymentID == deploymentID {
			out = append(out, m.history[i])
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

type memJobs Memory

func (m *memJobs) Put(_ context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *memJobs) Get(_ context.Context, jobID string) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "job %s not found", jobID)
	}
	out := j
	return &out, nil
}

func (m *memJobs) ListByKind(_ context.Context, kind types.JobKind, status types.JobStatus, limit int64) ([]types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Job
	for _, j := range m.jobs {
		if j.Kind != kind {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) PruneTerminal(_ context.Context, kind types.JobKind, keepCompleted, keepFailed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prune := func(status types.JobStatus, keep int64) {
		var terminal []types.Job
		for _, j := range m.jobs {
			if j.Kind == kind && j.Status == status {
				terminal = append(terminal, j)
			}
		}
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].EnqueuedAt.After(terminal[j].EnqueuedAt) })
		for i := int64(len(terminal)) - 1; i >= keep; i-- {
			delete(m.jobs, terminal[i].ID)
		}
	}
	prune(types.JobCompleted, keepCompleted)
	prune(types.JobFailed, keepFailed)
	return nil
}

type memAudit Memory

func (m *memAudit) InsertEntry(_ context.Context, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.auditByHash[entry.Hash]; dup {
		return types.Ef(types.KindInvalidInput, "duplicate audit hash %s", entry.Hash)
	}
	m.auditByHash[entry.Hash] = struct{}{}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memAudit) LatestForUser(_ context.Context, userID string) (*types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].UserID == userID {
			out := m.audit[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memAudit) FindEntries(_ context.Context, filter types.AuditFilter, limit, offset int64) ([]types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []types.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, e)
	}
	if offset > 0 {
		if offset >= int64(len(matched)) {
			return nil, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// UpdateEntry always fails: the audit collection is append-only.
func (m *memAudit) UpdateEntry(context.Context, types.AuditEntry) error {
	return ErrAuditImmutable()
}

// DeleteEntry always fails: the audit collection is append-only.
func (m *memAudit) DeleteEntry(context.Context, string) error {
	return ErrAuditImmutable()
}
