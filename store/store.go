// Package store defines the document persistence boundary and its
// implementations.
//
// Collections: deployments, stage_sessions, command_history, audit_logs
// (unique index on hash), jobs. The engine depends on the interfaces only;
// the composition root picks Mongo or the in-memory store.
package store

import (
	"context"

	"github.com/skyform-io/skyform/types"
)

// Deployments persists deployment aggregates.
type Deployments interface {
	// Create inserts a new deployment. Fails if the id already exists.
	Create(ctx context.Context, d *types.Deployment) error
	// Get loads a deployment by id. Returns a KindNotFound error when absent.
	Get(ctx context.Context, deploymentID string) (*types.Deployment, error)
	// Update replaces the stored document.
	Update(ctx context.Context, d *types.Deployment) error
	// List returns deployments, newest first. Empty ownerID lists all.
	List(ctx context.Context, ownerID string, limit int64) ([]types.Deployment, error)
	// ListNonTerminal returns deployments whose status is not terminal.
	ListNonTerminal(ctx context.Context) ([]types.Deployment, error)
}

// Sessions persists per-deployment stage sessions. One document per
// deployment, keyed by deployment id (back-reference, no embedded cycles).
type Sessions interface {
	// Put upserts the session document.
	Put(ctx context.Context, s *types.StageSession) error
	// Get loads the session for a deployment. Returns a KindNotFound error
	// when absent.
	Get(ctx context.Context, deploymentID string) (*types.StageSession, error)
}

// History persists per-execution command records. Append-only.
type History interface {
	// Append inserts one execution record.
	Append(ctx context.Context, rec types.CommandRecord) error
	// ListForDeployment returns records for a deployment, newest first.
	ListForDeployment(ctx context.Context, deploymentID string, limit int64) ([]types.CommandRecord, error)
}

// Jobs persists dispatcher job records.
type Jobs interface {
	// Put upserts a job document.
	Put(ctx context.Context, j *types.Job) error
	// Get loads a job by id. Returns a KindNotFound error when absent.
	Get(ctx context.Context, jobID string) (*types.Job, error)
	// ListByKind returns jobs of one kind, newest first, optionally filtered
	// by status.
	ListByKind(ctx context.Context, kind types.JobKind, status types.JobStatus, limit int64) ([]types.Job, error)
	// PruneTerminal keeps at most keepCompleted completed and keepFailed
	// failed jobs per kind, deleting older terminal records.
	PruneTerminal(ctx context.Context, kind types.JobKind, keepCompleted, keepFailed int64) error
}

// Audit persists hash-chained audit entries. Implementations satisfy
// audit.Store and must treat the collection as append-only: UpdateEntry and
// DeleteEntry always fail with a KindAuditImmutable error.
type Audit interface {
	InsertEntry(ctx context.Context, entry types.AuditEntry) error
	LatestForUser(ctx context.Context, userID string) (*types.AuditEntry, error)
	FindEntries(ctx context.Context, filter types.AuditFilter, limit, offset int64) ([]types.AuditEntry, error)
	// UpdateEntry always fails: audit entries are immutable.
	UpdateEntry(ctx context.Context, entry types.AuditEntry) error
	// DeleteEntry always fails: audit entries are immutable.
	DeleteEntry(ctx context.Context, id string) error
}

// Stores bundles every repository for composition-root wiring.
type Stores struct {
	Deployments Deployments
	Sessions    Sessions
	History     History
	Jobs        Jobs
	Audit       Audit
}

// ErrAuditImmutable is the error every non-insert audit operation returns.
func ErrAuditImmutable() error {
	return types.E(types.KindAuditImmutable, "audit entries are append-only")
}
