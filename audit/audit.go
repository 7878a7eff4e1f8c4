// Package audit produces the append-only, hash-chained record of engine
// actions.
//
// Entries chain per user: each append looks up the user's most recent entry,
// copies its hash into PreviousHash, and hashes the canonical field set. A
// failed lookup does not block the write; PreviousHash stays empty and the
// break is detectable by downstream verification tooling. Appends never block
// the caller beyond a short timeout.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/types"
)

// DefaultTimeout bounds the persistence round trips of one append.
const DefaultTimeout = 5 * time.Second

// Store is the audit persistence boundary.
//
// The backing collection is append-only: implementations must reject every
// mutation that is not an insert with a KindAuditImmutable error, and keep a
// unique index on the hash field.
type Store interface {
	// InsertEntry persists a new entry.
	InsertEntry(ctx context.Context, entry types.AuditEntry) error
	// LatestForUser returns the most recent entry for a user, or nil when
	// the user has no entries.
	LatestForUser(ctx context.Context, userID string) (*types.AuditEntry, error)
	// FindEntries returns entries matching the filter, newest first.
	FindEntries(ctx context.Context, filter types.AuditFilter, limit, offset int64) ([]types.AuditEntry, error)
}

// Event is the caller-supplied portion of an audit entry. Hashes and chain
// linkage are computed by the recorder.
type Event struct {
	UserID        string
	Action        string
	ResourceType  string
	ResourceID    string
	PreviousState string
	NewState      string
	Details       map[string]any
}

// Recorder appends hash-chained entries to a Store.
type Recorder struct {
	store   Store
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithTimeout overrides the per-append persistence timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder on top of the given store.
func NewRecorder(store Store, logger *log.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append writes one chained entry and returns it as persisted.
func (r *Recorder) Append(ctx context.Context, ev Event) (types.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry := types.AuditEntry{
		ID:            uuid.New().String(),
		Timestamp:     r.now().UTC(),
		UserID:        ev.UserID,
		Action:        ev.Action,
		ResourceType:  ev.ResourceType,
		ResourceID:    ev.ResourceID,
		PreviousState: ev.PreviousState,
		NewState:      ev.NewState,
		Details:       ev.Details,
	}

	// Best-effort chain linkage: a lookup failure leaves PreviousHash empty
	// rather than blocking the write.
	prev, err := r.store.LatestForUser(ctx, ev.UserID)
	if err != nil {
		r.logger.Warn("audit chain lookup failed, writing unlinked entry",
			zap.String("user_id", ev.UserID), zap.Error(err))
	} else if prev != nil {
		entry.PreviousHash = prev.Hash
	}

	entry.Hash = ComputeHash(entry.Timestamp, entry.UserID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.PreviousHash)

	if err := r.store.InsertEntry(ctx, entry); err != nil {
		return types.AuditEntry{}, err
	}
	return entry, nil
}

// Record is Append for callers on the propagation policy's swallow list:
// failures are logged and never returned.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if _, err := r.Append(ctx, ev); err != nil {
		r.logger.Warn("audit append failed",
			zap.String("action", ev.Action),
			zap.String("resource_id", ev.ResourceID),
			zap.Error(err))
	}
}

// Find returns entries matching the filter, newest first.
func (r *Recorder) Find(ctx context.Context, filter types.AuditFilter, limit, offset int64) ([]types.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.FindEntries(ctx, filter, limit, offset)
}

// ComputeHash returns the SHA-256 of the canonical serialization of the
// fixed-order field set. The canonical form joins the RFC3339Nano UTC
// timestamp and the remaining fields with "|"; absent fields serialize as
// empty strings. The result is deterministic for fixed inputs.
func ComputeHash(ts time.Time, userID, action, resourceType, resourceID, previousHash string) string {
	canonical := strings.Join([]string{
		ts.UTC().Format(time.RFC3339Nano),
		userID,
		action,
		resourceType,
		resourceID,
		previousHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
