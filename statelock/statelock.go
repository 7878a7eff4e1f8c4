// Package statelock provides a distributed mutex over IaC backend state,
// backed by a KV table with conditional inserts.
package statelock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/types"
)

// DefaultTTL is the age past which a lock is considered stale and eligible
// for forced release.
const DefaultTTL = 30 * time.Minute

// KV is the conditional-insert surface of the lock table. Satisfied by
// *dynamodb.Client.
type KV interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Handle identifies an acquired lock for release.
type Handle struct {
	Key      string
	LockID   string
	HolderID string
	Purpose  string
	Created  time.Time
}

// info is the JSON body stored in the table row, matching the backend's own
// lock format so both sides respect each other's locks.
type info struct {
	ID        string    `json:"ID"`
	Operation string    `json:"Operation"`
	Who       string    `json:"Who"`
	Version   string    `json:"Version"`
	Created   time.Time `json:"Created"`
	Path      string    `json:"Path"`
}

// Options configures a Locker.
type Options struct {
	// Table is the lock table name.
	Table string
	// TTL is the stale-lock age for ForceRelease (default DefaultTTL).
	TTL time.Duration
	// Timeout bounds each KV call (default 10s).
	Timeout time.Duration
}

// Locker acquires and releases per-deployment state locks.
type Locker struct {
	kv     KV
	opts   Options
	rec    *audit.Recorder
	logger *log.Logger
	now    func() time.Time
}

// NewLocker creates a Locker. rec may be nil when no audit trail is wanted
// (tests).
func NewLocker(kv KV, opts Options, rec *audit.Recorder, logger *log.Logger) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Locker{kv: kv, opts: opts, rec: rec, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	l.now = now
	return l
}

// Acquire takes the state lock for a deployment. Contention returns
// types.LockContendedError naming the current holder.
func (l *Locker) Acquire(ctx context.Context, deploymentID, holderID, purpose string) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	key := types.LockKeyFor(deploymentID)
	created := l.now().UTC()
	lockID := uuid.NewString()
	body, err := json.Marshal(info{
		ID:        lockID,
		Operation: purpose,
		Who:       holderID,
		Version:   types.Version,
		Created:   created,
		Path:      types.StateKeyFor(deploymentID),
	})
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "encode lock info", err)
	}

	_, err = l.kv.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.opts.Table),
		Item: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: key},
			"Info":   &ddbtypes.AttributeValueMemberS{Value: string(body)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			holder, heldPurpose := l.currentHolder(ctx, key)
			return nil, &types.LockContendedError{Key: key, Holder: holder, Purpose: heldPurpose}
		}
		return nil, types.WrapErr(types.KindInternal, "insert lock row", err)
	}

	l.logger.Debug("state lock acquired",
		zap.String("key", key), zap.String("holder", holderID), zap.String("purpose", purpose))
	return &Handle{Key: key, LockID: lockID, HolderID: holderID, Purpose: purpose, Created: created}, nil
}

// Release deletes the lock row. Releasing an already-released lock is a
// no-op.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	_, err := l.kv.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.opts.Table),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: h.Key},
		},
	})
	if err != nil {
		return types.WrapErr(types.KindInternal, "delete lock row", err)
	}
	l.logger.Debug("state lock released", zap.String("key", h.Key))
	return nil
}

// ForceRelease removes a stale lock on behalf of an administrator. The lock
// must be older than the configured TTL; forcing a fresh lock is rejected. A
// forced release writes an audit entry naming the evicted holder.
func (l *Locker) ForceRelease(ctx context.Context, deploymentID, adminID string) error {
	key := types.LockKeyFor(deploymentID)

	callCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	out, err := l.kv.GetItem(callCtx, &dynamodb.GetItemInput{
		TableName: aws.String(l.opts.Table),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return types.WrapErr(types.KindInternal, "read lock row", err)
	}
	if out.Item == nil {
		return types.Ef(types.KindNotFound, "no lock held for %s", deploymentID)
	}

	var li info
	if attr, ok := out.Item["Info"].(*ddbtypes.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(attr.Value), &li)
	}
	if age := l.now().UTC().Sub(li.Created); age < l.opts.TTL {
		return types.Ef(types.KindInvalidInput,
			"lock for %s is only %s old (TTL %s), refusing to force", deploymentID, age.Round(time.Second), l.opts.TTL)
	}

	if err := l.Release(ctx, &Handle{Key: key}); err != nil {
		return err
	}
	l.logger.Warn("state lock force-released",
		zap.String("key", key), zap.String("evicted_holder", li.Who), zap.String("admin", adminID))
	if l.rec != nil {
		l.rec.Record(ctx, audit.Event{
			UserID:       adminID,
			Action:       "force_unlock",
			ResourceType: "state_lock",
			ResourceID:   deploymentID,
			Details: map[string]any{
				"evictedHolder": li.Who,
				"purpose":       li.Operation,
				"lockAge":       l.now().UTC().Sub(li.Created).String(),
			},
		})
	}
	return nil
}

// currentHolder best-effort reads who holds the lock for error reporting.
func (l *Locker) currentHolder(ctx context.Context, key string) (holder, purpose string) {
	out, err := l.kv.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.opts.Table),
		Key: map[string]ddbtypes.AttributeValue{
			"LockID": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil || out.Item == nil {
		return "", ""
	}
	var li info
	if attr, ok := out.Item["Info"].(*ddbtypes.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(attr.Value), &li)
	}
	return li.Who, li.Operation
}
