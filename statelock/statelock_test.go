package statelock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/statelock"
	"github.com/skyform-io/skyform/types"
)

// stubKV implements the conditional-insert contract over an in-memory map.
type stubKV struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue
}

func newStubKV() *stubKV {
	return &stubKV{items: make(map[string]map[string]ddbtypes.AttributeValue)}
}

func keyOf(item map[string]ddbtypes.AttributeValue) string {
	return item["LockID"].(*ddbtypes.AttributeValueMemberS).Value
}

func (s *stubKV) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(in.Item)
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(LockID)" {
		if _, exists := s.items[key]; exists {
			return nil, &ddbtypes.ConditionalCheckFailedException{}
		}
	}
	s.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubKV) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (s *stubKV) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func newLocker(kv *stubKV) *statelock.Locker {
	return statelock.NewLocker(kv, statelock.Options{Table: "skyform-locks"}, nil, log.NewNop())
}

func TestAcquireRelease(t *testing.T) {
	l := newLocker(newStubKV())
	ctx := context.Background()

	h, err := l.Acquire(ctx, "d1", "engine-1", "plan")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Key != "deployments/d1/state-md5" {
		t.Errorf("unexpected lock key %q", h.Key)
	}
	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Reacquirable after release.
	if _, err := l.Acquire(ctx, "d1", "engine-2", "apply"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestAcquire_ContentionNamesHolder(t *testing.T) {
	l := newLocker(newStubKV())
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "d1", "engine-1", "plan"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := l.Acquire(ctx, "d1", "engine-2", "apply")
	var lc *types.LockContendedError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LockContendedError, got %v", err)
	}
	if lc.Holder != "engine-1" || lc.Purpose != "plan" {
		t.Errorf("holder info not reported: %+v", lc)
	}
	if !types.IsKind(err, types.KindLockContended) {
		t.Errorf("expected lock_contended kind, got %v", types.KindOf(err))
	}
}

func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	l := newLocker(newStubKV())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Acquire(ctx, "d1", "engine", "plan")
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !types.IsKind(err, types.KindLockContended) {
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("expected exactly one winner, got %d", won)
	}
}

func TestAcquire_IndependentDeployments(t *testing.T) {
	l := newLocker(newStubKV())
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "d1", "e1", "plan"); err != nil {
		t.Fatalf("d1: %v", err)
	}
	if _, err := l.Acquire(ctx, "d2", "e1", "plan"); err != nil {
		t.Fatalf("locks must be per-deployment: %v", err)
	}
}

func TestForceRelease_RefusesFreshLock(t *testing.T) {
	l := newLocker(newStubKV())
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "d1", "engine-1", "apply"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := l.ForceRelease(ctx, "d1", "admin")
	if !types.IsKind(err, types.KindInvalidInput) {
		t.Errorf("expected refusal for fresh lock, got %v", err)
	}
}

func TestForceRelease_EvictsStaleLock(t *testing.T) {
	kv := newStubKV()
	l := newLocker(kv)
	ctx := context.Background()

	base := time.Now()
	l.WithClock(func() time.Time { return base.Add(-time.Hour) })
	if _, err := l.Acquire(ctx, "d1", "crashed-engine", "apply"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	l.WithClock(time.Now)
	if err := l.ForceRelease(ctx, "d1", "admin"); err != nil {
		t.Fatalf("force release of stale lock: %v", err)
	}
	if _, err := l.Acquire(ctx, "d1", "engine-2", "plan"); err != nil {
		t.Fatalf("reacquire after force release: %v", err)
	}
}

func TestForceRelease_NoLockIsNotFound(t *testing.T) {
	l := newLocker(newStubKV())
	err := l.ForceRelease(context.Background(), "d1", "admin")
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestRelease_NilHandleIsNoop(t *testing.T) {
	l := newLocker(newStubKV())
	if err := l.Release(context.Background(), nil); err != nil {
		t.Errorf("nil handle release: %v", err)
	}
}
