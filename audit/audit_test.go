package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skyform-io/skyform/audit"
	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/store"
	"github.com/skyform-io/skyform/types"
)

func newRecorder(t *testing.T) (*audit.Recorder, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem.Stores().Audit, log.NewNop())
	return rec, mem
}

func TestAppend_ChainsPerUser(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	first, err := rec.Append(ctx, audit.Event{UserID: "u1", Action: "create", ResourceType: "deployment", ResourceID: "d1"})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.PreviousHash != "" {
		t.Errorf("first entry should have empty previousHash, got %q", first.PreviousHash)
	}
	if first.Hash == "" {
		t.Fatal("entry hash is empty")
	}

	second, err := rec.Append(ctx, audit.Event{UserID: "u1", Action: "plan", ResourceType: "deployment", ResourceID: "d1"})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("chain broken: previousHash=%q, want %q", second.PreviousHash, first.Hash)
	}

	// A different user starts its own chain.
	other, err := rec.Append(ctx, audit.Event{UserID: "u2", Action: "plan", ResourceType: "deployment", ResourceID: "d1"})
	if err != nil {
		t.Fatalf("other-user append: %v", err)
	}
	if other.PreviousHash != "" {
		t.Errorf("new user chain should start empty, got %q", other.PreviousHash)
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	a := audit.ComputeHash(ts, "u1", "apply", "deployment", "d1", "prev")
	b := audit.ComputeHash(ts, "u1", "apply", "deployment", "d1", "prev")
	if a != b {
		t.Errorf("hash not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	// Any field change must change the hash.
	if audit.ComputeHash(ts, "u1", "apply", "deployment", "d2", "prev") == a {
		t.Error("resourceId change did not change hash")
	}
	if audit.ComputeHash(ts.Add(time.Nanosecond), "u1", "apply", "deployment", "d1", "prev") == a {
		t.Error("timestamp change did not change hash")
	}
}

func TestAppend_CountMatchesInserts(t *testing.T) {
	rec, mem := newRecorder(t)
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		if _, err := rec.Append(ctx, audit.Event{UserID: "u1", Action: "step", ResourceType: "deployment"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if got := mem.AuditCount(); got != n {
		t.Errorf("expected %d entries, got %d", n, got)
	}
}

func TestStore_MutationsFailImmutable(t *testing.T) {
	_, mem := newRecorder(t)
	st := mem.Stores().Audit
	ctx := context.Background()

	if err := st.UpdateEntry(ctx, types.AuditEntry{ID: "x"}); !types.IsKind(err, types.KindAuditImmutable) {
		t.Errorf("UpdateEntry: expected audit_immutable, got %v", err)
	}
	if err := st.DeleteEntry(ctx, "x"); !types.IsKind(err, types.KindAuditImmutable) {
		t.Errorf("DeleteEntry: expected audit_immutable, got %v", err)
	}
}

func TestFind_FilterAndOrder(t *testing.T) {
	rec, _ := newRecorder(t)
	ctx := context.Background()

	for _, action := range []string{"create", "plan", "apply"} {
		if _, err := rec.Append(ctx, audit.Event{UserID: "u1", Action: action, ResourceType: "deployment", ResourceID: "d1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := rec.Find(ctx, types.AuditFilter{ResourceID: "d1"}, 0, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Action != "apply" || got[2].Action != "create" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].Action, got[1].Action, got[2].Action)
	}

	planOnly, err := rec.Find(ctx, types.AuditFilter{Action: "plan"}, 0, 0)
	if err != nil {
		t.Fatalf("find plan: %v", err)
	}
	if len(planOnly) != 1 {
		t.Errorf("expected 1 plan entry, got %d", len(planOnly))
	}
}

// failingLookupStore wraps the memory audit store and fails chain lookups.
type failingLookupStore struct {
	store.Audit
}

func (f *failingLookupStore) LatestForUser(context.Context, string) (*types.AuditEntry, error) {
	return nil, errors.New("network unreachable")
}

func TestAppend_LookupFailureDoesNotBlockWrite(t *testing.T) {
	mem := store.NewMemory()
	rec := audit.NewRecorder(&failingLookupStore{Audit: mem.Stores().Audit}, log.NewNop())

	entry, err := rec.Append(context.Background(), audit.Event{UserID: "u1", Action: "create", ResourceType: "deployment"})
	if err != nil {
		t.Fatalf("append should survive lookup failure: %v", err)
	}
	if entry.PreviousHash != "" {
		t.Errorf("expected unlinked entry, got previousHash=%q", entry.PreviousHash)
	}
	if mem.AuditCount() != 1 {
		t.Errorf("entry was not persisted")
	}
}
