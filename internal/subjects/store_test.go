package subjects

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockDynamo) {
	t.Helper()
	mock := testutil.NewMockDynamo()
	mock.AddTable("subjects", "subject_id")
	return NewStore(mock, "subjects"), mock
}

func TestForState(t *testing.T) {
	if st, ok := ForState(sessions.StateApproved); !ok || st != StatusVerified {
		t.Fatalf("approved should map to verified, got (%q, %v)", st, ok)
	}
	if st, ok := ForState(sessions.StateDeclined); !ok || st != StatusFailed {
		t.Fatalf("declined should map to failed, got (%q, %v)", st, ok)
	}
	for _, st := range []sessions.State{sessions.StateInitialized, sessions.StateRetrieved, sessions.StateConfirmed} {
		if _, ok := ForState(st); ok {
			t.Errorf("%s must not map to a subject status", st)
		}
	}
}

func TestSetTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SetTerminal(ctx, "42", "s1", StatusVerified); err != nil {
		t.Fatalf("set verified: %v", err)
	}
	rec, err := store.Get(ctx, "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusVerified || rec.SessionID != "s1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// idempotent re-apply for the same session
	if err := store.SetTerminal(ctx, "42", "s1", StatusVerified); err != nil {
		t.Fatalf("re-apply should be a no-op, got %v", err)
	}

	// the row now belongs to session s1; a different session's decision is stale
	if err := store.SetTerminal(ctx, "42", "s0", StatusFailed); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	rec, _ = store.Get(ctx, "42")
	if rec.Status != StatusVerified {
		t.Fatalf("stale write must not change status, got %s", rec.Status)
	}
}

func TestSetTerminal_RejectsNonTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SetTerminal(context.Background(), "42", "s1", StatusPending); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestSetTerminal_AfterInitiatorPending(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	// simulate the initiator's transactional pending write for session s2
	mock.Seed("subjects", map[string]types.AttributeValue{
		"subject_id":          &types.AttributeValueMemberS{Value: "42"},
		"verification_status": &types.AttributeValueMemberS{Value: "pending"},
		"session_id":          &types.AttributeValueMemberS{Value: "s2"},
	})

	// a late decision from the superseded session s1 is dropped
	if err := store.SetTerminal(ctx, "42", "s1", StatusFailed); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for superseded session, got %v", err)
	}

	// the owning session's decision lands
	if err := store.SetTerminal(ctx, "42", "s2", StatusVerified); err != nil {
		t.Fatalf("owning session decision: %v", err)
	}
	rec, _ := store.Get(ctx, "42")
	if rec.Status != StatusVerified {
		t.Fatalf("expected verified, got %s", rec.Status)
	}
}

func TestGet_Missing(t *testing.T) {
	store, _ := newTestStore(t)
	rec, err := store.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}
