package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/subjects"
	"github.com/loanflow/go-verification-flow/internal/testutil"
	"github.com/loanflow/go-verification-flow/internal/verification"
)

type processorFixture struct {
	mock      *testutil.MockDynamo
	sessions  *sessions.Store
	subjects  *subjects.Store
	events    *Store
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	mock := testutil.NewMockDynamo()
	mock.AddTable("sessions", "session_id")
	mock.AddTable("subjects", "subject_id")
	mock.AddTable("events", "id")

	sessStore := sessions.NewStore(mock, "sessions")
	subjStore := subjects.NewStore(mock, "subjects")
	eventStore := NewStore(mock, "events")
	applier := &verification.Applier{Sessions: sessStore, Subjects: subjStore}

	return &processorFixture{
		mock:      mock,
		sessions:  sessStore,
		subjects:  subjStore,
		events:    eventStore,
		processor: NewProcessor(eventStore, applier, aws.NewMetrics(nil)),
	}
}

func (f *processorFixture) seedSession(t *testing.T, id, subject string) {
	t.Helper()
	err := f.sessions.CreateWithSubjectPending(context.Background(), sessions.VerificationSession{
		SessionID: id,
		SubjectID: subject,
		State:     sessions.StateInitialized,
		ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	}, "subjects")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (f *processorFixture) deliver(t *testing.T, raw string) *Event {
	t.Helper()
	ctx := context.Background()
	payload, err := ParsePayload([]byte(raw))
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	ev, err := f.processor.Ingest(ctx, payload, []byte(raw))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return ev
}

const approvedPayload = `{"sessionId":"s1","status":"Approved","vendor_data":"{\"subjectId\":42}","decision":{"document_number":"X123"}}`

func TestApply_ApprovedWebhook(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedSession(t, "s1", "42")
	ctx := context.Background()

	ev := f.deliver(t, approvedPayload)
	if err := f.processor.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sess, _ := f.sessions.FindByID(ctx, "s1")
	if sess.State != sessions.StateApproved {
		t.Fatalf("expected session approved, got %s", sess.State)
	}
	if sess.ExtractedData["document_number"] != "X123" {
		t.Fatalf("expected extracted data on approval, got %v", sess.ExtractedData)
	}

	rec, _ := f.subjects.Get(ctx, "42")
	if rec.Status != subjects.StatusVerified {
		t.Fatalf("expected subject verified, got %s", rec.Status)
	}

	stored, _ := f.events.Get(ctx, ev.ID)
	if stored.ProcessingStatus != StatusProcessed {
		t.Fatalf("expected event processed, got %s", stored.ProcessingStatus)
	}
	if f.mock.Len("events") != 1 {
		t.Fatalf("expected exactly one event row, got %d", f.mock.Len("events"))
	}
}

func TestApply_ReplayIsNoOp(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedSession(t, "s1", "42")
	ctx := context.Background()

	first := f.deliver(t, approvedPayload)
	if err := f.processor.Apply(ctx, first); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// duplicate delivery of the identical payload
	second := f.deliver(t, approvedPayload)
	if err := f.processor.Apply(ctx, second); err != nil {
		t.Fatalf("replay must complete as a no-op, got %v", err)
	}

	sess, _ := f.sessions.FindByID(ctx, "s1")
	if sess.State != sessions.StateApproved {
		t.Fatalf("replay changed session state to %s", sess.State)
	}
	rec, _ := f.subjects.Get(ctx, "42")
	if rec.Status != subjects.StatusVerified {
		t.Fatalf("replay changed subject status to %s", rec.Status)
	}

	stored, _ := f.events.Get(ctx, second.ID)
	if stored.ProcessingStatus != StatusProcessed {
		t.Fatalf("replayed event should be processed, got %s", stored.ProcessingStatus)
	}
}

func TestApply_AlreadyProcessedEventSkips(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedSession(t, "s1", "42")
	ctx := context.Background()

	ev := f.deliver(t, approvedPayload)
	if err := f.processor.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	done, _ := f.events.Get(ctx, ev.ID)
	if err := f.processor.Apply(ctx, done); err != nil {
		t.Fatalf("re-applying a processed event must be a no-op, got %v", err)
	}
}

func TestApply_MalformedVendorDataFailsTerminally(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedSession(t, "s1", "42")
	ctx := context.Background()

	ev := f.deliver(t, `{"sessionId":"s1","status":"Approved","vendor_data":"not json"}`)
	if err := f.processor.Apply(ctx, ev); err != nil {
		t.Fatalf("malformed correlation payload must not be retryable, got %v", err)
	}

	stored, _ := f.events.Get(ctx, ev.ID)
	if stored.ProcessingStatus != StatusFailed {
		t.Fatalf("expected terminal failed, got %s", stored.ProcessingStatus)
	}

	sess, _ := f.sessions.FindByID(ctx, "s1")
	if sess.State != sessions.StateInitialized {
		t.Fatalf("session must be untouched, got %s", sess.State)
	}
}

func TestApply_UnknownStatusLeavesStateUntouched(t *testing.T) {
	f := newProcessorFixture(t)
	f.seedSession(t, "s1", "42")
	ctx := context.Background()

	ev := f.deliver(t, `{"sessionId":"s1","status":"In Review","vendor_data":"{\"subjectId\":42}"}`)
	if err := f.processor.Apply(ctx, ev); err != nil {
		t.Fatalf("unknown status must not error the pipeline, got %v", err)
	}

	sess, _ := f.sessions.FindByID(ctx, "s1")
	if sess.State != sessions.StateInitialized {
		t.Fatalf("unknown status must not change state, got %s", sess.State)
	}
	rec, _ := f.subjects.Get(ctx, "42")
	if rec.Status != subjects.StatusPending {
		t.Fatalf("unknown status must not touch subject, got %s", rec.Status)
	}

	stored, _ := f.events.Get(ctx, ev.ID)
	if stored.ProcessingStatus != StatusProcessed {
		t.Fatalf("audit row should still be processed, got %s", stored.ProcessingStatus)
	}
}

func TestSubjectID_Formats(t *testing.T) {
	numeric := Payload{VendorData: `{"subjectId":42}`}
	if id, err := numeric.SubjectID(); err != nil || id != "42" {
		t.Fatalf("numeric id: got (%q, %v)", id, err)
	}

	str := Payload{VendorData: `{"subjectId":"abc-7"}`}
	if id, err := str.SubjectID(); err != nil || id != "abc-7" {
		t.Fatalf("string id: got (%q, %v)", id, err)
	}

	missing := Payload{VendorData: `{"other":1}`}
	if _, err := missing.SubjectID(); err == nil {
		t.Fatal("missing subjectId must error")
	}
}
