package webhooks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/testutil"
)

type retryFixture struct {
	*processorFixture
	sqs       *testutil.MockSQS
	scheduler *Scheduler
	now       time.Time
}

func newRetryFixture(t *testing.T) *retryFixture {
	t.Helper()
	pf := newProcessorFixture(t)
	sqsMock := &testutil.MockSQS{}
	alerts := aws.NewAlertPublisher(sqsMock, "https://sqs.test/alerts")

	sched := NewScheduler(pf.events, pf.processor, alerts, aws.NewMetrics(nil), SchedulerConfig{})
	f := &retryFixture{
		processorFixture: pf,
		sqs:              sqsMock,
		scheduler:        sched,
		now:              time.Unix(1_700_000_000, 0),
	}
	sched.nowFunc = func() time.Time { return f.now }
	return f
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	f := newRetryFixture(t)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	var prev time.Duration
	for i, w := range want {
		got := f.scheduler.backoff(i)
		if got != w {
			t.Errorf("backoff(%d) = %s, want %s", i, got, w)
		}
		if got < prev {
			t.Errorf("backoff must be non-decreasing: backoff(%d)=%s < %s", i, got, prev)
		}
		prev = got
	}

	if f.scheduler.backoff(40) != 60*time.Second {
		t.Fatal("large retry counts must stay at the cap")
	}
}

func TestScheduleRetry_BelowBound(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()

	ev := Event{ID: "e1", SessionID: "s1", ProcessingStatus: StatusReceived}
	if err := f.events.Insert(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := f.scheduler.ScheduleRetry(ctx, &ev, errors.New("db unavailable")); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	stored, _ := f.events.Get(ctx, "e1")
	if stored.ProcessingStatus != StatusRetrying {
		t.Fatalf("expected retrying, got %s", stored.ProcessingStatus)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", stored.RetryCount)
	}
	if want := f.now.Add(5 * time.Second).Unix(); stored.NextRetryAt != want {
		t.Fatalf("expected next_retry_at %d, got %d", want, stored.NextRetryAt)
	}
	if f.sqs.SentCount() != 0 {
		t.Fatal("no alert should be published below the bound")
	}
}

func TestScheduleRetry_ExhaustionFailsTerminally(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()

	ev := Event{ID: "e1", SessionID: "s1", ProcessingStatus: StatusReceived}
	if err := f.events.Insert(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cause := errors.New("db unavailable")
	for attempt := 0; attempt < 3; attempt++ {
		stored, _ := f.events.Get(ctx, "e1")
		if err := f.scheduler.ScheduleRetry(ctx, stored, cause); err != nil {
			t.Fatalf("schedule attempt %d: %v", attempt, err)
		}
	}

	stored, _ := f.events.Get(ctx, "e1")
	if stored.ProcessingStatus != StatusFailed {
		t.Fatalf("expected terminal failed after max attempts, got %s", stored.ProcessingStatus)
	}
	if f.sqs.SentCount() != 1 {
		t.Fatalf("expected exactly one operator alert, got %d", f.sqs.SentCount())
	}
	if !strings.Contains(f.sqs.Sent[0], `"event_id":"e1"`) {
		t.Fatalf("alert should reference the event, got %s", f.sqs.Sent[0])
	}

	// the sweep must never pick it up again
	due, err := f.events.ListDue(ctx, f.now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("failed event must not be selectable, got %d", len(due))
	}
}

func TestRunDueRetries_ReplaysStoredPayload(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()
	f.seedSession(t, "s1", "42")

	// a delivery that failed once and is now due
	ev := f.deliver(t, approvedPayload)
	if err := f.events.MarkRetrying(ctx, ev.ID, 1, f.now.Add(-time.Minute), "transient"); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	processed, failed, err := f.scheduler.RunDueRetries(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 || failed != 0 {
		t.Fatalf("expected (1, 0), got (%d, %d)", processed, failed)
	}

	stored, _ := f.events.Get(ctx, ev.ID)
	if stored.ProcessingStatus != StatusProcessed {
		t.Fatalf("expected processed, got %s", stored.ProcessingStatus)
	}
	sess, _ := f.sessions.FindByID(ctx, "s1")
	if sess.State != sessions.StateApproved {
		t.Fatalf("expected session approved after replay, got %s", sess.State)
	}
}

func TestRunDueRetries_SkipsFutureEvents(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()
	f.seedSession(t, "s1", "42")

	ev := f.deliver(t, approvedPayload)
	if err := f.events.MarkRetrying(ctx, ev.ID, 1, f.now.Add(time.Hour), "transient"); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	processed, failed, err := f.scheduler.RunDueRetries(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Fatalf("future event must not be swept, got (%d, %d)", processed, failed)
	}
}

func TestRunDueRetries_FailureReschedules(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()
	// no session row: applying the payload fails and the event is rescheduled

	ev := f.deliver(t, approvedPayload)
	if err := f.events.MarkRetrying(ctx, ev.ID, 1, f.now.Add(-time.Minute), "transient"); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	processed, failed, err := f.scheduler.RunDueRetries(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 || failed != 1 {
		t.Fatalf("expected (0, 1), got (%d, %d)", processed, failed)
	}

	stored, _ := f.events.Get(ctx, ev.ID)
	if stored.ProcessingStatus != StatusRetrying {
		t.Fatalf("expected rescheduled retrying, got %s", stored.ProcessingStatus)
	}
	if stored.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", stored.RetryCount)
	}
}
