package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/loanflow/go-verification-flow/internal/aws"
)

// Retry defaults; overridable through SchedulerConfig.
const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 5 * time.Second
	defaultBackoffCap  = 60 * time.Second
)

// SchedulerConfig tunes the retry scheduler.
type SchedulerConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Scheduler records processing failures and replays them later with bounded
// exponential backoff. An event that exhausts MaxAttempts is marked failed
// terminally and surfaced to operators on the alert queue.
type Scheduler struct {
	events      *Store
	processor   *Processor
	alerts      *aws.AlertPublisher
	metrics     *aws.Metrics
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	nowFunc     func() time.Time
}

// NewScheduler wires a scheduler; zero config fields fall back to defaults.
func NewScheduler(events *Store, processor *Processor, alerts *aws.AlertPublisher, metrics *aws.Metrics, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	return &Scheduler{
		events:      events,
		processor:   processor,
		alerts:      alerts,
		metrics:     metrics,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		nowFunc:     time.Now,
	}
}

// backoff computes min(base * 2^retryCount, cap). Doubling in a loop keeps
// large retry counts from overflowing the duration.
func (s *Scheduler) backoff(retryCount int) time.Duration {
	d := s.backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	if d > s.backoffCap {
		return s.backoffCap
	}
	return d
}

// ScheduleRetry records a failed processing attempt. Below the attempt bound
// the event goes back to retrying with its next due time; at the bound it is
// marked failed and an operator alert is published.
func (s *Scheduler) ScheduleRetry(ctx context.Context, ev *Event, cause error) error {
	attempts := ev.RetryCount + 1
	note := fmt.Sprintf("attempt %d: %v", attempts, cause)

	if attempts >= s.maxAttempts {
		log.Printf("[retry] event=%s exhausted %d attempts, failing terminally: %v", ev.ID, attempts, cause)
		if err := s.events.MarkFailed(ctx, ev.ID, note); err != nil {
			return err
		}
		s.metrics.Count(ctx, aws.MetricWebhookFailed)
		alert := aws.OperatorAlert{
			EventID:    ev.ID,
			SessionID:  ev.SessionID,
			RetryCount: attempts,
			Reason:     cause.Error(),
			FailedAt:   s.nowFunc(),
		}
		if err := s.alerts.PublishFailure(ctx, alert); err != nil {
			// the event row itself still carries the failure for audit
			log.Printf("[retry] alert publish failed for event=%s: %v", ev.ID, err)
		}
		return nil
	}

	next := s.nowFunc().Add(s.backoff(ev.RetryCount))
	log.Printf("[retry] event=%s attempt %d failed, next retry at %s: %v", ev.ID, attempts, next.Format(time.RFC3339), cause)
	if err := s.events.MarkRetrying(ctx, ev.ID, attempts, next, note); err != nil {
		return err
	}
	s.metrics.Count(ctx, aws.MetricWebhookRetried)
	return nil
}

// RunDueRetries sweeps due events oldest first, claims each one, and re-runs
// the processor against the stored payload. Returns how many events were
// processed and how many failed again this sweep.
func (s *Scheduler) RunDueRetries(ctx context.Context) (processed, failed int, err error) {
	due, err := s.events.ListDue(ctx, s.nowFunc(), 25)
	if err != nil {
		return 0, 0, err
	}

	for i := range due {
		ev := due[i]
		if err := s.events.Claim(ctx, ev.ID); err != nil {
			if errors.Is(err, ErrAlreadyClaimed) {
				continue
			}
			return processed, failed, err
		}
		ev.ProcessingStatus = StatusProcessing

		if applyErr := s.processor.Apply(ctx, &ev); applyErr != nil {
			failed++
			if err := s.ScheduleRetry(ctx, &ev, applyErr); err != nil {
				return processed, failed, err
			}
			continue
		}
		processed++
	}
	return processed, failed, nil
}
