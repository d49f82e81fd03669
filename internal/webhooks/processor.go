package webhooks

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/loanflow/go-verification-flow/internal/aws"
	"github.com/loanflow/go-verification-flow/internal/verification"
)

// Processor applies authenticated provider callbacks to session and subject
// state. Ingest runs once per delivery; Apply is re-entrant and is re-invoked
// by the retry scheduler against the stored raw payload.
type Processor struct {
	events  *Store
	applier *verification.Applier
	metrics *aws.Metrics
}

// NewProcessor wires a processor over the event store and the shared applier.
func NewProcessor(events *Store, applier *verification.Applier, metrics *aws.Metrics) *Processor {
	return &Processor{
		events:  events,
		applier: applier,
		metrics: metrics,
	}
}

// Ingest persists the audit row for an authenticated delivery, verbatim.
func (p *Processor) Ingest(ctx context.Context, payload *Payload, raw []byte) (*Event, error) {
	ev := Event{
		ID:               uuid.NewString(),
		SessionID:        payload.SessionID,
		EventType:        payload.Status,
		RawPayload:       string(raw),
		ProcessingStatus: StatusReceived,
	}
	if err := p.events.Insert(ctx, ev); err != nil {
		return nil, err
	}
	p.metrics.Count(ctx, aws.MetricWebhookReceived)
	return &ev, nil
}

// Apply runs the processing steps against an event's stored payload:
// extract, normalize, update session, update subject on terminal outcomes,
// mark processed. A returned error is retryable; non-retryable problems
// (malformed correlation payload) are marked failed here and return nil.
func (p *Processor) Apply(ctx context.Context, ev *Event) error {
	if ev.ProcessingStatus == StatusProcessed {
		log.Printf("[webhook] event=%s already processed, skipping", ev.ID)
		return nil
	}

	payload, err := ParsePayload([]byte(ev.RawPayload))
	if err != nil {
		// was valid JSON at ingest; if it no longer decodes, retrying cannot help
		return p.failTerminally(ctx, ev, fmt.Sprintf("payload no longer decodes: %v", err))
	}

	subjectID, err := payload.SubjectID()
	if err != nil {
		return p.failTerminally(ctx, ev, fmt.Sprintf("malformed correlation payload: %v", err))
	}

	if _, _, err := p.applier.Apply(ctx, payload.SessionID, subjectID, payload.Status, payload.Decision); err != nil {
		return fmt.Errorf("apply outcome for session=%s: %w", payload.SessionID, err)
	}

	if err := p.events.MarkProcessed(ctx, ev.ID); err != nil {
		// state already applied; re-running Apply is a no-op, so retry is safe
		return err
	}
	p.metrics.Count(ctx, aws.MetricWebhookProcessed)
	return nil
}

func (p *Processor) failTerminally(ctx context.Context, ev *Event, note string) error {
	log.Printf("[webhook] event=%s failed terminally: %s", ev.ID, note)
	if err := p.events.MarkFailed(ctx, ev.ID, note); err != nil {
		return err
	}
	p.metrics.Count(ctx, aws.MetricWebhookFailed)
	return nil
}
