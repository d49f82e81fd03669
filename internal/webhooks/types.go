package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Processing statuses for webhook events.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusRetrying   = "retrying"
	StatusFailed     = "failed"
)

// Event is the append-only audit record persisted in the events table.
// The raw payload is stored verbatim so a retry replays exactly the bytes the
// provider delivered, regardless of later payload-schema changes.
type Event struct {
	ID               string     `dynamodbav:"id"`
	SessionID        string     `dynamodbav:"session_id"`
	EventType        string     `dynamodbav:"event_type"` // raw provider status string
	RawPayload       string     `dynamodbav:"raw_payload"`
	ProcessingStatus string     `dynamodbav:"processing_status"`
	RetryCount       int        `dynamodbav:"retry_count"`
	NextRetryAt      int64      `dynamodbav:"next_retry_at"` // epoch seconds; 0 when not scheduled
	CreatedAt        time.Time  `dynamodbav:"created_at"`
	ProcessedAt      *time.Time `dynamodbav:"processed_at,omitempty"`
	FailureNote      string     `dynamodbav:"failure_note,omitempty"`
}

// Payload is the provider's callback body. vendor_data carries back the
// correlation payload we attached at session creation.
type Payload struct {
	SessionID  string            `json:"sessionId"`
	Status     string            `json:"status"`
	VendorData string            `json:"vendor_data"`
	Decision   map[string]string `json:"decision,omitempty"`
}

// ParsePayload decodes a raw callback body.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// SubjectID extracts the subject identifier from the echoed correlation
// payload. The provider sends it back as the JSON we attached at creation,
// e.g. {"subjectId":42}; both numeric and string ids are accepted. A payload
// that does not decode, or decodes without a subject, is malformed:
// retrying cannot fix it.
func (p *Payload) SubjectID() (string, error) {
	dec := json.NewDecoder(strings.NewReader(p.VendorData))
	dec.UseNumber()
	var vd map[string]interface{}
	if err := dec.Decode(&vd); err != nil {
		return "", fmt.Errorf("decode vendor_data: %w", err)
	}
	switch id := vd["subjectId"].(type) {
	case json.Number:
		return id.String(), nil
	case string:
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("vendor_data missing subjectId")
}
