// Package verification orchestrates identity-verification sessions: starting
// them with the provider, reconciling their status on demand, and applying
// provider outcomes through a single forward-only write path.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/loanflow/go-verification-flow/internal/provider"
	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/subjects"
)

// ErrNoSession indicates the subject or session has no verification record.
var ErrNoSession = errors.New("no verification session")

// sessionTTL is how long a session stays reusable after creation.
const sessionTTL = 24 * time.Hour

var defaultCapabilities = []string{"document", "face-match"}

// ServiceConfig holds the service's environment-owned settings.
type ServiceConfig struct {
	CallbackBaseURL string // public base URL the provider calls back to
	SubjectsTable   string
	Capabilities    []string
}

// Service is the session initiator and status reconciler.
type Service struct {
	provider     *provider.Client
	sessions     *sessions.Store
	subjects     *subjects.Store
	applier      *Applier
	callbackURL  string
	subjectsTbl  string
	capabilities []string
	nowFunc      func() time.Time
}

// NewService wires the verification service over the provider client and stores.
func NewService(pc *provider.Client, sess *sessions.Store, subj *subjects.Store, cfg ServiceConfig) *Service {
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = defaultCapabilities
	}
	return &Service{
		provider:     pc,
		sessions:     sess,
		subjects:     subj,
		applier:      &Applier{Sessions: sess, Subjects: subj},
		callbackURL:  cfg.CallbackBaseURL + "/verification/webhook",
		subjectsTbl:  cfg.SubjectsTable,
		capabilities: caps,
		nowFunc:      time.Now,
	}
}

// Applier exposes the shared outcome write path for the webhook processor.
func (s *Service) Applier() *Applier {
	return s.applier
}

// Initiate returns the hosted verification URL for a subject. An active
// session is reused (its status reconciled against the provider first) so a
// subject who retries never gets a duplicate provider-side session; otherwise
// a new session is created, persisted with the subject set to pending, and
// its hosted URL returned. No partial session is persisted on provider failure.
func (s *Service) Initiate(ctx context.Context, subjectID, returnURL string) (string, error) {
	active, err := s.sessions.FindActiveBySubject(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if active != nil {
		res, err := s.Reconcile(ctx, active.SessionID)
		if err != nil {
			return "", err
		}
		if res.RedirectURL != "" {
			return res.RedirectURL, nil
		}
		return active.RedirectURL, nil
	}

	created, err := s.provider.CreateSession(ctx, provider.CreateSessionInput{
		Capabilities: s.capabilities,
		CallbackURL:  s.callbackURL,
		ReturnURL:    returnURL,
		VendorData:   correlationPayload(subjectID),
	})
	if err != nil {
		return "", fmt.Errorf("initiate session for subject=%s: %w", subjectID, err)
	}

	now := s.nowFunc()
	session := sessions.VerificationSession{
		SessionID:    created.ID,
		SubjectID:    subjectID,
		State:        sessions.StateInitialized,
		Capabilities: s.capabilities,
		ReturnURL:    returnURL,
		RedirectURL:  created.URL,
		CreatedAt:    now,
		ExpiresAt:    now.Add(sessionTTL).Unix(),
	}
	if err := s.sessions.CreateWithSubjectPending(ctx, session, s.subjectsTbl); err != nil {
		return "", err
	}
	return created.URL, nil
}

// ReconcileResult is the outcome of a direct provider poll.
type ReconcileResult struct {
	SessionID   string
	State       sessions.State
	RedirectURL string
}

// Reconcile pulls the provider's authoritative decision for a session and
// applies it through the same forward-only path as the webhook processor.
// Used when no webhook has arrived or local state looks stale.
func (s *Service) Reconcile(ctx context.Context, sessionID string) (*ReconcileResult, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}

	dec, err := s.provider.GetDecision(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state, known, err := s.applier.Apply(ctx, sessionID, session.SubjectID, dec.Status, dec.Extracted)
	if err != nil {
		return nil, err
	}
	if !known {
		state = session.State
	}

	redirect := dec.URL
	if redirect == "" {
		redirect = session.RedirectURL
	}
	return &ReconcileResult{
		SessionID:   sessionID,
		State:       state,
		RedirectURL: redirect,
	}, nil
}

// StatusResult is the subject-facing verification status.
type StatusResult struct {
	Status      subjects.Status
	SessionID   string
	LastUpdated time.Time
}

// Status reads the subject's current verification status from local state,
// without a provider round trip.
func (s *Service) Status(ctx context.Context, subjectID string) (*StatusResult, error) {
	latest, err := s.sessions.FindLatestBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("%w for subject=%s", ErrNoSession, subjectID)
	}

	status := subjects.StatusPending
	updated := latest.UpdatedAt
	if rec, err := s.subjects.Get(ctx, subjectID); err != nil {
		return nil, err
	} else if rec != nil {
		status = rec.Status
		if rec.UpdatedAt.After(updated) {
			updated = rec.UpdatedAt
		}
	}

	return &StatusResult{
		Status:      status,
		SessionID:   latest.SessionID,
		LastUpdated: updated,
	}, nil
}

// correlationPayload builds the vendor_data JSON the provider echoes back on
// webhooks. Numeric subject ids are kept numeric so the payload matches what
// downstream consumers of the audit log expect.
func correlationPayload(subjectID string) string {
	if _, err := strconv.ParseInt(subjectID, 10, 64); err == nil {
		return fmt.Sprintf(`{"subjectId":%s}`, subjectID)
	}
	b, _ := json.Marshal(map[string]string{"subjectId": subjectID})
	return string(b)
}
