package verification

import (
	"context"
	"errors"
	"log"

	"github.com/loanflow/go-verification-flow/internal/sessions"
	"github.com/loanflow/go-verification-flow/internal/subjects"
)

// Applier is the single write path for provider outcomes. The webhook
// processor and the status reconciler both go through it, so the two delivery
// paths share one normalization function and one state machine.
type Applier struct {
	Sessions *sessions.Store
	Subjects *subjects.Store
}

// Apply normalizes a raw provider status and applies it to the session and,
// for terminal outcomes, to the subject. It is safe to re-run with the same
// inputs: duplicate terminal applications are no-ops and backward transitions
// are logged and dropped.
//
// The returned state is the session's state after the call. known=false means
// the raw status was unrecognized and nothing was written.
func (a *Applier) Apply(ctx context.Context, sessionID, subjectID, rawStatus string, extracted map[string]string) (sessions.State, bool, error) {
	st, ok := sessions.Normalize(rawStatus)
	if !ok {
		log.Printf("[verify] unrecognized provider status %q for session=%s, leaving state untouched", rawStatus, sessionID)
		return "", false, nil
	}

	// extracted document data is only captured on terminal success
	var ed map[string]string
	if st == sessions.StateApproved {
		ed = extracted
	}

	updated, err := a.Sessions.UpdateState(ctx, sessionID, st, ed)
	if errors.Is(err, sessions.ErrStaleTransition) {
		log.Printf("[verify] stale transition to %s for session=%s ignored, current=%s", st, sessionID, updated.State)
		return updated.State, true, nil
	}
	if err != nil {
		return "", false, err
	}

	if status, terminal := subjects.ForState(st); terminal {
		if err := a.Subjects.SetTerminal(ctx, subjectID, sessionID, status); err != nil {
			if errors.Is(err, subjects.ErrStaleSession) {
				log.Printf("[verify] subject=%s already owned by a newer session, dropping %s from session=%s", subjectID, status, sessionID)
				return updated.State, true, nil
			}
			return "", false, err
		}
	}
	return updated.State, true, nil
}
