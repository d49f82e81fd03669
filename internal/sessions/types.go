package sessions

import (
	"strings"
	"time"
)

// State is the lifecycle state of a verification session. The machine is
// strictly forward-only:
//
//	initialized -> retrieved -> confirmed -> approved | declined
type State string

const (
	StateInitialized State = "initialized"
	StateRetrieved   State = "retrieved"
	StateConfirmed   State = "confirmed"
	StateApproved    State = "approved"
	StateDeclined    State = "declined"
)

// stateRanks orders states so the store can enforce forward-only transitions
// with a single numeric comparison. Approved and declined share the top rank;
// neither can overwrite the other.
var stateRanks = map[State]int{
	StateInitialized: 1,
	StateRetrieved:   2,
	StateConfirmed:   3,
	StateApproved:    4,
	StateDeclined:    4,
}

// Rank returns the ordering rank of the state, or 0 for unknown states.
func (s State) Rank() int {
	return stateRanks[s]
}

// Terminal reports whether no further transitions are legitimate.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateDeclined
}

// Normalize maps a raw provider status string to an internal state,
// case-insensitively. Unrecognized values return ok=false; callers treat
// those as "no terminal change" rather than an error.
func Normalize(raw string) (State, bool) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if _, known := stateRanks[s]; !known {
		return "", false
	}
	return s, true
}

// VerificationSession is the item persisted in the sessions table.
// session_id is the provider-assigned primary key; subject-index
// (subject_id, created_at) serves most-recent-session-per-subject lookups.
type VerificationSession struct {
	SessionID     string            `dynamodbav:"session_id"`
	SubjectID     string            `dynamodbav:"subject_id"`
	State         State             `dynamodbav:"state"`
	StateRank     int               `dynamodbav:"state_rank"`
	Capabilities  []string          `dynamodbav:"capabilities,omitempty"`
	ReturnURL     string            `dynamodbav:"return_url,omitempty"`
	RedirectURL   string            `dynamodbav:"redirect_url,omitempty"`
	ExtractedData map[string]string `dynamodbav:"extracted_data,omitempty"`
	CreatedAt     time.Time         `dynamodbav:"created_at"`
	UpdatedAt     time.Time         `dynamodbav:"updated_at"`
	ExpiresAt     int64             `dynamodbav:"expires_at"` // epoch seconds, created_at + 24h
}

// Expired reports whether the session may no longer be reused.
func (v *VerificationSession) Expired(now time.Time) bool {
	return now.Unix() >= v.ExpiresAt
}

// Active reports whether the session can still accept provider outcomes and
// should be reused instead of creating a duplicate.
func (v *VerificationSession) Active(now time.Time) bool {
	return !v.State.Terminal() && !v.Expired(now)
}
