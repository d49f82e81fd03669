package validation

// StartVerificationRequest is the payload for POST /verification/sessions.
type StartVerificationRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`          // internal user identifier
	ReturnURL string `json:"return_url" validate:"required,max=2048"` // where the subject lands after the provider flow
}
