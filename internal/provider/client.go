// Package provider is the HTTP client for the third-party identity
// verification service: session creation, decision lookup, and the cached
// client-credentials token that authorizes both.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrProvider marks any failure talking to the verification provider.
// Callers surface it synchronously; there is no inline retry here.
var ErrProvider = errors.New("verification provider error")

const defaultTimeout = 10 * time.Second

// Config holds provider connection settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client calls the provider's session API with a bearer token from the
// token cache.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *TokenCache
}

// NewClient builds a provider client. The request timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := &http.Client{Timeout: timeout}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: hc,
		baseURL:    base,
		tokens:     NewTokenCache(hc, base+"/oauth/token", cfg.ClientID, cfg.ClientSecret),
	}
}

// CreateSessionInput is the provider session-creation request.
type CreateSessionInput struct {
	Capabilities []string `json:"capabilities"`
	CallbackURL  string   `json:"callback"`
	ReturnURL    string   `json:"return_url"`
	VendorData   string   `json:"vendor_data"` // echoed back verbatim on webhooks
}

// Session is the provider's session-creation response.
type Session struct {
	ID     string `json:"session_id"`
	URL    string `json:"url"` // hosted verification flow for the subject
	Status string `json:"status"`
}

// Decision is the provider's authoritative view of a session.
type Decision struct {
	SessionID string            `json:"session_id"`
	Status    string            `json:"status"`
	URL       string            `json:"url"`
	Extracted map[string]string `json:"decision,omitempty"`
}

// CreateSession starts a new verification session with the provider.
func (c *Client) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/v2/session", in, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("%w: create session response missing session_id or url", ErrProvider)
	}
	return &out, nil
}

// GetDecision fetches the provider's current decision for a session.
func (c *Client) GetDecision(ctx context.Context, sessionID string) (*Decision, error) {
	var out Decision
	path := fmt.Sprintf("/v2/session/%s/decision", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProvider, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", ErrProvider, method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrProvider, path, err)
	}
	return nil
}
