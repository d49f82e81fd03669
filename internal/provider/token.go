package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expirySkew is subtracted from the reported lifetime so a token that is
// about to lapse mid-request is never served from the cache.
const expirySkew = 30 * time.Second

// TokenCache holds the provider's client-credentials bearer token and
// refreshes it on expiry. The mutex is held across the exchange, so
// concurrent callers hitting an expired cache trigger exactly one refresh.
type TokenCache struct {
	mu           sync.Mutex
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	token   string
	expiry  time.Time
	nowFunc func() time.Time
}

// NewTokenCache returns an empty cache; the first Token call fills it.
func NewTokenCache(hc *http.Client, tokenURL, clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		httpClient:   hc,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		nowFunc:      time.Now,
	}
}

// Token returns the cached bearer token, refreshing it first when expired.
// A failed exchange is a hard error for the caller to handle; no retry is
// attempted here.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.nowFunc().Before(t.expiry) {
		return t.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(t.clientID, t.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token exchange: status %d", ErrProvider, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrProvider, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned empty access_token", ErrProvider)
	}

	t.token = body.AccessToken
	t.expiry = t.nowFunc().Add(time.Duration(body.ExpiresIn)*time.Second - expirySkew)
	return t.token, nil
}
