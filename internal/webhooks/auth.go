package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// maxTimestampSkew bounds how far a webhook's X-Timestamp may drift from the
// local clock in either direction. A signature check alone is replay-
// vulnerable; a freshness window alone is spoofable. Both must pass.
const maxTimestampSkew = 300 * time.Second

// Authenticator validates inbound callback authenticity: header presence,
// timestamp freshness, then HMAC-SHA256 over the raw body.
type Authenticator struct {
	secret  []byte
	nowFunc func() time.Time
}

// NewAuthenticator returns an Authenticator bound to the shared webhook secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		nowFunc: time.Now,
	}
}

// Verify reports whether the delivery is authentic. A false return means the
// endpoint answers 401 and the payload is neither processed nor stored.
func (a *Authenticator) Verify(rawBody []byte, signature, timestamp string) bool {
	if signature == "" || timestamp == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := a.nowFunc().Sub(time.Unix(ts, 0))
	if drift > maxTimestampSkew || drift < -maxTimestampSkew {
		return false
	}

	expected := ComputeSignature(rawBody, a.secret)
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}

// ComputeSignature computes the hex-decoded HMAC-SHA256 of the raw body.
func ComputeSignature(rawBody, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return mac.Sum(nil)
}

// SignatureHex is the hex form of ComputeSignature, as carried in X-Signature.
func SignatureHex(rawBody, secret []byte) string {
	return hex.EncodeToString(ComputeSignature(rawBody, secret))
}
