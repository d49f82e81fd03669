package webhooks

import (
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test_0123456789"

func fixedAuthenticator(now time.Time) *Authenticator {
	a := NewAuthenticator(testSecret)
	a.nowFunc = func() time.Time { return now }
	return a
}

func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := fixedAuthenticator(now)
	body := []byte(`{"sessionId":"s1","status":"approved"}`)

	sig := SignatureHex(body, []byte(testSecret))
	ts := fmt.Sprintf("%d", now.Unix())

	if !a.Verify(body, sig, ts) {
		t.Fatal("expected valid delivery to verify")
	}
}

func TestVerify_MissingHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := fixedAuthenticator(now)
	body := []byte(`{}`)
	sig := SignatureHex(body, []byte(testSecret))
	ts := fmt.Sprintf("%d", now.Unix())

	if a.Verify(body, "", ts) {
		t.Fatal("missing signature must fail")
	}
	if a.Verify(body, sig, "") {
		t.Fatal("missing timestamp must fail")
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := fixedAuthenticator(now)
	body := []byte(`{"sessionId":"s1"}`)
	sig := SignatureHex(body, []byte(testSecret))

	stale := fmt.Sprintf("%d", now.Add(-301*time.Second).Unix())
	if a.Verify(body, sig, stale) {
		t.Fatal("timestamp older than 300s must fail even with a valid signature")
	}

	future := fmt.Sprintf("%d", now.Add(301*time.Second).Unix())
	if a.Verify(body, sig, future) {
		t.Fatal("timestamp too far in the future must fail")
	}

	edge := fmt.Sprintf("%d", now.Add(-300*time.Second).Unix())
	if !a.Verify(body, sig, edge) {
		t.Fatal("timestamp exactly at the window edge must pass")
	}
}

func TestVerify_BadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := fixedAuthenticator(now)
	body := []byte(`{"sessionId":"s1"}`)
	ts := fmt.Sprintf("%d", now.Unix())

	wrongSecret := SignatureHex(body, []byte("other-secret"))
	if a.Verify(body, wrongSecret, ts) {
		t.Fatal("signature with wrong secret must fail regardless of timestamp")
	}

	if a.Verify(body, "not-hex!", ts) {
		t.Fatal("undecodable signature must fail")
	}
}

func TestVerify_SignatureOverDifferentBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := fixedAuthenticator(now)
	ts := fmt.Sprintf("%d", now.Unix())

	signed := []byte(`{"sessionId":"s1","status":"approved"}`)
	delivered := []byte(`{"sessionId":"s1","status":"declined"}`)

	sig := SignatureHex(signed, []byte(testSecret))
	if a.Verify(delivered, sig, ts) {
		t.Fatal("signature computed over a different body must fail")
	}
}
