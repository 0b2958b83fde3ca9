package activitypub

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"
)

func signedTestRequest(t *testing.T, privPEM, keyId string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://"+testHost+"/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", testHost)

	key, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	if err := SignRequest(req, key, keyId, body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, _ := testKeyPEMs(t)
	keyId := ActorURI(testHost, "alice") + "#main-key"
	body := []byte(`{"type":"Create"}`)

	req := signedTestRequest(t, priv, keyId, body)
	if req.Header.Get("Signature") == "" {
		t.Fatal("Expected Signature header on signed request")
	}
	if req.Header.Get("Digest") == "" {
		t.Fatal("Expected Digest header on signed request")
	}

	owner, err := VerifyRequest(req, pub)
	if err != nil {
		t.Fatalf("Failed to verify signature: %v", err)
	}
	if owner != ActorURI(testHost, "alice") {
		t.Errorf("Expected key owner without fragment, got %q", owner)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _, _ := testKeyPEMs(t)
	_, otherPub, _ := testKeyPEMs(t)
	body := []byte(`{"type":"Create"}`)

	req := signedTestRequest(t, priv, KeyID(testHost, "alice"), body)
	_, err := VerifyRequest(req, otherPub)
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected verification failure with wrong key, got %v", err)
	}
}

func TestVerifyRejectsUnsignedRequest(t *testing.T) {
	_, pub, _ := testKeyPEMs(t)
	req, _ := http.NewRequest("POST", "https://"+testHost+"/inbox", nil)
	_, err := VerifyRequest(req, pub)
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected failure for unsigned request, got %v", err)
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKey("not a pem"); err == nil {
		t.Error("Expected error for non-PEM input")
	}
	if _, err := ParsePublicKey("not a pem"); err == nil {
		t.Error("Expected error for non-PEM input")
	}
}
