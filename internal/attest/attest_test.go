package attest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("test-signing-key-0123456789abcdef")

func sampleClaims() Claims {
	return Claims{
		DecisionID:  "d-1",
		Sender:      "agent-a",
		Recipient:   "agent-b",
		Action:      "ESCALATE",
		Rule:        "threshold:escalate",
		Score:       0.91,
		ContentHash: "abc",
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s := NewSigner(testKey, "", 0)
	token, err := s.Sign(sampleClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected compact JWT, got %q", token)
	}

	got, err := NewVerifier(testKey, "").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.DecisionID != "d-1" || got.Action != "ESCALATE" || got.Sender != "agent-a" {
		t.Errorf("unexpected claims: %+v", got)
	}
	if got.Issuer != DefaultIssuer || got.ID != "d-1" || got.Subject != "agent-a" {
		t.Errorf("registered claims not set: %+v", got.RegisteredClaims)
	}
}

func TestNewSigner_EmptyKeyDisables(t *testing.T) {
	if NewSigner(nil, "", 0) != nil {
		t.Error("expected nil signer for empty key")
	}
}

func TestVerify_WrongKey(t *testing.T) {
	token, err := NewSigner(testKey, "", 0).Sign(sampleClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = NewVerifier([]byte("another-key"), "").Verify(token)
	if !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("expected ErrInvalidAttestation, got %v", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	token, err := NewSigner(testKey, "", 0).Sign(sampleClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	forged := sampleClaims()
	forged.Action = "ALLOW"
	forgedToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, forged).SignedString([]byte("attacker"))
	if err != nil {
		t.Fatalf("forge: %v", err)
	}
	parts := strings.Split(token, ".")
	forgedParts := strings.Split(forgedToken, ".")
	spliced := forgedParts[0] + "." + forgedParts[1] + "." + parts[2]

	if _, err := NewVerifier(testKey, "").Verify(spliced); !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("expected tampered token to fail, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	s := NewSigner(testKey, "", time.Minute)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := s.Sign(sampleClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewVerifier(testKey, "").Verify(token); !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("expected expired token to fail, got %v", err)
	}
}

func TestVerify_WrongIssuer(t *testing.T) {
	token, err := NewSigner(testKey, "other-pdp", 0).Sign(sampleClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewVerifier(testKey, "").Verify(token); !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("expected issuer mismatch to fail, got %v", err)
	}
}

func TestVerify_RejectsNoneAlg(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, sampleClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := NewVerifier(testKey, "").Verify(token); !errors.Is(err, ErrInvalidAttestation) {
		t.Errorf("expected alg=none to be rejected, got %v", err)
	}
}
