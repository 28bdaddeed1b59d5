package token

import (
	"errors"
	"testing"
	"time"
)

const secret = "test-secret"

func TestIssueAndVerify(t *testing.T) {
	signed, err := Issue(secret, "alice", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Verify(secret, signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("user_id = %s, want alice", claims.UserID)
	}
	if claims.Username != "Alice" {
		t.Errorf("username = %s, want Alice", claims.Username)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %s, want alice", claims.Subject)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, err := Issue(secret, "alice", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Verify("other-secret", signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := Verify(secret, "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify garbage = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	signed, err := Issue(secret, "alice", "", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Verify(secret, signed); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify expired = %v, want ErrExpiredToken", err)
	}
}

func TestExpired(t *testing.T) {
	live, err := Issue(secret, "alice", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	dead, err := Issue(secret, "alice", "", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if Expired(live) {
		t.Error("live token reported expired")
	}
	if !Expired(dead) {
		t.Error("expired token reported live")
	}
	// Opaque non-JWT credentials are deferred to the server.
	if Expired("opaque-credential") {
		t.Error("opaque credential reported expired")
	}
}
