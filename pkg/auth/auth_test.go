package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); err == nil {
		t.Fatalf("expected missing token error")
	}
	if err := ValidateServiceToken("bad", "expected"); err == nil {
		t.Fatalf("expected invalid token error")
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestPeekSubject(t *testing.T) {
	token := signToken(t, &Claims{
		UserID: "driver-42",
		Role:   "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if got := PeekSubject(token); got != "driver-42" {
		t.Fatalf("expected user_id claim, got %q", got)
	}
}

func TestPeekSubjectFallsBackToSub(t *testing.T) {
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "sub-only",
		},
	})

	if got := PeekSubject(token); got != "sub-only" {
		t.Fatalf("expected registered subject, got %q", got)
	}
}

func TestPeekSubjectIgnoresExpiry(t *testing.T) {
	// Peeking never verifies, so an expired token still yields a subject.
	token := signToken(t, &Claims{
		UserID: "late-joiner",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	if got := PeekSubject(token); got != "late-joiner" {
		t.Fatalf("expected subject from expired token, got %q", got)
	}
}

func TestPeekSubjectMalformed(t *testing.T) {
	if got := PeekSubject("not.a.jwt"); got != "" {
		t.Fatalf("expected empty subject for malformed token, got %q", got)
	}
	if got := PeekSubject(""); got != "" {
		t.Fatalf("expected empty subject for empty token, got %q", got)
	}
}
