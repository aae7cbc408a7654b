package token

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAndVerifyAccessToken(t *testing.T) {
	m := NewJWTManager("test-secret", 1, 7)

	tok, err := m.GenerateToken(42, "alice", "USER")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	claims, err := m.VerifyAccessToken(tok)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" || claims.Role != "USER" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	m := NewJWTManager("test-secret", 1, 7)

	refresh, err := m.GenerateRefreshToken(7, "bob", "ADMIN")
	if err != nil {
		t.Fatalf("generate refresh token: %v", err)
	}
	if _, err := m.VerifyAccessToken(refresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}
	if _, err := m.VerifyRefreshToken(refresh); err != nil {
		t.Fatalf("verify refresh token: %v", err)
	}
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	m := NewJWTManager("test-secret", 1, 7)
	tok, err := m.GenerateToken(1, "carol", "USER")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	parts := strings.Split(tok, ".")
	sig := parts[2]
	last := sig[len(sig)-1]
	repl := "A"
	if last == 'A' {
		repl = "B"
	}
	tampered := parts[0] + "." + parts[1] + "." + sig[:len(sig)-1] + repl
	if _, err := m.VerifyToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}

	other := NewJWTManager("other-secret", 1, 7)
	if _, err := other.VerifyToken(tok); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("test-secret", 0, 0)
	tok, err := m.GenerateToken(1, "dave", "USER")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := m.VerifyToken(tok); err == nil {
		t.Fatalf("expected zero-lifetime token to be rejected as expired")
	}
}
