package service

import (
	"context"
	"errors"
	"testing"

	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newUserFixture(t *testing.T) (UserService, repository.UserRepository, *token.JWTManager) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := repository.NewMemoryUserRepository()
	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	return NewUserService(users, jwtManager, rdb), users, jwtManager
}

func TestRegisterLoginLogout(t *testing.T) {
	svc, _, jwtManager := newUserFixture(t)

	user, err := svc.Register("alice", "s3cret", "Alice", "555-0100")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != model.RoleUser || user.Password == "s3cret" {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := svc.Register("alice", "other", "", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, _, err := svc.Login("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	access, refresh, err := svc.Login("alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := jwtManager.VerifyAccessToken(access)
	if err != nil || claims.UserID != user.ID {
		t.Fatalf("verify access token: claims=%+v err=%v", claims, err)
	}

	if _, _, err := svc.RefreshToken(access); err == nil {
		t.Fatalf("access token must not be accepted as refresh token")
	}
	_, rotated, err := svc.RefreshToken(refresh)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := svc.RefreshToken(refresh); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("reused refresh token: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := svc.RefreshToken(rotated); err != nil {
		t.Fatalf("rotated refresh token: %v", err)
	}

	revoked, err := svc.IsTokenRevoked(context.Background(), access)
	if err != nil || revoked {
		t.Fatalf("expected fresh token to be valid: revoked=%v err=%v", revoked, err)
	}
	if err := svc.Logout(access); err != nil {
		t.Fatalf("logout: %v", err)
	}
	revoked, err = svc.IsTokenRevoked(context.Background(), access)
	if err != nil || !revoked {
		t.Fatalf("expected token to be revoked: revoked=%v err=%v", revoked, err)
	}
}

func TestEnsureAdmin(t *testing.T) {
	svc, users, _ := newUserFixture(t)

	if err := svc.EnsureAdmin("operator", "pw"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if err := svc.EnsureAdmin("operator", "pw"); err != nil {
		t.Fatalf("ensure admin twice: %v", err)
	}
	admin, err := users.FindByUsername("operator")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if !admin.IsAdmin() {
		t.Fatalf("expected ADMIN role, got %q", admin.Role)
	}

	if _, err := svc.Register("promoted", "pw", "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.EnsureAdmin("promoted", "ignored"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	promoted, _ := users.FindByUsername("promoted")
	if !promoted.IsAdmin() {
		t.Fatalf("expected existing user to be promoted")
	}
}
