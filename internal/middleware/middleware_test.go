package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type authFixture struct {
	router *gin.Engine
	users  service.UserService
	jwt    *token.JWTManager
	mr     *miniredis.Miniredis
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	users := service.NewUserService(repository.NewMemoryUserRepository(), jwtManager, rdb)
	if _, err := users.Register("alice", "pw", "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := users.EnsureAdmin("operator", "pw"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}

	r := gin.New()
	authed := r.Group("/", AuthMiddleware(jwtManager, users))
	authed.GET("/me", func(c *gin.Context) {
		u := c.MustGet("user").(*model.User)
		c.JSON(http.StatusOK, gin.H{"username": u.Username})
	})
	authed.GET("/admin", AdminAuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return &authFixture{router: r, users: users, jwt: jwtManager, mr: mr}
}

func (f *authFixture) do(method, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	f := newAuthFixture(t)
	access, refresh, err := f.users.Login("alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if w := f.do(http.MethodGet, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/me", "Token "+access); w.Code != http.StatusUnauthorized {
		t.Fatalf("malformed header: expected 401, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/me", "Bearer "+refresh); w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token: expected 401, got %d", w.Code)
	}

	w := f.do(http.MethodGet, "/me", "Bearer "+access)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("valid token: got %d %s", w.Code, w.Body.String())
	}

	if err := f.users.Logout(access); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if w := f.do(http.MethodGet, "/me", "Bearer "+access); w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token: expected 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsWhenBlacklistUnavailable(t *testing.T) {
	f := newAuthFixture(t)
	access, _, err := f.users.Login("alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	f.mr.SetError("LOADING")
	if w := f.do(http.MethodGet, "/me", "Bearer "+access); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	f := newAuthFixture(t)
	userToken, _, _ := f.users.Login("alice", "pw")
	adminToken, _, _ := f.users.Login("operator", "pw")

	if w := f.do(http.MethodGet, "/admin", "Bearer "+userToken); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for USER, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/admin", "Bearer "+adminToken); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for ADMIN, got %d", w.Code)
	}

	bare := gin.New()
	bare.GET("/admin", AdminAuthMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an authenticated user, got %d", w.Code)
	}
}

func TestScrubPath(t *testing.T) {
	r := gin.New()
	var got []string
	handler := func(c *gin.Context) {
		got = append(got, scrubPath(c))
		c.Status(http.StatusOK)
	}
	r.GET("/feed/:token", handler)
	r.GET("/video", handler)

	for _, target := range []string{"/feed/secret-jwt", "/video?token=secret-jwt&page=2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}
	if got[0] != "/feed/:token" {
		t.Fatalf("expected route template, got %q", got[0])
	}
	if strings.Contains(got[1], "secret-jwt") || !strings.Contains(got[1], "page=2") {
		t.Fatalf("expected token to be scrubbed, got %q", got[1])
	}
}

func TestRequestLoggerKeepsLargeBodyReadable(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	var received int
	r.POST("/ingest", func(c *gin.Context) {
		raw, _ := c.GetRawData()
		received = len(raw)
		c.String(http.StatusOK, strings.Repeat("x", 3*maxLoggedBody))
	})

	body := strings.Repeat("a", 10*maxLoggedBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body)))
	if received != len(body) {
		t.Fatalf("handler saw %d bytes, want %d", received, len(body))
	}
	if w.Body.Len() != 3*maxLoggedBody {
		t.Fatalf("response truncated: %d", w.Body.Len())
	}
}
