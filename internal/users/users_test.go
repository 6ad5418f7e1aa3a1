package users

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"tradefinance-backend/internal/auth"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/validation"
)

const testAPIKey = "admin-key"

type memRepo struct {
	mu    sync.Mutex
	users map[string]User
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]User{}}
}

func (m *memRepo) Create(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memRepo) FindByUsername(ctx context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memRepo) GetByID(ctx context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memRepo) UpdatePassword(ctx context.Context, id, hash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = now
	m.users[id] = u
	return nil
}

func (m *memRepo) TouchLogin(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &now
	m.users[id] = u
	return nil
}

type harness struct {
	repo    *memRepo
	svc     *Service
	manager *auth.Manager
	router  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	manager := &auth.Manager{Secret: []byte("jwt-secret"), AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour, Issuer: "tradefinance"}
	repo := newMemRepo()
	svc := NewService(repo, manager, "owner", "Bootstrap2026")
	h := NewHandler(svc, validation.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), true)

	r := chi.NewRouter()
	r.Route("/api/admin", func(r chi.Router) {
		h.SessionRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(testAPIKey, manager))
			h.UserRoutes(r)
		})
	})
	return &harness{repo: repo, svc: svc, manager: manager, router: r}
}

func (h *harness) do(method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func withKey(r *http.Request) { r.Header.Set("X-Admin-Key", testAPIKey) }

func (h *harness) seedUser(t *testing.T, username, password string) User {
	t.Helper()
	u, err := h.svc.Create(context.Background(), CreateRequest{Username: username, Password: password})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginIssuesSessionAndCookies(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "dana", "Ledger2026x")

	rec := h.do(http.MethodPost, "/api/admin/login", `{"username":"dana","password":"Ledger2026x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var session Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := h.manager.ParseAs(session.AccessToken, auth.TokenAccess)
	if err != nil || claims.Subject != "dana" || claims.Role != auth.RoleAdmin {
		t.Fatalf("bad access token: %+v %v", claims, err)
	}
	if session.ExpiresIn != 900 {
		t.Fatalf("unexpected expires_in %d", session.ExpiresIn)
	}

	access := cookieByName(rec, auth.AccessCookie)
	refresh := cookieByName(rec, auth.RefreshCookie)
	if access == nil || !access.HttpOnly || !access.Secure || access.Path != "/" {
		t.Fatalf("unexpected access cookie %+v", access)
	}
	if refresh == nil || refresh.Path != "/api/admin" {
		t.Fatalf("unexpected refresh cookie %+v", refresh)
	}

	u, _ := h.repo.FindByUsername(context.Background(), "dana")
	if u.LastLoginAt == nil {
		t.Fatalf("expected last login recorded")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "dana", "Ledger2026x")

	for name, body := range map[string]string{
		"wrong password": `{"username":"dana","password":"nope"}`,
		"unknown user":   `{"username":"eve","password":"Ledger2026x"}`,
		"env mismatch":   `{"username":"owner","password":"wrong"}`,
	} {
		rec := h.do(http.MethodPost, "/api/admin/login", body, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
	if rec := h.do(http.MethodPost, "/api/admin/login", `{"username":"dana"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rec.Code)
	}
}

func TestLoginFallsBackToEnvironmentAccount(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/admin/login", `{"username":"owner","password":"Bootstrap2026"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	refresh := cookieByName(rec, auth.RefreshCookie)
	rec = h.do(http.MethodPost, "/api/admin/refresh", "", func(r *http.Request) { r.AddCookie(refresh) })
	if rec.Code != http.StatusOK {
		t.Fatalf("expected env refresh to succeed, got %d", rec.Code)
	}
}

func TestLoginNotConfigured(t *testing.T) {
	svc := NewService(newMemRepo(), nil, "owner", "Bootstrap2026")
	if _, err := svc.Login(context.Background(), LoginRequest{Username: "owner", Password: "Bootstrap2026"}); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "dana", "Ledger2026x")
	login := h.do(http.MethodPost, "/api/admin/login", `{"username":"dana","password":"Ledger2026x"}`, nil)
	var session Session
	_ = json.Unmarshal(login.Body.Bytes(), &session)

	rec := h.do(http.MethodPost, "/api/admin/refresh", `{"refresh_token":"`+session.RefreshToken+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodPost, "/api/admin/refresh", `{"refresh_token":"`+session.AccessToken+`"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("access token must not refresh, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/admin/refresh", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/admin/logout", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, name := range []string{auth.AccessCookie, auth.RefreshCookie} {
		c := cookieByName(rec, name)
		if c == nil || c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %s not cleared: %+v", name, c)
		}
	}
}

func TestCreateUser(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(http.MethodPost, "/api/admin/users", `{"username":"sam","password":"Pipeline2026"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/api/admin/users", `{"username":"sam","email":"Sam@Example.co.uk","password":"Pipeline2026"}`, withKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password") || !strings.Contains(rec.Body.String(), "sam@example.co.uk") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := h.do(http.MethodPost, "/api/admin/users", `{"username":"sam","password":"Pipeline2026"}`, withKey); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/admin/users", `{"username":"kim","password":"short"}`, withKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	dana := h.seedUser(t, "dana", "Ledger2026x")

	token, err := h.manager.NewAccessToken("dana", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	asDana := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	path := "/api/admin/users/" + dana.ID + "/password"

	if rec := h.do(http.MethodPatch, path, `{"current_password":"wrong","password":"NewLedger2027"}`, asDana); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong current password, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPatch, path, `{"current_password":"Ledger2026x","password":"NewLedger2027"}`, asDana); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := h.svc.Authenticate(context.Background(), "dana", "NewLedger2027"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	if rec := h.do(http.MethodPatch, path, `{"password":"Reset2028abc"}`, withKey); rec.Code != http.StatusOK {
		t.Fatalf("api key reset: expected 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPatch, path, `{"password":"abc"}`, withKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPatch, "/api/admin/users/missing/password", `{"password":"Reset2028abc"}`, withKey); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.EnsureUser(ctx, "Owner@Example.co.uk", "", "Bootstrap2026")
	if err != nil || !created {
		t.Fatalf("first ensure: %v %v", created, err)
	}
	created, err = h.svc.EnsureUser(ctx, "owner@example.co.uk", "", "Bootstrap2026")
	if err != nil || created {
		t.Fatalf("second ensure: %v %v", created, err)
	}
}
