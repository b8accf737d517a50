package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/datasync/internal/connection"
	"github.com/hitoshi/datasync/internal/middleware"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// mockSessionFinderForRouter はRouter統合テスト用のSessionFinderモック。
type mockSessionFinderForRouter struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinderForRouter) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, conn *mockConnectionService, health HealthChecker) http.Handler {
	t.Helper()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	return NewRouter(&RouterDeps{
		SessionFinder: &mockSessionFinderForRouter{
			sessions: map[string]*model.Session{
				"valid-session": {
					ID:        "valid-session",
					UserID:    "user-test-1",
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
		},
		RateLimiter:       limiter,
		CSRF:              middleware.CSRFConfig{},
		Logger:            slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
		HealthChecker:     health,
		Gatherer:          prometheus.NewRegistry(),
		ConnectionService: conn,
		BaseURL:           "http://localhost:3000",
		DataSourceService: &mockDataSourceService{},
	})
}

// authedRequest はセッションCookieとCSRFトークンを付けたリクエストを生成する。
func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-1"})
	req.Header.Set("X-CSRF-Token", "csrf-1")
	return req
}

func TestRouter_Health_OK(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, &mockHealthChecker{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコードが200であるべきです: got %d", w.Code)
	}
}

func TestRouter_Health_DatabaseDown_Returns503(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, &mockHealthChecker{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ステータスコードが503であるべきです: got %d", w.Code)
	}
}

func TestRouter_Metrics_IsPublic(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコードが200であるべきです: got %d", w.Code)
	}
}

func TestRouter_Callback_DoesNotRequireSession(t *testing.T) {
	called := false
	conn := &mockConnectionService{
		callbackFn: func(ctx context.Context, provider, code, state string) (*connection.CallbackResult, error) {
			called = true
			if provider != "slack" {
				t.Errorf("URLのプロバイダーが渡されるべきです: got %q", provider)
			}
			return &connection.CallbackResult{Provider: provider}, nil
		},
	}
	router := createTestRouter(t, conn, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/providers/slack/callback?code=c&state=s", nil))

	if !called {
		t.Fatal("コールバックがサービスに到達するべきです")
	}
	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("ステータスコードが307であるべきです: got %d", w.Code)
	}
}

func TestRouter_ProtectedRoutes_RequireSession(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/providers/google/initialize"},
		{http.MethodGet, "/api/providers/google/status"},
		{http.MethodPost, "/api/providers/google/sync"},
		{http.MethodPost, "/api/providers/google/disconnect"},
		{http.MethodGet, "/api/datasources"},
		{http.MethodPost, "/api/datasources/defaults"},
		{http.MethodDelete, "/api/datasources/ds-1"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s はセッションなしで401であるべきです: got %d", p.method, p.path, w.Code)
		}
	}
}

func TestRouter_StateChangingRoute_RequiresCSRFToken(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/providers/google/sync", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("CSRFトークンなしでは403であるべきです: got %d", w.Code)
	}
}

func TestRouter_Sync_WithSessionAndCSRF_Returns202(t *testing.T) {
	var gotUser, gotLayer string
	conn := &mockConnectionService{
		syncFn: func(ctx context.Context, userID, provider, layer string) (*connection.SyncResult, error) {
			gotUser, gotLayer = userID, layer
			return &connection.SyncResult{DataSourceID: "ds-1", Started: true}, nil
		},
	}
	router := createTestRouter(t, conn, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/providers/google/sync?layer=gmail"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("ステータスコードが202であるべきです: got %d body=%s", w.Code, w.Body.String())
	}
	if gotUser != "user-test-1" || gotLayer != "gmail" {
		t.Errorf("セッションのユーザーとレイヤーが渡されるべきです: user=%q layer=%q", gotUser, gotLayer)
	}
}

func TestRouter_Sync_RateLimited(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	limit := middleware.DefaultRateLimiterConfig().SyncBurst
	var last int
	for i := 0; i <= limit; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/providers/google/sync"))
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("同期要求のバーストを超えると429であるべきです: got %d", last)
	}
}

func TestRouter_CSRFTokenEndpoint_IsPublic(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが200であるべきです: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"token"`) {
		t.Errorf("トークンが返されるべきです: %s", w.Body.String())
	}
}

func TestRouter_UnknownRoute_Returns404(t *testing.T) {
	router := createTestRouter(t, &mockConnectionService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("ステータスコードが404であるべきです: got %d", w.Code)
	}
}
