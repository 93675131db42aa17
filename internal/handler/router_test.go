package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/model"
)

type mockSessionFinder struct{}

func (mockSessionFinder) FindByID(_ context.Context, id string) (*model.Session, error) {
	if id != "sess-1" {
		return nil, nil
	}
	return &model.Session{ID: id, UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type mockHealthChecker struct{ err error }

func (m mockHealthChecker) PingContext(context.Context) error { return m.err }

func newTestRouter(t *testing.T, health HealthChecker) (http.Handler, *mockPresenceService, *mockPublisher) {
	t.Helper()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	presenceSvc := &mockPresenceService{}
	pub := &mockPublisher{}
	router := NewRouter(&RouterDeps{
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		HealthChecker:       health,
		SessionFinder:       mockSessionFinder{},
		CORSAllowedOrigin:   "http://localhost:3000",
		RateLimiter:         limiter,
		MetricsHandler:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }),
		ProjectService:      &mockProjectService{},
		NotificationService: newMockNotificationService("user-1"),
		PresenceService:     presenceSvc,
		Events:              pub,
	})
	return router, presenceSvc, pub
}

func authed(req *http.Request, csrf string) *http.Request {
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sess-1"})
	if csrf != "" {
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: csrf})
		req.Header.Set("X-CSRF-Token", csrf)
	}
	return req
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"正常", mockHealthChecker{}, http.StatusOK},
		{"DB接続不可", mockHealthChecker{err: errors.New("down")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _ := newTestRouter(t, tt.checker)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "metrics" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestRouter_RequiresSession(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	paths := []string{"/api/me", "/api/projects", "/api/dashboard", "/api/notifications"}
	for _, p := range paths {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want %d", p, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestRouter_AuthenticatedGet(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/api/projects", nil), ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestRouter_CSRF(t *testing.T) {
	router, _, pub := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/api/saves/start", nil), ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("without token: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/api/saves/start", nil), "token-1"))
	if w.Code != http.StatusNoContent {
		t.Errorf("with token: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(pub.events) != 1 {
		t.Errorf("published %d events, want 1", len(pub.events))
	}
}

func TestRouter_PostComment(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+testProjectID+"/comments", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(req, "token-1"))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestRouter_BeaconSkipsCSRF(t *testing.T) {
	router, presenceSvc, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/api/presence/beacon", nil), ""))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if calls := presenceSvc.Calls(); len(calls) != 1 || calls[0] != "beacon:sess-1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRouter_LogoutRequiresCSRF(t *testing.T) {
	router, presenceSvc, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("without token: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), "token-1"))
	if w.Code != http.StatusNoContent {
		t.Errorf("with token: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if calls := presenceSvc.Calls(); len(calls) != 1 || calls[0] != "signout:sess-1" {
		t.Errorf("calls = %v", calls)
	}
}
