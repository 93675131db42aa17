package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/notification"
)

// --- モック定義 ---

// mockProjectService はProjectServiceInterfaceのモック実装。
type mockProjectService struct {
	listProjectsFn func(ctx context.Context, userID string) ([]*model.Project, error)
	dashboardFn    func(ctx context.Context, userID string) (*model.Dashboard, error)
	addCommentFn   func(ctx context.Context, userID, projectID, content string) (*model.Comment, error)
}

func (m *mockProjectService) ListProjects(ctx context.Context, userID string) ([]*model.Project, error) {
	if m.listProjectsFn != nil {
		return m.listProjectsFn(ctx, userID)
	}
	return []*model.Project{}, nil
}

func (m *mockProjectService) Dashboard(ctx context.Context, userID string) (*model.Dashboard, error) {
	if m.dashboardFn != nil {
		return m.dashboardFn(ctx, userID)
	}
	return &model.Dashboard{}, nil
}

func (m *mockProjectService) AddComment(ctx context.Context, userID, projectID, content string) (*model.Comment, error) {
	if m.addCommentFn != nil {
		return m.addCommentFn(ctx, userID, projectID, content)
	}
	return &model.Comment{ProjectID: projectID, UserID: userID, Content: content}, nil
}

// mockNotificationService はNotificationServiceInterfaceのモック実装。
type mockNotificationService struct {
	mu         sync.Mutex
	snapshot   notification.Snapshot
	listener   func(notification.Update)
	subscribed chan struct{}

	markReadFn  func(ctx context.Context, userID, id string) error
	clearAllFn  func(ctx context.Context, userID string) error
	refreshFn   func(ctx context.Context, userID string, slices []string) (*notification.Snapshot, error)
	unsubscribe int
}

func newMockNotificationService(userID string) *mockNotificationService {
	return &mockNotificationService{
		snapshot:   notification.Snapshot{UserID: userID, CommentNotifications: []*model.Notification{}},
		subscribed: make(chan struct{}, 1),
	}
}

func (m *mockNotificationService) Snapshot(_ context.Context, userID string) (*notification.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshot
	s.UserID = userID
	return &s, nil
}

func (m *mockNotificationService) Subscribe(_ context.Context, _ string, listener func(notification.Update)) (func(), error) {
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()
	m.subscribed <- struct{}{}
	return func() {
		m.mu.Lock()
		m.unsubscribe++
		m.mu.Unlock()
	}, nil
}

func (m *mockNotificationService) emit(u notification.Update) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	l(u)
}

func (m *mockNotificationService) MarkCommentAsRead(ctx context.Context, userID, id string) error {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, userID, id)
	}
	return nil
}

func (m *mockNotificationService) ClearAllComments(ctx context.Context, userID string) error {
	if m.clearAllFn != nil {
		return m.clearAllFn(ctx, userID)
	}
	return nil
}

func (m *mockNotificationService) Refresh(ctx context.Context, userID string, slices []string) (*notification.Snapshot, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, userID, slices)
	}
	return m.Snapshot(ctx, userID)
}

// mockPresenceService はPresenceServiceInterfaceのモック実装。
type mockPresenceService struct {
	mu    sync.Mutex
	calls []string

	currentFn    func(ctx context.Context, sessionID string) (*meResponse, error)
	visibilityFn func(ctx context.Context, sessionID string, hidden bool) error
	signOutErr   error
}

func (m *mockPresenceService) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockPresenceService) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockPresenceService) Current(ctx context.Context, sessionID string) (*meResponse, error) {
	m.record("current:" + sessionID)
	if m.currentFn != nil {
		return m.currentFn(ctx, sessionID)
	}
	return &meResponse{State: "signed_in"}, nil
}

func (m *mockPresenceService) Heartbeat(_ context.Context, sessionID string) error {
	m.record("heartbeat:" + sessionID)
	return nil
}

func (m *mockPresenceService) SetVisibility(ctx context.Context, sessionID string, hidden bool) error {
	if hidden {
		m.record("hidden:" + sessionID)
	} else {
		m.record("visible:" + sessionID)
	}
	if m.visibilityFn != nil {
		return m.visibilityFn(ctx, sessionID, hidden)
	}
	return nil
}

func (m *mockPresenceService) Beacon(_ context.Context, sessionID string) {
	m.record("beacon:" + sessionID)
}

func (m *mockPresenceService) SignOut(_ context.Context, sessionID string) error {
	m.record("signout:" + sessionID)
	return m.signOutErr
}

// mockPublisher はEventPublisherのモック実装。
type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *mockPublisher) Publish(ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// --- テストヘルパー ---

// withSession はリクエストコンテキストにユーザーIDとセッションIDを設定する。
func withSession(r *http.Request, userID, sessionID string) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), userID, sessionID))
}

// withChiURLParam はchiのURLパラメータをリクエストコンテキストに設定する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

// --- handleServiceError ---

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"APIError", model.NewProjectNotFoundError("p1"), http.StatusNotFound, model.ErrCodeProjectNotFound},
		{"ラップされたAPIError", errors.Join(errors.New("ctx"), model.NewCommentEmptyError()), http.StatusBadRequest, model.ErrCodeCommentEmpty},
		{"その他のエラー", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeErrorBody(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}
