// Package handler はHTTP APIのハンドラとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/projecthub/internal/events"
	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/model"
	"github.com/hitoshi/projecthub/internal/notification"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// ProjectServiceInterface はプロジェクト関連の操作を提供する。
// project.Serviceがそのまま満たす。
type ProjectServiceInterface interface {
	ListProjects(ctx context.Context, userID string) ([]*model.Project, error)
	Dashboard(ctx context.Context, userID string) (*model.Dashboard, error)
	AddComment(ctx context.Context, userID, projectID, content string) (*model.Comment, error)
}

// NotificationServiceInterface はユーザーごとの通知センターへの操作を提供する。
type NotificationServiceInterface interface {
	Snapshot(ctx context.Context, userID string) (*notification.Snapshot, error)
	Subscribe(ctx context.Context, userID string, listener func(notification.Update)) (func(), error)
	MarkCommentAsRead(ctx context.Context, userID, notificationID string) error
	ClearAllComments(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string, slices []string) (*notification.Snapshot, error)
}

// PresenceServiceInterface はセッションごとのプレゼンス操作を提供する。
type PresenceServiceInterface interface {
	Current(ctx context.Context, sessionID string) (*meResponse, error)
	Heartbeat(ctx context.Context, sessionID string) error
	SetVisibility(ctx context.Context, sessionID string, hidden bool) error
	Beacon(ctx context.Context, sessionID string)
	SignOut(ctx context.Context, sessionID string) error
}

// EventPublisher はプロセス内イベントの発行に必要なインターフェース。
// events.Busがそのまま満たす。
type EventPublisher interface {
	Publish(ev events.Event)
}

// StreamRecorder は通知ストリームの接続数を受け取るインターフェース。
type StreamRecorder interface {
	StreamOpened()
	StreamClosed()
}

type nopStreamRecorder struct{}

func (nopStreamRecorder) StreamOpened() {}
func (nopStreamRecorder) StreamClosed() {}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// APIErrorはコードに応じたステータスで返し、それ以外は内部エラーとして扱う。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// decodeJSON はリクエストボディをvへデコードする。
// allowEmptyがtrueの場合は空ボディを許容する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONを解析できません"))
		return false
	}
	return true
}

// requireUserID はコンテキストのユーザーIDを返す。未認証の場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// requireSessionID はコンテキストのセッションIDを返す。未認証の場合は401を書き込みfalseを返す。
func requireSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return "", false
	}
	return sessionID, true
}

// pathUUID はURLパラメータkeyをUUIDとして取り出す。不正な場合は400を書き込みfalseを返す。
func pathUUID(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	id := chi.URLParam(r, key)
	if err := uuid.Validate(id); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("IDの形式が不正です"))
		return "", false
	}
	return id, true
}
