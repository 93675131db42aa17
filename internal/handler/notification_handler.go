package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/notification"
)

const (
	// streamBufferSize はストリームごとに保持する未送信更新の上限。
	// 溢れた更新は破棄し、次のスナップショットで追いつく。
	streamBufferSize = 16

	defaultStreamKeepAlive = 25 * time.Second
)

// refreshRequest はPOST /api/notifications/refreshのリクエストボディ。
// Slicesが空の場合は全スライスを再読み込みする。
type refreshRequest struct {
	Slices []string `json:"slices"`
}

// noticeMessage はnoticeイベントのデータ。
type noticeMessage struct {
	Message string `json:"message"`
}

// NotificationHandler は通知センターのHTTPハンドラ。
type NotificationHandler struct {
	service   NotificationServiceInterface
	recorder  StreamRecorder
	keepAlive time.Duration
}

// NewNotificationHandler はNotificationHandlerを生成する。
// recorderがnilの場合は計測しない。
func NewNotificationHandler(service NotificationServiceInterface, recorder StreamRecorder) *NotificationHandler {
	if recorder == nil {
		recorder = nopStreamRecorder{}
	}
	return &NotificationHandler{
		service:   service,
		recorder:  recorder,
		keepAlive: defaultStreamKeepAlive,
	}
}

// GetSnapshot は通知センターの現在の状態を返す。
// GET /api/notifications
func (h *NotificationHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.service.Snapshot(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, snapshot)
}

// Stream は通知センターの更新をServer-Sent Eventsで配信する。
// 接続直後に現在のスナップショットを送信し、以降は更新ごとにイベントを送る。
// GET /api/notifications/stream
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	updates := make(chan notification.Update, streamBufferSize)
	unsubscribe, err := h.service.Subscribe(ctx, userID, func(u notification.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer unsubscribe()

	snapshot, err := h.service.Snapshot(ctx, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	// ストリームはサーバーの書き込みタイムアウトの対象外とする
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.recorder.StreamOpened()
	defer h.recorder.StreamClosed()

	if err := writeEvent(w, string(notification.UpdateSnapshot), snapshot); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("通知ストリームのフラッシュに失敗", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case u := <-updates:
			var data any = u.Snapshot
			if u.Kind == notification.UpdateNotice {
				data = noticeMessage{Message: u.Notice}
			}
			if err := writeEvent(w, string(u.Kind), data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent はSSE形式のイベントを1件書き込む。
func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// MarkCommentAsRead はコメント通知を既読にする。
// POST /api/notifications/comments/{id}/read
func (h *NotificationHandler) MarkCommentAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.MarkCommentAsRead(r.Context(), userID, id); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAllComments は全てのコメント通知を既読にする。
// POST /api/notifications/comments/read-all
func (h *NotificationHandler) ClearAllComments(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearAllComments(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refresh は指定スライスをキャッシュを使わずに再読み込みし、更新後の状態を返す。
// POST /api/notifications/refresh
func (h *NotificationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	snapshot, err := h.service.Refresh(r.Context(), userID, req.Slices)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, snapshot)
}
