package handler

import (
	"net/http"

	"github.com/hitoshi/projecthub/internal/events"
)

// SaveHandler は保存処理の開始・終了をプロセス内イベントとして発行する。
// 保存中は通知センターが変更通知による再読み込みを抑止する。
type SaveHandler struct {
	publisher EventPublisher
}

// NewSaveHandler はSaveHandlerを生成する。
func NewSaveHandler(publisher EventPublisher) *SaveHandler {
	return &SaveHandler{publisher: publisher}
}

// Start は保存開始を通知する。
// POST /api/saves/start
func (h *SaveHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, events.TopicSaveStart)
}

// End は保存終了を通知する。
// POST /api/saves/end
func (h *SaveHandler) End(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, events.TopicSaveEnd)
}

func (h *SaveHandler) publish(w http.ResponseWriter, r *http.Request, topic events.Topic) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	h.publisher.Publish(events.Event{Topic: topic, UserID: userID})
	w.WriteHeader(http.StatusNoContent)
}
