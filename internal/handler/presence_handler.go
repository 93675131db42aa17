package handler

import (
	"net/http"

	"github.com/hitoshi/projecthub/internal/middleware"
	"github.com/hitoshi/projecthub/internal/model"
)

// meResponse はGET /api/meのレスポンス。
type meResponse struct {
	Profile *model.Profile        `json:"profile"`
	State   string                `json:"state"`
	Status  *model.PresenceStatus `json:"status,omitempty"`
}

// visibilityRequest はPOST /api/presence/visibilityのリクエストボディ。
type visibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// PresenceHandler はプレゼンス関連のHTTPハンドラ。
type PresenceHandler struct {
	service PresenceServiceInterface
}

// NewPresenceHandler はPresenceHandlerを生成する。
func NewPresenceHandler(service PresenceServiceInterface) *PresenceHandler {
	return &PresenceHandler{service: service}
}

// Me は現在のセッションのプロフィールとプレゼンス状態を返す。
// GET /api/me
func (h *PresenceHandler) Me(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Current(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Heartbeat はオンライン状態を更新する。
// POST /api/presence/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}
	if err := h.service.Heartbeat(r.Context(), sessionID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Visibility はページの表示状態の変化を通知する。
// POST /api/presence/visibility
func (h *PresenceHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSessionID(w, r)
	if !ok {
		return
	}

	var req visibilityRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.service.SetVisibility(r.Context(), sessionID, req.Hidden); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Beacon はページ離脱時のビーコンを受け取りオフライン化を試みる。
// 送信側は応答を待たないため、常に204を返す。
// POST /api/presence/beacon
func (h *PresenceHandler) Beacon(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromCookie(r); sessionID != "" {
		h.service.Beacon(r.Context(), sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
