package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/projecthub/internal/middleware"
)

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// SessionHandler はサインアウトのHTTPハンドラ。
// セッションの発行は外部の認証基盤が行う。
type SessionHandler struct {
	service PresenceServiceInterface
	config  SessionConfig
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service PresenceServiceInterface, config SessionConfig) *SessionHandler {
	return &SessionHandler{service: service, config: config}
}

// Logout はオフライン化・セッション削除・ローカル状態の破棄を行い、Cookieをクリアする。
// POST /auth/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromCookie(r); sessionID != "" {
		if err := h.service.SignOut(r.Context(), sessionID); err != nil {
			// サインアウトに失敗してもCookieはクリアする
			slog.Error("failed to sign out",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
