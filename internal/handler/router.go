package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/projecthub/internal/middleware"
)

// beaconPath はページ離脱時のビーコン送信先。
// sendBeaconはカスタムヘッダーを付与できないため、CSRF検証の対象外とする。
const beaconPath = "/api/presence/beacon"

// HealthChecker はヘルスチェックでのバックエンド疎通確認に必要なインターフェース。
// *sql.DBがそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	SessionConfig     SessionConfig

	// メトリクス
	MetricsHandler http.Handler
	StreamRecorder StreamRecorder

	// ドメイン
	ProjectService      ProjectServiceInterface
	NotificationService NotificationServiceInterface
	PresenceService     PresenceServiceInterface
	Events              EventPublisher
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → RateLimit(General, Write) → CSRF
//
// ヘルスチェック・メトリクス・CSRFトークン・ログアウト・ビーコンはセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	projectHandler := NewProjectHandler(deps.ProjectService)
	notificationHandler := NewNotificationHandler(deps.NotificationService, deps.StreamRecorder)
	presenceHandler := NewPresenceHandler(deps.PresenceService)
	sessionHandler := NewSessionHandler(deps.PresenceService, deps.SessionConfig)
	saveHandler := NewSaveHandler(deps.Events)

	csrfConfig := deps.CSRFConfig
	csrfConfig.ExemptPaths = append(csrfConfig.ExemptPaths, beaconPath)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

	// セッションCookieを自身で読むルート。失効済みセッションでもCookieをクリアできるようにする。
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Post("/auth/logout", sessionHandler.Logout)
		r.Post(beaconPath, presenceHandler.Beacon)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General, Write) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(deps.RateLimiter.WriteMiddleware())
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Get("/api/me", presenceHandler.Me)

		r.Route("/api/presence", func(r chi.Router) {
			r.Post("/heartbeat", presenceHandler.Heartbeat)
			r.Post("/visibility", presenceHandler.Visibility)
		})

		r.Get("/api/dashboard", projectHandler.Dashboard)
		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", projectHandler.ListProjects)
			r.Post("/{id}/comments", projectHandler.AddComment)
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.GetSnapshot)
			r.Get("/stream", notificationHandler.Stream)
			r.Post("/refresh", notificationHandler.Refresh)
			r.Post("/comments/read-all", notificationHandler.ClearAllComments)
			r.Post("/comments/{id}/read", notificationHandler.MarkCommentAsRead)
		})

		r.Route("/api/saves", func(r chi.Router) {
			r.Post("/start", saveHandler.Start)
			r.Post("/end", saveHandler.End)
		})
	})

	return r
}

// healthHandler はバックエンドへの疎通を確認するハンドラを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
