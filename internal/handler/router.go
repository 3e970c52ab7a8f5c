package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	StaffChecker      middleware.StaffChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	StatusObserver    middleware.StatusObserver

	// メトリクス（nilの場合は/metricsを公開しない）
	MetricsGatherer prometheus.Gatherer

	// ロビー
	LobbyService LobbyServiceInterface

	// マッチ
	MatchService MatchServiceInterface
	CallAccess   CallAccessInterface

	// Webhook
	WebhookVerifier  WebhookVerifier
	WebhookProcessor WebhookProcessor

	// 管理
	OverviewService OverviewServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → CORS → SecurityHeaders
//	  └ 認証が必要なルート: Session → CSRF → RateLimit(General)
//
// Webhook・ヘルスチェック・メトリクスは認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	lobbyHandler := NewLobbyHandler(deps.LobbyService)
	matchHandler := NewMatchHandler(deps.MatchService, deps.CallAccess)
	webhookHandler := NewWebhookHandler(deps.WebhookVerifier, deps.WebhookProcessor)
	adminHandler := NewAdminHandler(deps.OverviewService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Post("/webhook", webhookHandler.Receive)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		r.Route("/lobby/{name}", func(r chi.Router) {
			// POST /lobby/{name}/join - 参加（参加専用レート制限を追加）
			r.With(deps.RateLimiter.JoinMiddleware()).Post("/join", lobbyHandler.Join)
			r.Post("/exit", lobbyHandler.Exit)
			r.Post("/heartbeat", lobbyHandler.Heartbeat)
			r.Get("/status", lobbyHandler.Status)

			r.Route("/match", func(r chi.Router) {
				r.Get("/", matchHandler.Current)
				r.Post("/{id}/accept", matchHandler.Accept)
				r.Post("/{id}/reject", matchHandler.Reject)
				r.Post("/{id}/room_authenticate", matchHandler.RoomAuthenticate)
			})
		})

		// 管理（スタッフのみ）
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.NewStaffMiddleware(deps.StaffChecker))
			r.Get("/lobby/{name}/overview", adminHandler.Overview)
		})
	})

	return r
}
