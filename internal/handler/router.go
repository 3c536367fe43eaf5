package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kippu/internal/metrics"
	"github.com/hitoshi/kippu/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// アクセスパス
	EntitlementService  EntitlementServiceInterface
	RenewalOfferService RenewalOfferServiceInterface

	// Webhook取り込み
	PaymentIngestor PaymentIngestorInterface

	// 運用
	SweepRunner SweepRunner
	SweepToken  string

	// メトリクス
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// Webhook・ヘルスチェック・メトリクス・運用ルートはセッション認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	entitlementHandler := NewEntitlementHandler(deps.EntitlementService, deps.RenewalOfferService)
	webhookHandler := NewWebhookHandler(deps.PaymentIngestor, deps.Logger)
	sweepHandler := NewSweepHandler(deps.SweepRunner, deps.SweepToken)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// 支払いプロバイダからのWebhook（プロバイダ側はセッションを持たない）
	r.Post("/webhooks/payment", webhookHandler.HandlePaymentWebhook)

	// 運用ルート（Bearerトークンで保護）
	r.Post("/internal/sweep", sweepHandler.TriggerSweep)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/entitlements/{scope}", func(r chi.Router) {
			r.Get("/", entitlementHandler.GetEntitlement)

			// POST /api/entitlements/{scope}/start - 開始（専用レート制限を追加）
			r.With(deps.RateLimiter.StartMiddleware()).Post("/start", entitlementHandler.StartEntitlement)

			r.Get("/renewal-offer", entitlementHandler.GetRenewalOffer)
		})
	})

	return r
}
