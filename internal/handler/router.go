package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/datasync/internal/metrics"
	"github.com/hitoshi/datasync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	Logger            *slog.Logger

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// プロバイダー連携
	ConnectionService ConnectionServiceInterface
	BaseURL           string

	// データソース
	DataSourceService DataSourceServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → CORS → SecurityHeaders → Logging → Recovery → Session → CSRF → RateLimit(General)
//
// ヘルスチェック、メトリクス、OAuthコールバック、CSRFトークン取得はセッション不要で公開する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// panicによる500もアクセスログに残すためLoggingの内側で回収する
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	csrf := deps.CSRF
	if csrf.Logger == nil {
		csrf.Logger = logger
	}

	providerHandler := NewProviderHandler(deps.ConnectionService, deps.BaseURL)
	dsHandler := NewDataSourceHandler(deps.DataSourceService)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	// stateがユーザーを特定するためセッションは不要
	r.Get("/api/providers/{provider}/callback", providerHandler.Callback)
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrf).ServeHTTP)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))
		r.Use(middleware.NewCSRFMiddleware(csrf))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// プロバイダー連携
		r.Route("/api/providers/{provider}", func(r chi.Router) {
			r.Post("/initialize", providerHandler.Initialize)
			r.Get("/status", providerHandler.Status)
			// 同期要求は専用レート制限を追加
			r.With(deps.RateLimiter.SyncRequestMiddleware()).Post("/sync", providerHandler.Sync)
			r.Post("/disconnect", providerHandler.Disconnect)
		})

		// データソース管理
		r.Route("/api/datasources", func(r chi.Router) {
			r.Get("/", dsHandler.List)
			r.Post("/defaults", dsHandler.SeedDefaults)
			r.Delete("/{id}", dsHandler.Purge)
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
