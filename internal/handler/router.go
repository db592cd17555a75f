package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/middleware"
	"github.com/hitoshi/fedisleuth/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface

	// プラットフォーム状態
	EnabledPlatforms map[model.Platform]bool
	Instances        map[model.Platform]string

	// 検索
	SearchService   SearchServiceInterface
	DaysBackDefault int

	// ダウンロード
	DownloadManager DownloadManagerInterface
	RecordLister    DownloadRecordLister

	// 死活監視
	DB DBPinger

	// メトリクス
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	SecurityHeaders → CORS → Logging → Recovery
//
// OAuthコールバックリスナーはこのルーターには載せない。
// 認証フローがループバック上に一時リスナーを起動し、1回で閉じる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService)
	platformsHandler := NewPlatformsHandler(deps.AuthService, deps.EnabledPlatforms, deps.Instances)
	searchHandler := NewSearchHandler(deps.SearchService, deps.DaysBackDefault)
	downloadHandler := NewDownloadHandler(deps.DownloadManager, deps.RecordLister, deps.CORSAllowedOrigin)
	healthHandler := NewHealthHandler(deps.DB)

	// 死活監視・メトリクス
	r.Get("/health", healthHandler.Check)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// プラットフォーム一覧
	r.Get("/api/platforms", platformsHandler.List)

	// 認証フロー
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/oauth/start", authHandler.StartOAuth)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Get("/status", authHandler.Status)
	})

	// 横断検索
	r.Post("/api/search", searchHandler.Search)

	// ダウンロード管理
	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/", downloadHandler.StartBatch)
		r.Get("/", downloadHandler.ListBatches)

		r.Route("/{batchID}", func(r chi.Router) {
			r.Get("/", downloadHandler.GetBatch)
			r.Post("/cancel", downloadHandler.CancelBatch)
			r.Get("/events", downloadHandler.Events)
		})
	})

	return r
}
