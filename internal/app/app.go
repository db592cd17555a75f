package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fedisleuth/internal/auth"
	"github.com/hitoshi/fedisleuth/internal/config"
	"github.com/hitoshi/fedisleuth/internal/database"
	"github.com/hitoshi/fedisleuth/internal/download"
	"github.com/hitoshi/fedisleuth/internal/handler"
	"github.com/hitoshi/fedisleuth/internal/logger"
	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/platform"
	"github.com/hitoshi/fedisleuth/internal/platform/apub"
	"github.com/hitoshi/fedisleuth/internal/platform/bsky"
	"github.com/hitoshi/fedisleuth/internal/repository"
	"github.com/hitoshi/fedisleuth/internal/resolver"
	"github.com/hitoshi/fedisleuth/internal/search"
	"github.com/hitoshi/fedisleuth/internal/security"
)

// authHTTPTimeout は認証フロー内の1リクエスト（アプリ登録、トークン交換、
// 検証）に適用するHTTPタイムアウト。コールバック待ちには適用されない。
const authHTTPTimeout = 30 * time.Second

// platformHTTPTimeout は検索APIの1リクエストに適用するHTTPタイムアウト。
// タスク全体の上限はConfig.SearchTimeoutで別途制御される。
const platformHTTPTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		addr := os.Getenv("FEDISLEUTH_LISTEN_ADDR")
		if addr == "" {
			addr = "127.0.0.1:8765"
		}
		return runHealthcheck(addr)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting fedisleuth",
		slog.String("command", string(cmd)),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("db_path", cfg.DBPath),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はオーケストレーターデーモンを起動する。
// DB接続とマイグレーション適用の後、全依存関係をワイヤリングして
// ローカルHTTP APIを立ち上げる。SIGINTまたはSIGTERMを受信すると
// 実行中のダウンロードバッチを中断し、グレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. スキーマ適用とDB接続
	// 対象はローカルのSQLiteファイルのため、起動時に常に最新化する。
	if err := database.RunMigrations(cfg.DBPath); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database ready", slog.String("path", cfg.DBPath))

	// 2. リポジトリの初期化
	sessionRepo := repository.NewSQLiteSessionRepo(db)
	clientRepo := repository.NewSQLiteOAuthClientRepo(db)
	recordRepo := repository.NewSQLiteDownloadRecordRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	extractor := security.NewContentTextExtractor()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. プラットフォーム状態マップの構築
	enabled := make(map[model.Platform]bool, len(model.AllPlatforms))
	instances := make(map[model.Platform]string, len(model.AllPlatforms))
	for _, p := range model.AllPlatforms {
		enabled[p] = cfg.PlatformEnabled(p)
		instances[p] = cfg.InstanceURL(p)
	}

	// 5. 認証コーディネーターの初期化
	coordinator := auth.NewCoordinator(
		auth.NewAPubOAuthClient(authHTTPTimeout),
		auth.NewBskyClient(authHTTPTimeout),
		auth.NewSystemBrowser(),
		sessionRepo, clientRepo, collector,
		auth.CoordinatorConfig{
			OAuthTimeout: cfg.OAuthTimeout,
			Instances:    instances,
		},
	)

	// 6. プラットフォームクライアントの初期化
	// PixelfedとMastodonはAPI互換のため同一実装を共有する。
	pixelfedClient := apub.NewClient(model.PlatformPixelfed, platformHTTPTimeout, extractor)
	mastodonClient := apub.NewClient(model.PlatformMastodon, platformHTTPTimeout, extractor)
	bskyClient := bsky.NewClient(platformHTTPTimeout)

	platforms := map[model.Platform]platform.SocialPlatform{
		model.PlatformPixelfed: pixelfedClient,
		model.PlatformMastodon: mastodonClient,
		model.PlatformBluesky:  bskyClient,
	}

	// 7. フェデレーションリゾルバーの初期化
	// リモートドメインへのWebFinger照会はSSRFガード付きクライアントを通す。
	webfinger := resolver.NewWebFingerClient(
		ssrfGuard.NewSafeClient(cfg.ResolveTimeout, 1<<20),
		ssrfGuard,
	)
	actorResolver := resolver.NewResolver(
		map[model.Platform]resolver.AccountSearcher{
			model.PlatformPixelfed: pixelfedClient,
			model.PlatformMastodon: mastodonClient,
		},
		webfinger, sessionRepo, collector,
		resolver.Config{
			CacheTTL:      cfg.ResolveCacheTTL,
			RemoteTimeout: cfg.ResolveTimeout,
		},
	)

	// 8. 検索アグリゲーターの初期化
	aggregator := search.NewAggregator(
		platforms, actorResolver, sessionRepo, collector,
		search.Config{
			PlatformTimeout: cfg.SearchTimeout,
			Enabled:         enabled,
		},
	)

	// 9. ダウンロードマネージャーの初期化
	downloadManager := download.NewManager(
		ssrfGuard, recordRepo, collector,
		download.Config{
			BaseDir:        cfg.DownloadDir,
			MaxConcurrent:  cfg.MaxConcurrentDownloads,
			RequestTimeout: cfg.DownloadTimeout,
			MaxMediaSize:   cfg.MaxMediaSize,
		},
	)

	// 10. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),

		AuthService: coordinator,

		EnabledPlatforms: enabled,
		Instances:        instances,

		SearchService:   aggregator,
		DaysBackDefault: cfg.DaysBackDefault,

		DownloadManager: downloadManager,
		RecordLister:    recordRepo,

		DB:       db,
		Gatherer: registry,
	})

	// 11. HTTPサーバーの起動
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// OAuth開始ハンドラーはブラウザからのコールバックを待つ間
		// ブロックするため、WriteTimeoutは待ち上限より長く取る。
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OAuthTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down...")

	// 実行中のダウンロードバッチを先に中断する。
	// 部分ファイルの除去とアーカイブ保存はCancelAll内で完結する。
	downloadManager.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("db_path", cfg.DBPath),
	)

	if err := database.RunMigrations(cfg.DBPath); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	url := fmt.Sprintf("http://%s/health", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
