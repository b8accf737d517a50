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

	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/connection"
	"github.com/hitoshi/datasync/internal/database"
	"github.com/hitoshi/datasync/internal/handler"
	"github.com/hitoshi/datasync/internal/logger"
	"github.com/hitoshi/datasync/internal/middleware"
	"github.com/hitoshi/datasync/internal/repository"
	"github.com/hitoshi/datasync/internal/syncjob"
	"github.com/hitoshi/datasync/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args)
	if err != nil {
		return err
	}
	cmd := inv.Command

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Any("providers", cfg.ConfiguredProviders()),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		dir := database.Up
		if len(inv.Args) > 0 && inv.Args[0] == string(database.DownOne) {
			dir = database.DownOne
		}
		return runMigrate(cfg, dir)
	default:
		return fmt.Errorf("unsupported command: %s", cmd)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("データベースに接続しました")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 3. 同期エンジンの組み立て
	c, err := newCore(cfg, db, registry, slog.Default())
	if err != nil {
		return err
	}

	// 4. 連携サービス
	connService := connection.NewService(connection.Deps{
		Providers:  c.providers,
		Authorizer: c.authorizer,
		Tokens:     c.tokens,
		Sources:    c.sources,
		Layers:     c.drivers,
		Syncer:     c.orchestrator,
		Objects:    c.store,
		Logger:     logger.Component(slog.Default(), "connection"),
	})

	// 5. ルーターの構築
	httpLogger := logger.Component(slog.Default(), "http")
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.Logger = httpLogger
	if cfg.RateLimitGeneral > 0 {
		// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     repository.NewPostgresSessionRepo(db),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			Logger:       httpLogger,
		},
		Logger:            httpLogger,
		HealthChecker:     db,
		Gatherer:          registry,
		ConnectionService: connService,
		BaseURL:           cfg.BaseURL,
		DataSourceService: c.sources,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("APIサーバーを起動します",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("サーバーの待ち受けに失敗しました", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("APIサーバーを停止します")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中の同期ジョブを中断し、終了状態の書き込みを待つ
	c.orchestrator.Shutdown()
	c.orchestrator.Wait()

	slog.Info("APIサーバーを停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("データベースに接続しました (worker)")

	// 2. 同期エンジンの組み立て
	c, err := newCore(cfg, db, prometheus.NewRegistry(), slog.Default())
	if err != nil {
		return err
	}

	// 3. スケジューラ
	scheduler := syncjob.NewScheduler(
		repository.NewPostgresDataSourceRepo(db), c.orchestrator,
		logger.Component(slog.Default(), "scheduler"), cfg.SyncConcurrency, cfg.SyncInterval,
	)

	// 4. クリーンアップジョブ（同期中のまま残った行の復旧と期限切れstateの削除）
	cleanupJob := cleanup.NewCleanupJob(db, c.authorizer,
		logger.Component(slog.Default(), "cleanup"), cfg.StaleSyncWindow)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("ワーカーを停止します")
		cancel()
	}()

	slog.Info("ワーカーを起動します",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Duration("scheduler_tick", cfg.SyncSchedulerTick),
		slog.Int("max_concurrent", cfg.SyncConcurrency),
	)

	// クリーンアップジョブをバックグラウンドで実行
	go cleanupJob.Start(ctx, cfg.SyncSchedulerTick)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncSchedulerTick)

	c.orchestrator.Wait()
	slog.Info("ワーカーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// Upはすべての未適用マイグレーションを、DownOneは直近の1ステップを対象とする。
func runMigrate(cfg *config.Config, dir database.Direction) error {
	slog.Info("マイグレーションを実行します",
		slog.String("direction", string(dir)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.Migrate(cfg.DatabaseURL, dir, logger.Component(slog.Default(), "migrate"))
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("マイグレーションが完了しました",
		slog.Uint64("version", uint64(result.Version)),
		slog.Bool("changed", result.Changed),
		slog.Bool("dirty", result.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
