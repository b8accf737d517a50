package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/datasync/internal/apiclient"
	"github.com/hitoshi/datasync/internal/auth"
	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/credential"
	"github.com/hitoshi/datasync/internal/datasource"
	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/logger"
	"github.com/hitoshi/datasync/internal/metrics"
	"github.com/hitoshi/datasync/internal/reconcile"
	"github.com/hitoshi/datasync/internal/repository"
	"github.com/hitoshi/datasync/internal/security"
	"github.com/hitoshi/datasync/internal/storage"
	"github.com/hitoshi/datasync/internal/syncjob"
	"github.com/prometheus/client_golang/prometheus"
)

// core はserveとworkerで共有する同期エンジンの構成要素。
type core struct {
	providers    *auth.Providers
	authorizer   *auth.Authorizer
	tokens       *credential.Store
	drivers      *driver.Registry
	store        *storage.AferoStore
	sources      *datasource.Service
	orchestrator *syncjob.Orchestrator
}

// newCore は設定から同期エンジンを組み立てる。
func newCore(cfg *config.Config, db *sql.DB, reg prometheus.Registerer, base *slog.Logger) (*core, error) {
	collector := metrics.NewCollector(reg)

	cipher, err := security.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}

	// プロバイダーAPIとダウンロードURLはリモートの応答に由来するため、SSRF対策済みクライアントを使う
	guard := security.NewSSRFGuard()
	httpClient := guard.NewSafeClient(cfg.APITimeout)

	providers := auth.NewProvidersFromConfig(cfg, httpClient)
	authorizer := auth.NewAuthorizer(
		repository.NewPostgresOAuthStateRepo(db), providers, cfg.OAuthStateTTL,
		logger.Component(base, "authorizer"),
	)
	tokens := credential.NewStore(
		repository.NewPostgresOAuthTokenRepo(db), cipher, providers,
		logger.Component(base, "credential"),
	)

	drivers, err := newDriverRegistry(cfg, guard)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewOsStore(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	filters, err := config.LoadSyncFilters(cfg.SyncFiltersFile)
	if err != nil {
		return nil, err
	}

	dsRepo := repository.NewPostgresDataSourceRepo(db)
	sources := datasource.NewService(dsRepo, drivers, logger.Component(base, "datasource"))

	apiLogger := logger.Component(base, "apiclient")
	clients := func(provider string) syncjob.JobClient {
		return apiclient.New(apiclient.Options{
			Provider:          provider,
			HTTPClient:        httpClient,
			MaxAttempts:       cfg.APIMaxAttempts,
			BaseDelay:         cfg.APIBaseDelay,
			MaxDelay:          cfg.APIMaxDelay,
			LowQuotaDelay:     cfg.LowQuotaDelay,
			RateLimitDetector: apiclient.DetectorFor(provider),
			Metrics:           collector,
			Logger:            apiLogger,
		})
	}

	orchestrator := syncjob.NewOrchestrator(syncjob.Options{
		DataSources: dsRepo,
		Ensurer:     sources,
		Tokens:      tokens,
		Users:       repository.NewPostgresUserRepo(db),
		Drivers:     drivers,
		Reconciler: reconcile.New(store, reconcile.Options{
			Concurrency: cfg.SyncConcurrency,
			Metrics:     collector,
			Logger:      logger.Component(base, "reconcile"),
		}),
		Clients:     clients,
		Reauth:      authorizer,
		Filters:     filters,
		Concurrency: cfg.SyncConcurrency,
		Metrics:     collector,
		Logger:      logger.Component(base, "syncjob"),
	})

	return &core{
		providers:    providers,
		authorizer:   authorizer,
		tokens:       tokens,
		drivers:      drivers,
		store:        store,
		sources:      sources,
		orchestrator: orchestrator,
	}, nil
}

// newDriverRegistry は組み込みドライバーを登録する。
// ハンドブックはHANDBOOK_BASE_URLが設定されている場合のみ登録し、そのURLを起動時に検証する。
func newDriverRegistry(cfg *config.Config, guard security.SSRFGuardService) (*driver.Registry, error) {
	content := security.NewContentSanitizer()
	drivers := []driver.Driver{
		driver.NewGoogle(driver.GoogleOptions{}),
		driver.NewMicrosoft(""),
		driver.NewSlack(driver.SlackOptions{Text: security.NewTextSanitizer()}),
		driver.NewAtlassian(driver.AtlassianOptions{Content: content}),
	}
	if cfg.HandbookBaseURL != "" {
		if err := guard.ValidateURL(cfg.HandbookBaseURL); err != nil {
			return nil, fmt.Errorf("invalid HANDBOOK_BASE_URL: %w", err)
		}
		hb, err := driver.NewHandbook(driver.HandbookOptions{BaseURL: cfg.HandbookBaseURL, Content: content})
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, hb)
	}
	registry, err := driver.NewRegistry(drivers...)
	if err != nil {
		return nil, fmt.Errorf("failed to register drivers: %w", err)
	}
	return registry, nil
}
