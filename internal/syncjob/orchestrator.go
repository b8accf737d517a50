// Package syncjob はデータソースの同期ジョブを実行する。
// 認証情報の確認、ドライバーによる列挙、オブジェクトストアとの突き合わせ、
// 結果の記録までを1つのジョブとして扱う。
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/credential"
	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/metrics"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/reconcile"
	"github.com/hitoshi/datasync/internal/repository"
)

var (
	// ErrAlreadyInProgress は同じデータソースの同期が実行中であることを表す。
	ErrAlreadyInProgress = errors.New("sync already in progress")
	// ErrReauthRequired はトークンが更新できず再認可が必要なことを表す。
	ErrReauthRequired = errors.New("reauthorization required")
	// ErrNotConnected はデータソースが切断済みまたは切断処理中であることを表す。
	ErrNotConnected = errors.New("data source is not connected")
)

// TokenSource はジョブが使う認証情報の取得と更新を行う。credential.Storeが実装する。
type TokenSource interface {
	ListForLayer(ctx context.Context, userID, provider, layer string) ([]*model.OAuthToken, error)
	RefreshIfNeeded(ctx context.Context, tok *model.OAuthToken) (string, bool, error)
}

// ReauthURLBuilder は再認可用の認可URLを発行する。auth.Authorizerが実装する。
type ReauthURLBuilder interface {
	AuthorizationURL(ctx context.Context, userID, provider, layer string) (string, error)
}

// DriverRegistry はプロバイダーのドライバーとレイヤーを解決する。
type DriverRegistry interface {
	Driver(provider string) (driver.Driver, error)
	ResolveLayer(provider, layer string) (driver.Layer, error)
}

// DataSourceEnsurer は (user, provider, layer) の行を作成または取得する。
type DataSourceEnsurer interface {
	Ensure(ctx context.Context, userID, provider, layer string) (*model.DataSource, error)
}

// Reconciler はリモート一覧とオブジェクトストアを突き合わせる。
type Reconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) (*reconcile.Result, error)
}

// JobClient はジョブごとに生成されるプロバイダーAPIクライアント。
type JobClient interface {
	driver.APIClient
	Calls() int64
	RateLimitHits() int64
}

// ClientFactory はプロバイダーごとにジョブ専用のクライアントを生成する。
type ClientFactory func(provider string) JobClient

// Options はOrchestratorの依存と設定。
type Options struct {
	DataSources repository.DataSourceRepository
	Ensurer     DataSourceEnsurer
	Tokens      TokenSource
	Users       repository.UserRepository
	Drivers     DriverRegistry
	Reconciler  Reconciler
	Clients     ClientFactory
	Reauth      ReauthURLBuilder
	Filters     *config.SyncFilters
	Concurrency int
	Metrics     metrics.SyncMetrics
	Logger      *slog.Logger
}

// Orchestrator は同期ジョブの状態遷移を管理する。
type Orchestrator struct {
	repo        repository.DataSourceRepository
	ensurer     DataSourceEnsurer
	tokens      TokenSource
	users       repository.UserRepository
	drivers     DriverRegistry
	reconciler  Reconciler
	clients     ClientFactory
	reauth      ReauthURLBuilder
	filters     *config.SyncFilters
	concurrency int
	metrics     metrics.SyncMetrics
	logger      *slog.Logger
	now         func() time.Time

	// バックグラウンドジョブはリクエストのコンテキストから切り離して実行する
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		repo:        opts.DataSources,
		ensurer:     opts.Ensurer,
		tokens:      opts.Tokens,
		users:       opts.Users,
		drivers:     opts.Drivers,
		reconciler:  opts.Reconciler,
		clients:     opts.Clients,
		reauth:      opts.Reauth,
		filters:     opts.Filters,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	if o.filters == nil {
		o.filters = config.DefaultSyncFilters()
	}
	if o.metrics == nil {
		o.metrics = metrics.NopCollector{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// StartResult は同期開始要求の結果。
type StartResult struct {
	DataSource *model.DataSource
	// Started はバックグラウンドジョブを開始した場合true。
	Started     bool
	NeedsReauth bool
	ReauthURL   string
}

// Outcome は1回のジョブの結果。
type Outcome struct {
	Status      model.SyncStatus
	NeedsReauth bool
	ReauthURL   string
	Summary     *Summary

	cause error
}

// job は認証情報の確認を終えて列挙を開始できる状態のジョブ。
// チーム単位のレイヤーではチームごとに1つの認証情報を持つ。
type job struct {
	ds          *model.DataSource
	layer       driver.Layer
	credentials []driver.Credential
	startedAt   time.Time
}

// Start はデータソースの同期を開始する。
// 実行中の場合はErrAlreadyInProgress、切断済みの場合はErrNotConnectedを返す。
// 認証情報の確認は同期的に行い、再認可が必要な場合はジョブを開始せずNeedsReauthを返す。
func (o *Orchestrator) Start(ctx context.Context, userID, provider, layerName string) (*StartResult, error) {
	layer, err := o.drivers.ResolveLayer(provider, layerName)
	if err != nil {
		return nil, err
	}
	ds, err := o.ensurer.Ensure(ctx, userID, layer.Provider, layer.Name)
	if err != nil {
		return nil, err
	}

	j, outcome, err := o.begin(ctx, ds)
	if err != nil {
		if outcome != nil && outcome.NeedsReauth {
			return &StartResult{DataSource: ds, NeedsReauth: true, ReauthURL: outcome.ReauthURL}, nil
		}
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.baseCtx, j)
	}()

	ds.SyncStatus = model.SyncStatusSyncing
	return &StartResult{DataSource: ds, Started: true}, nil
}

// Run はジョブを同期的に実行する。スケジューラから呼ばれる。
// ジョブがerrorで終わった場合はOutcomeとともにエラーを返す。
func (o *Orchestrator) Run(ctx context.Context, ds *model.DataSource) (*Outcome, error) {
	j, outcome, err := o.begin(ctx, ds)
	if err != nil {
		return outcome, err
	}
	outcome = o.execute(ctx, j)
	if outcome.Status == model.SyncStatusError {
		return outcome, fmt.Errorf("sync job for %s/%s failed: %w", ds.Provider, ds.Layer, outcome.cause)
	}
	return outcome, nil
}

// Shutdown は実行中のバックグラウンドジョブを中断する。
// 中断されたジョブもerror状態の書き込みは行う。
func (o *Orchestrator) Shutdown() {
	o.cancel()
}

// Wait は実行中のバックグラウンドジョブの完了を待つ。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// begin は同期中への遷移を条件付き更新で確定し、認証情報を確認する。
func (o *Orchestrator) begin(ctx context.Context, ds *model.DataSource) (*job, *Outcome, error) {
	layer, err := o.drivers.ResolveLayer(ds.Provider, ds.Layer)
	if err != nil {
		return nil, nil, err
	}

	startedAt := o.now()
	ok, err := o.repo.TryStartSync(ctx, ds.ID, startedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("同期開始の更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, nil, o.rejected(ctx, ds.ID)
	}

	o.logger.Info("同期ジョブを開始します",
		slog.String("data_source_id", ds.ID),
		slog.String("user_id", ds.UserID),
		slog.String("provider", ds.Provider),
		slog.String("layer", ds.Layer),
	)

	tokens, err := o.tokens.ListForLayer(ctx, ds.UserID, ds.Provider, ds.Layer)
	if err == nil && len(tokens) == 0 {
		err = credential.ErrTokenNotFound
	}
	if err != nil {
		if errors.Is(err, credential.ErrTokenNotFound) {
			return nil, o.requireReauth(ctx, ds, startedAt), ErrReauthRequired
		}
		outcome := o.fail(ctx, ds, startedAt, nil, nil, err)
		return nil, outcome, outcome.cause
	}

	email := ""
	if o.users != nil {
		user, err := o.users.FindByID(ctx, ds.UserID)
		if err != nil {
			o.logger.Warn("ユーザー情報の取得に失敗しました",
				slog.String("user_id", ds.UserID),
				slog.String("error", err.Error()),
			)
		} else if user != nil {
			email = user.Email
		}
	}

	var creds []driver.Credential
	for _, tok := range jobTokens(layer, tokens) {
		access, needsReauth, err := o.tokens.RefreshIfNeeded(ctx, tok)
		if err != nil {
			outcome := o.fail(ctx, ds, startedAt, nil, nil, err)
			return nil, outcome, outcome.cause
		}
		if needsReauth {
			return nil, o.requireReauth(ctx, ds, startedAt), ErrReauthRequired
		}
		creds = append(creds, driver.Credential{
			UserID:         ds.UserID,
			UserEmail:      email,
			AccessToken:    access,
			ProviderUserID: tok.ProviderUserID,
			ProviderTeamID: tok.ProviderTeamID,
		})
	}

	return &job{ds: ds, layer: layer, credentials: creds, startedAt: startedAt}, nil, nil
}

// rejected は同期を開始できなかった理由を現在の状態から判定する。
func (o *Orchestrator) rejected(ctx context.Context, id string) error {
	current, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("データソースの取得に失敗しました: %w", err)
	}
	if current == nil {
		return ErrNotConnected
	}
	switch current.SyncStatus {
	case model.SyncStatusDeleting, model.SyncStatusDeleted:
		return ErrNotConnected
	}
	return ErrAlreadyInProgress
}

// jobTokens は同期に使うトークンを選ぶ。tokensは新しい順。
// チーム単位のレイヤーではチームごとに最新の1件、それ以外は最新の1件だけを使う。
func jobTokens(layer driver.Layer, tokens []*model.OAuthToken) []*model.OAuthToken {
	if !layer.TeamScoped {
		return tokens[:1]
	}
	seen := map[string]bool{}
	var out []*model.OAuthToken
	for _, tok := range tokens {
		if seen[tok.ProviderTeamID] {
			continue
		}
		seen[tok.ProviderTeamID] = true
		out = append(out, tok)
	}
	return out
}

// teamPass はチーム1つ分の列挙結果。
type teamPass struct {
	req     driver.Request
	listing *driver.Listing
}

// execute は列挙と突き合わせを行い、終了状態を記録する。
// 認証情報ごとに列挙し、それぞれの名前空間で突き合わせる。
func (o *Orchestrator) execute(ctx context.Context, j *job) *Outcome {
	ds := j.ds
	client := o.clients(ds.Provider)

	drv, err := o.drivers.Driver(ds.Provider)
	if err != nil {
		return o.fail(ctx, ds, j.startedAt, client, nil, err)
	}

	logger := o.logger.With(
		slog.String("data_source_id", ds.ID),
		slog.String("provider", ds.Provider),
		slog.String("layer", ds.Layer),
	)
	filter := driver.FilterFromRule(o.filters.For(ds.Provider))

	listing := &driver.Listing{}
	passes := make([]teamPass, 0, len(j.credentials))
	for _, cred := range j.credentials {
		req := driver.Request{
			Credential:  cred,
			Layer:       j.layer,
			Client:      client,
			Filter:      filter,
			Concurrency: o.concurrency,
			Logger:      logger,
		}
		l, err := drv.ListItems(ctx, req)
		if err != nil {
			if cred.ProviderTeamID != "" {
				err = fmt.Errorf("team %s: %w", cred.ProviderTeamID, err)
			}
			return o.fail(ctx, ds, j.startedAt, client, &partial{}, fmt.Errorf("列挙に失敗しました: %w", err))
		}
		listing.Items = append(listing.Items, l.Items...)
		listing.Containers += l.Containers
		listing.FailedContainers += l.FailedContainers
		listing.Failures = append(listing.Failures, l.Failures...)
		passes = append(passes, teamPass{req: req, listing: l})
	}

	var bytesTotal int64
	for _, it := range listing.Items {
		bytesTotal += it.Size
	}
	reporter := newProgressReporter(o.repo, ds.ID, o.now, o.logger)
	reporter.report(ctx, model.SyncProgress{FilesTotal: len(listing.Items), BytesTotal: bytesTotal}, true)

	result := &reconcile.Result{}
	var doneFiles int
	var doneBytes int64
	pending := len(listing.Items)
	for _, pass := range passes {
		req := pass.req
		pending -= len(pass.listing.Items)
		passFiles := 0
		var passBytes int64
		r, err := o.reconciler.Reconcile(ctx, reconcile.Input{
			Prefix: req.Namespace(),
			Items:  pass.listing.Items,
			Fetcher: func(ctx context.Context, item driver.RemoteItem) (io.ReadCloser, error) {
				return drv.FetchContent(ctx, req, item)
			},
			Progress: func(p reconcile.Progress) {
				passFiles, passBytes = p.Skipped+p.Done, p.BytesDone
				reporter.report(ctx, model.SyncProgress{
					FilesProcessed: doneFiles + passFiles,
					FilesTotal:     doneFiles + p.Skipped + p.Total + pending,
					BytesProcessed: doneBytes + p.BytesDone,
					BytesTotal:     bytesTotal,
				}, false)
			},
		})
		mergeResult(result, r)
		if err != nil {
			return o.fail(ctx, ds, j.startedAt, client, &partial{listing: listing, result: result}, fmt.Errorf("突き合わせに失敗しました: %w", err))
		}
		if r != nil && passFiles < r.Skipped {
			passFiles = r.Skipped
		}
		doneFiles += passFiles
		doneBytes += passBytes
	}

	summary := o.summarize(model.SyncStatusSynced, j.startedAt, client, listing, result)
	if err := o.finish(ctx, ds, summary, reporter.last()); err != nil {
		// 完了を記録できなかったジョブはsyncedとして扱わない
		return o.fail(ctx, ds, j.startedAt, client, &partial{listing: listing, result: result}, fmt.Errorf("同期結果の記録に失敗しました: %w", err))
	}
	return &Outcome{Status: model.SyncStatusSynced, Summary: summary}
}

// mergeResult はチームごとの突き合わせ結果を合算する。
func mergeResult(dst, src *reconcile.Result) {
	if src == nil {
		return
	}
	dst.New += src.New
	dst.Updated += src.Updated
	dst.Deleted += src.Deleted
	dst.Skipped += src.Skipped
	dst.Failed += src.Failed
	dst.BytesUploaded += src.BytesUploaded
	dst.Entries = append(dst.Entries, src.Entries...)
}

// partial は失敗までに得られた途中結果。
type partial struct {
	listing *driver.Listing
	result  *reconcile.Result
}

// requireReauth はデータソースをerrorにして再認可URLを記録する。
func (o *Orchestrator) requireReauth(ctx context.Context, ds *model.DataSource, startedAt time.Time) *Outcome {
	reauthURL := ""
	if o.reauth != nil {
		u, err := o.reauth.AuthorizationURL(ctx, ds.UserID, ds.Provider, ds.Layer)
		if err != nil {
			o.logger.Error("再認可URLの発行に失敗しました",
				slog.String("data_source_id", ds.ID),
				slog.String("error", err.Error()),
			)
		}
		reauthURL = u
	}

	summary := o.summarize(model.SyncStatusError, startedAt, nil, nil, nil)
	summary.Error = ErrReauthRequired.Error()
	summary.ReauthURL = reauthURL
	o.logger.Warn("再認可が必要なため同期を中止します",
		slog.String("data_source_id", ds.ID),
		slog.String("provider", ds.Provider),
		slog.String("layer", ds.Layer),
	)
	if err := o.finish(ctx, ds, summary, model.SyncProgress{}); err != nil {
		summary.Error = fmt.Sprintf("%s; %v", summary.Error, err)
	}
	return &Outcome{Status: model.SyncStatusError, NeedsReauth: true, ReauthURL: reauthURL, Summary: summary, cause: ErrReauthRequired}
}

// fail はデータソースをerrorにし、途中までの結果を記録する。
// error状態の記録にも失敗した場合は原因に含めて返す。
func (o *Orchestrator) fail(ctx context.Context, ds *model.DataSource, startedAt time.Time, client JobClient, p *partial, cause error) *Outcome {
	var summary *Summary
	if p != nil {
		summary = o.summarize(model.SyncStatusError, startedAt, client, p.listing, p.result)
	} else {
		summary = o.summarize(model.SyncStatusError, startedAt, client, nil, nil)
	}
	summary.Error = cause.Error()

	o.logger.Error("同期ジョブが失敗しました",
		slog.String("data_source_id", ds.ID),
		slog.String("provider", ds.Provider),
		slog.String("layer", ds.Layer),
		slog.String("error", cause.Error()),
	)
	if err := o.finish(ctx, ds, summary, model.SyncProgress{}); err != nil {
		cause = fmt.Errorf("%w (status not recorded: %w)", cause, err)
	}
	return &Outcome{Status: model.SyncStatusError, Summary: summary, cause: cause}
}

// finish は終了状態・最終同期時刻・結果を1行で記録する。
// リクエストのキャンセル後でも記録できるようにキャンセルを外したコンテキストを使う。
// 記録に失敗した場合はエラーを返し、終了のメトリクスは記録しない。
func (o *Orchestrator) finish(ctx context.Context, ds *model.DataSource, summary *Summary, progress model.SyncProgress) error {
	status := model.SyncStatus(summary.Status)
	if status == model.SyncStatusSynced {
		progress.FilesProcessed = progress.FilesTotal
	}

	raw, err := summary.JSON()
	if err != nil {
		o.logger.Error("同期結果のエンコードに失敗しました", slog.String("error", err.Error()))
	}

	finishedAt := o.now()
	err = o.repo.UpdateSyncStatus(context.WithoutCancel(ctx), model.SyncStatusUpdate{
		ID:          ds.ID,
		Status:      status,
		LastSync:    finishedAt.Unix(),
		Progress:    progress,
		SyncResults: raw,
	})
	if err != nil {
		o.logger.Error("同期状態の更新に失敗しました",
			slog.String("data_source_id", ds.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return err
	}

	duration := time.Duration(summary.DurationMS) * time.Millisecond
	o.metrics.RecordSyncJob(ds.Provider, string(status))
	o.metrics.RecordSyncDuration(ds.Provider, duration)

	o.logger.Info("同期ジョブが終了しました",
		slog.String("data_source_id", ds.ID),
		slog.String("provider", ds.Provider),
		slog.String("layer", ds.Layer),
		slog.String("status", string(status)),
		slog.Int("uploaded", summary.Uploaded),
		slog.Int("deleted", summary.Deleted),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
