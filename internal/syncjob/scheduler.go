package syncjob

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/repository"
)

// defaultBatchSize は1サイクルで取得する同期対象の上限。
const defaultBatchSize = 100

// JobRunner は1件のデータソースの同期ジョブを実行する。
type JobRunner interface {
	Run(ctx context.Context, ds *model.DataSource) (*Outcome, error)
}

// Scheduler は定期同期のスケジューリングと並列制御を行う。
// ティッカーごとに最終同期から一定時間が経過したデータソースを取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
type Scheduler struct {
	repo           repository.DataSourceRepository
	runner         JobRunner
	logger         *slog.Logger
	maxConcurrency int
	syncInterval   time.Duration
	batchSize      int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	repo repository.DataSourceRepository,
	runner JobRunner,
	logger *slog.Logger,
	maxConcurrency int,
	syncInterval time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		repo:           repo,
		runner:         runner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		syncInterval:   syncInterval,
		batchSize:      defaultBatchSize,
		now:            time.Now,
	}
}

// Start はtickごとにスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("tick", tick),
		slog.Duration("sync_interval", s.syncInterval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は同期対象のデータソースを1回取得し、並列で同期を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()
	before := start.Add(-s.syncInterval).Unix()

	sources, err := s.repo.ListDueForSync(ctx, before, s.batchSize)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		s.logger.Info("同期対象のデータソースはありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("data_source_count", len(sources)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, ds := range sources {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(d *model.DataSource) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := s.runner.Run(ctx, d)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyInProgress):
				s.logger.Info("同期中のためスキップしました",
					slog.String("data_source_id", d.ID),
				)
			case errors.Is(err, ErrNotConnected):
				s.logger.Info("切断済みのためスキップしました",
					slog.String("data_source_id", d.ID),
				)
			case errors.Is(err, ErrReauthRequired):
				s.logger.Warn("再認可が必要なデータソースです",
					slog.String("data_source_id", d.ID),
					slog.String("provider", d.Provider),
					slog.String("layer", d.Layer),
				)
			default:
				s.logger.Error("データソースの同期に失敗しました",
					slog.String("data_source_id", d.ID),
					slog.String("provider", d.Provider),
					slog.String("layer", d.Layer),
					slog.String("error", err.Error()),
				)
			}
		}(ds)
	}

	wg.Wait()

	duration := s.now().Sub(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("data_source_count", len(sources)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
