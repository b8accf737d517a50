package syncjob

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/repository"
)

const (
	// progressEvery は進捗を書き込む作業単位の間隔。
	progressEvery = 25
	// progressInterval は進捗を書き込む最短の時間間隔。
	progressInterval = 2 * time.Second
)

// progressReporter は同期中の進捗を間引いて書き込む。
// reconcileのコールバックは直列に呼ばれるためロックは持たない。
type progressReporter struct {
	repo      repository.DataSourceRepository
	id        string
	now       func() time.Time
	logger    *slog.Logger
	current   model.SyncProgress
	written   int
	writtenAt time.Time
}

func newProgressReporter(repo repository.DataSourceRepository, id string, now func() time.Time, logger *slog.Logger) *progressReporter {
	return &progressReporter{repo: repo, id: id, now: now, logger: logger}
}

func (p *progressReporter) report(ctx context.Context, progress model.SyncProgress, force bool) {
	p.current = progress
	now := p.now()
	if !force && progress.FilesProcessed-p.written < progressEvery && now.Sub(p.writtenAt) < progressInterval {
		return
	}
	if err := p.repo.UpdateProgress(ctx, p.id, progress); err != nil {
		p.logger.Warn("進捗の更新に失敗しました",
			slog.String("data_source_id", p.id),
			slog.String("error", err.Error()),
		)
		return
	}
	p.written = progress.FilesProcessed
	p.writtenAt = now
}

func (p *progressReporter) last() model.SyncProgress {
	return p.current
}
