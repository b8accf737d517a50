// Package cleanup は同期状態とOAuth stateの定期メンテナンスジョブを提供する。
// プロセス停止などで syncing のまま残った行を unsynced に戻し、
// 期限切れのOAuth stateを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// StatePurger は期限切れのOAuth stateを削除する。auth.Authorizerが実装する。
type StatePurger interface {
	PurgeExpiredStates(ctx context.Context) (int64, error)
}

const resetStaleSyncingQuery = `UPDATE data_sources
	SET sync_status = 'unsynced', sync_start_time = NULL, updated_at = now()
	WHERE sync_status = 'syncing' AND sync_start_time < now() - $1::interval`

// CleanupJob は定期実行のメンテナンスジョブ。
// どちらの処理も冪等で、対象がない場合でもエラーにならない。
type CleanupJob struct {
	db     Executor
	states StatePurger
	logger *slog.Logger
	// StaleSyncWindow を超えて syncing のままの行を放棄されたジョブとみなす（デフォルト: 2時間）
	StaleSyncWindow time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// staleSyncWindowが0以下の場合は2時間を使用する。statesがnilの場合はstateを削除しない。
func NewCleanupJob(db Executor, states StatePurger, logger *slog.Logger, staleSyncWindow time.Duration) *CleanupJob {
	if staleSyncWindow <= 0 {
		staleSyncWindow = 2 * time.Hour
	}
	return &CleanupJob{
		db:              db,
		states:          states,
		logger:          logger,
		StaleSyncWindow: staleSyncWindow,
	}
}

// Run は放棄された同期のリセットと期限切れstateの削除を行う。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	resetCount, err := j.ResetStaleSyncing(ctx)
	if err != nil {
		return err
	}
	purgedCount, err := j.PurgeExpiredStates(ctx)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("reset_count", resetCount),
		slog.Int64("deleted_count", purgedCount),
		slog.Duration("stale_sync_window", j.StaleSyncWindow),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// ResetStaleSyncing は StaleSyncWindow より前に開始され syncing のまま残った行を unsynced に戻す。
// 戻した行は次の同期要求またはスケジューラで再実行される。
func (j *CleanupJob) ResetStaleSyncing(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int64(j.StaleSyncWindow/time.Second))

	result, err := j.db.ExecContext(ctx, resetStaleSyncingQuery, interval)
	if err != nil {
		j.logger.Error("放棄された同期のリセットに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("stale_sync_window", j.StaleSyncWindow),
		)
		return 0, fmt.Errorf("放棄された同期のリセットに失敗: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("更新件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if count > 0 {
		j.logger.Warn("syncing のまま残っていたデータソースをリセットしました",
			slog.Int64("reset_count", count),
		)
	}
	return count, nil
}

// PurgeExpiredStates は期限切れのOAuth stateを削除する。
func (j *CleanupJob) PurgeExpiredStates(ctx context.Context) (int64, error) {
	if j.states == nil {
		return 0, nil
	}
	count, err := j.states.PurgeExpiredStates(ctx)
	if err != nil {
		j.logger.Error("期限切れstateの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("期限切れstateの削除に失敗: %w", err)
	}
	return count, nil
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
