package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/datasync/internal/model"
)

// PostgresDataSourceRepo はPostgreSQLを使用したデータソースリポジトリ。
type PostgresDataSourceRepo struct {
	db *sql.DB
}

// NewPostgresDataSourceRepo はPostgresDataSourceRepoを生成する。
func NewPostgresDataSourceRepo(db *sql.DB) *PostgresDataSourceRepo {
	return &PostgresDataSourceRepo{db: db}
}

const dataSourceColumns = `id, user_id, name, context, permission, provider, layer,
	sync_status, last_sync, files_processed, files_total, bytes_processed, bytes_total,
	sync_start_time, sync_results, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataSource(row rowScanner) (*model.DataSource, error) {
	ds := &model.DataSource{}
	var startTime sql.NullTime
	var results []byte
	err := row.Scan(
		&ds.ID, &ds.UserID, &ds.Name, &ds.Context, &ds.Permission, &ds.Provider, &ds.Layer,
		&ds.SyncStatus, &ds.LastSync,
		&ds.FilesProcessed, &ds.FilesTotal, &ds.BytesProcessed, &ds.BytesTotal,
		&startTime, &results, &ds.CreatedAt, &ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startTime.Valid {
		t := startTime.Time
		ds.SyncStartTime = &t
	}
	if len(results) > 0 {
		ds.SyncResults = json.RawMessage(results)
	}
	return ds, nil
}

func (r *PostgresDataSourceRepo) queryOne(ctx context.Context, query string, args ...any) (*model.DataSource, error) {
	ds, err := scanDataSource(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (r *PostgresDataSourceRepo) queryMany(ctx context.Context, query string, args ...any) ([]*model.DataSource, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*model.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ds)
	}
	return list, rows.Err()
}

// FindByID は指定IDのデータソースを取得する。見つからない場合はnilを返す。
func (r *PostgresDataSourceRepo) FindByID(ctx context.Context, id string) (*model.DataSource, error) {
	ds, err := r.queryOne(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find data source: %w", err)
	}
	return ds, nil
}

// FindByUserProviderLayer は (user, provider, layer) の行を取得する。
func (r *PostgresDataSourceRepo) FindByUserProviderLayer(ctx context.Context, userID, provider, layer string) (*model.DataSource, error) {
	ds, err := r.queryOne(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources
		 WHERE user_id = $1 AND provider = $2 AND layer = $3`,
		userID, provider, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to find data source by layer: %w", err)
	}
	return ds, nil
}

// FindByUserAndAction はユーザーとプロバイダーに一致する最新更新の行を返す。
func (r *PostgresDataSourceRepo) FindByUserAndAction(ctx context.Context, userID, provider string) (*model.DataSource, error) {
	ds, err := r.queryOne(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources
		 WHERE user_id = $1 AND provider = $2
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find data source by provider: %w", err)
	}
	return ds, nil
}

// ListByUserID はユーザーのデータソース一覧を返す。
func (r *PostgresDataSourceRepo) ListByUserID(ctx context.Context, userID string) ([]*model.DataSource, error) {
	list, err := r.queryMany(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources
		 WHERE user_id = $1
		 ORDER BY created_at ASC, name ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	return list, nil
}

// Create はデータソースを作成する。既存の場合はfalseを返す。
func (r *PostgresDataSourceRepo) Create(ctx context.Context, ds *model.DataSource) (bool, error) {
	status := ds.SyncStatus
	if status == "" {
		status = model.SyncStatusUnsynced
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO data_sources (id, user_id, name, context, permission, provider, layer,
		                           sync_status, last_sync, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, provider, layer) DO NOTHING`,
		ds.ID, ds.UserID, ds.Name, ds.Context, ds.Permission, ds.Provider, ds.Layer,
		status, ds.LastSync, ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create data source: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// TryStartSync は状態がsyncing/deleting/deleted以外の場合だけsyncingに遷移させる。
// 影響行数で開始可否を判定するため、同時リクエストでも開始できるのは1件のみ。
func (r *PostgresDataSourceRepo) TryStartSync(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE data_sources
		 SET sync_status = 'syncing',
		     sync_start_time = $2,
		     files_processed = 0, files_total = 0,
		     bytes_processed = 0, bytes_total = 0,
		     updated_at = $2
		 WHERE id = $1
		   AND sync_status NOT IN ('syncing', 'deleting', 'deleted')`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start sync: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateSyncStatus は状態・最終同期時刻・進捗・結果を更新する。
func (r *PostgresDataSourceRepo) UpdateSyncStatus(ctx context.Context, u model.SyncStatusUpdate) error {
	// lib/pqは[]byteをbyteaとして送るため文字列で渡す
	results := sql.NullString{String: string(u.SyncResults), Valid: len(u.SyncResults) > 0}
	_, err := r.db.ExecContext(ctx,
		`UPDATE data_sources
		 SET sync_status = $2,
		     last_sync = $3,
		     files_processed = $4, files_total = $5,
		     bytes_processed = $6, bytes_total = $7,
		     sync_results = COALESCE($8::jsonb, sync_results),
		     updated_at = now()
		 WHERE id = $1
		   AND sync_status NOT IN ('deleting', 'deleted')`,
		u.ID, u.Status, u.LastSync,
		u.Progress.FilesProcessed, u.Progress.FilesTotal,
		u.Progress.BytesProcessed, u.Progress.BytesTotal,
		results,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// UpdateProgress は同期中の行の進捗カウンタを更新する。
func (r *PostgresDataSourceRepo) UpdateProgress(ctx context.Context, id string, p model.SyncProgress) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE data_sources
		 SET files_processed = $2, files_total = $3,
		     bytes_processed = $4, bytes_total = $5,
		     updated_at = now()
		 WHERE id = $1 AND sync_status = 'syncing'`,
		id, p.FilesProcessed, p.FilesTotal, p.BytesProcessed, p.BytesTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync progress: %w", err)
	}
	return nil
}

// SetStatus は状態を更新する。
func (r *PostgresDataSourceRepo) SetStatus(ctx context.Context, id string, status model.SyncStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE data_sources SET sync_status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to set data source status: %w", err)
	}
	return nil
}

// ListDueForSync は定期同期の対象を last_sync の古い順に返す。
// レイヤーを含むトークンが存在しない行は対象外とする。
func (r *PostgresDataSourceRepo) ListDueForSync(ctx context.Context, before int64, limit int) ([]*model.DataSource, error) {
	list, err := r.queryMany(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources d
		 WHERE d.sync_status IN ('unsynced', 'synced', 'error')
		   AND d.last_sync < $1
		   AND EXISTS (
		       SELECT 1 FROM oauth_tokens t
		       WHERE t.user_id = d.user_id
		         AND t.provider = d.provider
		         AND (',' || t.layers || ',') LIKE ('%,' || d.layer || ',%')
		   )
		 ORDER BY d.last_sync ASC
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources due for sync: %w", err)
	}
	return list, nil
}

// Purge は行を物理削除する。
func (r *PostgresDataSourceRepo) Purge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to purge data source: %w", err)
	}
	return nil
}

// compile-time interface check
var _ DataSourceRepository = (*PostgresDataSourceRepo)(nil)
