package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/datasync/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstateを保存する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, st *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, user_id, provider, layer, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		st.State, st.UserID, st.Provider, st.Layer, st.ExpiresAt, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// Consume はstateを削除し、削除した行を返す。
// 同じstateを同時に消費しても行を受け取れるのは1件のみ。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	st := &model.OAuthState{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = $1
		 RETURNING state, user_id, provider, layer, expires_at, created_at`,
		state,
	).Scan(&st.State, &st.UserID, &st.Provider, &st.Layer, &st.ExpiresAt, &st.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return st, nil
}

// DeleteExpired は期限切れのstateを削除する。
func (r *PostgresOAuthStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
