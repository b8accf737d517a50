package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/datasync/internal/model"
)

// PostgresOAuthTokenRepo はPostgreSQLを使用したOAuthトークンリポジトリ。
type PostgresOAuthTokenRepo struct {
	db *sql.DB
}

// NewPostgresOAuthTokenRepo はPostgresOAuthTokenRepoを生成する。
func NewPostgresOAuthTokenRepo(db *sql.DB) *PostgresOAuthTokenRepo {
	return &PostgresOAuthTokenRepo{db: db}
}

const oauthTokenColumns = `id, user_id, provider, provider_user_id, provider_team_id,
	access_token, refresh_token, expires_at, scopes, layers, created_at, updated_at`

func scanOAuthToken(row rowScanner) (*model.OAuthToken, error) {
	tok := &model.OAuthToken{}
	var expiresAt sql.NullInt64
	err := row.Scan(
		&tok.ID, &tok.UserID, &tok.Provider, &tok.ProviderUserID, &tok.ProviderTeamID,
		&tok.AccessToken, &tok.RefreshToken, &expiresAt, &tok.Scopes, &tok.Layers,
		&tok.CreatedAt, &tok.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		tok.ExpiresAt = &v
	}
	return tok, nil
}

func nullableExpiry(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (r *PostgresOAuthTokenRepo) queryOne(ctx context.Context, query string, args ...any) (*model.OAuthToken, error) {
	tok, err := scanOAuthToken(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// FindByID は指定IDのトークンを取得する。
func (r *PostgresOAuthTokenRepo) FindByID(ctx context.Context, id string) (*model.OAuthToken, error) {
	tok, err := r.queryOne(ctx, `SELECT `+oauthTokenColumns+` FROM oauth_tokens WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth token: %w", err)
	}
	return tok, nil
}

// FindByKey は4要素のキーでトークンを取得する。
func (r *PostgresOAuthTokenRepo) FindByKey(ctx context.Context, userID, provider, providerUserID, providerTeamID string) (*model.OAuthToken, error) {
	tok, err := r.queryOne(ctx,
		`SELECT `+oauthTokenColumns+` FROM oauth_tokens
		 WHERE user_id = $1 AND provider = $2 AND provider_user_id = $3 AND provider_team_id = $4`,
		userID, provider, providerUserID, providerTeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth token by key: %w", err)
	}
	return tok, nil
}

// FindLatest は最も新しく更新されたトークンを返す。
func (r *PostgresOAuthTokenRepo) FindLatest(ctx context.Context, userID, provider string) (*model.OAuthToken, error) {
	tok, err := r.queryOne(ctx,
		`SELECT `+oauthTokenColumns+` FROM oauth_tokens
		 WHERE user_id = $1 AND provider = $2
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest oauth token: %w", err)
	}
	return tok, nil
}

// ListByUserAndProvider はユーザーとプロバイダーに一致するトークンを返す。
func (r *PostgresOAuthTokenRepo) ListByUserAndProvider(ctx context.Context, userID, provider string) ([]*model.OAuthToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+oauthTokenColumns+` FROM oauth_tokens
		 WHERE user_id = $1 AND provider = $2
		 ORDER BY updated_at DESC`,
		userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*model.OAuthToken
	for rows.Next() {
		tok, err := scanOAuthToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oauth token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// Create はトークンを作成する。
func (r *PostgresOAuthTokenRepo) Create(ctx context.Context, tok *model.OAuthToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (`+oauthTokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tok.ID, tok.UserID, tok.Provider, tok.ProviderUserID, tok.ProviderTeamID,
		tok.AccessToken, tok.RefreshToken, nullableExpiry(tok.ExpiresAt), tok.Scopes, tok.Layers,
		tok.CreatedAt, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth token: %w", err)
	}
	return nil
}

// Update はトークン値・期限・スコープ・レイヤーを更新する。
func (r *PostgresOAuthTokenRepo) Update(ctx context.Context, tok *model.OAuthToken) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE oauth_tokens
		 SET access_token = $2, refresh_token = $3, expires_at = $4,
		     scopes = $5, layers = $6, updated_at = $7
		 WHERE id = $1`,
		tok.ID, tok.AccessToken, tok.RefreshToken, nullableExpiry(tok.ExpiresAt),
		tok.Scopes, tok.Layers, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update oauth token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("oauth token not found: %s", tok.ID)
	}
	return nil
}

// Delete は指定IDのトークンをまとめて削除する。
func (r *PostgresOAuthTokenRepo) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to delete oauth tokens: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthTokenRepository = (*PostgresOAuthTokenRepo)(nil)
