// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/datasync/internal/model"
)

// UserRepository はプロダクト側IDストアの読み取りインターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はプロダクト側セッションの読み取りインターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// DataSourceRepository はデータソース行の永続化インターフェース。
type DataSourceRepository interface {
	// FindByID は指定IDのデータソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DataSource, error)

	// FindByUserProviderLayer は (user, provider, layer) の行を取得する。見つからない場合はnilを返す。
	FindByUserProviderLayer(ctx context.Context, userID, provider, layer string) (*model.DataSource, error)

	// FindByUserAndAction はユーザーとプロバイダーに一致する行のうち最も新しく更新されたものを返す。
	// 表示名を知らなくても更新対象を特定できる。見つからない場合はnilを返す。
	FindByUserAndAction(ctx context.Context, userID, provider string) (*model.DataSource, error)

	// ListByUserID はユーザーのデータソース一覧を作成日時順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.DataSource, error)

	// Create はデータソースを作成する。
	// (user, provider, layer) が既に存在する場合は何もせずfalseを返す。
	Create(ctx context.Context, ds *model.DataSource) (bool, error)

	// TryStartSync は同期開始を条件付き更新で確定する。
	// syncing / deleting / deleted の行は更新されずfalseを返す。
	TryStartSync(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdateSyncStatus は状態・最終同期時刻・進捗・結果を1行で更新する。
	// 切断処理中または切断済みの行は更新しない。
	UpdateSyncStatus(ctx context.Context, update model.SyncStatusUpdate) error

	// UpdateProgress は同期中の進捗カウンタを更新する。
	UpdateProgress(ctx context.Context, id string, progress model.SyncProgress) error

	// SetStatus は状態のみを無条件に更新する。切断フローで使用する。
	SetStatus(ctx context.Context, id string, status model.SyncStatus) error

	// ListDueForSync は last_sync が before より古く、対応するレイヤーのトークンを持つ行を返す。
	ListDueForSync(ctx context.Context, before int64, limit int) ([]*model.DataSource, error)

	// Purge は行を物理削除する。
	Purge(ctx context.Context, id string) error
}

// OAuthTokenRepository はOAuthトークン行の永続化インターフェース。
// トークン値は暗号化済みの文字列として扱う。
type OAuthTokenRepository interface {
	// FindByID は指定IDのトークンを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.OAuthToken, error)

	// FindByKey は4要素のキーでトークンを取得する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, userID, provider, providerUserID, providerTeamID string) (*model.OAuthToken, error)

	// FindLatest はユーザーとプロバイダーに一致する最新更新のトークンを返す。見つからない場合はnilを返す。
	FindLatest(ctx context.Context, userID, provider string) (*model.OAuthToken, error)

	// ListByUserAndProvider はユーザーとプロバイダーに一致するトークンを返す。
	ListByUserAndProvider(ctx context.Context, userID, provider string) ([]*model.OAuthToken, error)

	// Create はトークンを作成する。
	Create(ctx context.Context, token *model.OAuthToken) error

	// Update はトークン値・期限・スコープ・レイヤーを更新する。
	Update(ctx context.Context, token *model.OAuthToken) error

	// Delete は指定IDのトークンをまとめて削除する。
	Delete(ctx context.Context, ids []string) error
}

// OAuthStateRepository はOAuth stateの永続化インターフェース。
type OAuthStateRepository interface {
	// Create はstateを保存する。
	Create(ctx context.Context, state *model.OAuthState) error

	// Consume はstateを読み取りと同時に削除する。見つからない場合はnilを返す。
	Consume(ctx context.Context, state string) (*model.OAuthState, error)

	// DeleteExpired は期限切れのstateを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
