package model

import "time"

// OAuthToken はプロバイダーのOAuthトークン行を表す。
// (UserID, Provider, ProviderUserID, ProviderTeamID) の組は一意。
// AccessToken / RefreshToken は暗号化済みの値を保持する。
type OAuthToken struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	ProviderTeamID string
	AccessToken    string
	RefreshToken   string
	// ExpiresAt はアクセストークンの有効期限（epoch秒）。nilの場合は期限なし。
	ExpiresAt *int64
	// Scopes はプロバイダー固有の区切り文字で連結されたスコープ。
	Scopes string
	// Layers はカンマ区切りのレイヤー集合。
	Layers    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRefreshToken はリフレッシュトークンを保持しているかを返す。
func (t *OAuthToken) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// OAuthState はOAuthラウンドトリップ用の一度限りの相関トークン。
type OAuthState struct {
	State     string
	UserID    string
	Provider  string
	Layer     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
