// Package auth はデータ連携先プロバイダーのOAuth 2.0認可コードフローと、
// ラウンドトリップ用stateの管理を提供する。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrInvalidGrant はリフレッシュトークンが失効・取り消し済みであることを表す。
	// 再認可以外に回復手段がない。
	ErrInvalidGrant = errors.New("oauth grant is invalid or revoked")
	// ErrNotConfigured はクライアントID/シークレットが未設定であることを表す。
	ErrNotConfigured = errors.New("oauth provider is not configured")
	// ErrUnknownProvider は未登録のプロバイダーを表す。
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrUnknownLayer はプロバイダーに存在しないレイヤーを表す。
	ErrUnknownLayer = errors.New("unknown layer for provider")
)

// invalidGrantCodes は再認可が必要と判断するエラーコード。
var invalidGrantCodes = map[string]bool{
	"invalid_grant":         true,
	"invalid_token":         true,
	"invalid_refresh_token": true,
	"token_revoked":         true,
	"token_expired":         true,
}

// OAuthError はトークンエンドポイントが返したエラー。
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("oauth error %s (status %d)", e.Code, e.StatusCode)
}

// TokenResponse はトークンエンドポイントの応答を正規化したもの。
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn はアクセストークンの有効秒数。0は期限なし。
	ExpiresIn int64
	Scope     string
	// ProviderUserID / ProviderTeamID はトークン応答に識別子が含まれる場合に設定される。
	ProviderUserID string
	ProviderTeamID string
}

// ProviderIdentity は連携先アカウントの識別情報。
type ProviderIdentity struct {
	ProviderUserID string
	ProviderTeamID string
	Email          string
}

// TokenParser はトークンエンドポイントの応答ボディを解釈する。
type TokenParser func(statusCode int, body []byte) (*TokenResponse, error)

// IdentityFetcher はアクセストークンから連携先アカウントを特定する。
type IdentityFetcher func(ctx context.Context, c *OAuthClient, tok *TokenResponse) (*ProviderIdentity, error)

// ProviderConfig はプロバイダーごとのOAuth設定。
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL   string
	TokenURL  string
	RevokeURL string
	// RevokeWithBearer がtrueの場合、トークンをAuthorizationヘッダーで渡して取り消す。
	RevokeWithBearer bool

	// IdentityURL / ResourcesURL はIdentityFetcherが参照するエンドポイント。
	IdentityURL  string
	ResourcesURL string

	// ScopeParam は認可URLでスコープを渡すパラメータ名。空の場合は"scope"。
	ScopeParam     string
	ScopeSeparator string
	// LayerScopes はレイヤーごとに要求するスコープ。
	LayerScopes map[string][]string
	// BaseScopes は全レイヤー共通で要求するスコープ。
	BaseScopes      []string
	ExtraAuthParams map[string]string

	TokenParser     TokenParser
	IdentityFetcher IdentityFetcher
}

// OAuthClient は1プロバイダー分の認可コードフローを実行する。
type OAuthClient struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewOAuthClient はOAuthClientを生成する。httpClientがnilの場合はhttp.DefaultClientを使う。
func NewOAuthClient(config ProviderConfig, httpClient *http.Client) *OAuthClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.ScopeParam == "" {
		config.ScopeParam = "scope"
	}
	if config.ScopeSeparator == "" {
		config.ScopeSeparator = " "
	}
	if config.TokenParser == nil {
		config.TokenParser = parseStandardToken
	}
	return &OAuthClient{config: config, httpClient: httpClient}
}

// Name はプロバイダー名を返す。
func (c *OAuthClient) Name() string { return c.config.Name }

// Config は設定のコピーを返す。
func (c *OAuthClient) Config() ProviderConfig { return c.config }

// Configured はクライアントIDとシークレットが揃っているかを返す。
func (c *OAuthClient) Configured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != ""
}

// HasLayer はレイヤーがこのプロバイダーに属するかを返す。
func (c *OAuthClient) HasLayer(layer string) bool {
	_, ok := c.config.LayerScopes[layer]
	return ok
}

// Layers はレイヤー名を返す。
func (c *OAuthClient) Layers() []string {
	layers := make([]string, 0, len(c.config.LayerScopes))
	for l := range c.config.LayerScopes {
		layers = append(layers, l)
	}
	return layers
}

// Scopes はレイヤーに必要なスコープを返す。layerが空の場合は全レイヤーの和集合。
func (c *OAuthClient) Scopes(layer string) []string {
	seen := map[string]bool{}
	var scopes []string
	add := func(list []string) {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}
	add(c.config.BaseScopes)
	if layer != "" {
		add(c.config.LayerScopes[layer])
		return scopes
	}
	for _, l := range sortedKeys(c.config.LayerScopes) {
		add(c.config.LayerScopes[l])
	}
	return scopes
}

// ScopeSeparator はスコープの区切り文字を返す。
func (c *OAuthClient) ScopeSeparator() string { return c.config.ScopeSeparator }

// AuthorizationURL はプロバイダーの認可URLを生成する。
func (c *OAuthClient) AuthorizationURL(state, layer string) string {
	params := url.Values{
		"client_id":     {c.config.ClientID},
		"redirect_uri":  {c.config.RedirectURL},
		"response_type": {"code"},
		"state":         {state},
	}
	params.Set(c.config.ScopeParam, strings.Join(c.Scopes(layer), c.config.ScopeSeparator))
	for k, v := range c.config.ExtraAuthParams {
		params.Set(k, v)
	}

	sep := "?"
	if strings.Contains(c.config.AuthURL, "?") {
		sep = "&"
	}
	return c.config.AuthURL + sep + params.Encode()
}

// Exchange は認可コードをトークンに交換する。
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.config.RedirectURL},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	}
	tok, err := c.postToken(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return tok, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// 失効・取り消し済みの場合はErrInvalidGrantをラップして返す。
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	}
	tok, err := c.postToken(ctx, data)
	if err != nil {
		var oerr *OAuthError
		if errors.As(err, &oerr) && invalidGrantCodes[oerr.Code] {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, oerr)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// Revoke はトークンを取り消す。取り消しエンドポイントがない場合は何もしない。
func (c *OAuthClient) Revoke(ctx context.Context, token string) error {
	if c.config.RevokeURL == "" || token == "" {
		return nil
	}

	var req *http.Request
	var err error
	if c.config.RevokeWithBearer {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	} else {
		form := url.Values{"token": {token}}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// Identity は連携先アカウントの識別情報を取得する。
// IdentityFetcherが未設定の場合はトークン応答の識別子を使う。
func (c *OAuthClient) Identity(ctx context.Context, tok *TokenResponse) (*ProviderIdentity, error) {
	if c.config.IdentityFetcher == nil {
		return &ProviderIdentity{ProviderUserID: tok.ProviderUserID, ProviderTeamID: tok.ProviderTeamID}, nil
	}
	id, err := c.config.IdentityFetcher(ctx, c, tok)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity: %w", err)
	}
	return id, nil
}

// postToken はトークンエンドポイントにフォームをPOSTする。
func (c *OAuthClient) postToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	tok, err := c.config.TokenParser(resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return tok, nil
}

// getJSON はBearerトークン付きでGETしてJSONをデコードする。
func (c *OAuthClient) getJSON(ctx context.Context, rawURL, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s failed with status %d", rawURL, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// standardTokenBody はRFC 6749形式のトークン応答。
type standardTokenBody struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	ExpiresIn        json.RawMessage `json:"expires_in"`
	Scope            string          `json:"scope"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// parseStandardToken はRFC 6749形式の応答を解釈する。
func parseStandardToken(statusCode int, body []byte) (*TokenResponse, error) {
	var b standardTokenBody
	if err := json.Unmarshal(body, &b); err != nil {
		if statusCode != http.StatusOK {
			return nil, &OAuthError{StatusCode: statusCode, Code: "http_error", Description: truncate(string(body), 200)}
		}
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if statusCode != http.StatusOK || b.Error != "" {
		code := b.Error
		if code == "" {
			code = "http_error"
		}
		return nil, &OAuthError{StatusCode: statusCode, Code: code, Description: b.ErrorDescription}
	}
	return &TokenResponse{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresIn:    parseExpiresIn(b.ExpiresIn),
		Scope:        b.Scope,
	}, nil
}

// parseExpiresIn は数値と文字列の両方のexpires_inを受け付ける。
func parseExpiresIn(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var v int64
		fmt.Sscanf(s, "%d", &v)
		return v
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
