package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hitoshi/datasync/internal/config"
)

// Google
const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Microsoft
const (
	microsoftAuthURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	microsoftMeURL    = "https://graph.microsoft.com/v1.0/me"
)

// Slack
const (
	slackAuthURL   = "https://slack.com/oauth/v2/authorize"
	slackTokenURL  = "https://slack.com/api/oauth.v2.access"
	slackRevokeURL = "https://slack.com/api/auth.revoke"
)

// Atlassian
const (
	atlassianAuthURL      = "https://auth.atlassian.com/authorize"
	atlassianTokenURL     = "https://auth.atlassian.com/oauth/token"
	atlassianMeURL        = "https://api.atlassian.com/me"
	atlassianResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
)

// GoogleConfig はGoogle（Drive / Gmail）のOAuth設定を返す。
func GoogleConfig(creds config.ProviderCredentials, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:         config.ProviderGoogle,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		RevokeURL:    googleRevokeURL,
		IdentityURL:  googleUserInfoURL,
		BaseScopes:   []string{"openid", "email"},
		LayerScopes: map[string][]string{
			config.LayerGoogleDrive: {"https://www.googleapis.com/auth/drive.readonly"},
			config.LayerGmail:       {"https://www.googleapis.com/auth/gmail.readonly"},
		},
		ExtraAuthParams: map[string]string{
			"access_type":            "offline",
			"prompt":                 "consent",
			"include_granted_scopes": "true",
		},
		IdentityFetcher: fetchGoogleIdentity,
	}
}

// MicrosoftConfig はMicrosoft（OneDrive）のOAuth設定を返す。
func MicrosoftConfig(creds config.ProviderCredentials, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:         config.ProviderMicrosoft,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      microsoftAuthURL,
		TokenURL:     microsoftTokenURL,
		IdentityURL:  microsoftMeURL,
		BaseScopes:   []string{"offline_access", "User.Read"},
		LayerScopes: map[string][]string{
			config.LayerOneDrive: {"Files.Read.All"},
		},
		ExtraAuthParams: map[string]string{
			"response_mode": "query",
		},
		IdentityFetcher: fetchMicrosoftIdentity,
	}
}

// SlackConfig はSlack（チャンネル / DM）のOAuth設定を返す。
// ユーザートークンを取得するためスコープはuser_scopeで要求する。
func SlackConfig(creds config.ProviderCredentials, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:             config.ProviderSlack,
		ClientID:         creds.ClientID,
		ClientSecret:     creds.ClientSecret,
		RedirectURL:      redirectURL,
		AuthURL:          slackAuthURL,
		TokenURL:         slackTokenURL,
		RevokeURL:        slackRevokeURL,
		RevokeWithBearer: true,
		ScopeParam:       "user_scope",
		ScopeSeparator:   ",",
		BaseScopes:       []string{"users:read", "files:read"},
		LayerScopes: map[string][]string{
			config.LayerSlackChannels: {"channels:read", "channels:history", "groups:read", "groups:history"},
			config.LayerSlackDMs:      {"im:read", "im:history", "mpim:read", "mpim:history"},
		},
		TokenParser: parseSlackToken,
	}
}

// AtlassianConfig はAtlassian（Jira / Confluence）のOAuth設定を返す。
func AtlassianConfig(creds config.ProviderCredentials, redirectURL string) ProviderConfig {
	return ProviderConfig{
		Name:         config.ProviderAtlassian,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      atlassianAuthURL,
		TokenURL:     atlassianTokenURL,
		IdentityURL:  atlassianMeURL,
		ResourcesURL: atlassianResourcesURL,
		BaseScopes:   []string{"offline_access", "read:me"},
		LayerScopes: map[string][]string{
			config.LayerJira:       {"read:jira-work", "read:jira-user"},
			config.LayerConfluence: {"read:confluence-content.all", "read:confluence-space.summary", "read:page:confluence", "read:space:confluence", "read:attachment:confluence"},
		},
		ExtraAuthParams: map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		},
		IdentityFetcher: fetchAtlassianIdentity,
	}
}

// HandbookConfig は社内ハンドブックポータルのOAuth設定を返す。
// エンドポイントはポータルのオリジンから組み立てる。
func HandbookConfig(creds config.ProviderCredentials, redirectURL, baseURL string) ProviderConfig {
	baseURL = strings.TrimRight(baseURL, "/")
	return ProviderConfig{
		Name:         config.ProviderHandbook,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      baseURL + "/oauth/authorize",
		TokenURL:     baseURL + "/oauth/token",
		RevokeURL:    baseURL + "/oauth/revoke",
		IdentityURL:  baseURL + "/api/me",
		LayerScopes: map[string][]string{
			config.LayerHandbook: {"handbook.read"},
		},
		IdentityFetcher: fetchHandbookIdentity,
	}
}

// Providers は登録済みOAuthクライアントの集合。
type Providers struct {
	clients map[string]*OAuthClient
}

// NewProviders はOAuthClientの集合を生成する。
func NewProviders(clients ...*OAuthClient) *Providers {
	p := &Providers{clients: make(map[string]*OAuthClient, len(clients))}
	for _, c := range clients {
		p.clients[c.Name()] = c
	}
	return p
}

// NewProvidersFromConfig は設定から組み込みプロバイダーを生成する。
// ハンドブックはHANDBOOK_BASE_URLが設定されている場合のみ登録する。
func NewProvidersFromConfig(cfg *config.Config, httpClient *http.Client) *Providers {
	configs := []ProviderConfig{
		GoogleConfig(cfg.Provider(config.ProviderGoogle), cfg.RedirectURL(config.ProviderGoogle)),
		MicrosoftConfig(cfg.Provider(config.ProviderMicrosoft), cfg.RedirectURL(config.ProviderMicrosoft)),
		SlackConfig(cfg.Provider(config.ProviderSlack), cfg.RedirectURL(config.ProviderSlack)),
		AtlassianConfig(cfg.Provider(config.ProviderAtlassian), cfg.RedirectURL(config.ProviderAtlassian)),
	}
	if cfg.HandbookBaseURL != "" {
		configs = append(configs, HandbookConfig(cfg.Provider(config.ProviderHandbook), cfg.RedirectURL(config.ProviderHandbook), cfg.HandbookBaseURL))
	}

	clients := make([]*OAuthClient, 0, len(configs))
	for _, c := range configs {
		clients = append(clients, NewOAuthClient(c, httpClient))
	}
	return NewProviders(clients...)
}

// Get は指定プロバイダーのクライアントを返す。
func (p *Providers) Get(name string) (*OAuthClient, error) {
	c, ok := p.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return c, nil
}

// Configured は指定プロバイダーが利用可能かを返す。
func (p *Providers) Configured(name string) bool {
	c, ok := p.clients[name]
	return ok && c.Configured()
}

// Names は登録済みプロバイダー名を名前順で返す。
func (p *Providers) Names() []string {
	return sortedKeys(p.clients)
}

// ScopeSeparator は指定プロバイダーのスコープ区切り文字を返す。
func (p *Providers) ScopeSeparator(name string) string {
	if c, ok := p.clients[name]; ok {
		return c.ScopeSeparator()
	}
	return " "
}

// Refresh は指定プロバイダーでリフレッシュトークンを交換する。
func (p *Providers) Refresh(ctx context.Context, provider, refreshToken string) (*TokenResponse, error) {
	c, err := p.Get(provider)
	if err != nil {
		return nil, err
	}
	if !c.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return c.Refresh(ctx, refreshToken)
}

// Exchange は指定プロバイダーで認可コードをトークンに交換する。
func (p *Providers) Exchange(ctx context.Context, provider, code string) (*TokenResponse, error) {
	c, err := p.Get(provider)
	if err != nil {
		return nil, err
	}
	if !c.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return c.Exchange(ctx, code)
}

// Identity は指定プロバイダーの連携先アカウントを解決する。
func (p *Providers) Identity(ctx context.Context, provider string, tok *TokenResponse) (*ProviderIdentity, error) {
	c, err := p.Get(provider)
	if err != nil {
		return nil, err
	}
	return c.Identity(ctx, tok)
}

// Revoke は指定プロバイダーでトークンを取り消す。
func (p *Providers) Revoke(ctx context.Context, provider, token string) error {
	c, err := p.Get(provider)
	if err != nil {
		return err
	}
	return c.Revoke(ctx, token)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fetchGoogleIdentity はuserinfoエンドポイントからsubとemailを取得する。
func fetchGoogleIdentity(ctx context.Context, c *OAuthClient, tok *TokenResponse) (*ProviderIdentity, error) {
	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := c.getJSON(ctx, c.config.IdentityURL, tok.AccessToken, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo response has no sub")
	}
	return &ProviderIdentity{ProviderUserID: info.Sub, Email: info.Email}, nil
}

// fetchMicrosoftIdentity はGraphの/meからユーザーIDを取得する。
func fetchMicrosoftIdentity(ctx context.Context, c *OAuthClient, tok *TokenResponse) (*ProviderIdentity, error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.getJSON(ctx, c.config.IdentityURL, tok.AccessToken, &me); err != nil {
		return nil, err
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &ProviderIdentity{ProviderUserID: me.ID, Email: email}, nil
}

// fetchAtlassianIdentity はaccount_idと、最初にアクセス可能なサイトのcloud idを取得する。
func fetchAtlassianIdentity(ctx context.Context, c *OAuthClient, tok *TokenResponse) (*ProviderIdentity, error) {
	var me struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
	}
	if err := c.getJSON(ctx, c.config.IdentityURL, tok.AccessToken, &me); err != nil {
		return nil, err
	}

	var resources []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, c.config.ResourcesURL, tok.AccessToken, &resources); err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("no accessible atlassian site")
	}
	return &ProviderIdentity{ProviderUserID: me.AccountID, ProviderTeamID: resources[0].ID, Email: me.Email}, nil
}

// fetchHandbookIdentity はポータルの/api/meからユーザーIDを取得する。
func fetchHandbookIdentity(ctx context.Context, c *OAuthClient, tok *TokenResponse) (*ProviderIdentity, error) {
	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := c.getJSON(ctx, c.config.IdentityURL, tok.AccessToken, &me); err != nil {
		return nil, err
	}
	return &ProviderIdentity{ProviderUserID: me.ID, Email: me.Email}, nil
}

// slackTokenBody はoauth.v2.accessの応答。
// ユーザートークンはauthed_userに入り、ローテーション時の更新応答ではトップレベルに入る。
type slackTokenBody struct {
	OK           bool            `json:"ok"`
	Error        string          `json:"error"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	Scope        string          `json:"scope"`
	Team         struct {
		ID string `json:"id"`
	} `json:"team"`
	AuthedUser struct {
		ID           string          `json:"id"`
		AccessToken  string          `json:"access_token"`
		RefreshToken string          `json:"refresh_token"`
		ExpiresIn    json.RawMessage `json:"expires_in"`
		Scope        string          `json:"scope"`
	} `json:"authed_user"`
}

// parseSlackToken はSlackのトークン応答を解釈する。
// SlackはエラーでもHTTP 200を返すためokフィールドで判定する。
func parseSlackToken(statusCode int, body []byte) (*TokenResponse, error) {
	var b slackTokenBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, &OAuthError{StatusCode: statusCode, Code: "http_error", Description: truncate(string(body), 200)}
	}
	if !b.OK {
		code := b.Error
		if code == "" {
			code = "unknown_error"
		}
		return nil, &OAuthError{StatusCode: statusCode, Code: code}
	}

	tok := &TokenResponse{ProviderUserID: b.AuthedUser.ID, ProviderTeamID: b.Team.ID}
	if b.AuthedUser.AccessToken != "" {
		tok.AccessToken = b.AuthedUser.AccessToken
		tok.RefreshToken = b.AuthedUser.RefreshToken
		tok.ExpiresIn = parseExpiresIn(b.AuthedUser.ExpiresIn)
		tok.Scope = b.AuthedUser.Scope
	} else {
		tok.AccessToken = b.AccessToken
		tok.RefreshToken = b.RefreshToken
		tok.ExpiresIn = parseExpiresIn(b.ExpiresIn)
		tok.Scope = b.Scope
	}
	return tok, nil
}
