package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// プロバイダー名
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderSlack     = "slack"
	ProviderAtlassian = "atlassian"
	ProviderHandbook  = "handbook"
)

// レイヤー名
const (
	LayerGoogleDrive   = "google_drive"
	LayerGmail         = "gmail"
	LayerOneDrive      = "onedrive"
	LayerSlackChannels = "slack_channels"
	LayerSlackDMs      = "slack_dms"
	LayerJira          = "jira"
	LayerConfluence    = "confluence"
	LayerHandbook      = "handbook"
)

// ProviderCredentials はOAuthクライアントの認証情報を保持する。
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Configured はクライアントIDとシークレットが両方設定されているかを返す。
func (p ProviderCredentials) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Credential encryption
	TokenEncryptionKey string

	// Providers
	Providers       map[string]ProviderCredentials
	HandbookBaseURL string
	OAuthStateTTL   time.Duration

	// Session
	SessionMaxAge int

	// Storage
	StorageRoot string

	// Sync
	SyncConcurrency   int
	SyncInterval      time.Duration
	SyncSchedulerTick time.Duration
	StaleSyncWindow   time.Duration
	SyncFiltersFile   string

	// Provider API client
	APIMaxAttempts int
	APIBaseDelay   time.Duration
	APIMaxDelay    time.Duration
	APITimeout     time.Duration
	LowQuotaDelay  time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	if cfg.TokenEncryptionKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Providers: クライアントIDとシークレットが揃っているものだけが有効になる
	cfg.Providers = map[string]ProviderCredentials{}
	for _, name := range []string{ProviderGoogle, ProviderMicrosoft, ProviderSlack, ProviderAtlassian, ProviderHandbook} {
		prefix := strings.ToUpper(name)
		cfg.Providers[name] = ProviderCredentials{
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		}
	}
	cfg.HandbookBaseURL = strings.TrimRight(getEnvString("HANDBOOK_BASE_URL", ""), "/")
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.StorageRoot = getEnvString("STORAGE_ROOT", "./data/objects")
	cfg.SyncConcurrency = getEnvInt("SYNC_CONCURRENCY", 5)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", time.Hour)
	cfg.SyncSchedulerTick = getEnvDuration("SYNC_SCHEDULER_TICK", 5*time.Minute)
	cfg.StaleSyncWindow = getEnvDuration("STALE_SYNC_WINDOW", 2*time.Hour)
	cfg.SyncFiltersFile = getEnvString("SYNC_FILTERS_FILE", "")
	cfg.APIMaxAttempts = getEnvInt("API_MAX_ATTEMPTS", 5)
	cfg.APIBaseDelay = getEnvDuration("API_BASE_DELAY", time.Second)
	cfg.APIMaxDelay = getEnvDuration("API_MAX_DELAY", 60*time.Second)
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 30*time.Second)
	cfg.LowQuotaDelay = getEnvDuration("API_LOW_QUOTA_DELAY", 2*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}
	if cfg.APIMaxAttempts < 1 {
		cfg.APIMaxAttempts = 1
	}

	return cfg, nil
}

// RedirectURL はプロバイダーのOAuthコールバックURLを返す。
func (c *Config) RedirectURL(provider string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/providers/" + provider + "/callback"
}

// Provider は指定プロバイダーの認証情報を返す。
func (c *Config) Provider(name string) ProviderCredentials {
	return c.Providers[name]
}

// ConfiguredProviders はクライアントID/シークレットが揃ったプロバイダー名を昇順で返す。
func (c *Config) ConfiguredProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for name, creds := range c.Providers {
		if creds.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
