package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, sync, system
	Action   string // ユーザー向け対処方法
	// ReauthURL は再認可が必要な場合の認可URL。
	ReauthURL string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	ErrCodeUnknownProvider       = "UNKNOWN_PROVIDER"
	ErrCodeUnknownLayer          = "UNKNOWN_LAYER"
	ErrCodeInvalidState          = "INVALID_OAUTH_STATE"
	ErrCodeMissingCode           = "MISSING_AUTHORIZATION_CODE"
	ErrCodeSyncInProgress        = "SYNC_ALREADY_IN_PROGRESS"
	ErrCodeNotConnected          = "DATA_SOURCE_NOT_CONNECTED"
	ErrCodeReauthRequired        = "REAUTH_REQUIRED"
	ErrCodeDataSourceNotFound    = "DATA_SOURCE_NOT_FOUND"
	ErrCodeTokenNotFound         = "TOKEN_NOT_FOUND"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeCSRFInvalid           = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited           = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewProviderNotConfiguredError はプロバイダー未設定エラーを生成する。
func NewProviderNotConfiguredError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderNotConfigured,
		Message:  fmt.Sprintf("プロバイダーが設定されていません: %s", provider),
		Category: "provider",
		Action:   "管理者にクライアントID/シークレットの設定を依頼してください。",
	}
}

// NewUnknownProviderError は未知のプロバイダーエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "対応しているプロバイダーを指定してください。",
	}
}

// NewUnknownLayerError は未知のレイヤーエラーを生成する。
func NewUnknownLayerError(provider, layer string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownLayer,
		Message:  fmt.Sprintf("プロバイダー %s に未対応のレイヤーです: %s", provider, layer),
		Category: "validation",
		Action:   "レイヤー名を確認してください。",
	}
}

// NewInvalidStateError は不正なOAuth stateエラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "OAuthのstateパラメータが不正、使用済み、または期限切れです。",
		Category: "auth",
		Action:   "連携を最初からやり直してください。",
	}
}

// NewMissingCodeError は認可コード欠落エラーを生成する。
func NewMissingCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingCode,
		Message:  "認可コードが指定されていません。",
		Category: "auth",
		Action:   "連携を最初からやり直してください。",
	}
}

// NewSyncInProgressError は同期実行中エラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  "このデータソースは既に同期中です。",
		Category: "sync",
		Action:   "同期の完了を待ってから再度お試しください。",
	}
}

// NewNotConnectedError は切断済みデータソースへの同期要求エラーを生成する。
func NewNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  "このデータソースは連携が解除されています。",
		Category: "sync",
		Action:   "プロバイダーを再度連携してから同期してください。",
	}
}

// NewReauthRequiredError は再認可要求エラーを生成する。
func NewReauthRequiredError(reauthURL string) *APIError {
	return &APIError{
		Code:      ErrCodeReauthRequired,
		Message:   "プロバイダーの認可が失効しています。",
		Category:  "auth",
		Action:    "再認可URLから連携を再度許可してください。",
		ReauthURL: reauthURL,
	}
}

// NewDataSourceNotFoundError はデータソース未検出エラーを生成する。
func NewDataSourceNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeDataSourceNotFound,
		Message:  fmt.Sprintf("指定されたデータソースが見つかりません: %s", id),
		Category: "sync",
		Action:   "データソース一覧を再読み込みしてください。",
	}
}

// NewTokenNotFoundError は連携トークン未検出エラーを生成する。
func NewTokenNotFoundError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeTokenNotFound,
		Message:  fmt.Sprintf("%s との連携が見つかりません。", provider),
		Category: "auth",
		Action:   "先にプロバイダーとの連携を行ってください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
