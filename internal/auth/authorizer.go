package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/repository"
)

// ErrInvalidState はstateが存在しない、期限切れ、または別プロバイダー向けであることを表す。
var ErrInvalidState = errors.New("invalid oauth state")

// Authorizer はOAuthラウンドトリップ用stateの発行と消費を行う。
type Authorizer struct {
	states    repository.OAuthStateRepository
	providers *Providers
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewAuthorizer はAuthorizerを生成する。
func NewAuthorizer(states repository.OAuthStateRepository, providers *Providers, ttl time.Duration, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		states:    states,
		providers: providers,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// AuthorizationURL はstateを発行し、プロバイダーの認可URLを返す。
// layerが空の場合はプロバイダーの全レイヤー分のスコープを要求する。
func (a *Authorizer) AuthorizationURL(ctx context.Context, userID, provider, layer string) (string, error) {
	client, err := a.providers.Get(provider)
	if err != nil {
		return "", err
	}
	if !client.Configured() {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	if layer != "" && !client.HasLayer(layer) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownLayer, provider, layer)
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	now := a.now()
	if err := a.states.Create(ctx, &model.OAuthState{
		State:     state,
		UserID:    userID,
		Provider:  provider,
		Layer:     layer,
		ExpiresAt: now.Add(a.ttl),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to save state: %w", err)
	}

	return client.AuthorizationURL(state, layer), nil
}

// ConsumeState はstateを消費し、紐付いたユーザーとレイヤーを返す。
// stateは一度しか使えない。
func (a *Authorizer) ConsumeState(ctx context.Context, provider, state string) (*model.OAuthState, error) {
	if state == "" {
		return nil, ErrInvalidState
	}

	st, err := a.states.Consume(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	if st == nil {
		return nil, ErrInvalidState
	}
	if st.Provider != provider {
		a.logger.Warn("state issued for another provider",
			slog.String("expected", st.Provider),
			slog.String("actual", provider),
		)
		return nil, ErrInvalidState
	}
	if !a.now().Before(st.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return st, nil
}

// PurgeExpiredStates は期限切れのstateを削除する。
func (a *Authorizer) PurgeExpiredStates(ctx context.Context) (int64, error) {
	n, err := a.states.DeleteExpired(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired states: %w", err)
	}
	return n, nil
}

// generateState は暗号学的に安全なランダムstateを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
