// Package credential はプロバイダーのOAuthトークンを暗号化して保存し、
// 有効期限に応じた更新と取り消しを行う。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/datasync/internal/auth"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/repository"
	"github.com/hitoshi/datasync/internal/security"
)

// RefreshHorizon はこの時間以内に期限切れとなるトークンを更新対象とする。
const RefreshHorizon = 5 * time.Minute

// ErrTokenNotFound はトークンが存在しないことを表す。
var ErrTokenNotFound = errors.New("oauth token not found")

// Refresher はプロバイダーとのトークン交換を行う。
type Refresher interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*auth.TokenResponse, error)
	Revoke(ctx context.Context, provider, token string) error
	ScopeSeparator(provider string) string
}

// UpsertParams はトークン保存時の入力。トークン値は平文で渡す。
type UpsertParams struct {
	UserID         string
	Provider       string
	ProviderUserID string
	ProviderTeamID string
	AccessToken    string
	RefreshToken   string
	// ExpiresAt はアクセストークンの有効期限（epoch秒）。nilは期限なし。
	ExpiresAt *int64
	Scopes    string
	Layers    []string
}

// Store はOAuthトークンの暗号化保存と更新を行う。
type Store struct {
	repo      repository.OAuthTokenRepository
	cipher    security.Cipher
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*tokenLock
}

type tokenLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore はStoreを生成する。
func NewStore(repo repository.OAuthTokenRepository, cipher security.Cipher, refresher Refresher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:      repo,
		cipher:    cipher,
		refresher: refresher,
		now:       time.Now,
		logger:    logger,
		locks:     map[string]*tokenLock{},
	}
}

// ExpiresAtFromNow はexpires_in（秒）から有効期限を計算する。0以下はnil。
func ExpiresAtFromNow(now time.Time, expiresIn int64) *int64 {
	if expiresIn <= 0 {
		return nil
	}
	v := now.Unix() + expiresIn
	return &v
}

// Upsert は4要素のキーでトークンを保存する。
// 既存行がある場合はスコープとレイヤーを和集合でマージし、トークン値を上書きする。
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (*model.OAuthToken, error) {
	existing, err := s.repo.FindByKey(ctx, p.UserID, p.Provider, p.ProviderUserID, p.ProviderTeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth token: %w", err)
	}

	if existing == nil {
		tok, err := s.create(ctx, p)
		if err == nil {
			return tok, nil
		}
		// 同時に作成された場合は既存行へのマージに切り替える
		var findErr error
		existing, findErr = s.repo.FindByKey(ctx, p.UserID, p.Provider, p.ProviderUserID, p.ProviderTeamID)
		if findErr != nil {
			return nil, fmt.Errorf("%w (re-read failed: %w)", err, findErr)
		}
		if existing == nil {
			return nil, err
		}
	}

	unlock := s.lock(existing.ID)
	defer unlock()
	return s.merge(ctx, existing, p)
}

func (s *Store) create(ctx context.Context, p UpsertParams) (*model.OAuthToken, error) {
	access, refresh, err := s.encryptPair(p.AccessToken, p.RefreshToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tok := &model.OAuthToken{
		ID:             uuid.New().String(),
		UserID:         p.UserID,
		Provider:       p.Provider,
		ProviderUserID: p.ProviderUserID,
		ProviderTeamID: p.ProviderTeamID,
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresAt:      p.ExpiresAt,
		Scopes:         MergeScopes("", p.Scopes, s.refresher.ScopeSeparator(p.Provider)),
		Layers:         MergeLayers("", p.Layers...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to create oauth token: %w", err)
	}

	s.logger.Info("oauth token created",
		slog.String("user_id", p.UserID),
		slog.String("provider", p.Provider),
		slog.String("layers", tok.Layers),
	)
	return tok, nil
}

func (s *Store) merge(ctx context.Context, existing *model.OAuthToken, p UpsertParams) (*model.OAuthToken, error) {
	refreshPlain := p.RefreshToken
	if refreshPlain == "" && existing.RefreshToken != "" {
		// 再同意でリフレッシュトークンが返らない場合は既存のものを引き継ぐ
		old, err := s.cipher.Decrypt(existing.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		refreshPlain = old
	}

	access, refresh, err := s.encryptPair(p.AccessToken, refreshPlain)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.AccessToken = access
	updated.RefreshToken = refresh
	updated.ExpiresAt = p.ExpiresAt
	updated.Scopes = MergeScopes(existing.Scopes, p.Scopes, s.refresher.ScopeSeparator(p.Provider))
	updated.Layers = MergeLayers(existing.Layers, p.Layers...)
	updated.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update oauth token: %w", err)
	}

	s.logger.Info("oauth token merged",
		slog.String("user_id", p.UserID),
		slog.String("provider", p.Provider),
		slog.String("layers", updated.Layers),
	)
	return &updated, nil
}

// Get はトークンを取得する。
// providerUserIDとproviderTeamIDが両方空の場合は最も新しく更新されたトークンを返す。
func (s *Store) Get(ctx context.Context, userID, provider, providerUserID, providerTeamID string) (*model.OAuthToken, error) {
	var tok *model.OAuthToken
	var err error
	if providerUserID == "" && providerTeamID == "" {
		tok, err = s.repo.FindLatest(ctx, userID, provider)
	} else {
		tok, err = s.repo.FindByKey(ctx, userID, provider, providerUserID, providerTeamID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth token: %w", err)
	}
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// FindForLayer はレイヤーを認可済みのトークンのうち最も新しく更新されたものを返す。
func (s *Store) FindForLayer(ctx context.Context, userID, provider, layer string) (*model.OAuthToken, error) {
	tokens, err := s.ListForLayer(ctx, userID, provider, layer)
	if err != nil {
		return nil, err
	}
	return tokens[0], nil
}

// ListForLayer はレイヤーを認可済みのトークンを更新日時の新しい順に返す。
// SlackやAtlassianではワークスペースごとに1件ずつ存在しうる。
func (s *Store) ListForLayer(ctx context.Context, userID, provider, layer string) ([]*model.OAuthToken, error) {
	tokens, err := s.repo.ListByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth tokens: %w", err)
	}
	var found []*model.OAuthToken
	for _, tok := range tokens {
		if HasLayer(tok.Layers, layer) {
			found = append(found, tok)
		}
	}
	if len(found) == 0 {
		return nil, ErrTokenNotFound
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].UpdatedAt.After(found[j].UpdatedAt) })
	return found, nil
}

// AccessToken は復号したアクセストークンを返す。
func (s *Store) AccessToken(tok *model.OAuthToken) (string, error) {
	access, err := s.cipher.Decrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return access, nil
}

// RefreshIfNeeded は有効期限がRefreshHorizon以内であればトークンを更新し、
// 利用可能なアクセストークンを返す。
// リフレッシュトークンがない、または失効している場合はneedsReauth=trueを返す。
// 更新結果の保存に失敗した場合はerrを返す。
func (s *Store) RefreshIfNeeded(ctx context.Context, tok *model.OAuthToken) (accessToken string, needsReauth bool, err error) {
	unlock := s.lock(tok.ID)
	defer unlock()

	// 待機中に別のジョブが更新している場合があるため最新の行を読み直す
	current, err := s.repo.FindByID(ctx, tok.ID)
	if err != nil {
		return "", false, fmt.Errorf("failed to reload oauth token: %w", err)
	}
	if current == nil {
		return "", true, nil
	}

	now := s.now()
	if !needsRefresh(current, now) {
		access, err := s.AccessToken(current)
		if err != nil {
			return "", false, err
		}
		*tok = *current
		return access, false, nil
	}

	if !current.HasRefreshToken() {
		s.logger.Warn("token expiring without refresh token",
			slog.String("user_id", current.UserID),
			slog.String("provider", current.Provider),
		)
		return "", true, nil
	}

	refreshPlain, err := s.cipher.Decrypt(current.RefreshToken)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	resp, err := s.refresher.Refresh(ctx, current.Provider, refreshPlain)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			s.logger.Warn("refresh token rejected, reauthorization required",
				slog.String("user_id", current.UserID),
				slog.String("provider", current.Provider),
			)
			return "", true, nil
		}
		return "", false, fmt.Errorf("failed to refresh token: %w", err)
	}

	if resp.RefreshToken != "" {
		refreshPlain = resp.RefreshToken
	}
	access, refresh, err := s.encryptPair(resp.AccessToken, refreshPlain)
	if err != nil {
		return "", false, err
	}

	updated := *current
	updated.AccessToken = access
	updated.RefreshToken = refresh
	updated.ExpiresAt = ExpiresAtFromNow(now, resp.ExpiresIn)
	updated.Scopes = MergeScopes(current.Scopes, resp.Scope, s.refresher.ScopeSeparator(current.Provider))
	updated.UpdatedAt = now

	if err := s.repo.Update(ctx, &updated); err != nil {
		return "", false, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	s.logger.Info("oauth token refreshed",
		slog.String("user_id", current.UserID),
		slog.String("provider", current.Provider),
	)
	*tok = updated
	return resp.AccessToken, false, nil
}

// RevokeAndDelete はユーザーとプロバイダーに一致するトークンを取り消して削除する。
// teamIDが指定された場合はそのチームのトークンのみを対象にする。
// 取り消しの失敗はログに残し、削除は続行する。
func (s *Store) RevokeAndDelete(ctx context.Context, userID, provider, teamID string) (int, error) {
	tokens, err := s.repo.ListByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to list oauth tokens: %w", err)
	}

	var ids []string
	for _, tok := range tokens {
		if teamID != "" && tok.ProviderTeamID != teamID {
			continue
		}
		s.revoke(ctx, tok)
		ids = append(ids, tok.ID)
	}

	if err := s.repo.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete oauth tokens: %w", err)
	}
	return len(ids), nil
}

// RemoveLayer はトークンからレイヤーを外し、残りのレイヤーを返す。
// 最後のレイヤーだった場合はトークンを取り消して削除する。
func (s *Store) RemoveLayer(ctx context.Context, tok *model.OAuthToken, layer string) ([]string, error) {
	unlock := s.lock(tok.ID)
	defer unlock()

	current, err := s.repo.FindByID(ctx, tok.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload oauth token: %w", err)
	}
	if current == nil {
		return nil, nil
	}

	remaining := WithoutLayer(current.Layers, layer)
	if len(remaining) == 0 {
		s.revoke(ctx, current)
		if err := s.repo.Delete(ctx, []string{current.ID}); err != nil {
			return nil, fmt.Errorf("failed to delete oauth token: %w", err)
		}
		return nil, nil
	}

	updated := *current
	updated.Layers = strings.Join(remaining, layerSeparator)
	updated.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update oauth token layers: %w", err)
	}
	return remaining, nil
}

// revoke はベストエフォートでプロバイダー側のトークンを取り消す。
// リフレッシュトークンを持つ場合はそちらを取り消す。
func (s *Store) revoke(ctx context.Context, tok *model.OAuthToken) {
	cipherText := tok.AccessToken
	if tok.HasRefreshToken() {
		cipherText = tok.RefreshToken
	}
	plain, err := s.cipher.Decrypt(cipherText)
	if err != nil {
		s.logger.Warn("failed to decrypt token for revoke",
			slog.String("provider", tok.Provider),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.refresher.Revoke(ctx, tok.Provider, plain); err != nil {
		s.logger.Warn("failed to revoke token at provider",
			slog.String("user_id", tok.UserID),
			slog.String("provider", tok.Provider),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) encryptPair(access, refresh string) (string, string, error) {
	encAccess, err := s.cipher.Encrypt(access)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.cipher.Encrypt(refresh)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, nil
}

// lock はトークンIDごとのロックを取得し、解放関数を返す。
func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &tokenLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func needsRefresh(tok *model.OAuthToken, now time.Time) bool {
	if tok.ExpiresAt == nil {
		return false
	}
	return *tok.ExpiresAt <= now.Add(RefreshHorizon).Unix()
}
