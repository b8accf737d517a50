// Package connection はプロバイダー連携の開始・コールバック・状態取得・同期要求・切断を扱う。
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/datasync/internal/auth"
	"github.com/hitoshi/datasync/internal/credential"
	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/syncjob"
)

// ErrMissingCode はコールバックに認可コードが含まれないことを表す。
var ErrMissingCode = errors.New("authorization code is missing")

// OAuthProviders はOAuthクライアントの集合。auth.Providersが実装する。
type OAuthProviders interface {
	Configured(name string) bool
	Exchange(ctx context.Context, provider, code string) (*auth.TokenResponse, error)
	Identity(ctx context.Context, provider string, tok *auth.TokenResponse) (*auth.ProviderIdentity, error)
}

// StateAuthorizer はOAuth stateの発行と消費を行う。auth.Authorizerが実装する。
type StateAuthorizer interface {
	AuthorizationURL(ctx context.Context, userID, provider, layer string) (string, error)
	ConsumeState(ctx context.Context, provider, state string) (*model.OAuthState, error)
}

// CredentialStore はトークンの保存と削除を行う。credential.Storeが実装する。
type CredentialStore interface {
	Upsert(ctx context.Context, p credential.UpsertParams) (*model.OAuthToken, error)
	FindForLayer(ctx context.Context, userID, provider, layer string) (*model.OAuthToken, error)
	ListForLayer(ctx context.Context, userID, provider, layer string) ([]*model.OAuthToken, error)
	RemoveLayer(ctx context.Context, tok *model.OAuthToken, layer string) ([]string, error)
	RevokeAndDelete(ctx context.Context, userID, provider, teamID string) (int, error)
}

// DataSources はデータソース行の操作。datasource.Serviceが実装する。
type DataSources interface {
	Ensure(ctx context.Context, userID, provider, layer string) (*model.DataSource, error)
	Get(ctx context.Context, userID, provider, layer string) (*model.DataSource, error)
	SetStatus(ctx context.Context, id string, status model.SyncStatus) error
}

// LayerResolver はプロバイダーのレイヤーを解決する。driver.Registryが実装する。
type LayerResolver interface {
	ResolveLayer(provider, layer string) (driver.Layer, error)
	LayersFor(provider string) []driver.Layer
}

// SyncStarter は同期ジョブを開始する。syncjob.Orchestratorが実装する。
type SyncStarter interface {
	Start(ctx context.Context, userID, provider, layer string) (*syncjob.StartResult, error)
}

// ObjectRemover はオブジェクトストアからプレフィックス配下を削除する。
type ObjectRemover interface {
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Service は連携フローを組み立てる。
type Service struct {
	providers  OAuthProviders
	authorizer StateAuthorizer
	tokens     CredentialStore
	sources    DataSources
	layers     LayerResolver
	syncer     SyncStarter
	objects    ObjectRemover
	logger     *slog.Logger
	now        func() time.Time
}

// Deps はServiceの依存。
type Deps struct {
	Providers  OAuthProviders
	Authorizer StateAuthorizer
	Tokens     CredentialStore
	Sources    DataSources
	Layers     LayerResolver
	Syncer     SyncStarter
	Objects    ObjectRemover
	Logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		providers:  d.Providers,
		authorizer: d.Authorizer,
		tokens:     d.Tokens,
		sources:    d.Sources,
		layers:     d.Layers,
		syncer:     d.Syncer,
		objects:    d.Objects,
		logger:     logger,
		now:        time.Now,
	}
}

// InitializeResult は連携開始の結果。
type InitializeResult struct {
	AuthorizationURL string
}

// CallbackResult はコールバック処理の結果。
type CallbackResult struct {
	UserID   string
	Provider string
	Layers   []string
	// Started は同期ジョブを開始したレイヤー。
	Started []string
}

// StatusResult は連携状態。
type StatusResult struct {
	Provider     string
	Layer        string
	Configured   bool
	TokenPresent bool
	// Layers はトークンが認可済みのレイヤー。
	Layers     []string
	SyncStatus model.SyncStatus
	LastSync   int64
	Progress   model.SyncProgress
	DataSource *model.DataSource
}

// SyncResult は同期要求の結果。
type SyncResult struct {
	DataSourceID string
	Started      bool
	NeedsReauth  bool
	ReauthURL    string
}

// Initialize は連携を開始し、プロバイダーの認可URLを返す。
func (s *Service) Initialize(ctx context.Context, userID, provider, layer string) (*InitializeResult, error) {
	if !s.providers.Configured(provider) {
		return nil, fmt.Errorf("%w: %s", auth.ErrNotConfigured, provider)
	}
	if layer != "" {
		if _, err := s.layers.ResolveLayer(provider, layer); err != nil {
			return nil, err
		}
	}

	u, err := s.authorizer.AuthorizationURL(ctx, userID, provider, layer)
	if err != nil {
		return nil, err
	}
	return &InitializeResult{AuthorizationURL: u}, nil
}

// Callback は認可コードを交換してトークンを保存し、データソースを用意して同期を開始する。
// stateに紐付いたレイヤーがない場合はプロバイダーの全レイヤーを対象にする。
func (s *Service) Callback(ctx context.Context, provider, code, state string) (*CallbackResult, error) {
	st, err := s.authorizer.ConsumeState(ctx, provider, state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	tok, err := s.providers.Exchange(ctx, provider, code)
	if err != nil {
		return nil, fmt.Errorf("認可コードの交換に失敗しました: %w", err)
	}
	identity, err := s.providers.Identity(ctx, provider, tok)
	if err != nil {
		return nil, fmt.Errorf("連携先アカウントの取得に失敗しました: %w", err)
	}

	layers := s.targetLayers(provider, st.Layer)
	if _, err := s.tokens.Upsert(ctx, credential.UpsertParams{
		UserID:         st.UserID,
		Provider:       provider,
		ProviderUserID: firstNonEmpty(identity.ProviderUserID, tok.ProviderUserID),
		ProviderTeamID: firstNonEmpty(identity.ProviderTeamID, tok.ProviderTeamID),
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExpiresAt:      credential.ExpiresAtFromNow(s.now(), tok.ExpiresIn),
		Scopes:         tok.Scope,
		Layers:         layers,
	}); err != nil {
		return nil, fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}

	result := &CallbackResult{UserID: st.UserID, Provider: provider, Layers: layers}
	for _, layer := range layers {
		ds, err := s.sources.Ensure(ctx, st.UserID, provider, layer)
		if err != nil {
			return nil, err
		}
		// 切断済みの行は再連携で同期可能な状態に戻す
		if ds.SyncStatus == model.SyncStatusDeleted {
			if err := s.sources.SetStatus(ctx, ds.ID, model.SyncStatusUnsynced); err != nil {
				return nil, fmt.Errorf("データソースの再有効化に失敗しました: %w", err)
			}
		}

		started, err := s.syncer.Start(ctx, st.UserID, provider, layer)
		if err != nil {
			// 同期開始に失敗しても連携自体は成立している
			s.logger.Warn("連携後の同期開始に失敗しました",
				slog.String("user_id", st.UserID),
				slog.String("provider", provider),
				slog.String("layer", layer),
				slog.String("error", err.Error()),
			)
			continue
		}
		if started.Started {
			result.Started = append(result.Started, layer)
		}
	}

	s.logger.Info("プロバイダー連携が完了しました",
		slog.String("user_id", st.UserID),
		slog.String("provider", provider),
		slog.Any("layers", layers),
	)
	return result, nil
}

// Status は連携状態と同期状態を返す。
func (s *Service) Status(ctx context.Context, userID, provider, layerName string) (*StatusResult, error) {
	layer, err := s.layers.ResolveLayer(provider, layerName)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		Provider:   provider,
		Layer:      layer.Name,
		Configured: s.providers.Configured(provider),
		SyncStatus: model.SyncStatusUnsynced,
	}

	tok, err := s.tokens.FindForLayer(ctx, userID, provider, layer.Name)
	switch {
	case err == nil:
		result.TokenPresent = true
		result.Layers = credential.ParseLayers(tok.Layers)
	case errors.Is(err, credential.ErrTokenNotFound):
	default:
		return nil, err
	}

	ds, err := s.sources.Get(ctx, userID, provider, layer.Name)
	if err != nil {
		return nil, err
	}
	if ds != nil {
		result.SyncStatus = ds.SyncStatus
		result.LastSync = ds.LastSync
		result.Progress = ds.SyncProgress
		result.DataSource = ds
	}
	return result, nil
}

// Sync は同期ジョブを開始する。実行中の場合はsyncjob.ErrAlreadyInProgress、切断済みの場合はsyncjob.ErrNotConnectedを返す。
func (s *Service) Sync(ctx context.Context, userID, provider, layer string) (*SyncResult, error) {
	if !s.providers.Configured(provider) {
		return nil, fmt.Errorf("%w: %s", auth.ErrNotConfigured, provider)
	}
	started, err := s.syncer.Start(ctx, userID, provider, layer)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		DataSourceID: started.DataSource.ID,
		Started:      started.Started,
		NeedsReauth:  started.NeedsReauth,
		ReauthURL:    started.ReauthURL,
	}, nil
}

// Disconnect は連携を解除する。
// layerを指定した場合はそのレイヤーだけをトークンから外し、最後のレイヤーであればトークンを取り消す。
// 指定しない場合はプロバイダーの全トークンを取り消す。いずれも対象レイヤーの保存済みオブジェクトを削除する。
// teamIDを指定した場合はそのチームのトークンと、チーム単位のレイヤーではそのチームの名前空間だけを対象にする。
// 他のチームのトークンが残るレイヤーの行はunsyncedに戻す。
func (s *Service) Disconnect(ctx context.Context, userID, provider, layerName, teamID string) error {
	var layers []driver.Layer
	if layerName != "" {
		layer, err := s.layers.ResolveLayer(provider, layerName)
		if err != nil {
			return err
		}
		layers = []driver.Layer{layer}
	} else {
		layers = s.layers.LayersFor(provider)
		if len(layers) == 0 {
			return fmt.Errorf("%w: %s", driver.ErrUnknownProvider, provider)
		}
	}

	var rows []*model.DataSource
	for _, layer := range layers {
		ds, err := s.sources.Get(ctx, userID, provider, layer.Name)
		if err != nil {
			return err
		}
		if ds == nil {
			continue
		}
		if err := s.sources.SetStatus(ctx, ds.ID, model.SyncStatusDeleting); err != nil {
			return fmt.Errorf("切断状態の更新に失敗しました: %w", err)
		}
		rows = append(rows, ds)
	}

	if layerName != "" {
		tokens, err := s.tokens.ListForLayer(ctx, userID, provider, layerName)
		if err != nil && !errors.Is(err, credential.ErrTokenNotFound) {
			return err
		}
		for _, tok := range tokens {
			if teamID != "" && tok.ProviderTeamID != teamID {
				continue
			}
			if _, err := s.tokens.RemoveLayer(ctx, tok, layerName); err != nil {
				return fmt.Errorf("レイヤーの連携解除に失敗しました: %w", err)
			}
		}
	} else {
		if _, err := s.tokens.RevokeAndDelete(ctx, userID, provider, teamID); err != nil {
			return fmt.Errorf("トークンの削除に失敗しました: %w", err)
		}
	}

	removed := 0
	for _, layer := range layers {
		prefix := driver.Namespace(userID, provider, layer.Folder)
		if teamID != "" && layer.TeamScoped {
			prefix = layer.NamespaceFor(userID, teamID)
		}
		n, err := s.objects.DeleteByPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("保存済みオブジェクトの削除に失敗しました: %w", err)
		}
		removed += n
	}

	for _, ds := range rows {
		status := model.SyncStatusDeleted
		remaining, err := s.tokens.ListForLayer(ctx, userID, provider, ds.Layer)
		switch {
		case err == nil && len(remaining) > 0:
			status = model.SyncStatusUnsynced
		case err != nil && !errors.Is(err, credential.ErrTokenNotFound):
			return err
		}
		if err := s.sources.SetStatus(ctx, ds.ID, status); err != nil {
			return fmt.Errorf("切断状態の更新に失敗しました: %w", err)
		}
	}

	s.logger.Info("プロバイダー連携を解除しました",
		slog.String("user_id", userID),
		slog.String("provider", provider),
		slog.String("layer", layerName),
		slog.String("team_id", teamID),
		slog.Int("removed_objects", removed),
	)
	return nil
}

// targetLayers はstateのレイヤー、未指定ならプロバイダーの全レイヤーを返す。
func (s *Service) targetLayers(provider, layer string) []string {
	if layer != "" {
		return []string{layer}
	}
	var names []string
	for _, l := range s.layers.LayersFor(provider) {
		names = append(names, l.Name)
	}
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
