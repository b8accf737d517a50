// Package datasource はデータソース行の登録・参照・削除のドメインロジックを提供する。
package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/repository"
)

// ErrNotFound はユーザーのデータソースが存在しないことを表す。
var ErrNotFound = errors.New("data source not found")

// defaultPermission は作成するデータソースの権限。同期は読み取りのみ。
const defaultPermission = "read"

// LayerCatalog は登録済みレイヤーの参照インターフェース。driver.Registryが実装する。
type LayerCatalog interface {
	AllLayers() []driver.Layer
	ResolveLayer(provider, layer string) (driver.Layer, error)
}

// Service はデータソースレジストリのサービス層。
type Service struct {
	repo   repository.DataSourceRepository
	layers LayerCatalog
	logger *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.DataSourceRepository, layers LayerCatalog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, layers: layers, logger: logger}
}

// SeedDefaults は登録済みの全レイヤーについて未同期のデータソース行を作成する。
// 同じ表示名の行が既にあるレイヤーはスキップする。作成した件数を返す。
func (s *Service) SeedDefaults(ctx context.Context, userID string) (int, error) {
	existing, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("データソース一覧の取得に失敗しました: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, ds := range existing {
		names[ds.Name] = true
	}

	created := 0
	for _, layer := range s.layers.AllLayers() {
		if names[layer.DisplayName] {
			continue
		}
		ok, err := s.repo.Create(ctx, newDataSource(userID, layer))
		if err != nil {
			return created, fmt.Errorf("データソースの作成に失敗しました (%s): %w", layer.Name, err)
		}
		if ok {
			created++
		}
		names[layer.DisplayName] = true
	}

	if created > 0 {
		s.logger.Info("seeded default data sources",
			slog.String("user_id", userID),
			slog.Int("created", created),
		)
	}
	return created, nil
}

// Ensure は (user, provider, layer) の行を返す。存在しなければ作成する。
func (s *Service) Ensure(ctx context.Context, userID, provider, layerName string) (*model.DataSource, error) {
	layer, err := s.layers.ResolveLayer(provider, layerName)
	if err != nil {
		return nil, err
	}

	ds, err := s.repo.FindByUserProviderLayer(ctx, userID, layer.Provider, layer.Name)
	if err != nil {
		return nil, fmt.Errorf("データソースの取得に失敗しました: %w", err)
	}
	if ds != nil {
		return ds, nil
	}

	if _, err := s.repo.Create(ctx, newDataSource(userID, layer)); err != nil {
		return nil, fmt.Errorf("データソースの作成に失敗しました: %w", err)
	}
	// 同時作成で競合した場合も既存行を返す
	ds, err = s.repo.FindByUserProviderLayer(ctx, userID, layer.Provider, layer.Name)
	if err != nil {
		return nil, fmt.Errorf("データソースの取得に失敗しました: %w", err)
	}
	if ds == nil {
		return nil, fmt.Errorf("data source for %s/%s vanished after create", layer.Provider, layer.Name)
	}
	return ds, nil
}

// Get はユーザーの (provider, layer) の行を返す。存在しない場合はnil。
func (s *Service) Get(ctx context.Context, userID, provider, layerName string) (*model.DataSource, error) {
	layer, err := s.layers.ResolveLayer(provider, layerName)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByUserProviderLayer(ctx, userID, layer.Provider, layer.Name)
}

// List はユーザーのデータソース一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.DataSource, error) {
	list, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("データソース一覧の取得に失敗しました: %w", err)
	}
	return list, nil
}

// Purge はユーザーのデータソース行を物理削除する。他人の行はErrNotFound。
func (s *Service) Purge(ctx context.Context, userID, id string) error {
	ds, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("データソースの取得に失敗しました: %w", err)
	}
	if ds == nil || ds.UserID != userID {
		return ErrNotFound
	}
	if err := s.repo.Purge(ctx, id); err != nil {
		return fmt.Errorf("データソースの削除に失敗しました: %w", err)
	}
	return nil
}

// FindByUserAndAction はユーザーとプロバイダーに一致する最新の行を返す。
func (s *Service) FindByUserAndAction(ctx context.Context, userID, provider string) (*model.DataSource, error) {
	return s.repo.FindByUserAndAction(ctx, userID, provider)
}

// UpdateSyncStatus は状態と進捗をまとめて更新する。
func (s *Service) UpdateSyncStatus(ctx context.Context, update model.SyncStatusUpdate) error {
	return s.repo.UpdateSyncStatus(ctx, update)
}

// SetStatus は状態のみを更新する。
func (s *Service) SetStatus(ctx context.Context, id string, status model.SyncStatus) error {
	return s.repo.SetStatus(ctx, id, status)
}

func newDataSource(userID string, layer driver.Layer) *model.DataSource {
	return &model.DataSource{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       layer.DisplayName,
		Context:    layer.Description,
		Permission: defaultPermission,
		Provider:   layer.Provider,
		Layer:      layer.Name,
		SyncStatus: model.SyncStatusUnsynced,
	}
}
