package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/datasync/internal/model"
)

// DataSourceServiceInterface はデータソースハンドラーが必要とするサービスインターフェース。
type DataSourceServiceInterface interface {
	List(ctx context.Context, userID string) ([]*model.DataSource, error)
	SeedDefaults(ctx context.Context, userID string) (int, error)
	Purge(ctx context.Context, userID, id string) error
}

// DataSourceHandler はデータソース一覧・初期化のHTTPハンドラー。
type DataSourceHandler struct {
	service DataSourceServiceInterface
}

// NewDataSourceHandler はDataSourceHandlerを生成する。
func NewDataSourceHandler(service DataSourceServiceInterface) *DataSourceHandler {
	return &DataSourceHandler{service: service}
}

type dataSourceResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Context     string           `json:"context"`
	Permission  string           `json:"permission"`
	Provider    string           `json:"provider"`
	Layer       string           `json:"layer"`
	SyncStatus  string           `json:"syncStatus"`
	LastSync    int64            `json:"lastSync"`
	Progress    progressResponse `json:"progress"`
	SyncResults json.RawMessage  `json:"syncResults,omitempty"`
}

type seedResponse struct {
	Created int `json:"created"`
}

// List はユーザーのデータソース一覧を返す。
// GET /api/datasources
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err, "", "", "")
		return
	}

	resp := make([]dataSourceResponse, 0, len(list))
	for _, ds := range list {
		resp = append(resp, toDataSourceResponse(ds))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SeedDefaults は登録済みレイヤーごとの既定データソースを作成する。
// POST /api/datasources/defaults
func (h *DataSourceHandler) SeedDefaults(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	created, err := h.service.SeedDefaults(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err, "", "", "")
		return
	}
	writeJSON(w, http.StatusOK, seedResponse{Created: created})
}

// Purge はデータソース行を物理削除する。
// DELETE /api/datasources/{id}
func (h *DataSourceHandler) Purge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.service.Purge(r.Context(), userID, id); err != nil {
		handleServiceError(w, err, "", "", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toDataSourceResponse(ds *model.DataSource) dataSourceResponse {
	return dataSourceResponse{
		ID:          ds.ID,
		Name:        ds.Name,
		Context:     ds.Context,
		Permission:  ds.Permission,
		Provider:    ds.Provider,
		Layer:       ds.Layer,
		SyncStatus:  string(ds.SyncStatus),
		LastSync:    ds.LastSync,
		Progress:    toProgressResponse(ds.SyncProgress),
		SyncResults: ds.SyncResults,
	}
}
