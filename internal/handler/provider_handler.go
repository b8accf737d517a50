package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/datasync/internal/connection"
	"github.com/hitoshi/datasync/internal/middleware"
	"github.com/hitoshi/datasync/internal/model"
)

// ConnectionServiceInterface はプロバイダーハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	Initialize(ctx context.Context, userID, provider, layer string) (*connection.InitializeResult, error)
	Callback(ctx context.Context, provider, code, state string) (*connection.CallbackResult, error)
	Status(ctx context.Context, userID, provider, layer string) (*connection.StatusResult, error)
	Sync(ctx context.Context, userID, provider, layer string) (*connection.SyncResult, error)
	Disconnect(ctx context.Context, userID, provider, layer, teamID string) error
}

// ProviderHandler はプロバイダー連携のHTTPハンドラー。
type ProviderHandler struct {
	service ConnectionServiceInterface
	baseURL string
}

// NewProviderHandler はProviderHandlerを生成する。
// baseURLはコールバック完了後のリダイレクト先。
func NewProviderHandler(service ConnectionServiceInterface, baseURL string) *ProviderHandler {
	return &ProviderHandler{service: service, baseURL: baseURL}
}

type initializeResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
}

type progressResponse struct {
	FilesProcessed int   `json:"filesProcessed"`
	FilesTotal     int   `json:"filesTotal"`
	BytesProcessed int64 `json:"bytesProcessed"`
	BytesTotal     int64 `json:"bytesTotal"`
}

type statusResponse struct {
	Provider          string           `json:"provider"`
	Layer             string           `json:"layer"`
	Configured        bool             `json:"configured"`
	TokenPresent      bool             `json:"tokenPresent"`
	Layers            []string         `json:"layers"`
	CurrentSyncStatus string           `json:"currentSyncStatus"`
	LastSync          int64            `json:"lastSync"`
	Progress          progressResponse `json:"progress"`
	DataSourceID      string           `json:"dataSourceId,omitempty"`
}

type syncResponse struct {
	DataSourceID string `json:"dataSourceId"`
	Started      bool   `json:"started"`
}

// Initialize は連携を開始し認可URLを返す。
// POST /api/providers/{provider}/initialize?layer=
func (h *ProviderHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")
	layer := r.URL.Query().Get("layer")

	result, err := h.service.Initialize(r.Context(), userID, provider, layer)
	if err != nil {
		handleServiceError(w, err, provider, layer, "")
		return
	}
	writeJSON(w, http.StatusOK, initializeResponse{AuthorizationURL: result.AuthorizationURL})
}

// Callback はプロバイダーからのリダイレクトを受け取り、連携を完了させる。
// セッションは不要で、stateがユーザーを特定する。
// GET /api/providers/{provider}/callback?code=&state=
func (h *ProviderHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	// 利用者が同意を拒否した場合もstateは消費させる
	if errParam := q.Get("error"); errParam != "" {
		slog.Warn("プロバイダーで認可が拒否されました",
			slog.String("provider", provider),
			slog.String("error", errParam),
		)
	}

	result, err := h.service.Callback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		handleServiceError(w, err, provider, "", "")
		return
	}

	slog.Info("連携コールバックを処理しました",
		slog.String("user_id", result.UserID),
		slog.String("provider", provider),
		slog.Int("started", len(result.Started)),
	)
	http.Redirect(w, r, h.redirectURL(provider), http.StatusTemporaryRedirect)
}

// Status は連携状態と同期状態を返す。
// GET /api/providers/{provider}/status?layer=
func (h *ProviderHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")
	layer := r.URL.Query().Get("layer")

	result, err := h.service.Status(r.Context(), userID, provider, layer)
	if err != nil {
		handleServiceError(w, err, provider, layer, "")
		return
	}

	resp := statusResponse{
		Provider:          result.Provider,
		Layer:             result.Layer,
		Configured:        result.Configured,
		TokenPresent:      result.TokenPresent,
		Layers:            result.Layers,
		CurrentSyncStatus: string(result.SyncStatus),
		LastSync:          result.LastSync,
		Progress:          toProgressResponse(result.Progress),
	}
	if resp.Layers == nil {
		resp.Layers = []string{}
	}
	if result.DataSource != nil {
		resp.DataSourceID = result.DataSource.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sync は同期ジョブを開始する。
// 開始できた場合は202、実行中は409、再認可が必要な場合は401と再認可URLを返す。
// POST /api/providers/{provider}/sync?layer=
func (h *ProviderHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")
	layer := r.URL.Query().Get("layer")

	result, err := h.service.Sync(r.Context(), userID, provider, layer)
	if err != nil {
		handleServiceError(w, err, provider, layer, "")
		return
	}
	if result.NeedsReauth {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewReauthRequiredError(result.ReauthURL))
		return
	}
	writeJSON(w, http.StatusAccepted, syncResponse{DataSourceID: result.DataSourceID, Started: result.Started})
}

// Disconnect は連携を解除し、保存済みオブジェクトを削除する。
// POST /api/providers/{provider}/disconnect?layer=&team=
func (h *ProviderHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	layer := q.Get("layer")

	if err := h.service.Disconnect(r.Context(), userID, provider, layer, q.Get("team")); err != nil {
		handleServiceError(w, err, provider, layer, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProviderHandler) redirectURL(provider string) string {
	u, err := url.Parse(h.baseURL)
	if err != nil || h.baseURL == "" {
		return "/"
	}
	q := u.Query()
	q.Set("connected", provider)
	u.RawQuery = q.Encode()
	return u.String()
}

func toProgressResponse(p model.SyncProgress) progressResponse {
	return progressResponse{
		FilesProcessed: p.FilesProcessed,
		FilesTotal:     p.FilesTotal,
		BytesProcessed: p.BytesProcessed,
		BytesTotal:     p.BytesTotal,
	}
}
