package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/datasync/internal/auth"
	"github.com/hitoshi/datasync/internal/connection"
	"github.com/hitoshi/datasync/internal/datasource"
	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/middleware"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/syncjob"
)

// handleServiceError はサービス層から返されたエラーを統一エラーフォーマットに変換して書き込む。
// provider, layer, idはエラーメッセージの組み立てにのみ使う。
func handleServiceError(w http.ResponseWriter, err error, provider, layer, id string) {
	apiErr := toAPIError(err, provider, layer, id)
	if apiErr == nil {
		slog.Error("内部エラーが発生しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// toAPIError は既知のエラーをAPIErrorに変換する。未知のエラーはnil。
func toAPIError(err error, provider, layer, id string) *model.APIError {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, auth.ErrNotConfigured):
		return model.NewProviderNotConfiguredError(provider)
	case errors.Is(err, driver.ErrUnknownProvider), errors.Is(err, auth.ErrUnknownProvider):
		return model.NewUnknownProviderError(provider)
	case errors.Is(err, driver.ErrUnknownLayer), errors.Is(err, auth.ErrUnknownLayer):
		return model.NewUnknownLayerError(provider, layer)
	case errors.Is(err, auth.ErrInvalidState):
		return model.NewInvalidStateError()
	case errors.Is(err, connection.ErrMissingCode):
		return model.NewMissingCodeError()
	case errors.Is(err, syncjob.ErrAlreadyInProgress):
		return model.NewSyncInProgressError()
	case errors.Is(err, syncjob.ErrNotConnected):
		return model.NewNotConnectedError()
	case errors.Is(err, datasource.ErrNotFound):
		return model.NewDataSourceNotFoundError(id)
	default:
		return nil
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeProviderNotConfigured, model.ErrCodeUnknownLayer,
		model.ErrCodeInvalidState, model.ErrCodeMissingCode:
		return http.StatusBadRequest
	case model.ErrCodeUnknownProvider, model.ErrCodeDataSourceNotFound, model.ErrCodeTokenNotFound:
		return http.StatusNotFound
	case model.ErrCodeSyncInProgress, model.ErrCodeNotConnected:
		return http.StatusConflict
	case model.ErrCodeReauthRequired, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// requireUserID はコンテキストからユーザーIDを取り出す。取れない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
