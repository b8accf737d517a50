// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/datasync/internal/model"
)

const (
	sessionCookieName = "session_id"
	bearerPrefix      = "Bearer "
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

const (
	userIDContextKey     = contextKey("user_id")
	bearerAuthContextKey = contextKey("bearer_auth")
)

// ErrNoUserID はコンテキストにユーザーIDが無い場合のエラー。
var ErrNoUserID = errors.New("user ID not found in context")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はプロダクト側が発行したセッションを検証し、
// ユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
//
// セッションIDはCookieを優先し、無ければ Authorization: Bearer から読み取る。
// Bearerで認証されたリクエストはCSRF検証の対象外になる。
func NewSessionMiddleware(finder SessionFinder, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, bearer := sessionIDFromRequest(r)
			if id == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			session, err := finder.FindByID(r.Context(), id)
			if err != nil {
				logger.ErrorContext(r.Context(), "セッションの取得に失敗しました",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), session.UserID)
			if bearer {
				ctx = context.WithValue(ctx, bearerAuthContextKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionIDFromRequest はセッションIDと、それがBearerヘッダー由来かどうかを返す。
func sessionIDFromRequest(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, false
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), true
	}
	return "", false
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// アクセスログ用のリクエスト情報があればそちらにも記録する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info := requestInfoFromContext(ctx); info != nil {
		info.userID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

func isBearerAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(bearerAuthContextKey).(bool)
	return v
}
