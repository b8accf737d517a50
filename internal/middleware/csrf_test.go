package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/datasync/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethod_IssuesCookie(t *testing.T) {
	h := NewCSRFMiddleware(CSRFConfig{CookieSecure: true, CookieDomain: "example.com", Logger: discardLogger()})(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/providers/google/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GETは検証なしで通過するべきです: got %d", w.Code)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("CSRFトークンCookieが発行されるべきです")
	}
	if len(c.Value) != 64 {
		t.Errorf("トークンは32バイトの16進表現であるべきです: got %d文字", len(c.Value))
	}
	if c.HttpOnly {
		t.Error("フロントエンドから読めるようHttpOnlyであってはいけません")
	}
	if !c.Secure || c.Domain != "example.com" || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("Cookie属性が設定に従うべきです: %+v", c)
	}
	if c.MaxAge != 86400 {
		t.Errorf("MaxAge = %d, want 86400", c.MaxAge)
	}
}

func TestCSRFMiddleware_SafeMethod_KeepsExistingCookie(t *testing.T) {
	h := NewCSRFMiddleware(CSRFConfig{Logger: discardLogger()})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if c := findCookie(w.Result(), csrfCookieName); c != nil {
		t.Errorf("既存のCookieがある場合は再発行するべきではありません: %+v", c)
	}
}

func TestCSRFMiddleware_StateChanging(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   int
	}{
		{"一致", "tok-1", "tok-1", http.StatusOK},
		{"Cookieなし", "", "tok-1", http.StatusForbidden},
		{"ヘッダーなし", "tok-1", "", http.StatusForbidden},
		{"不一致", "tok-1", "tok-2", http.StatusForbidden},
	}

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		for _, tt := range tests {
			t.Run(method+"_"+tt.name, func(t *testing.T) {
				h := NewCSRFMiddleware(CSRFConfig{Logger: discardLogger()})(okHandler())

				req := httptest.NewRequest(method, "/api/datasources/ds-1", nil)
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set(csrfHeaderName, tt.header)
				}
				w := httptest.NewRecorder()
				h.ServeHTTP(w, req)

				if w.Code != tt.want {
					t.Fatalf("ステータスコード = %d, want %d", w.Code, tt.want)
				}
				if tt.want == http.StatusForbidden {
					var body ErrorResponseBody
					if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
						t.Fatalf("統一エラーフォーマットであるべきです: %v", err)
					}
					if body.Code != model.ErrCodeCSRFInvalid {
						t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
					}
				}
			})
		}
	}
}

func TestCSRFMiddleware_BearerAuthenticated_SkipsValidation(t *testing.T) {
	h := NewCSRFMiddleware(CSRFConfig{Logger: discardLogger()})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/providers/google/sync", nil)
	req = req.WithContext(context.WithValue(req.Context(), bearerAuthContextKey, true))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Bearer認証のリクエストはCSRF検証をスキップするべきです: got %d", w.Code)
	}
}

func TestCSRFTokenHandler_IssuesNewToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{Logger: discardLogger()})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("JSONのデコードに失敗しました: %v", err)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("Cookieが発行されるべきです")
	}
	if body["token"] == "" || body["token"] != c.Value {
		t.Errorf("レスポンスのトークンとCookieが一致するべきです: body=%q cookie=%q", body["token"], c.Value)
	}
}

func TestCSRFTokenHandler_ReturnsExistingToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{Logger: discardLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("JSONのデコードに失敗しました: %v", err)
	}
	if body["token"] != "existing-token" {
		t.Errorf("既存トークンを返すべきです: got %q", body["token"])
	}
	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("既存トークンがある場合はCookieを再設定するべきではありません")
	}
}
