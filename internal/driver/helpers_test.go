package driver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/datasync/internal/apiclient"
)

// newTestServer はmuxを返すhttptestサーバーを起動する。
func newTestServer(t *testing.T) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mux
}

// newTestRequest はテストサーバー向けのRequestを生成する。
func newTestRequest(srv *httptest.Server, layer Layer) Request {
	return Request{
		Credential: Credential{
			UserID:         "user-1",
			UserEmail:      "alice@example.com",
			AccessToken:    "access-token",
			ProviderUserID: "puid-1",
			ProviderTeamID: "cloud-1",
		},
		Layer: layer,
		Client: apiclient.New(apiclient.Options{
			Provider:    layer.Provider,
			HTTPClient:  srv.Client(),
			MaxAttempts: 1,
		}),
		Concurrency: 2,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// writeJSON はJSON文字列を応答する。
func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func layerByName(t *testing.T, d Driver, name string) Layer {
	t.Helper()
	for _, l := range d.Layers() {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("レイヤー %s が見つかりません", name)
	return Layer{}
}

func itemsByPath(items []RemoteItem) map[string]RemoteItem {
	m := make(map[string]RemoteItem, len(items))
	for _, it := range items {
		m[it.FullPath] = it
	}
	return m
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("コンテンツの読み込みに失敗: %v", err)
	}
	return string(b)
}
