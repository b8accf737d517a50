package driver

import (
	"context"
	"net/http"
	"testing"

	"github.com/hitoshi/datasync/internal/config"
)

func TestMicrosoft_ListOneDrive(t *testing.T) {
	srv, mux := newTestServer(t)

	mux.HandleFunc("/v1.0/me/drive/root/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			writeJSON(w, `{"value":[{"id":"A","name":"Projects","folder":{"childCount":2}}],
				"@odata.nextLink":"`+srv.URL+`/v1.0/me/drive/root/children?page=2"}`)
			return
		}
		writeJSON(w, `{"value":[{"id":"r1","name":"readme.txt","size":5,"file":{"mimeType":"text/plain"},"lastModifiedDateTime":"2025-01-01T00:00:00Z"}]}`)
	})
	mux.HandleFunc("/v1.0/me/drive/items/A/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"value":[
			{"id":"B","name":"2025","folder":{"childCount":1}},
			{"id":"a1","name":"plan.xlsx","size":7,"file":{"mimeType":"application/vnd.ms-excel"}}
		]}`)
	})
	mux.HandleFunc("/v1.0/me/drive/items/B/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"value":[{"id":"b1","name":"q1.docx","size":9,"file":{"mimeType":"application/msword"}}]}`)
	})
	mux.HandleFunc("/v1.0/me/drive/items/b1/content", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("DOCX"))
	})

	m := NewMicrosoft(srv.URL + "/v1.0")
	req := newTestRequest(srv, layerByName(t, m, config.LayerOneDrive))

	listing, err := m.ListItems(context.Background(), req)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if listing.Containers != 2 {
		t.Errorf("コンテナ数 = %d, want 2 (フォルダ + ルート直下のファイル)", listing.Containers)
	}

	items := itemsByPath(listing.Items)
	for _, p := range []string{
		"user-1/microsoft/onedrive/readme.txt",
		"user-1/microsoft/onedrive/Projects/plan.xlsx",
		"user-1/microsoft/onedrive/Projects/2025/q1.docx",
	} {
		if _, ok := items[p]; !ok {
			t.Errorf("%s がありません: %v", p, items)
		}
	}
	if len(items) != 3 {
		t.Errorf("アイテム数 = %d, want 3", len(items))
	}

	q1 := items["user-1/microsoft/onedrive/Projects/2025/q1.docx"]
	body, err := m.FetchContent(context.Background(), req, q1)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if got := readAll(t, body); got != "DOCX" {
		t.Errorf("コンテンツ = %q, want %q", got, "DOCX")
	}
}

func TestMicrosoft_FolderFailureIsCounted(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("/v1.0/me/drive/root/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"value":[{"id":"A","name":"ok","folder":{}},{"id":"X","name":"broken","folder":{}}]}`)
	})
	mux.HandleFunc("/v1.0/me/drive/items/A/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"value":[{"id":"a1","name":"a.txt","file":{}}]}`)
	})
	mux.HandleFunc("/v1.0/me/drive/items/X/children", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	m := NewMicrosoft(srv.URL + "/v1.0")
	listing, err := m.ListItems(context.Background(), newTestRequest(srv, m.Layers()[0]))
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if listing.FailedContainers != 1 || len(listing.Items) != 1 {
		t.Errorf("FailedContainers=%d Items=%d, want 1/1", listing.FailedContainers, len(listing.Items))
	}
}
