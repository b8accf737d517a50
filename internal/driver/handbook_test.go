package driver

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

const handbookPage1 = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Handbook</title>
  <id>urn:handbook</id>
  <updated>2025-02-02T00:00:00Z</updated>
  <link rel="next" href="/api/handbook/feed.atom?page=2"/>
  <entry>
    <id>urn:handbook:1</id>
    <title>Onboarding</title>
    <updated>2025-02-01T00:00:00Z</updated>
    <category term="hr" label="HR"/>
    <content type="html"><![CDATA[<p>Welcome</p><script>alert(1)</script>]]></content>
  </entry>
</feed>`

const handbookPage2 = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Handbook</title>
  <id>urn:handbook</id>
  <updated>2025-02-02T00:00:00Z</updated>
  <entry>
    <id>urn:handbook:2</id>
    <title>Security</title>
    <updated>2025-02-02T00:00:00Z</updated>
    <category term="it"/>
    <link href="/pages/security"/>
  </entry>
</feed>`

func TestHandbook_ListAndFetch(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("/api/handbook/feed.atom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(handbookPage2))
			return
		}
		w.Write([]byte(handbookPage1))
	})
	mux.HandleFunc("/pages/security", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><nav>menu</nav><article><h2>Rules</h2><p>Lock your screen</p></article></body></html>`))
	})

	h, err := NewHandbook(HandbookOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHandbook: %v", err)
	}
	req := newTestRequest(srv, h.Layers()[0])

	listing, err := h.ListItems(context.Background(), req)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	items := itemsByPath(listing.Items)
	if len(items) != 2 {
		t.Fatalf("アイテム数 = %d, want 2: %v", len(items), listing.Items)
	}

	inline, ok := items["user-1/handbook/handbook/HR/Onboarding.html"]
	if !ok {
		t.Fatalf("カテゴリ配下に記事がありません: %v", items)
	}
	if !strings.Contains(string(inline.Content), "<p>Welcome</p>") || strings.Contains(string(inline.Content), "<script>") {
		t.Errorf("埋め込み本文がサニタイズされていません: %s", inline.Content)
	}

	linked, ok := items["user-1/handbook/handbook/it/Security.html"]
	if !ok {
		t.Fatalf("2ページ目の記事がありません: %v", items)
	}
	if linked.ContentURL != srv.URL+"/pages/security" {
		t.Errorf("ContentURL = %q", linked.ContentURL)
	}

	body, err := h.FetchContent(context.Background(), req, linked)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	got := readAll(t, body)
	if !strings.Contains(got, "<p>Lock your screen</p>") {
		t.Errorf("articleの本文が抽出されていません: %s", got)
	}
	if strings.Contains(got, "menu") {
		t.Errorf("article以外の要素が含まれています: %s", got)
	}
}

func TestNewHandbook_InvalidBaseURL(t *testing.T) {
	if _, err := NewHandbook(HandbookOptions{BaseURL: "not a url"}); err == nil {
		t.Error("不正なベースURLはエラーになるはず")
	}
}

func TestExtractMain_FallsBackToMain(t *testing.T) {
	got, err := extractMain(strings.NewReader(`<html><body><header>x</header><main><p>body</p></main></body></html>`))
	if err != nil {
		t.Fatalf("extractMain: %v", err)
	}
	if got != "<p>body</p>" {
		t.Errorf("extractMain = %q", got)
	}
}
