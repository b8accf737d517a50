package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	feedatom "github.com/mmcdole/gofeed/atom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/security"
)

// maxPageBytes はハンドブックのページ本文の最大サイズ。
const maxPageBytes = 10 << 20

// HandbookOptions はハンドブックポータルドライバーの設定。
type HandbookOptions struct {
	// BaseURL はポータルのオリジン。
	BaseURL string
	// FeedPath は記事一覧Atomフィードのパス。
	FeedPath string
	Content  security.ContentSanitizerService
}

// Handbook は社内ハンドブックポータルのドライバー。
type Handbook struct {
	base     *url.URL
	feedPath string
	content  security.ContentSanitizerService
}

// NewHandbook はハンドブックドライバーを生成する。
func NewHandbook(opts HandbookOptions) (*Handbook, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid handbook base url: %q", opts.BaseURL)
	}
	h := &Handbook{base: base, feedPath: opts.FeedPath, content: opts.Content}
	if h.feedPath == "" {
		h.feedPath = "/api/handbook/feed.atom"
	}
	if h.content == nil {
		h.content = security.NewContentSanitizer()
	}
	return h, nil
}

// Provider はプロバイダー名を返す。
func (h *Handbook) Provider() string { return config.ProviderHandbook }

// Layers はハンドブックのレイヤーを返す。
func (h *Handbook) Layers() []Layer {
	return []Layer{
		{Name: config.LayerHandbook, Provider: config.ProviderHandbook, Folder: "handbook", DisplayName: "Handbook", Description: "社内ハンドブックの記事"},
	}
}

// ListItems はAtomフィードをrel=nextで辿り、記事をカテゴリごとに返す。
func (h *Handbook) ListItems(ctx context.Context, req Request) (*Listing, error) {
	if req.Layer.Name != config.LayerHandbook {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer.Name)
	}

	var entries []*feedatom.Entry
	next := h.base.String() + h.feedPath
	seen := map[string]bool{}
	for next != "" && !seen[next] {
		seen[next] = true
		feed, err := h.fetchFeed(ctx, req, next)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch handbook feed: %w", err)
		}
		entries = append(entries, feed.Entries...)
		next = h.resolve(linkHref(feed.Links, "next"))
	}

	ns := req.Namespace()
	// フィードは1コンテナとして扱う
	return forEachContainer(ctx, req, []string{"feed"},
		func(c string) string { return c },
		func(ctx context.Context, _ string) ([]RemoteItem, error) {
			items := make([]RemoteItem, 0, len(entries))
			for _, e := range entries {
				items = append(items, h.entryItem(ns, e))
			}
			return items, nil
		},
	)
}

func (h *Handbook) fetchFeed(ctx context.Context, req Request, rawURL string) (*feedatom.Feed, error) {
	resp, err := req.Client.Get(ctx, rawURL, req.Credential.AccessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	fp := &feedatom.Parser{}
	feed, err := fp.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse atom feed: %w", err)
	}
	return feed, nil
}

func (h *Handbook) entryItem(ns string, e *feedatom.Entry) RemoteItem {
	category := "uncategorized"
	if len(e.Categories) > 0 {
		if e.Categories[0].Label != "" {
			category = e.Categories[0].Label
		} else if e.Categories[0].Term != "" {
			category = e.Categories[0].Term
		}
	}

	var modified time.Time
	switch {
	case e.UpdatedParsed != nil:
		modified = e.UpdatedParsed.UTC()
	case e.PublishedParsed != nil:
		modified = e.PublishedParsed.UTC()
	}

	name := e.Title + ".html"
	item := RemoteItem{
		FullPath:   BuildPath(ns, category, name),
		Type:       ItemTypePage,
		Name:       name,
		RemoteID:   e.ID,
		MimeType:   "text/html",
		ModifiedAt: modified,
	}

	if e.Content != nil && strings.TrimSpace(e.Content.Value) != "" && e.Content.Src == "" {
		item.Content = h.document(e.Title, e.Content.Value)
		item.Size = int64(len(item.Content))
		return item
	}

	link := h.resolve(linkHref(e.Links, "alternate"))
	if link != "" && h.sameOrigin(link) {
		item.ContentURL = link
		return item
	}

	// 本文もポータル内のリンクもない場合は要約を保存する
	summary := e.Summary
	if summary == "" && e.Content != nil {
		summary = e.Content.Value
	}
	item.Content = h.document(e.Title, summary)
	item.Size = int64(len(item.Content))
	return item
}

// FetchContent は埋め込み本文か、ポータルのページから抽出した本文を返す。
func (h *Handbook) FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	if item.Content != nil {
		return inlineContent(item), nil
	}
	resp, err := req.Client.Get(ctx, item.ContentURL, req.Credential.AccessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	page, err := extractMain(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse handbook page %s: %w", item.ContentURL, err)
	}
	title := strings.TrimSuffix(item.Name, ".html")
	return io.NopCloser(bytes.NewReader(h.document(title, page))), nil
}

// document はサニタイズした本文をHTML文書に包む。
func (h *Handbook) document(title, body string) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>\n<h1>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</h1>\n")
	b.WriteString(h.content.Sanitize(body))
	b.WriteString("\n</body></html>\n")
	return []byte(b.String())
}

// extractMain は<article>、なければ<main>、なければ<body>の中身を返す。
func extractMain(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	for _, tag := range []atom.Atom{atom.Article, atom.Main, atom.Body} {
		if n := findElement(doc, tag); n != nil {
			var b bytes.Buffer
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if err := html.Render(&b, c); err != nil {
					return "", err
				}
			}
			return b.String(), nil
		}
	}
	return "", nil
}

func findElement(n *html.Node, tag atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func linkHref(links []*feedatom.Link, rel string) string {
	for _, l := range links {
		if l == nil {
			continue
		}
		r := l.Rel
		if r == "" {
			r = "alternate"
		}
		if r == rel {
			return l.Href
		}
	}
	return ""
}

// resolve はフィード内の相対URLをポータルのオリジン基準で解決する。
func (h *Handbook) resolve(href string) string {
	if href == "" {
		return ""
	}
	u, err := h.base.Parse(href)
	if err != nil {
		return ""
	}
	return u.String()
}

func (h *Handbook) sameOrigin(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == h.base.Scheme && u.Host == h.base.Host
}
