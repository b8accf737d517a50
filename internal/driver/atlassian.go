package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/datasync/internal/config"
	"github.com/hitoshi/datasync/internal/security"
)

const defaultAtlassianBaseURL = "https://api.atlassian.com"

// ErrMissingCloudID はトークンにAtlassianサイトのcloud idがないことを表す。
var ErrMissingCloudID = errors.New("atlassian cloud id is missing")

// AtlassianOptions はJira/Confluenceドライバーの設定。
type AtlassianOptions struct {
	BaseURL string
	Content security.ContentSanitizerService
}

// Atlassian はJiraとConfluenceのドライバー。
// サイトはトークンのProviderTeamID(cloud id)で決まる。
type Atlassian struct {
	base    string
	content security.ContentSanitizerService
}

// NewAtlassian はAtlassianドライバーを生成する。
func NewAtlassian(opts AtlassianOptions) *Atlassian {
	a := &Atlassian{base: strings.TrimRight(opts.BaseURL, "/"), content: opts.Content}
	if a.base == "" {
		a.base = defaultAtlassianBaseURL
	}
	if a.content == nil {
		a.content = security.NewContentSanitizer()
	}
	return a
}

// Provider はプロバイダー名を返す。
func (a *Atlassian) Provider() string { return config.ProviderAtlassian }

// Layers はJiraとConfluenceのレイヤーを返す。
func (a *Atlassian) Layers() []Layer {
	return []Layer{
		{Name: config.LayerJira, Provider: config.ProviderAtlassian, Folder: "jira", TeamScoped: true, DisplayName: "Jira", Description: "プロジェクトの課題と添付ファイル"},
		{Name: config.LayerConfluence, Provider: config.ProviderAtlassian, Folder: "confluence", TeamScoped: true, DisplayName: "Confluence", Description: "スペースのページと添付ファイル"},
	}
}

// ListItems はレイヤーに応じてJiraまたはConfluenceを列挙する。
func (a *Atlassian) ListItems(ctx context.Context, req Request) (*Listing, error) {
	if req.Credential.ProviderTeamID == "" {
		return nil, ErrMissingCloudID
	}
	switch req.Layer.Name {
	case config.LayerJira:
		return a.listJira(ctx, req)
	case config.LayerConfluence:
		return a.listConfluence(ctx, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer.Name)
}

// FetchContent はJSON/HTMLの埋め込みコンテンツか添付ファイルを返す。
func (a *Atlassian) FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	if item.Content != nil {
		return inlineContent(item), nil
	}
	return streamBody(ctx, req.Client, item.ContentURL, req.Credential.AccessToken)
}

func (a *Atlassian) jiraBase(cloudID string) string {
	return a.base + "/ex/jira/" + url.PathEscape(cloudID) + "/rest/api/3"
}

// confluenceSite はConfluenceの相対リンクの基点。
func (a *Atlassian) confluenceSite(cloudID string) string {
	return a.base + "/ex/confluence/" + url.PathEscape(cloudID)
}

// --- Jira ---

type jiraProject struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type jiraNamed struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type jiraAttachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Created  string `json:"created"`
	Content  string `json:"content"`
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string           `json:"summary"`
		Description json.RawMessage  `json:"description"`
		Status      *jiraNamed       `json:"status"`
		IssueType   *jiraNamed       `json:"issuetype"`
		Priority    *jiraNamed       `json:"priority"`
		Assignee    *jiraNamed       `json:"assignee"`
		Reporter    *jiraNamed       `json:"reporter"`
		Labels      []string         `json:"labels"`
		Created     string           `json:"created"`
		Updated     string           `json:"updated"`
		Attachment  []jiraAttachment `json:"attachment"`
	} `json:"fields"`
}

// issueDocument は保存するJira課題のJSON。
type issueDocument struct {
	Key         string   `json:"key"`
	Project     string   `json:"project"`
	Summary     string   `json:"summary"`
	Type        string   `json:"type,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Reporter    string   `json:"reporter,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Created     string   `json:"created"`
	Updated     string   `json:"updated"`
	Description string   `json:"description,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

func (a *Atlassian) listJira(ctx context.Context, req Request) (*Listing, error) {
	base := a.jiraBase(req.Credential.ProviderTeamID)

	var projects []jiraProject
	startAt := 0
	for {
		q := url.Values{"startAt": {strconv.Itoa(startAt)}, "maxResults": {"50"}}
		var page struct {
			Values []jiraProject `json:"values"`
			IsLast bool          `json:"isLast"`
		}
		if err := req.Client.GetJSON(ctx, base+"/project/search?"+q.Encode(), req.Credential.AccessToken, &page); err != nil {
			return nil, fmt.Errorf("failed to list jira projects: %w", err)
		}
		projects = append(projects, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}

	ns := req.Namespace()
	return forEachContainer(ctx, req, projects,
		func(p jiraProject) string { return p.Key },
		func(ctx context.Context, p jiraProject) ([]RemoteItem, error) {
			issues, err := a.searchIssues(ctx, req, base, p.Key)
			if err != nil {
				return nil, err
			}
			var items []RemoteItem
			for _, is := range issues {
				issueItems, err := issueToItems(ns, p.Key, is)
				if err != nil {
					return nil, err
				}
				items = append(items, issueItems...)
			}
			return items, nil
		},
	)
}

func (a *Atlassian) searchIssues(ctx context.Context, req Request, base, projectKey string) ([]jiraIssue, error) {
	var all []jiraIssue
	pageToken := ""
	for {
		q := url.Values{
			"jql":        {fmt.Sprintf("project = %q ORDER BY key ASC", projectKey)},
			"fields":     {"summary,description,status,issuetype,priority,assignee,reporter,labels,created,updated,attachment"},
			"maxResults": {"100"},
		}
		if pageToken != "" {
			q.Set("nextPageToken", pageToken)
		}
		var page struct {
			Issues        []jiraIssue `json:"issues"`
			NextPageToken string      `json:"nextPageToken"`
			IsLast        bool        `json:"isLast"`
		}
		if err := req.Client.GetJSON(ctx, base+"/search/jql?"+q.Encode(), req.Credential.AccessToken, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Issues...)
		if page.IsLast || page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

func issueToItems(ns, projectKey string, is jiraIssue) ([]RemoteItem, error) {
	f := is.Fields
	doc := issueDocument{
		Key:         is.Key,
		Project:     projectKey,
		Summary:     f.Summary,
		Type:        named(f.IssueType),
		Status:      named(f.Status),
		Priority:    named(f.Priority),
		Assignee:    named(f.Assignee),
		Reporter:    named(f.Reporter),
		Labels:      f.Labels,
		Created:     f.Created,
		Updated:     f.Updated,
		Description: adfText(f.Description),
	}

	var items []RemoteItem
	for _, att := range f.Attachment {
		doc.Attachments = append(doc.Attachments, att.Filename)
		items = append(items, RemoteItem{
			FullPath:   BuildPath(ns, projectKey, is.Key, att.Filename),
			Type:       ItemTypeAttachment,
			Name:       att.Filename,
			RemoteID:   att.ID,
			Size:       att.Size,
			MimeType:   att.MimeType,
			ModifiedAt: parseTime(att.Created),
			ContentURL: att.Content,
		})
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue %s: %w", is.Key, err)
	}
	name := is.Key + ".json"
	items = append(items, RemoteItem{
		FullPath:   BuildPath(ns, projectKey, name),
		Type:       ItemTypeIssue,
		Name:       name,
		RemoteID:   is.ID,
		Size:       int64(len(body)),
		MimeType:   "application/json",
		ModifiedAt: parseTime(f.Updated),
		Content:    body,
	})
	return items, nil
}

func named(n *jiraNamed) string {
	if n == nil {
		return ""
	}
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.Name
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// adfText はAtlassian Document Formatの本文からテキストを取り出す。
// ブロック要素ごとに改行する。
func adfText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var root adfNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(n adfNode)
	walk = func(n adfNode) {
		switch n.Type {
		case "text":
			b.WriteString(n.Text)
		case "hardBreak":
			b.WriteByte('\n')
		}
		for _, c := range n.Content {
			walk(c)
		}
		switch n.Type {
		case "paragraph", "heading", "listItem", "codeBlock", "blockquote", "tableRow":
			b.WriteByte('\n')
		}
	}
	walk(root)
	return strings.TrimSpace(b.String())
}

// --- Confluence ---

type confluenceSpace struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type confluenceLinks struct {
	Next string `json:"next"`
}

type confluencePage struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		CreatedAt string `json:"createdAt"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
}

type confluenceAttachment struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MediaType    string `json:"mediaType"`
	FileSize     int64  `json:"fileSize"`
	DownloadLink string `json:"downloadLink"`
	Version      struct {
		CreatedAt string `json:"createdAt"`
	} `json:"version"`
}

func (a *Atlassian) listConfluence(ctx context.Context, req Request) (*Listing, error) {
	site := a.confluenceSite(req.Credential.ProviderTeamID)

	spaces, err := confluenceAll[confluenceSpace](ctx, req, site, "/wiki/api/v2/spaces?limit=250")
	if err != nil {
		return nil, fmt.Errorf("failed to list confluence spaces: %w", err)
	}

	ns := req.Namespace()
	return forEachContainer(ctx, req, spaces,
		func(s confluenceSpace) string { return s.Key },
		func(ctx context.Context, s confluenceSpace) ([]RemoteItem, error) {
			pages, err := confluenceAll[confluencePage](ctx, req, site,
				"/wiki/api/v2/spaces/"+url.PathEscape(s.ID)+"/pages?limit=250&body-format=storage")
			if err != nil {
				return nil, err
			}

			attachments := make([][]confluenceAttachment, len(pages))
			err = runBounded(ctx, req.concurrency(), len(pages), func(ctx context.Context, i int) error {
				atts, err := confluenceAll[confluenceAttachment](ctx, req, site,
					"/wiki/api/v2/pages/"+url.PathEscape(pages[i].ID)+"/attachments?limit=250")
				attachments[i] = atts
				return err
			})
			if err != nil {
				return nil, err
			}

			var items []RemoteItem
			for i, p := range pages {
				items = append(items, a.pageItem(ns, s.Key, p))
				for _, att := range attachments[i] {
					items = append(items, RemoteItem{
						FullPath:   BuildPath(ns, s.Key, p.Title, att.Title),
						Type:       ItemTypeAttachment,
						Name:       att.Title,
						RemoteID:   att.ID,
						Size:       att.FileSize,
						MimeType:   att.MediaType,
						ModifiedAt: parseTime(att.Version.CreatedAt),
						ContentURL: site + "/wiki" + att.DownloadLink,
					})
				}
			}
			return items, nil
		},
	)
}

func (a *Atlassian) pageItem(ns, spaceKey string, p confluencePage) RemoteItem {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(p.Title))
	b.WriteString("</title></head><body>\n<h1>")
	b.WriteString(html.EscapeString(p.Title))
	b.WriteString("</h1>\n")
	b.WriteString(a.content.Sanitize(p.Body.Storage.Value))
	b.WriteString("\n</body></html>\n")
	body := []byte(b.String())

	name := p.Title + ".html"
	return RemoteItem{
		FullPath:   BuildPath(ns, spaceKey, name),
		Type:       ItemTypePage,
		Name:       name,
		RemoteID:   p.ID,
		Size:       int64(len(body)),
		MimeType:   "text/html",
		ModifiedAt: parseTime(p.Version.CreatedAt),
		Content:    body,
	}
}

// confluenceAll は_links.nextを辿って結果をすべて取得する。nextはサイト相対。
func confluenceAll[T any](ctx context.Context, req Request, site, next string) ([]T, error) {
	var all []T
	for next != "" {
		var page struct {
			Results []T             `json:"results"`
			Links   confluenceLinks `json:"_links"`
		}
		if err := req.Client.GetJSON(ctx, site+next, req.Credential.AccessToken, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		next = page.Links.Next
	}
	return all, nil
}
