package driver

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/datasync/internal/config"
)

const (
	defaultDriveBaseURL = "https://www.googleapis.com/drive/v3"
	defaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
)

// GoogleOptions はGoogleドライバーの設定。
type GoogleOptions struct {
	DriveBaseURL string
	GmailBaseURL string
	// GmailLabels は同期するラベル。空の場合はINBOXとSENT。
	GmailLabels []string
}

// Google はGoogle DriveとGmailのドライバー。
type Google struct {
	driveBase   string
	gmailBase   string
	gmailLabels []string
}

// NewGoogle はGoogleドライバーを生成する。
func NewGoogle(opts GoogleOptions) *Google {
	g := &Google{
		driveBase:   strings.TrimRight(opts.DriveBaseURL, "/"),
		gmailBase:   strings.TrimRight(opts.GmailBaseURL, "/"),
		gmailLabels: opts.GmailLabels,
	}
	if g.driveBase == "" {
		g.driveBase = defaultDriveBaseURL
	}
	if g.gmailBase == "" {
		g.gmailBase = defaultGmailBaseURL
	}
	if len(g.gmailLabels) == 0 {
		g.gmailLabels = []string{"INBOX", "SENT"}
	}
	return g
}

// Provider はプロバイダー名を返す。
func (g *Google) Provider() string { return config.ProviderGoogle }

// Layers はDriveとGmailのレイヤーを返す。
func (g *Google) Layers() []Layer {
	return []Layer{
		{Name: config.LayerGoogleDrive, Provider: config.ProviderGoogle, Folder: "drive", DisplayName: "Google Drive", Description: "マイドライブと共有ドライブのファイル"},
		{Name: config.LayerGmail, Provider: config.ProviderGoogle, Folder: "gmail", DisplayName: "Gmail", Description: "受信トレイと送信済みのメール"},
	}
}

// ListItems はレイヤーに応じてDriveまたはGmailを列挙する。
func (g *Google) ListItems(ctx context.Context, req Request) (*Listing, error) {
	switch req.Layer.Name {
	case config.LayerGoogleDrive:
		return g.listDrive(ctx, req)
	case config.LayerGmail:
		return g.listGmail(ctx, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer.Name)
}

// FetchContent はアイテムのコンテンツを返す。
func (g *Google) FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	if item.Content != nil {
		return inlineContent(item), nil
	}
	if item.Type == ItemTypeMessage {
		return g.fetchRawMessage(ctx, req, item)
	}
	return streamBody(ctx, req.Client, item.ContentURL, req.Credential.AccessToken)
}

// --- Drive ---

// Googleネイティブ形式のエクスポート先
var driveExports = map[string]struct {
	mime string
	ext  string
}{
	"application/vnd.google-apps.document":     {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx"},
	"application/vnd.google-apps.spreadsheet":  {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
	"application/vnd.google-apps.presentation": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
}

const (
	driveFolderMime = "application/vnd.google-apps.folder"
	driveNativeMime = "application/vnd.google-apps."
)

type driveContainer struct {
	ID   string
	Name string
	// Shared は共有ドライブかどうか。
	Shared bool
}

type driveFile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Parents      []string `json:"parents"`
	Size         string   `json:"size"`
	ModifiedTime string   `json:"modifiedTime"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

func (g *Google) listDrive(ctx context.Context, req Request) (*Listing, error) {
	containers := []driveContainer{{ID: "root", Name: "My Drive"}}

	pageToken := ""
	for {
		q := url.Values{"pageSize": {"100"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			Drives []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"drives"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := req.Client.GetJSON(ctx, g.driveBase+"/drives?"+q.Encode(), req.Credential.AccessToken, &page); err != nil {
			return nil, fmt.Errorf("failed to list shared drives: %w", err)
		}
		for _, d := range page.Drives {
			containers = append(containers, driveContainer{ID: d.ID, Name: d.Name, Shared: true})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	ns := req.Namespace()
	return forEachContainer(ctx, req, containers,
		func(c driveContainer) string { return c.Name },
		func(ctx context.Context, c driveContainer) ([]RemoteItem, error) {
			files, err := g.listDriveFiles(ctx, req, c)
			if err != nil {
				return nil, err
			}
			return g.driveItems(ns, c, files), nil
		},
	)
}

func (g *Google) listDriveFiles(ctx context.Context, req Request, c driveContainer) ([]driveFile, error) {
	var all []driveFile
	pageToken := ""
	for {
		q := url.Values{
			"pageSize": {"1000"},
			"fields":   {"nextPageToken,files(id,name,mimeType,parents,size,modifiedTime)"},
		}
		if c.Shared {
			q.Set("corpora", "drive")
			q.Set("driveId", c.ID)
			q.Set("includeItemsFromAllDrives", "true")
			q.Set("supportsAllDrives", "true")
			q.Set("q", "trashed = false")
		} else {
			q.Set("corpora", "user")
			q.Set("q", "'me' in owners and trashed = false")
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page driveFileList
		if err := req.Client.GetJSON(ctx, g.driveBase+"/files?"+q.Encode(), req.Credential.AccessToken, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Files...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// driveItems はファイル一覧からフォルダ階層を解決してアイテムに変換する。
func (g *Google) driveItems(ns string, c driveContainer, files []driveFile) []RemoteItem {
	folders := map[string]driveFile{}
	for _, f := range files {
		if f.MimeType == driveFolderMime {
			folders[f.ID] = f
		}
	}

	var items []RemoteItem
	for _, f := range files {
		if f.MimeType == driveFolderMime {
			continue
		}

		name := f.Name
		mime := f.MimeType
		contentURL := g.driveBase + "/files/" + url.PathEscape(f.ID) + "?alt=media&supportsAllDrives=true"
		if strings.HasPrefix(f.MimeType, driveNativeMime) {
			export, ok := driveExports[f.MimeType]
			if !ok {
				// ショートカット、フォームなどはエクスポートできない
				continue
			}
			name += export.ext
			mime = export.mime
			contentURL = g.driveBase + "/files/" + url.PathEscape(f.ID) + "/export?mimeType=" + url.QueryEscape(export.mime)
		}

		segments := append([]string{c.Name}, folderPath(folders, f.Parents)...)
		segments = append(segments, name)

		size, _ := strconv.ParseInt(f.Size, 10, 64)
		items = append(items, RemoteItem{
			FullPath:   BuildPath(ns, segments...),
			Type:       ItemTypeFile,
			Name:       name,
			RemoteID:   f.ID,
			Size:       size,
			MimeType:   mime,
			ModifiedAt: parseTime(f.ModifiedTime),
			ContentURL: contentURL,
		})
	}
	return items
}

// folderPath は親フォルダを辿ってルートからのフォルダ名を返す。
func folderPath(folders map[string]driveFile, parents []string) []string {
	var segments []string
	seen := map[string]bool{}
	for len(parents) > 0 {
		parent, ok := folders[parents[0]]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		segments = append([]string{parent.Name}, segments...)
		parents = parent.Parents
	}
	return segments
}

// --- Gmail ---

type gmailMessageMeta struct {
	ID           string `json:"id"`
	InternalDate string `json:"internalDate"`
	SizeEstimate int64  `json:"sizeEstimate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (g *Google) listGmail(ctx context.Context, req Request) (*Listing, error) {
	mailbox := req.Credential.UserEmail
	if mailbox == "" {
		mailbox = req.Credential.ProviderUserID
	}
	ns := req.Namespace()

	return forEachContainer(ctx, req, g.gmailLabels,
		func(label string) string { return label },
		func(ctx context.Context, label string) ([]RemoteItem, error) {
			ids, err := g.listMessageIDs(ctx, req, label)
			if err != nil {
				return nil, err
			}

			metas := make([]gmailMessageMeta, len(ids))
			err = runBounded(ctx, req.concurrency(), len(ids), func(ctx context.Context, i int) error {
				q := url.Values{"format": {"metadata"}, "metadataHeaders": {"Subject"}}
				return req.Client.GetJSON(ctx, g.gmailBase+"/messages/"+url.PathEscape(ids[i])+"?"+q.Encode(), req.Credential.AccessToken, &metas[i])
			})
			if err != nil {
				return nil, err
			}

			items := make([]RemoteItem, 0, len(metas))
			for _, m := range metas {
				subject := header(m, "Subject")
				name := messageFileName(subject, m.ID)
				items = append(items, RemoteItem{
					FullPath:   BuildPath(ns, mailbox, label, name),
					Type:       ItemTypeMessage,
					Name:       name,
					RemoteID:   m.ID,
					Size:       m.SizeEstimate,
					MimeType:   "message/rfc822",
					ModifiedAt: parseMillis(m.InternalDate),
					ContentURL: g.gmailBase + "/messages/" + url.PathEscape(m.ID) + "?format=raw",
				})
			}
			return items, nil
		},
	)
}

func (g *Google) listMessageIDs(ctx context.Context, req Request, label string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		q := url.Values{"labelIds": {label}, "maxResults": {"500"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := req.Client.GetJSON(ctx, g.gmailBase+"/messages?"+q.Encode(), req.Credential.AccessToken, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

// fetchRawMessage はRFC 822形式のメール本文を取得する。
func (g *Google) fetchRawMessage(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	var msg struct {
		Raw string `json:"raw"`
	}
	if err := req.Client.GetJSON(ctx, item.ContentURL, req.Credential.AccessToken, &msg); err != nil {
		return nil, err
	}
	raw, err := decodeBase64URL(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", item.RemoteID, err)
	}
	return inlineContent(RemoteItem{Content: raw}), nil
}

func header(m gmailMessageMeta, name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// messageFileName は件名とメッセージIDからファイル名を作る。
func messageFileName(subject, id string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return id + ".eml"
	}
	if r := []rune(subject); len(r) > 80 {
		subject = string(r[:80])
	}
	return subject + "_" + id + ".eml"
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
