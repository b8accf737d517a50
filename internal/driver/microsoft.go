package driver

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/hitoshi/datasync/internal/config"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Microsoft はOneDriveのドライバー。
type Microsoft struct {
	graphBase string
}

// NewMicrosoft はOneDriveドライバーを生成する。graphBaseが空の場合はGraph APIを使う。
func NewMicrosoft(graphBase string) *Microsoft {
	graphBase = strings.TrimRight(graphBase, "/")
	if graphBase == "" {
		graphBase = defaultGraphBaseURL
	}
	return &Microsoft{graphBase: graphBase}
}

// Provider はプロバイダー名を返す。
func (m *Microsoft) Provider() string { return config.ProviderMicrosoft }

// Layers はOneDriveのレイヤーを返す。
func (m *Microsoft) Layers() []Layer {
	return []Layer{
		{Name: config.LayerOneDrive, Provider: config.ProviderMicrosoft, Folder: "onedrive", DisplayName: "OneDrive", Description: "OneDriveのファイル"},
	}
}

type graphItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	Folder               *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

type graphPage struct {
	Value    []graphItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// oneDriveContainer はルート直下のフォルダ、またはルート直下のファイル群。
type oneDriveContainer struct {
	folder *graphItem
	files  []graphItem
}

// ListItems はルート直下のフォルダごとに再帰的にファイルを列挙する。
func (m *Microsoft) ListItems(ctx context.Context, req Request) (*Listing, error) {
	if req.Layer.Name != config.LayerOneDrive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, req.Layer.Name)
	}

	rootChildren, err := m.children(ctx, req, m.graphBase+"/me/drive/root/children")
	if err != nil {
		return nil, fmt.Errorf("failed to list drive root: %w", err)
	}

	var containers []oneDriveContainer
	rootFiles := oneDriveContainer{}
	for i := range rootChildren {
		it := rootChildren[i]
		switch {
		case it.Folder != nil:
			containers = append(containers, oneDriveContainer{folder: &it})
		case it.File != nil:
			rootFiles.files = append(rootFiles.files, it)
		}
	}
	if len(rootFiles.files) > 0 {
		containers = append(containers, rootFiles)
	}

	ns := req.Namespace()
	return forEachContainer(ctx, req, containers,
		func(c oneDriveContainer) string {
			if c.folder == nil {
				return "/"
			}
			return c.folder.Name
		},
		func(ctx context.Context, c oneDriveContainer) ([]RemoteItem, error) {
			if c.folder == nil {
				items := make([]RemoteItem, 0, len(c.files))
				for _, f := range c.files {
					items = append(items, m.fileItem(ns, nil, f))
				}
				return items, nil
			}
			return m.walk(ctx, req, ns, []string{c.folder.Name}, c.folder.ID)
		},
	)
}

// walk はフォルダ配下を深さ優先で辿る。
func (m *Microsoft) walk(ctx context.Context, req Request, ns string, dirs []string, folderID string) ([]RemoteItem, error) {
	children, err := m.children(ctx, req, m.graphBase+"/me/drive/items/"+url.PathEscape(folderID)+"/children")
	if err != nil {
		return nil, err
	}

	var items []RemoteItem
	for _, it := range children {
		switch {
		case it.Folder != nil:
			sub, err := m.walk(ctx, req, ns, append(append([]string{}, dirs...), it.Name), it.ID)
			if err != nil {
				return nil, err
			}
			items = append(items, sub...)
		case it.File != nil:
			items = append(items, m.fileItem(ns, dirs, it))
		}
	}
	return items, nil
}

// children は@odata.nextLinkを辿って子アイテムをすべて取得する。
func (m *Microsoft) children(ctx context.Context, req Request, next string) ([]graphItem, error) {
	var all []graphItem
	for next != "" {
		var page graphPage
		if err := req.Client.GetJSON(ctx, next, req.Credential.AccessToken, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

func (m *Microsoft) fileItem(ns string, dirs []string, it graphItem) RemoteItem {
	segments := append(append([]string{}, dirs...), it.Name)
	mime := ""
	if it.File != nil {
		mime = it.File.MimeType
	}
	return RemoteItem{
		FullPath:   BuildPath(ns, segments...),
		Type:       ItemTypeFile,
		Name:       it.Name,
		RemoteID:   it.ID,
		Size:       it.Size,
		MimeType:   mime,
		ModifiedAt: parseTime(it.LastModifiedDateTime),
		ContentURL: m.graphBase + "/me/drive/items/" + url.PathEscape(it.ID) + "/content",
	}
}

// FetchContent はファイルの内容をストリームで返す。
func (m *Microsoft) FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error) {
	if item.Content != nil {
		return inlineContent(item), nil
	}
	return streamBody(ctx, req.Client, item.ContentURL, req.Credential.AccessToken)
}
