// Package driver はプロバイダーごとのリモートアイテム列挙とコンテンツ取得を提供する。
// ドライバーは永続化に関与せず、渡されたアクセストークンとレイヤーだけで動作する。
package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrUnknownProvider は未登録のプロバイダーを表す。
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownLayer は未登録のレイヤーを表す。
	ErrUnknownLayer = errors.New("unknown layer")
)

// ItemType はリモートアイテムの種別。
type ItemType string

const (
	ItemTypeFile       ItemType = "file"
	ItemTypeMessage    ItemType = "message"
	ItemTypeIssue      ItemType = "issue"
	ItemTypePage       ItemType = "page"
	ItemTypeAttachment ItemType = "attachment"
)

// Layer はプロバイダーのデータのうち独立して連携・同期できる部分集合。
type Layer struct {
	Name     string
	Provider string
	// Folder は名前空間上のレイヤーフォルダ名。
	Folder string
	// TeamScoped はワークスペース単位でトークンが発行されるレイヤー。
	// 名前空間にチームのセグメントが入り、同期はチームごとに行う。
	TeamScoped  bool
	DisplayName string
	Description string
}

// NamespaceFor はユーザーとチームに対するこのレイヤーの名前空間を返す。
func (l Layer) NamespaceFor(userID, teamID string) string {
	if l.TeamScoped {
		return TeamNamespace(userID, l.Provider, l.Folder, teamID)
	}
	return Namespace(userID, l.Provider, l.Folder)
}

// Credential はドライバーに渡す復号済みの認証情報。
type Credential struct {
	UserID         string
	UserEmail      string
	AccessToken    string
	ProviderUserID string
	ProviderTeamID string
}

// APIClient はドライバーが使うHTTPクライアント。
type APIClient interface {
	GetJSON(ctx context.Context, rawURL, token string, out any) error
	PostJSON(ctx context.Context, rawURL, token string, payload, out any) error
	Get(ctx context.Context, rawURL, token string) (*http.Response, error)
}

// Request は1回の列挙またはコンテンツ取得の入力。
type Request struct {
	Credential  Credential
	Layer       Layer
	Client      APIClient
	Filter      Filter
	Concurrency int
	Logger      *slog.Logger
}

func (r Request) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Request) concurrency() int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	return defaultConcurrency
}

// Namespace はこのリクエストの名前空間を返す。チーム単位のレイヤーではチームの下になる。
func (r Request) Namespace() string {
	return r.Layer.NamespaceFor(r.Credential.UserID, r.Credential.ProviderTeamID)
}

// RemoteItem はリストで得られたリモートアイテム。永続化はしない。
type RemoteItem struct {
	// FullPath はオブジェクトストア上の保存先。同じリモートオブジェクトは常に同じパスになる。
	FullPath   string
	Type       ItemType
	Name       string
	RemoteID   string
	Size       int64
	MimeType   string
	ModifiedAt time.Time
	// Content は構造化アイテムの埋め込みコンテンツ。nilの場合はContentURLから取得する。
	Content    []byte
	ContentURL string
}

// Listing は列挙結果。
type Listing struct {
	Items            []RemoteItem
	Containers       int
	FailedContainers int
	Failures         []string
}

// Driver はプロバイダーファミリーごとの実装。
type Driver interface {
	Provider() string
	Layers() []Layer
	// ListItems はレイヤー配下のアイテムを最後のページまで列挙する。
	ListItems(ctx context.Context, req Request) (*Listing, error)
	// FetchContent はアイテムのコンテンツを返す。呼び出し側で閉じる。
	FetchContent(ctx context.Context, req Request, item RemoteItem) (io.ReadCloser, error)
}
