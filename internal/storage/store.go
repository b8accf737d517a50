// Package storage は同期したオブジェクトを保存するオブジェクトストアを提供する。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// copyBufferSize はアップロード時のコピー単位。
const copyBufferSize = 1 << 20

// defaultPageSize は一覧取得の既定ページサイズ。
const defaultPageSize = 1000

// ErrInvalidName はオブジェクト名が不正であることを表す。
var ErrInvalidName = errors.New("invalid object name")

// Object はオブジェクトストア上の保存済みオブジェクト。
type Object struct {
	Name string
	Size int64
	// Updated はオブジェクトの保存時刻。
	Updated time.Time
}

// ObjectStore はオブジェクトストアのインターフェース。
type ObjectStore interface {
	// ListPage はprefixで始まるオブジェクトを名前順に最大limit件返す。
	// cursorは前ページの戻り値で、空の場合は先頭から取得する。次ページがない場合nextは空。
	ListPage(ctx context.Context, prefix, cursor string, limit int) (objects []Object, next string, err error)
	// Put はオブジェクトを保存し、書き込んだバイト数を返す。
	Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error)
	// Delete はオブジェクトを削除する。存在しない場合は何もしない。
	Delete(ctx context.Context, name string) error
	// DeleteByPrefix はprefixで始まるオブジェクトをすべて削除し、削除件数を返す。
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// ListAll はページングして全件を取得する。
func ListAll(ctx context.Context, store ObjectStore, prefix string) ([]Object, error) {
	var all []Object
	cursor := ""
	for {
		page, next, err := store.ListPage(ctx, prefix, cursor, defaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// AferoStore はafero.Fs上にオブジェクトを保存する実装。
// オブジェクト名の "/" をディレクトリ区切りとして扱う。
type AferoStore struct {
	fs afero.Fs
}

// NewAferoStore は指定Fsを使うAferoStoreを生成する。
func NewAferoStore(fs afero.Fs) *AferoStore {
	return &AferoStore{fs: fs}
}

// NewOsStore はrootディレクトリ配下にオブジェクトを保存するAferoStoreを生成する。
func NewOsStore(root string) (*AferoStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return NewAferoStore(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// ListPage はprefixで始まるオブジェクトを名前順に返す。
func (s *AferoStore) ListPage(ctx context.Context, prefix, cursor string, limit int) ([]Object, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	names, err := s.walk(ctx, prefix)
	if err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(names, cursor)
		if start < len(names) && names[start] == cursor {
			start++
		}
	}

	var objects []Object
	for i := start; i < len(names) && len(objects) < limit; i++ {
		info, err := s.fs.Stat(toFsPath(names[i]))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, "", fmt.Errorf("failed to stat object %s: %w", names[i], err)
		}
		objects = append(objects, Object{Name: names[i], Size: info.Size(), Updated: info.ModTime()})
	}

	next := ""
	if len(objects) == limit && len(objects) > 0 {
		last := objects[len(objects)-1].Name
		if idx := sort.SearchStrings(names, last); idx < len(names)-1 {
			next = last
		}
	}
	return objects, next, nil
}

// walk はprefixを含むディレクトリを走査し、prefixに一致する名前を昇順で返す。
func (s *AferoStore) walk(ctx context.Context, prefix string) ([]string, error) {
	root := "/"
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		root = toFsPath(prefix[:i])
	}

	exists, err := afero.DirExists(s.fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to check directory %s: %w", root, err)
	}
	if !exists {
		return nil, nil
	}

	var names []string
	err = afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tmpPrefix) {
			return nil
		}
		name := strings.TrimPrefix(path.Clean("/"+p), "/")
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// tmpPrefix は書き込み途中の一時ファイルの接頭辞。一覧には含めない。
const tmpPrefix = ".upload-"

// Put はオブジェクトを一時ファイルに書き込んでから置き換える。
func (s *AferoStore) Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p := toFsPath(name)
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, tmpPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(tmp, contextReader{ctx: ctx, r: r}, buf)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to write object %s: %w", name, err)
	}

	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return 0, fmt.Errorf("failed to commit object %s: %w", name, err)
	}
	return n, nil
}

// Delete はオブジェクトを削除する。
func (s *AferoStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(toFsPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", name, err)
	}
	return nil
}

// DeleteByPrefix はprefixで始まるオブジェクトを削除する。
// prefixが "/" で終わる場合は空になったディレクトリも削除する。
func (s *AferoStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("%w: refusing to delete by empty prefix", ErrInvalidName)
	}

	names, err := s.walk(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted++
	}

	if strings.HasSuffix(prefix, "/") {
		if err := s.fs.RemoveAll(toFsPath(strings.TrimSuffix(prefix, "/"))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("failed to remove directory %s: %w", prefix, err)
		}
	}
	return deleted, nil
}

func toFsPath(name string) string {
	return "/" + strings.TrimPrefix(name, "/")
}

func validateName(name string) error {
	if name == "" || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// contextReader はコンテキストのキャンセルで読み込みを中断する。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ ObjectStore = (*AferoStore)(nil)
