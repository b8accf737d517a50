package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func putString(t *testing.T, s *AferoStore, name, content string) {
	t.Helper()
	if _, err := s.Put(context.Background(), name, strings.NewReader(content), "text/plain"); err != nil {
		t.Fatalf("Put(%q) error = %v", name, err)
	}
}

func TestAferoStore_PutAndList(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())

	n, err := s.Put(context.Background(), "u1/google/drive/a.txt", strings.NewReader("hello"), "text/plain")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if n != 5 {
		t.Errorf("書き込みバイト数 = %d, want 5", n)
	}
	putString(t, s, "u1/google/drive/sub/b.txt", "world!")

	objects, err := ListAll(context.Background(), s, "u1/google/drive/")
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("オブジェクト数 = %d, want 2", len(objects))
	}
	if objects[0].Name != "u1/google/drive/a.txt" || objects[1].Name != "u1/google/drive/sub/b.txt" {
		t.Errorf("名前順で返すべき: %v", objects)
	}
	if objects[1].Size != 6 {
		t.Errorf("Size = %d, want 6", objects[1].Size)
	}
	if objects[0].Updated.IsZero() {
		t.Error("Updatedが設定されていない")
	}
}

func TestAferoStore_ListPrefixIsolation(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	putString(t, s, "u1/slack/channels/general/2025-01-01.json", "{}")
	putString(t, s, "u1/slack/dms/alice/2025-01-01.json", "{}")
	putString(t, s, "u1/slack/channels-archive/x.json", "{}")
	putString(t, s, "u2/slack/channels/general/2025-01-01.json", "{}")

	objects, err := ListAll(context.Background(), s, "u1/slack/channels/")
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(objects) != 1 || objects[0].Name != "u1/slack/channels/general/2025-01-01.json" {
		t.Errorf("prefix外のオブジェクトが含まれている: %v", objects)
	}
}

func TestAferoStore_ListPaging(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	for i := 0; i < 5; i++ {
		putString(t, s, fmt.Sprintf("u1/p/l/%d.txt", i), "x")
	}

	var names []string
	cursor := ""
	pages := 0
	for {
		page, next, err := s.ListPage(context.Background(), "u1/p/l/", cursor, 2)
		if err != nil {
			t.Fatalf("ListPage() error = %v", err)
		}
		pages++
		for _, o := range page {
			names = append(names, o.Name)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if pages != 3 {
		t.Errorf("ページ数 = %d, want 3", pages)
	}
	if len(names) != 5 {
		t.Errorf("取得件数 = %d, want 5: %v", len(names), names)
	}
}

func TestAferoStore_ListMissingPrefix(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())

	objects, err := ListAll(context.Background(), s, "nobody/google/drive/")
	if err != nil {
		t.Fatalf("存在しないprefixはエラーにすべきではない: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("オブジェクト数 = %d, want 0", len(objects))
	}
}

func TestAferoStore_PutOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewAferoStore(fs)
	putString(t, s, "u1/p/l/a.txt", "first version")
	putString(t, s, "u1/p/l/a.txt", "v2")

	data, err := afero.ReadFile(fs, "/u1/p/l/a.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("内容 = %q, want v2", data)
	}

	objects, _ := ListAll(context.Background(), s, "u1/p/l/")
	if len(objects) != 1 {
		t.Errorf("一時ファイルが一覧に残っている: %v", objects)
	}
}

func TestAferoStore_Delete(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	putString(t, s, "u1/p/l/a.txt", "x")

	if err := s.Delete(context.Background(), "u1/p/l/a.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(context.Background(), "u1/p/l/a.txt"); err != nil {
		t.Errorf("存在しないオブジェクトの削除はnilを返すべき: %v", err)
	}
}

func TestAferoStore_DeleteByPrefix(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	putString(t, s, "u1/google/gmail/INBOX/1.eml", "x")
	putString(t, s, "u1/google/gmail/SENT/2.eml", "x")
	putString(t, s, "u1/google/drive/a.txt", "x")

	n, err := s.DeleteByPrefix(context.Background(), "u1/google/gmail/")
	if err != nil {
		t.Fatalf("DeleteByPrefix() error = %v", err)
	}
	if n != 2 {
		t.Errorf("削除件数 = %d, want 2", n)
	}

	remaining, _ := ListAll(context.Background(), s, "u1/google/")
	if len(remaining) != 1 || remaining[0].Name != "u1/google/drive/a.txt" {
		t.Errorf("別レイヤーのオブジェクトが削除された: %v", remaining)
	}
}

func TestAferoStore_DeleteByPrefixRejectsEmpty(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	if _, err := s.DeleteByPrefix(context.Background(), "/"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("空のprefixは拒否すべき: %v", err)
	}
}

func TestAferoStore_InvalidNames(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())
	for _, name := range []string{"", "a/../b", "a//b", "dir/"} {
		if _, err := s.Put(context.Background(), name, strings.NewReader("x"), ""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Put(%q) はErrInvalidNameを返すべき: %v", name, err)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestAferoStore_PutFailureLeavesNoObject(t *testing.T) {
	s := NewAferoStore(afero.NewMemMapFs())

	if _, err := s.Put(context.Background(), "u1/p/l/a.txt", failingReader{}, ""); err == nil {
		t.Fatal("読み込み失敗はエラーを返すべき")
	}
	objects, _ := ListAll(context.Background(), s, "u1/")
	if len(objects) != 0 {
		t.Errorf("失敗したアップロードが残っている: %v", objects)
	}
}
