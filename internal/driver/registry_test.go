package driver

import (
	"context"
	"errors"
	"io"
	"testing"
)

type stubDriver struct {
	provider string
	layers   []Layer
}

func (s *stubDriver) Provider() string { return s.provider }
func (s *stubDriver) Layers() []Layer  { return s.layers }
func (s *stubDriver) ListItems(context.Context, Request) (*Listing, error) {
	return &Listing{}, nil
}
func (s *stubDriver) FetchContent(context.Context, Request, RemoteItem) (io.ReadCloser, error) {
	return nil, nil
}

func TestRegistry_ResolveLayer(t *testing.T) {
	r, err := NewRegistry(
		&stubDriver{provider: "p1", layers: []Layer{{Name: "a", Provider: "p1"}, {Name: "b", Provider: "p1"}}},
		&stubDriver{provider: "p2", layers: []Layer{{Name: "c", Provider: "p2"}}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	l, err := r.ResolveLayer("p1", "")
	if err != nil || l.Name != "a" {
		t.Errorf("空のレイヤーは最初のレイヤーになるはず: %+v, %v", l, err)
	}
	l, err = r.ResolveLayer("p1", "b")
	if err != nil || l.Name != "b" {
		t.Errorf("ResolveLayer(p1, b) = %+v, %v", l, err)
	}
	if _, err := r.ResolveLayer("p1", "c"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("他プロバイダーのレイヤーはErrUnknownLayerのはず: %v", err)
	}
	if _, err := r.ResolveLayer("nope", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("未登録のプロバイダーはErrUnknownProviderのはず: %v", err)
	}
	if got := len(r.AllLayers()); got != 3 {
		t.Errorf("AllLayers の件数 = %d, want 3", got)
	}
	if got := r.Providers(); len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Errorf("Providers = %v, want [p1 p2]", got)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r, _ := NewRegistry(&stubDriver{provider: "p1", layers: []Layer{{Name: "a"}}})
	if err := r.Register(&stubDriver{provider: "p1"}); err == nil {
		t.Error("重複したプロバイダーはエラーになるはず")
	}
	if err := r.Register(&stubDriver{provider: "p3", layers: []Layer{{Name: "a"}}}); err == nil {
		t.Error("重複したレイヤーはエラーになるはず")
	}
}

func TestDefaultRegistryLayers(t *testing.T) {
	h, err := NewHandbook(HandbookOptions{BaseURL: "https://handbook.example.com"})
	if err != nil {
		t.Fatalf("NewHandbook: %v", err)
	}
	r, err := NewRegistry(
		NewGoogle(GoogleOptions{}),
		NewMicrosoft(""),
		NewSlack(SlackOptions{}),
		NewAtlassian(AtlassianOptions{}),
		h,
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := len(r.AllLayers()); got != 8 {
		t.Errorf("全レイヤー数 = %d, want 8", got)
	}
	for _, l := range r.AllLayers() {
		if l.Folder == "" || l.Provider == "" {
			t.Errorf("レイヤー %s のFolder/Providerが空です", l.Name)
		}
	}
}
