package syncjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/hitoshi/datasync/internal/credential"
	"github.com/hitoshi/datasync/internal/datasource"
	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/reconcile"
	"github.com/hitoshi/datasync/internal/storage"
)

var testModified = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- memDataSourceRepo ---

// memDataSourceRepo はDataSourceRepositoryのインメモリ実装。状態遷移を記録する。
type memDataSourceRepo struct {
	mu       sync.Mutex
	rows     map[string]*model.DataSource
	seq      int
	history  map[string][]model.SyncStatus
	progress map[string][]model.SyncProgress

	updateSyncStatusErr error
	listDueFunc         func(before int64, limit int) ([]*model.DataSource, error)
}

func newMemDataSourceRepo() *memDataSourceRepo {
	return &memDataSourceRepo{
		rows:     map[string]*model.DataSource{},
		history:  map[string][]model.SyncStatus{},
		progress: map[string][]model.SyncProgress{},
	}
}

func (m *memDataSourceRepo) clone(ds *model.DataSource) *model.DataSource {
	c := *ds
	return &c
}

func (m *memDataSourceRepo) FindByID(_ context.Context, id string) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.rows[id]; ok {
		return m.clone(ds), nil
	}
	return nil, nil
}

func (m *memDataSourceRepo) FindByUserProviderLayer(_ context.Context, userID, provider, layer string) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ds := range m.rows {
		if ds.UserID == userID && ds.Provider == provider && ds.Layer == layer {
			return m.clone(ds), nil
		}
	}
	return nil, nil
}

func (m *memDataSourceRepo) FindByUserAndAction(_ context.Context, userID, provider string) (*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.DataSource
	for _, ds := range m.rows {
		if ds.UserID == userID && ds.Provider == provider {
			if latest == nil || ds.UpdatedAt.After(latest.UpdatedAt) {
				latest = ds
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	return m.clone(latest), nil
}

func (m *memDataSourceRepo) ListByUserID(_ context.Context, userID string) ([]*model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DataSource
	for _, ds := range m.rows {
		if ds.UserID == userID {
			out = append(out, m.clone(ds))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDataSourceRepo) Create(_ context.Context, ds *model.DataSource) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == ds.UserID && row.Provider == ds.Provider && row.Layer == ds.Layer {
			return false, nil
		}
	}
	if ds.ID == "" {
		m.seq++
		ds.ID = fmt.Sprintf("ds-%d", m.seq)
	}
	m.rows[ds.ID] = m.clone(ds)
	return true, nil
}

func (m *memDataSourceRepo) TryStartSync(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.rows[id]
	if !ok || !ds.SyncStatus.CanStartSync() {
		return false, nil
	}
	ds.SyncStatus = model.SyncStatusSyncing
	ds.SyncStartTime = &now
	ds.SyncProgress = model.SyncProgress{}
	m.history[id] = append(m.history[id], model.SyncStatusSyncing)
	return true, nil
}

func (m *memDataSourceRepo) UpdateSyncStatus(_ context.Context, u model.SyncStatusUpdate) error {
	if m.updateSyncStatusErr != nil {
		return m.updateSyncStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.rows[u.ID]
	if !ok || ds.SyncStatus == model.SyncStatusDeleting || ds.SyncStatus == model.SyncStatusDeleted {
		return nil
	}
	ds.SyncStatus = u.Status
	ds.LastSync = u.LastSync
	ds.SyncProgress = u.Progress
	ds.SyncResults = u.SyncResults
	m.history[u.ID] = append(m.history[u.ID], u.Status)
	return nil
}

func (m *memDataSourceRepo) UpdateProgress(_ context.Context, id string, p model.SyncProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.rows[id]; ok {
		ds.SyncProgress = p
	}
	m.progress[id] = append(m.progress[id], p)
	return nil
}

func (m *memDataSourceRepo) SetStatus(_ context.Context, id string, status model.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.rows[id]; ok {
		ds.SyncStatus = status
		m.history[id] = append(m.history[id], status)
	}
	return nil
}

func (m *memDataSourceRepo) ListDueForSync(_ context.Context, before int64, limit int) ([]*model.DataSource, error) {
	if m.listDueFunc != nil {
		return m.listDueFunc(before, limit)
	}
	return nil, nil
}

func (m *memDataSourceRepo) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memDataSourceRepo) statusHistory(id string) []model.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SyncStatus(nil), m.history[id]...)
}

// --- stubTokens ---

// stubTokens はtoken、extraの順を新しい順として返す。
type stubTokens struct {
	token       *model.OAuthToken
	extra       []*model.OAuthToken
	findErr     error
	access      string
	needsReauth bool
	refreshErr  error
}

func (s *stubTokens) ListForLayer(_ context.Context, userID, provider, layer string) ([]*model.OAuthToken, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []*model.OAuthToken
	for _, tok := range append([]*model.OAuthToken{s.token}, s.extra...) {
		if tok != nil && credential.HasLayer(tok.Layers, layer) {
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		return nil, credential.ErrTokenNotFound
	}
	return out, nil
}

func (s *stubTokens) RefreshIfNeeded(_ context.Context, tok *model.OAuthToken) (string, bool, error) {
	if s.refreshErr != nil {
		return "", false, s.refreshErr
	}
	return s.access, s.needsReauth, nil
}

// --- stubReauth ---

type stubReauth struct{}

func (stubReauth) AuthorizationURL(_ context.Context, userID, provider, layer string) (string, error) {
	return "https://auth.example.com/authorize?layer=" + layer, nil
}

// --- stubUsers ---

type stubUsers struct{}

func (stubUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, Email: id + "@example.com"}, nil
}

// --- stubClient ---

type stubClient struct{}

func (stubClient) GetJSON(context.Context, string, string, any) error { return nil }
func (stubClient) PostJSON(context.Context, string, string, any, any) error {
	return nil
}
func (stubClient) Get(context.Context, string, string) (*http.Response, error) {
	return nil, errors.New("not implemented")
}
func (stubClient) Calls() int64         { return 7 }
func (stubClient) RateLimitHits() int64 { return 1 }

// --- stubDriver ---

// stubDriver は固定のアイテムを返すドライバー。
// チーム単位のレイヤーではteamItemsをProviderTeamIDで引く。
type stubDriver struct {
	mu        sync.Mutex
	items     []driver.RemoteItem
	teamItems map[string][]driver.RemoteItem
	listErr   error
	block     chan struct{}
	creds     []driver.Credential
}

var (
	stubLayer     = driver.Layer{Name: "stub_files", Provider: "stub", Folder: "files", DisplayName: "Stub Files"}
	stubTeamLayer = driver.Layer{Name: "stub_team", Provider: "stub", Folder: "team", DisplayName: "Stub Team", TeamScoped: true}
)

func (d *stubDriver) Provider() string       { return "stub" }
func (d *stubDriver) Layers() []driver.Layer { return []driver.Layer{stubLayer, stubTeamLayer} }

func (d *stubDriver) ListItems(ctx context.Context, req driver.Request) (*driver.Listing, error) {
	d.mu.Lock()
	d.creds = append(d.creds, req.Credential)
	block := d.block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.listErr != nil {
		return nil, d.listErr
	}
	src := d.items
	if req.Layer.TeamScoped {
		d.mu.Lock()
		src = d.teamItems[req.Credential.ProviderTeamID]
		d.mu.Unlock()
	}
	ns := req.Namespace()
	items := make([]driver.RemoteItem, 0, len(src))
	for _, it := range src {
		it.FullPath = ns + it.FullPath
		items = append(items, it)
	}
	return &driver.Listing{Items: items, Containers: 1}, nil
}

func (d *stubDriver) FetchContent(_ context.Context, _ driver.Request, item driver.RemoteItem) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(item.Content)), nil
}

func stubItem(path, content string) driver.RemoteItem {
	return driver.RemoteItem{
		FullPath:   path,
		Name:       path,
		Type:       driver.ItemTypeFile,
		RemoteID:   path,
		Size:       int64(len(content)),
		ModifiedAt: testModified,
		Content:    []byte(content),
	}
}

// --- fixture ---

type fixture struct {
	repo   *memDataSourceRepo
	tokens *stubTokens
	drv    *stubDriver
	store  *storage.AferoStore
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo: newMemDataSourceRepo(),
		tokens: &stubTokens{
			token:  &model.OAuthToken{ID: "tok-1", UserID: "user-1", Provider: "stub", ProviderUserID: "remote-1", Layers: "stub_files"},
			access: "access-token",
		},
		drv: &stubDriver{items: []driver.RemoteItem{
			stubItem("a.txt", "alpha"),
			stubItem("dir/b.txt", "bravo"),
		}},
		store: storage.NewAferoStore(afero.NewMemMapFs()),
	}

	registry, err := driver.NewRegistry(f.drv)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.orch = NewOrchestrator(Options{
		DataSources: f.repo,
		Ensurer:     datasource.NewService(f.repo, registry, discardLogger()),
		Tokens:      f.tokens,
		Users:       stubUsers{},
		Drivers:     registry,
		Reconciler:  reconcile.New(f.store, reconcile.Options{Concurrency: 2, Logger: discardLogger()}),
		Clients:     func(string) JobClient { return stubClient{} },
		Reauth:      stubReauth{},
		Concurrency: 2,
		Logger:      discardLogger(),
	})
	return f
}

func (f *fixture) ensure(t *testing.T) *model.DataSource {
	t.Helper()
	ds, err := f.orch.ensurer.Ensure(context.Background(), "user-1", "stub", "stub_files")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return ds
}

func decodeSummary(t *testing.T, raw json.RawMessage) Summary {
	t.Helper()
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("sync_resultsのデコードに失敗しました: %v (%s)", err, raw)
	}
	return s
}
