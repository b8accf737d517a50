package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/datasync/internal/model"
)

func TestPostgresDataSourceRepo_ImplementsInterface(t *testing.T) {
	var _ DataSourceRepository = (*PostgresDataSourceRepo)(nil)
}

func newTestDataSource(userID, provider, layer string) *model.DataSource {
	now := time.Now()
	return &model.DataSource{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      provider + "/" + layer,
		Provider:  provider,
		Layer:     layer,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresDataSourceRepo_CreateIsUniquePerLayer(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresDataSourceRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db)

	created, err := repo.Create(ctx, newTestDataSource(userID, "google", "google_drive"))
	if err != nil || !created {
		t.Fatalf("1回目のCreate: created=%v err=%v", created, err)
	}
	created, err = repo.Create(ctx, newTestDataSource(userID, "google", "google_drive"))
	if err != nil {
		t.Fatalf("2回目のCreate: %v", err)
	}
	if created {
		t.Error("同じ(user, provider, layer)で2行目が作成されました")
	}

	list, err := repo.ListByUserID(ctx, userID)
	if err != nil {
		t.Fatalf("ListByUserID: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("行数 = %d, want 1", len(list))
	}
	if list[0].SyncStatus != model.SyncStatusUnsynced {
		t.Errorf("SyncStatus = %q, want unsynced", list[0].SyncStatus)
	}
}

func TestPostgresDataSourceRepo_TryStartSyncOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresDataSourceRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db)

	ds := newTestDataSource(userID, "slack", "slack_channels")
	if _, err := repo.Create(ctx, ds); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TryStartSync(ctx, ds.ID, time.Now())
			if err != nil {
				t.Errorf("TryStartSync: %v", err)
				return
			}
			if ok {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("開始できた件数 = %d, want 1", started)
	}

	got, _ := repo.FindByID(ctx, ds.ID)
	if got.SyncStatus != model.SyncStatusSyncing || got.SyncStartTime == nil {
		t.Errorf("状態 = %q, start=%v; want syncing with start time", got.SyncStatus, got.SyncStartTime)
	}
}

func TestPostgresDataSourceRepo_UpdateSyncStatusKeepsDeleted(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresDataSourceRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db)

	ds := newTestDataSource(userID, "atlassian", "jira")
	repo.Create(ctx, ds)
	repo.SetStatus(ctx, ds.ID, model.SyncStatusDeleted)

	err := repo.UpdateSyncStatus(ctx, model.SyncStatusUpdate{ID: ds.ID, Status: model.SyncStatusSynced, LastSync: 100})
	if err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}
	got, _ := repo.FindByID(ctx, ds.ID)
	if got.SyncStatus != model.SyncStatusDeleted {
		t.Errorf("切断済みの行が %q に上書きされました", got.SyncStatus)
	}
}

func TestPostgresDataSourceRepo_UpdateSyncStatusStoresResults(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresDataSourceRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db)

	ds := newTestDataSource(userID, "microsoft", "onedrive")
	repo.Create(ctx, ds)
	repo.TryStartSync(ctx, ds.ID, time.Now())

	results := json.RawMessage(`{"uploaded": 3}`)
	err := repo.UpdateSyncStatus(ctx, model.SyncStatusUpdate{
		ID:          ds.ID,
		Status:      model.SyncStatusSynced,
		LastSync:    1700000000,
		Progress:    model.SyncProgress{FilesProcessed: 3, FilesTotal: 3, BytesProcessed: 30, BytesTotal: 30},
		SyncResults: results,
	})
	if err != nil {
		t.Fatalf("UpdateSyncStatus: %v", err)
	}

	got, _ := repo.FindByID(ctx, ds.ID)
	if got.SyncStatus != model.SyncStatusSynced || got.LastSync != 1700000000 {
		t.Errorf("状態 = %q, last_sync = %d", got.SyncStatus, got.LastSync)
	}
	if got.FilesTotal != 3 || got.BytesProcessed != 30 {
		t.Errorf("進捗 = %+v", got.SyncProgress)
	}
	var decoded map[string]int
	if err := json.Unmarshal(got.SyncResults, &decoded); err != nil || decoded["uploaded"] != 3 {
		t.Errorf("sync_results = %s (err=%v)", got.SyncResults, err)
	}
}

func TestPostgresDataSourceRepo_ListDueForSyncRequiresLayerToken(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresDataSourceRepo(db)
	tokens := NewPostgresOAuthTokenRepo(db)
	ctx := context.Background()
	userID := createTestUser(t, db)

	drive := newTestDataSource(userID, "google", "google_drive")
	gmail := newTestDataSource(userID, "google", "gmail")
	repo.Create(ctx, drive)
	repo.Create(ctx, gmail)

	now := time.Now()
	tokens.Create(ctx, &model.OAuthToken{
		ID: uuid.NewString(), UserID: userID, Provider: "google",
		AccessToken: "enc", Layers: "google_drive", CreatedAt: now, UpdatedAt: now,
	})

	due, err := repo.ListDueForSync(ctx, now.Unix(), 100)
	if err != nil {
		t.Fatalf("ListDueForSync: %v", err)
	}
	var found []string
	for _, ds := range due {
		if ds.UserID == userID {
			found = append(found, ds.Layer)
		}
	}
	if len(found) != 1 || found[0] != "google_drive" {
		t.Errorf("対象レイヤー = %v, want [google_drive]", found)
	}
}
