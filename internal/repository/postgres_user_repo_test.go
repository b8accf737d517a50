package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// PostgresSessionRepoはSessionRepositoryインターフェースを満たすことを検証
func TestPostgresSessionRepo_ImplementsInterface(t *testing.T) {
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
}

// NewPostgresUserRepoが正しく初期化されることを検証
func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	repo := NewPostgresUserRepo(nil)
	if repo == nil {
		t.Fatal("NewPostgresUserRepo should return non-nil")
	}
}

// NewPostgresSessionRepoが正しく初期化されることを検証
func TestNewPostgresSessionRepo_Initializes(t *testing.T) {
	repo := NewPostgresSessionRepo(nil)
	if repo == nil {
		t.Fatal("NewPostgresSessionRepo should return non-nil")
	}
}

func TestPostgresUserRepo_FindByID(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresUserRepo(db)
	ctx := context.Background()

	userID := createTestUser(t, db)

	user, err := repo.FindByID(ctx, userID)
	if err != nil {
		t.Fatalf("FindByID でエラー: %v", err)
	}
	if user == nil {
		t.Fatal("作成したユーザーが取得できるべきです")
	}
	if user.Email != userID+"@example.com" {
		t.Errorf("Email = %q, want %q", user.Email, userID+"@example.com")
	}

	missing, err := repo.FindByID(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("存在しないIDでエラーを返すべきではありません: %v", err)
	}
	if missing != nil {
		t.Errorf("存在しないIDではnilを返すべきです: got %+v", missing)
	}
}

func TestPostgresSessionRepo_FindByID_SkipsExpired(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresSessionRepo(db)
	ctx := context.Background()

	userID := createTestUser(t, db)
	validID := uuid.NewString()
	expiredID := uuid.NewString()
	now := time.Now()
	for id, expiresAt := range map[string]time.Time{
		validID:   now.Add(time.Hour),
		expiredID: now.Add(-time.Hour),
	} {
		if _, err := db.Exec(
			`INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)`,
			id, userID, expiresAt,
		); err != nil {
			t.Fatalf("セッション作成に失敗: %v", err)
		}
	}

	session, err := repo.FindByID(ctx, validID)
	if err != nil {
		t.Fatalf("FindByID でエラー: %v", err)
	}
	if session == nil || session.UserID != userID {
		t.Fatalf("有効なセッションが取得できるべきです: got %+v", session)
	}

	expired, err := repo.FindByID(ctx, expiredID)
	if err != nil {
		t.Fatalf("FindByID でエラー: %v", err)
	}
	if expired != nil {
		t.Errorf("期限切れのセッションはnilであるべきです: got %+v", expired)
	}
}
