// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// SyncStatus はデータソースの同期状態を表す。
type SyncStatus string

const (
	// SyncStatusUnsynced は一度も同期していない、または同期がリセットされた状態。
	SyncStatusUnsynced SyncStatus = "unsynced"
	// SyncStatusSyncing は同期ジョブが実行中の状態。
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced は直近の同期が成功した状態。
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusError は直近の同期が失敗した状態。
	SyncStatusError SyncStatus = "error"
	// SyncStatusDeleting は切断処理中の状態。
	SyncStatusDeleting SyncStatus = "deleting"
	// SyncStatusDeleted は切断済み（論理削除）の状態。
	SyncStatusDeleted SyncStatus = "deleted"
)

// CanStartSync は同期ジョブを開始できる状態かを返す。
func (s SyncStatus) CanStartSync() bool {
	switch s {
	case SyncStatusSyncing, SyncStatusDeleting, SyncStatusDeleted:
		return false
	default:
		return true
	}
}

// DataSource は (user, provider, layer) ごとの同期対象を表す。
// (UserID, Provider, Layer) の組は一意。
type DataSource struct {
	ID         string
	UserID     string
	Name       string
	Context    string
	Permission string
	Provider   string
	Layer      string
	SyncStatus SyncStatus
	// LastSync は最終同期時刻（epoch秒）。未同期の場合は0。
	LastSync      int64
	SyncStartTime *time.Time
	SyncProgress
	SyncResults json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncProgress は同期中の進捗カウンタ。
type SyncProgress struct {
	FilesProcessed int
	FilesTotal     int
	BytesProcessed int64
	BytesTotal     int64
}

// SyncStatusUpdate は同期状態の単一行更新内容。
type SyncStatusUpdate struct {
	ID          string
	Status      SyncStatus
	LastSync    int64
	Progress    SyncProgress
	SyncResults json.RawMessage
}
