package model

import "time"

// User はサービス利用ユーザーを表す。
// ユーザー情報はプロダクト側のIDストアが管理し、本サービスは参照のみ行う。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
