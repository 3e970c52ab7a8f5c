package model

import "time"

// Profile はプロフィールサービスが管理する公開プロフィールを表す。
// 本サービスからは読み取り専用。
type Profile struct {
	UserID      string
	Hash        string
	DisplayName string
	ImageURL    string
	Bio         string
	IsStaff     bool
}

// AuthSession は認証サービスが発行したログインセッションを表す。
type AuthSession struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
