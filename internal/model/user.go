// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// PasswordHashが空のユーザーはOAuth専用アカウントとして扱う。
type User struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Picture      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードが設定済みかどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID         string
	UserID     string
	Attributes map[string]any
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// IsActive はnow時点でセッションが有効期限内かどうかを返す。
func (s *Session) IsActive(now time.Time) bool {
	return s.ExpiresAt.After(now)
}
