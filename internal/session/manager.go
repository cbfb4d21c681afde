// Package session はサーバーサイドセッションの発行とセッションCookieの生成を提供する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// DefaultCookieName はセッションCookieのデフォルト名。
const DefaultCookieName = "auth_session"

// Store はセッションマネージャーが必要とする永続化インターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByUserID(ctx context.Context, userID string, now time.Time) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// Config はセッションマネージャーの設定。
type Config struct {
	CookieName string
	MaxAge     time.Duration // セッションの有効期間
	Secure     bool          // 本番環境でのみtrue
	Domain     string
}

// Manager はセッションの作成・検証・無効化とCookie生成を行う。
// 同一ユーザーのセッション再利用の判断は呼び出し側が行う。
type Manager struct {
	store  Store
	config Config
	now    func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(store Store, config Config) *Manager {
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	return &Manager{
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// CookieName はセッションCookieの名前を返す。
func (m *Manager) CookieName() string {
	return m.config.CookieName
}

// CreateSession は新しいセッションを必ず1件作成し永続化する。
func (m *Manager) CreateSession(ctx context.Context, userID string, attributes map[string]any) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	if attributes == nil {
		attributes = map[string]any{}
	}

	now := m.now()
	session := &model.Session{
		ID:         sessionID,
		UserID:     userID,
		Attributes: attributes,
		ExpiresAt:  now.Add(m.config.MaxAge),
		CreatedAt:  now,
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// FindActiveSession は現在時刻で有効期限内のユーザーのセッションを返す。
// 該当がない場合はnilを返す。
func (m *Manager) FindActiveSession(ctx context.Context, userID string) (*model.Session, error) {
	session, err := m.store.FindActiveByUserID(ctx, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return session, nil
}

// ValidateSession はセッションIDから有効なセッションを取得する。
// 存在しない、または期限切れの場合はnilを返す。
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.IsActive(m.now()) {
		return nil, nil
	}
	return session, nil
}

// InvalidateSession はセッションを削除する。
func (m *Manager) InvalidateSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// CreateSessionCookie はセッションIDからセッションCookieを生成する。
// 同じセッションIDからは常に同じCookieが生成される。
func (m *Manager) CreateSessionCookie(sessionID string) *http.Cookie {
	return &http.Cookie{
		Name:     m.config.CookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   m.config.Domain,
		MaxAge:   int(m.config.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// CreateBlankSessionCookie はクライアントのセッションCookieを即時に破棄させるCookieを生成する。
func (m *Manager) CreateBlankSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
