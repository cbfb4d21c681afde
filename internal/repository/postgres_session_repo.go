package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
// AttributesはdataカラムにJSONとして保存する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	data, err := encodeAttributes(session.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode session attributes: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, data, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, data, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT id, user_id, data, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// FindActiveByUserID はnow時点で有効なユーザーのセッションを1件取得する。
// 複数ある場合は有効期限が最も遅いものを返す。
func (r *PostgresSessionRepo) FindActiveByUserID(ctx context.Context, userID string, now time.Time) (*model.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT id, user_id, data, expires_at, created_at
		 FROM sessions
		 WHERE user_id = $1 AND expires_at >= $2
		 ORDER BY expires_at DESC
		 LIMIT 1`,
		userID, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*model.Session, error) {
	session := &model.Session{}
	var data []byte
	err := row.Scan(&session.ID, &session.UserID, &data, &session.ExpiresAt, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	attrs, err := decodeAttributes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session attributes: %w", err)
	}
	session.Attributes = attrs
	return session, nil
}

// encodeAttributes はセッション属性をJSONに変換する。nilは空オブジェクトとする。
func encodeAttributes(attrs map[string]any) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func decodeAttributes(data []byte) (map[string]any, error) {
	attrs := map[string]any{}
	if len(data) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
