package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// SQLiteSessionRepo はSQLiteを使用したセッションリポジトリ。
type SQLiteSessionRepo struct {
	db *sql.DB
}

// NewSQLiteSessionRepo はSQLiteSessionRepoを生成する。
func NewSQLiteSessionRepo(db *sql.DB) *SQLiteSessionRepo {
	return &SQLiteSessionRepo{db: db}
}

const sessionColumns = `platform, kind, access_token, refresh_token, instance_base_url,
	 handle, session_token, did, expires_at, created_at, updated_at`

// Load は保存されている全プラットフォームのセッションを取得する。
func (r *SQLiteSessionRepo) Load(ctx context.Context) (map[model.Platform]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[model.Platform]*model.Session)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions[session.Platform] = session
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// Find は指定プラットフォームのセッションを取得する。見つからない場合はnilを返す。
func (r *SQLiteSessionRepo) Find(ctx context.Context, platform model.Platform) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE platform = ?`,
		string(platform),
	)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}

// Save はセッションをUPSERTする。
// 置き換えは1文で行われるため、途中状態が観測されることはない。
func (r *SQLiteSessionRepo) Save(ctx context.Context, session *model.Session) error {
	var expiresAt sql.NullTime
	if session.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *session.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (platform, kind, access_token, refresh_token, instance_base_url,
		                       handle, session_token, did, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET
		   kind = excluded.kind,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   instance_base_url = excluded.instance_base_url,
		   handle = excluded.handle,
		   session_token = excluded.session_token,
		   did = excluded.did,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		string(session.Platform), string(session.Kind),
		session.AccessToken, session.RefreshToken, session.InstanceBaseURL,
		session.Handle, session.SessionToken, session.DID,
		expiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete は指定プラットフォームのセッションを削除する。
func (r *SQLiteSessionRepo) Delete(ctx context.Context, platform model.Platform) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE platform = ?`,
		string(platform),
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession は1行をSessionにスキャンする。
func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var platform, kind string
	var expiresAt sql.NullTime

	err := row.Scan(
		&platform, &kind,
		&session.AccessToken, &session.RefreshToken, &session.InstanceBaseURL,
		&session.Handle, &session.SessionToken, &session.DID,
		&expiresAt, &session.CreatedAt, &session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.Platform = model.Platform(platform)
	session.Kind = model.SessionKind(kind)
	if expiresAt.Valid {
		t := expiresAt.Time
		session.ExpiresAt = &t
	}

	return session, nil
}

// compile-time interface check
var _ SessionRepository = (*SQLiteSessionRepo)(nil)
