package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// SQLiteOAuthClientRepo はSQLiteを使用したOAuthクライアントリポジトリ。
type SQLiteOAuthClientRepo struct {
	db *sql.DB
}

// NewSQLiteOAuthClientRepo はSQLiteOAuthClientRepoを生成する。
func NewSQLiteOAuthClientRepo(db *sql.DB) *SQLiteOAuthClientRepo {
	return &SQLiteOAuthClientRepo{db: db}
}

// Find は(platform, instance)に対応するクライアント登録を取得する。
// 見つからない場合はnilを返す。
func (r *SQLiteOAuthClientRepo) Find(ctx context.Context, platform model.Platform, instanceBaseURL string) (*model.OAuthClient, error) {
	client := &model.OAuthClient{}
	var p string

	err := r.db.QueryRowContext(ctx,
		`SELECT platform, instance_base_url, client_id, client_secret, created_at, updated_at
		 FROM oauth_clients
		 WHERE platform = ? AND instance_base_url = ?`,
		string(platform), instanceBaseURL,
	).Scan(&p, &client.InstanceBaseURL, &client.ClientID, &client.ClientSecret,
		&client.CreatedAt, &client.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth client: %w", err)
	}

	client.Platform = model.Platform(p)
	return client, nil
}

// Save はクライアント登録をUPSERTする。
func (r *SQLiteOAuthClientRepo) Save(ctx context.Context, client *model.OAuthClient) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (platform, instance_base_url, client_id, client_secret, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(platform, instance_base_url) DO UPDATE SET
		   client_id = excluded.client_id,
		   client_secret = excluded.client_secret,
		   updated_at = excluded.updated_at`,
		string(client.Platform), client.InstanceBaseURL,
		client.ClientID, client.ClientSecret,
		client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save oauth client: %w", err)
	}
	return nil
}

// Delete は(platform, instance)に対応するクライアント登録を削除する。
func (r *SQLiteOAuthClientRepo) Delete(ctx context.Context, platform model.Platform, instanceBaseURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_clients WHERE platform = ? AND instance_base_url = ?`,
		string(platform), instanceBaseURL,
	)
	if err != nil {
		return fmt.Errorf("failed to delete oauth client: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthClientRepository = (*SQLiteOAuthClientRepo)(nil)
