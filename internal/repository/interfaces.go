// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// SessionRepository はプラットフォームごとの認証セッションの永続化インターフェース。
// Credential Storeの実体であり、ビジネスロジックは持たない。
// 書き込みはプラットフォーム単位でアトミックに行われ、
// 読み取りは常にコミット済みのセッション全体を観測する。
type SessionRepository interface {
	// Load は保存されている全プラットフォームのセッションを取得する。
	Load(ctx context.Context) (map[model.Platform]*model.Session, error)

	// Find は指定プラットフォームのセッションを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, platform model.Platform) (*model.Session, error)

	// Save はセッションをUPSERTする。既存セッションの置き換えは1文で行われる。
	Save(ctx context.Context, session *model.Session) error

	// Delete は指定プラットフォームのセッションを削除する。
	Delete(ctx context.Context, platform model.Platform) error
}

// OAuthClientRepository は動的登録されたOAuthクライアントの永続化インターフェース。
// インスタンスごとに1件のクライアント登録を保持する。
type OAuthClientRepository interface {
	// Find は(platform, instance)に対応するクライアント登録を取得する。
	// 見つからない場合はnilを返す。
	Find(ctx context.Context, platform model.Platform, instanceBaseURL string) (*model.OAuthClient, error)

	// Save はクライアント登録をUPSERTする。
	Save(ctx context.Context, client *model.OAuthClient) error

	// Delete は(platform, instance)に対応するクライアント登録を削除する。
	// invalid_client検出時の再登録前に使用する。
	Delete(ctx context.Context, platform model.Platform, instanceBaseURL string) error
}

// DownloadRecordRepository は完了したダウンロードバッチのアーカイブインターフェース。
type DownloadRecordRepository interface {
	// SaveBatch はバッチと全タスクレコードを同一トランザクションで保存する。
	SaveBatch(ctx context.Context, batch *model.BatchRecord, records []model.DownloadRecord) error

	// ListBatches は開始日時の新しい順にバッチを取得する。
	ListBatches(ctx context.Context, limit int) ([]model.BatchRecord, error)

	// ListRecords は指定バッチの全タスクレコードを取得する。
	ListRecords(ctx context.Context, batchID string) ([]model.DownloadRecord, error)
}
