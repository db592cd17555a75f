package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// SQLiteDownloadRecordRepo はSQLiteを使用したダウンロード履歴リポジトリ。
type SQLiteDownloadRecordRepo struct {
	db *sql.DB
}

// NewSQLiteDownloadRecordRepo はSQLiteDownloadRecordRepoを生成する。
func NewSQLiteDownloadRecordRepo(db *sql.DB) *SQLiteDownloadRecordRepo {
	return &SQLiteDownloadRecordRepo{db: db}
}

// SaveBatch はバッチと全タスクレコードを同一トランザクションで保存する。
func (r *SQLiteDownloadRecordRepo) SaveBatch(ctx context.Context, batch *model.BatchRecord, records []model.DownloadRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	canceled := 0
	if batch.Canceled {
		canceled = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO download_batches (id, kind, term, total, completed, failed, canceled, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, string(batch.Kind), batch.Term,
		batch.Total, batch.Completed, batch.Failed, canceled,
		batch.StartedAt, batch.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	for _, rec := range records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO download_records (id, batch_id, platform, source_url, destination_path, state, error_kind, error, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.BatchID, string(rec.Platform),
			rec.SourceURL, rec.DestinationPath, string(rec.State),
			rec.ErrorKind, rec.Error, rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save download record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// ListBatches は開始日時の新しい順にバッチを取得する。
func (r *SQLiteDownloadRecordRepo) ListBatches(ctx context.Context, limit int) ([]model.BatchRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, term, total, completed, failed, canceled, started_at, finished_at
		 FROM download_batches
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []model.BatchRecord
	for rows.Next() {
		var b model.BatchRecord
		var kind string
		var canceled int
		if err := rows.Scan(&b.ID, &kind, &b.Term, &b.Total, &b.Completed, &b.Failed, &canceled, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Kind = model.QueryKind(kind)
		b.Canceled = canceled != 0
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}

	return batches, nil
}

// ListRecords は指定バッチの全タスクレコードを取得する。
func (r *SQLiteDownloadRecordRepo) ListRecords(ctx context.Context, batchID string) ([]model.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, batch_id, platform, source_url, destination_path, state, error_kind, error, finished_at
		 FROM download_records
		 WHERE batch_id = ?
		 ORDER BY finished_at ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list download records: %w", err)
	}
	defer rows.Close()

	var records []model.DownloadRecord
	for rows.Next() {
		var rec model.DownloadRecord
		var platform, state string
		if err := rows.Scan(&rec.ID, &rec.BatchID, &platform, &rec.SourceURL, &rec.DestinationPath, &state, &rec.ErrorKind, &rec.Error, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan download record: %w", err)
		}
		rec.Platform = model.Platform(platform)
		rec.State = model.TaskState(state)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate download records: %w", err)
	}

	return records, nil
}

// compile-time interface check
var _ DownloadRecordRepository = (*SQLiteDownloadRecordRepo)(nil)
