package repository

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/hitoshi/fedisleuth/internal/database"
)

// newTestDB はマイグレーション適用済みの一時SQLiteデータベースを返す。
// テスト終了時に接続は自動的にクローズされる。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := database.RunMigrations(dbPath); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}
