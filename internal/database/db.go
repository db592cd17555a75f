package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open はSQLiteデータベース接続を開く。
// dbPathにはデータベースファイルのパスを指定する（例: "fedisleuth.db"）。
// busy_timeoutとWALジャーナルを有効化し、ローカルデーモン内の
// 複数goroutineからの同時アクセスに耐える設定とする。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLiteは単一ライターのため、接続プールを1本に絞って
	// SQLITE_BUSYの発生を避ける。
	db.SetMaxOpenConns(1)

	return db, nil
}

// DSN はSQLiteドライバ用の接続文字列を生成する。
func DSN(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}
