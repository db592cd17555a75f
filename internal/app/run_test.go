package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// TestRun_MigrateCommand_AppliesMigrations はmigrateコマンドが
// 新規SQLiteファイルへスキーマを適用することを検証する。
func TestRun_MigrateCommand_AppliesMigrations(t *testing.T) {
	dbPath := testDBPath(t)
	t.Setenv("FEDISLEUTH_DB_PATH", dbPath)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) returned error: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file to be created: %v", err)
	}
}

// TestRun_MigrateCommand_IsIdempotent は適用済みDBへの再実行が
// エラーにならないことを検証する。
func TestRun_MigrateCommand_IsIdempotent(t *testing.T) {
	dbPath := testDBPath(t)
	t.Setenv("FEDISLEUTH_DB_PATH", dbPath)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("first Run(migrate) returned error: %v", err)
	}
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("second Run(migrate) returned error: %v", err)
	}
}

func TestRun_WithInvalidEnv_ReturnsError(t *testing.T) {
	t.Setenv("FEDISLEUTH_OAUTH_TIMEOUT", "not-a-duration")

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Fatal("Run with invalid env should return error")
	}
}

// TestRun_Healthcheck_AgainstHealthyServer は稼働中の/healthに対する
// healthcheckサブコマンドが成功することを検証する。
func TestRun_Healthcheck_AgainstHealthyServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("FEDISLEUTH_LISTEN_ADDR", addr)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err != nil {
		t.Fatalf("Run(healthcheck) returned error: %v", err)
	}
}

// TestRun_Healthcheck_AgainstUnhealthyServer は非200応答でエラーに
// なることを検証する。
func TestRun_Healthcheck_AgainstUnhealthyServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("FEDISLEUTH_LISTEN_ADDR", addr)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("Run(healthcheck) against unhealthy server should return error")
	}
}

// TestRun_Healthcheck_WithNoServer は接続先が存在しない場合に
// エラーになることを検証する。
func TestRun_Healthcheck_WithNoServer(t *testing.T) {
	// 予約済みポート0への接続は必ず失敗する。
	t.Setenv("FEDISLEUTH_LISTEN_ADDR", "127.0.0.1:0")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("Run(healthcheck) with no server should return error")
	}
}
