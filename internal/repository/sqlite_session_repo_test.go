package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// 保存したOAuthセッションが同じ内容で取得できることを検証
func TestSQLiteSessionRepo_SaveAndFind(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(2 * time.Hour)
	session := &model.Session{
		Platform:        model.PlatformPixelfed,
		Kind:            model.SessionKindOAuth,
		AccessToken:     "access-token-1",
		RefreshToken:    "refresh-token-1",
		InstanceBaseURL: "https://pixelfed.social",
		ExpiresAt:       &expires,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Find(ctx, model.PlatformPixelfed)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Kind != model.SessionKindOAuth {
		t.Errorf("Kind = %q, want %q", got.Kind, model.SessionKindOAuth)
	}
	if got.AccessToken != "access-token-1" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "access-token-1")
	}
	if got.InstanceBaseURL != "https://pixelfed.social" {
		t.Errorf("InstanceBaseURL = %q, want %q", got.InstanceBaseURL, "https://pixelfed.social")
	}
	if got.ExpiresAt == nil {
		t.Fatal("expected non-nil ExpiresAt")
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
}

// 有効期限なしのセッションを保存するとExpiresAtがnilで返ることを検証
func TestSQLiteSessionRepo_SaveAndFind_NoExpiry(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &model.Session{
		Platform:     model.PlatformBluesky,
		Kind:         model.SessionKindAppPassword,
		Handle:       "alice.bsky.social",
		SessionToken: "session-jwt",
		DID:          "did:plc:abc123",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Find(ctx, model.PlatformBluesky)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", got.ExpiresAt)
	}
	if got.Handle != "alice.bsky.social" {
		t.Errorf("Handle = %q, want %q", got.Handle, "alice.bsky.social")
	}
	if got.DID != "did:plc:abc123" {
		t.Errorf("DID = %q, want %q", got.DID, "did:plc:abc123")
	}
}

// 存在しないプラットフォームのFindはエラーなしでnilを返すことを検証
func TestSQLiteSessionRepo_Find_NotFound(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))

	got, err := repo.Find(context.Background(), model.PlatformMastodon)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil session, got %+v", got)
	}
}

// 同一プラットフォームへの再保存が既存セッションを置き換えることを検証。
// 置き換え後も行数は1のままであること。
func TestSQLiteSessionRepo_Save_ReplacesExisting(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteSessionRepo(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	first := &model.Session{
		Platform:        model.PlatformMastodon,
		Kind:            model.SessionKindOAuth,
		AccessToken:     "old-token",
		InstanceBaseURL: "https://mastodon.social",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	second := &model.Session{
		Platform:        model.PlatformMastodon,
		Kind:            model.SessionKindOAuth,
		AccessToken:     "new-token",
		InstanceBaseURL: "https://fosstodon.org",
		CreatedAt:       now,
		UpdatedAt:       now.Add(time.Minute),
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := repo.Find(ctx, model.PlatformMastodon)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.AccessToken != "new-token" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "new-token")
	}
	if got.InstanceBaseURL != "https://fosstodon.org" {
		t.Errorf("InstanceBaseURL = %q, want %q", got.InstanceBaseURL, "https://fosstodon.org")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE platform = ?`, string(model.PlatformMastodon)).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("session rows = %d, want 1", count)
	}
}

// Loadが全プラットフォームのセッションをマップで返すことを検証
func TestSQLiteSessionRepo_Load(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sessions := []*model.Session{
		{
			Platform:        model.PlatformPixelfed,
			Kind:            model.SessionKindOAuth,
			AccessToken:     "pixelfed-token",
			InstanceBaseURL: "https://pixelfed.social",
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			Platform:     model.PlatformBluesky,
			Kind:         model.SessionKindAppPassword,
			Handle:       "bob.bsky.social",
			SessionToken: "bluesky-jwt",
			DID:          "did:plc:xyz789",
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	for _, s := range sessions {
		if err := repo.Save(ctx, s); err != nil {
			t.Fatalf("Save(%s) failed: %v", s.Platform, err)
		}
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(got))
	}
	if got[model.PlatformPixelfed] == nil {
		t.Error("expected pixelfed session in map")
	}
	if got[model.PlatformBluesky] == nil {
		t.Error("expected bluesky session in map")
	}
	if got[model.PlatformMastodon] != nil {
		t.Error("expected no mastodon session in map")
	}
}

// Deleteがセッションを削除し、以後のFindがnilを返すことを検証
func TestSQLiteSessionRepo_Delete(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &model.Session{
		Platform:        model.PlatformPixelfed,
		Kind:            model.SessionKindOAuth,
		AccessToken:     "token",
		InstanceBaseURL: "https://pixelfed.social",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := repo.Delete(ctx, model.PlatformPixelfed); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := repo.Find(ctx, model.PlatformPixelfed)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

// 存在しないセッションのDeleteがエラーにならないことを検証
func TestSQLiteSessionRepo_Delete_NotFound(t *testing.T) {
	repo := NewSQLiteSessionRepo(newTestDB(t))

	if err := repo.Delete(context.Background(), model.PlatformBluesky); err != nil {
		t.Errorf("Delete of missing session failed: %v", err)
	}
}
