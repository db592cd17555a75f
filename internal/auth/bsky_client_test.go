package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestCreateSession_Success はセッション作成が成功することを検証する。
func TestCreateSession_Success(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.createSession" {
			t.Errorf("path = %q, want /xrpc/com.atproto.server.createSession", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"did":"did:plc:abc","handle":"alice.bsky.social","accessJwt":"access-jwt","refreshJwt":"refresh-jwt"}`))
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	session, err := client.CreateSession(context.Background(), ts.URL, "alice.bsky.social", "app-pass-1234")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if session.DID != "did:plc:abc" {
		t.Errorf("DID = %q, want %q", session.DID, "did:plc:abc")
	}
	if session.Handle != "alice.bsky.social" {
		t.Errorf("Handle = %q, want %q", session.Handle, "alice.bsky.social")
	}
	if session.AccessJwt != "access-jwt" {
		t.Errorf("AccessJwt = %q, want %q", session.AccessJwt, "access-jwt")
	}
	if gotBody["identifier"] != "alice.bsky.social" {
		t.Errorf("identifier = %q, want alice.bsky.social", gotBody["identifier"])
	}
	if gotBody["password"] != "app-pass-1234" {
		t.Errorf("password = %q, want app-pass-1234", gotBody["password"])
	}
}

// TestCreateSession_InvalidCredentials は認証失敗がErrUnauthorizedとして判別できることを検証する。
func TestCreateSession_InvalidCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`))
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	_, err := client.CreateSession(context.Background(), ts.URL, "alice.bsky.social", "wrong")

	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// TestCreateSession_MissingDID はdidを欠くレスポンスがエラーになることを検証する。
func TestCreateSession_MissingDID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"handle":"alice.bsky.social"}`))
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	_, err := client.CreateSession(context.Background(), ts.URL, "alice.bsky.social", "pass")
	if err == nil {
		t.Fatal("expected error for missing did, got nil")
	}
}

// TestGetSession_Success はアクセストークンの確認が成功することを検証する。
func TestGetSession_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.getSession" {
			t.Errorf("path = %q, want /xrpc/com.atproto.server.getSession", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-jwt" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer access-jwt")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"did":"did:plc:abc","handle":"alice.bsky.social"}`))
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	session, err := client.GetSession(context.Background(), ts.URL, "access-jwt")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.DID != "did:plc:abc" {
		t.Errorf("DID = %q, want %q", session.DID, "did:plc:abc")
	}
}

// TestGetSession_Expired は期限切れトークンがErrUnauthorizedとして判別できることを検証する。
func TestGetSession_Expired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"ExpiredToken","message":"Token has expired"}`))
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	_, err := client.GetSession(context.Background(), ts.URL, "expired-jwt")

	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// TestDeleteSession_UsesRefreshToken はセッション破棄がリフレッシュトークンで行われることを検証する。
func TestDeleteSession_UsesRefreshToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.deleteSession" {
			t.Errorf("path = %q, want /xrpc/com.atproto.server.deleteSession", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewBskyClient(5 * time.Second)
	if err := client.DeleteSession(context.Background(), ts.URL, "refresh-jwt"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if gotAuth != "Bearer refresh-jwt" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer refresh-jwt")
	}
}
