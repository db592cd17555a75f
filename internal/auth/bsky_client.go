package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	createSessionPath = "/xrpc/com.atproto.server.createSession"
	getSessionPath    = "/xrpc/com.atproto.server.getSession"
	deleteSessionPath = "/xrpc/com.atproto.server.deleteSession"
)

// BskySession はPDSのcreateSession/getSessionが返すセッション情報。
type BskySession struct {
	DID        string
	Handle     string
	AccessJwt  string
	RefreshJwt string
}

// BskyClient はBlueskyのPDSに対するセッション管理クライアント。
type BskyClient struct {
	httpClient *http.Client
}

// NewBskyClient はBskyClientを生成する。
func NewBskyClient(timeout time.Duration) *BskyClient {
	return &BskyClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateSession はハンドルとアプリパスワードでセッションを作成する。
// 認証情報が拒否された場合はErrUnauthorizedでラップしたエラーを返す。
func (c *BskyClient) CreateSession(ctx context.Context, pdsBaseURL, identifier, appPassword string) (*BskySession, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   appPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode createSession request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pdsBaseURL+createSessionPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("createSession request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read createSession response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("createSession rejected with status %d: %w", resp.StatusCode, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("createSession failed with status %d: %s", resp.StatusCode, string(body))
	}

	return parseBskySession(body)
}

// GetSession は現在のアクセストークンが有効かを確認し、セッション情報を返す。
// トークンが拒否された場合はErrUnauthorizedでラップしたエラーを返す。
func (c *BskyClient) GetSession(ctx context.Context, pdsBaseURL, accessJwt string) (*BskySession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdsBaseURL+getSessionPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create getSession request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessJwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getSession request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read getSession response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("getSession rejected with status %d: %w", resp.StatusCode, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getSession failed with status %d: %s", resp.StatusCode, string(body))
	}

	return parseBskySession(body)
}

// DeleteSession はリフレッシュトークンでセッションを破棄する。
// ログアウト時のベストエフォート処理として呼ばれる。
func (c *BskyClient) DeleteSession(ctx context.Context, pdsBaseURL, refreshJwt string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pdsBaseURL+deleteSessionPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create deleteSession request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+refreshJwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleteSession request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deleteSession failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// compile-time interface check
var _ AppPasswordProvider = (*BskyClient)(nil)

// parseBskySession はセッションレスポンスをパースし、必須フィールドを検証する。
func parseBskySession(body []byte) (*BskySession, error) {
	var session struct {
		DID        string `json:"did"`
		Handle     string `json:"handle"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session response: %w", err)
	}

	if session.DID == "" {
		return nil, fmt.Errorf("empty did in session response")
	}

	return &BskySession{
		DID:        session.DID,
		Handle:     session.Handle,
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
	}, nil
}
