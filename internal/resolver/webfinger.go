package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/fedisleuth/internal/security"
)

// webfingerPath はRFC 7033で定められたWebFingerエンドポイントのパス。
const webfingerPath = "/.well-known/webfinger"

// activityJSONType はActivityPubアクターを指すselfリンクのメディアタイプ。
const activityJSONType = "application/activity+json"

// ErrActorNotFound はWebFinger照会でアクターが見つからなかったことを示す。
// 404/410応答、およびselfリンクを持たないJRD応答が該当する。
var ErrActorNotFound = errors.New("actor not found")

// WebFingerDiscoverer はリモートインスタンスへのアクター発見を抽象化する。
type WebFingerDiscoverer interface {
	// Discover はacct:{user}@{domain}をWebFingerで照会し、
	// ActivityPubアクターURL（selfリンクのhref）を返す。
	Discover(ctx context.Context, user, domain string) (string, error)
}

// jrdLink はJRD応答内の個々のリンクを表す。
type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// jrdDocument はWebFinger応答（JSON Resource Descriptor）を表す。
type jrdDocument struct {
	Subject string    `json:"subject"`
	Links   []jrdLink `json:"links"`
}

// WebFingerClient はWebFingerDiscovererの実装。
// ドメイン部はユーザー入力由来のため、リクエストは必ずSSRFガード付き
// クライアントを通し、URL組み立て直後にも静的検証を行う。
type WebFingerClient struct {
	httpClient *http.Client
	guard      security.SSRFGuardService
}

// compile-time interface check
var _ WebFingerDiscoverer = (*WebFingerClient)(nil)

// NewWebFingerClient はWebFingerClientを生成する。
// httpClientにはSSRFGuardService.NewSafeClientで生成したクライアントを渡す。
func NewWebFingerClient(httpClient *http.Client, guard security.SSRFGuardService) *WebFingerClient {
	return &WebFingerClient{
		httpClient: httpClient,
		guard:      guard,
	}
}

// Discover はacct:{user}@{domain}をWebFingerで照会し、ActivityPubアクターURLを返す。
// アクターが存在しない場合、またはselfリンクがない場合はErrActorNotFoundを返す。
func (c *WebFingerClient) Discover(ctx context.Context, user, domain string) (string, error) {
	resource := fmt.Sprintf("acct:%s@%s", user, domain)
	endpoint := fmt.Sprintf("https://%s%s?resource=%s", domain, webfingerPath, url.QueryEscape(resource))

	if err := c.guard.ValidateURL(endpoint); err != nil {
		return "", fmt.Errorf("unsafe webfinger URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read webfinger response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("webfinger lookup for %s: %w", resource, ErrActorNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("webfinger returned status %d: %s", resp.StatusCode, string(body))
	}

	var doc jrdDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w", err)
	}

	href := doc.selfLink()
	if href == "" {
		return "", fmt.Errorf("no ActivityPub self link for %s: %w", resource, ErrActorNotFound)
	}
	return href, nil
}

// selfLink はrel="self"かつActivityPubメディアタイプのリンクのhrefを返す。
// 見つからない場合は空文字列を返す。
func (d *jrdDocument) selfLink() string {
	for _, link := range d.Links {
		if link.Rel != "self" {
			continue
		}
		// Mastodon系は"application/activity+json"、一部実装は
		// profile付きの"application/ld+json"を返す。
		if link.Type == activityJSONType || strings.HasPrefix(link.Type, "application/ld+json") {
			return link.Href
		}
	}
	return ""
}
