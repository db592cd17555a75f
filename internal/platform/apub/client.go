// Package apub はMastodon/Pixelfed互換のREST APIクライアントを提供する。
// アカウント検索、ユーザータイムライン、ハッシュタグタイムラインの取得と、
// 共通Post形式への正規化を担う。
package apub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/platform"
	"github.com/hitoshi/fedisleuth/internal/resolver"
	"github.com/hitoshi/fedisleuth/internal/security"
)

const (
	searchPath          = "/api/v2/search"
	accountStatusesPath = "/api/v1/accounts/%s/statuses"
	tagTimelinePath     = "/api/v1/timelines/tag/%s"

	// pageLimit はMastodon系APIの1ページあたりの最大取得件数。
	pageLimit = 40
	// maxPages は暴走ページネーションを止める上限。
	maxPages = 120
	// pageInterval はページ取得の最小間隔。インスタンスのレート制限への配慮。
	pageInterval = 100 * time.Millisecond
)

// Client はMastodon/Pixelfed互換インスタンスへのAPIクライアント。
// 両プラットフォームはAPI互換のため同一実装を共有し、
// platformフィールドで正規化後の帰属先を区別する。
type Client struct {
	platform   model.Platform
	httpClient *http.Client
	extractor  security.ContentTextService
	limiter    *rate.Limiter
}

// compile-time interface check
var (
	_ platform.SocialPlatform  = (*Client)(nil)
	_ resolver.AccountSearcher = (*Client)(nil)
)

// NewClient はClientを生成する。
func NewClient(p model.Platform, timeout time.Duration, extractor security.ContentTextService) *Client {
	return &Client{
		platform:   p,
		httpClient: &http.Client{Timeout: timeout},
		extractor:  extractor,
		limiter:    rate.NewLimiter(rate.Every(pageInterval), 1),
	}
}

// Platform は対象プラットフォームの識別子を返す。
func (c *Client) Platform() model.Platform {
	return c.platform
}

// apubAccount はアカウント検索応答内のアカウントを表す。
type apubAccount struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

// apubAttachment は投稿に添付されたメディアを表す。
type apubAttachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	RemoteURL string `json:"remote_url"`
}

// apubStatus はタイムライン応答内の投稿を表す。
type apubStatus struct {
	ID               string           `json:"id"`
	CreatedAt        string           `json:"created_at"`
	Content          string           `json:"content"`
	URL              string           `json:"url"`
	Account          apubAccount     `json:"account"`
	MediaAttachments []apubAttachment `json:"media_attachments"`
	FavouritesCount  int              `json:"favourites_count"`
	ReblogsCount     int              `json:"reblogs_count"`
}

// searchResponse は/api/v2/searchの応答を表す。
type searchResponse struct {
	Accounts []apubAccount `json:"accounts"`
}

// SearchAccount はresolve=true付きのアカウント検索を1件だけ行う。
// リモートハンドルの場合、インスタンス側がWebFinger取得を行い
// ローカルなアカウントIDを割り当てる。一致がない場合は(nil, nil)を返す。
func (c *Client) SearchAccount(ctx context.Context, session *model.Session, query string) (*model.ResolvedActor, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", "accounts")
	params.Set("resolve", "true")
	params.Set("limit", "1")
	endpoint := instanceBase(session) + searchPath + "?" + params.Encode()

	body, err := c.getJSON(ctx, session, endpoint)
	if err != nil {
		return nil, err
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse account search response: %w", err)
	}
	if len(decoded.Accounts) == 0 {
		return nil, nil
	}

	account := decoded.Accounts[0]
	if account.ID == "" {
		return nil, fmt.Errorf("account search returned an account without id")
	}

	return &model.ResolvedActor{
		Platform:     c.platform,
		AccountID:    account.ID,
		Handle:       account.handle(),
		InstanceHost: accountHost(account, session),
		ProfileURL:   account.URL,
	}, nil
}

// SearchUser は解決済みアカウントIDの投稿をsince以降の範囲で取得する。
func (c *Client) SearchUser(ctx context.Context, session *model.Session, actor string, since time.Time) ([]model.Post, error) {
	baseURL := fmt.Sprintf(instanceBase(session)+accountStatusesPath+"?limit=%d", url.PathEscape(actor), pageLimit)
	return c.fetchTimeline(ctx, session, baseURL, since)
}

// SearchHashtag はタグ付きの公開投稿をsince以降の範囲で取得する。
func (c *Client) SearchHashtag(ctx context.Context, session *model.Session, tag string, since time.Time) ([]model.Post, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(tag), "#")
	baseURL := fmt.Sprintf(instanceBase(session)+tagTimelinePath+"?limit=%d", url.PathEscape(cleaned), pageLimit)
	return c.fetchTimeline(ctx, session, baseURL, since)
}

// fetchTimeline はmax_idページネーションでタイムラインを取得する。
// 以下のいずれかで停止する:
//   - 空ページ（これ以上ページがない）
//   - sinceより古い投稿に到達（タイムラインは新しい順なので以降も古い）
//   - ページ上限maxPages
//   - 1件も処理できないページでmax_idが前進しない
func (c *Client) fetchTimeline(ctx context.Context, session *model.Session, baseURL string, since time.Time) ([]model.Post, error) {
	var posts []model.Post
	maxID := ""

	for page := 1; page <= maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		pageURL := baseURL
		if maxID != "" {
			pageURL += "&max_id=" + url.QueryEscape(maxID)
		}

		statuses, err := c.fetchStatusPage(ctx, session, pageURL)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			break
		}

		reachedCutoff := false
		progressed := false
		lastSeenID := ""
		for _, status := range statuses {
			if status.ID == "" {
				continue
			}
			lastSeenID = status.ID

			createdAt, err := time.Parse(time.RFC3339, status.CreatedAt)
			if err != nil {
				continue
			}
			if createdAt.Before(since) {
				reachedCutoff = true
				break
			}

			posts = append(posts, c.convertStatus(status, createdAt, session))
			progressed = true
			maxID = status.ID
		}

		if reachedCutoff {
			break
		}
		if !progressed {
			// 全件スキップのページでも、未見のIDがあればそこから続行する
			if lastSeenID == "" || lastSeenID == maxID {
				break
			}
			maxID = lastSeenID
		}
	}

	return posts, nil
}

// fetchStatusPage は1ページ分の投稿を取得する。
func (c *Client) fetchStatusPage(ctx context.Context, session *model.Session, pageURL string) ([]apubStatus, error) {
	body, err := c.getJSON(ctx, session, pageURL)
	if err != nil {
		return nil, err
	}

	var statuses []apubStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, fmt.Errorf("failed to parse timeline response: %w", err)
	}
	return statuses, nil
}

// getJSON はBearer付きGETを実行し、応答ボディを返す。
// 401/403はErrUnauthorizedをラップする。
func (c *Client) getJSON(ctx context.Context, session *model.Session, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.Token())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("request returned status %d: %w", resp.StatusCode, platform.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("request returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// convertStatus は投稿を共通Post形式へ正規化する。
// ContentはHTMLのため、プレーンテキストへ変換する。
func (c *Client) convertStatus(status apubStatus, createdAt time.Time, session *model.Session) model.Post {
	postURL := status.URL
	if postURL == "" {
		postURL = fmt.Sprintf("%s/@%s/%s", instanceBase(session), status.Account.handle(), status.ID)
	}

	return model.Post{
		Platform:     c.platform,
		ID:           status.ID,
		AuthorHandle: status.Account.handle(),
		CreatedAt:    createdAt,
		TextContent:  c.extractor.ExtractText(status.Content),
		Media:        convertAttachments(status.MediaAttachments),
		Likes:        status.FavouritesCount,
		Shares:       status.ReblogsCount,
		URL:          postURL,
	}
}

// convertAttachments は添付メディアをMediaItemへ変換する。
// URLが空の添付は除外する。
func convertAttachments(attachments []apubAttachment) []model.MediaItem {
	var items []model.MediaItem
	for _, attachment := range attachments {
		sourceURL := strings.TrimSpace(attachment.URL)
		if sourceURL == "" {
			sourceURL = strings.TrimSpace(attachment.RemoteURL)
		}
		if sourceURL == "" {
			continue
		}
		items = append(items, model.MediaItem{
			SourceURL: sourceURL,
			MimeKind:  mimeKindOf(attachment.Type),
		})
	}
	return items
}

// mimeKindOf はMastodon系の添付typeをMimeKindへ対応付ける。
func mimeKindOf(attachmentType string) model.MimeKind {
	switch attachmentType {
	case "image":
		return model.MimeKindImage
	case "video", "gifv":
		return model.MimeKindVideo
	case "audio":
		return model.MimeKindAudio
	default:
		return model.MimeKindUnknown
	}
}

// handle はアカウントの表示用ハンドルを返す。acctを優先する。
func (a apubAccount) handle() string {
	if a.Acct != "" {
		return a.Acct
	}
	return a.Username
}

// accountHost はアカウントの所属ホストを返す。
// リモートアカウントはacctのドメイン部、ローカルアカウントは自インスタンスのホスト。
func accountHost(account apubAccount, session *model.Session) string {
	if _, domain, found := strings.Cut(account.Acct, "@"); found {
		return domain
	}
	if parsed, err := url.Parse(session.InstanceBaseURL); err == nil {
		return parsed.Host
	}
	return ""
}

// instanceBase は末尾スラッシュを除いたインスタンスURLを返す。
func instanceBase(session *model.Session) string {
	return strings.TrimRight(session.InstanceBaseURL, "/")
}
