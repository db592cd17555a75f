// Package bsky はBluesky（ATProto）のXRPC検索クライアントを提供する。
// getAuthorFeedとsearchPostsのカーソルページネーションと、
// embedからのメディア抽出、共通Post形式への正規化を担う。
package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/platform"
)

const (
	getAuthorFeedPath = "/xrpc/app.bsky.feed.getAuthorFeed"
	searchPostsPath   = "/xrpc/app.bsky.feed.searchPosts"

	// webBaseURL は投稿のWeb URL組み立てに使う公式フロントエンド。
	webBaseURL = "https://bsky.app"

	// pageLimit はXRPCの1ページあたりの取得件数。
	pageLimit = 30
	// maxPages は暴走ページネーションを止める上限。
	maxPages = 120
	// pageInterval はページ取得の最小間隔。
	pageInterval = 100 * time.Millisecond
)

// Client はBluesky XRPCエンドポイントへのAPIクライアント。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// compile-time interface check
var _ platform.SocialPlatform = (*Client)(nil)

// NewClient はClientを生成する。
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(pageInterval), 1),
	}
}

// Platform は対象プラットフォームの識別子を返す。
func (c *Client) Platform() model.Platform {
	return model.PlatformBluesky
}

// profileView は投稿者のプロフィールを表す。
type profileView struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

// postRecord は投稿レコードの本体を表す。
type postRecord struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// postView はフィード・検索応答内の投稿を表す。
// embedは$typeごとに形が異なるため、生のまま保持して後段で解釈する。
type postView struct {
	URI         string          `json:"uri"`
	Author      profileView     `json:"author"`
	Record      postRecord      `json:"record"`
	Embed       json.RawMessage `json:"embed"`
	LikeCount   int             `json:"likeCount"`
	RepostCount int             `json:"repostCount"`
	IndexedAt   string          `json:"indexedAt"`
}

// feedResponse はgetAuthorFeedの応答を表す。
type feedResponse struct {
	Feed   []feedItem `json:"feed"`
	Cursor string     `json:"cursor"`
}

type feedItem struct {
	Post postView `json:"post"`
}

// searchResponse はsearchPostsの応答を表す。
type searchResponse struct {
	Posts  []postView `json:"posts"`
	Cursor string     `json:"cursor"`
}

// SearchUser はハンドル（またはDID）の投稿をsince以降の範囲で取得する。
// Blueskyにはフェデレーション発見の段がないため、actorをそのまま渡す。
func (c *Client) SearchUser(ctx context.Context, session *model.Session, actor string, since time.Time) ([]model.Post, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(actor), "@")

	return c.collectPosts(ctx, since, func(ctx context.Context, cursor string) ([]postView, string, error) {
		params := url.Values{}
		params.Set("actor", cleaned)
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.getJSON(ctx, session, getAuthorFeedPath, params)
		if err != nil {
			return nil, "", err
		}

		var decoded feedResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, "", fmt.Errorf("failed to parse author feed response: %w", err)
		}

		views := make([]postView, 0, len(decoded.Feed))
		for _, item := range decoded.Feed {
			views = append(views, item.Post)
		}
		return views, decoded.Cursor, nil
	})
}

// SearchHashtag はタグ付き投稿をsince以降の範囲で取得する。
func (c *Client) SearchHashtag(ctx context.Context, session *model.Session, tag string, since time.Time) ([]model.Post, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(tag), "#")

	return c.collectPosts(ctx, since, func(ctx context.Context, cursor string) ([]postView, string, error) {
		params := url.Values{}
		params.Set("q", "#"+cleaned)
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.getJSON(ctx, session, searchPostsPath, params)
		if err != nil {
			return nil, "", err
		}

		var decoded searchResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, "", fmt.Errorf("failed to parse post search response: %w", err)
		}
		return decoded.Posts, decoded.Cursor, nil
	})
}

// collectPosts はカーソルページネーションで投稿を収集する。
// 以下のいずれかで停止する:
//   - 空ページ
//   - sinceより古い投稿を含むページを処理し終えた
//     （ピン留め等で古い投稿がページ先頭に混ざるため、ページ途中では打ち切らない）
//   - カーソルが尽きた、または前進しない
//   - 1件も処理できないページ
//   - ページ上限maxPages
func (c *Client) collectPosts(
	ctx context.Context,
	since time.Time,
	fetchPage func(ctx context.Context, cursor string) ([]postView, string, error),
) ([]model.Post, error) {
	var posts []model.Post
	cursor := ""

	for page := 1; page <= maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		views, nextCursor, err := fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if len(views) == 0 {
			break
		}

		reachedCutoff := false
		progressed := false
		for _, view := range views {
			createdAt, ok := view.createdAtTime()
			if !ok {
				continue
			}
			if createdAt.Before(since) {
				reachedCutoff = true
				continue
			}
			posts = append(posts, convertPost(view, createdAt))
			progressed = true
		}

		if reachedCutoff {
			break
		}
		if nextCursor == "" || nextCursor == cursor {
			break
		}
		cursor = nextCursor
		if !progressed {
			break
		}
	}

	return posts, nil
}

// getJSON はBearer付きGETを実行し、応答ボディを返す。
// 401はErrUnauthorizedをラップする。
func (c *Client) getJSON(ctx context.Context, session *model.Session, path string, params url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(session.InstanceBaseURL, "/") + path + "?" + params.Encode()

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
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("xrpc request returned status %d: %w", resp.StatusCode, platform.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("xrpc request returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// createdAtTime は投稿日時を返す。
// record.createdAtを優先し、欠けていればindexedAtへフォールバックする。
func (v postView) createdAtTime() (time.Time, bool) {
	source := v.Record.CreatedAt
	if source == "" {
		source = v.IndexedAt
	}
	if source == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, source)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// convertPost は投稿を共通Post形式へ正規化する。
func convertPost(view postView, createdAt time.Time) model.Post {
	return model.Post{
		Platform:     model.PlatformBluesky,
		ID:           view.URI,
		AuthorHandle: view.Author.Handle,
		CreatedAt:    createdAt,
		TextContent:  strings.TrimSpace(view.Record.Text),
		Media:        extractMedia(view.Embed),
		Likes:        view.LikeCount,
		Shares:       view.RepostCount,
		URL:          webPostURL(view.Author.Handle, view.URI),
	}
}

// webPostURL はat:// URIからWebフロントエンドの投稿URLを組み立てる。
func webPostURL(handle, uri string) string {
	rkey := uri
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		rkey = uri[idx+1:]
	}
	return fmt.Sprintf("%s/profile/%s/post/%s", webBaseURL, handle, rkey)
}
