package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/search"
)

// SearchServiceInterface は検索ハンドラーが必要とする集約サービスのインターフェース。
type SearchServiceInterface interface {
	// Search は要求された全プラットフォームへ並行に検索を実行し、結果を集約する。
	Search(ctx context.Context, query *model.SearchQuery) (*model.GroupedSearchResult, error)
}

// SearchHandler は横断検索のHTTPハンドラー。
type SearchHandler struct {
	service         SearchServiceInterface
	daysBackDefault int
}

// NewSearchHandler はSearchHandlerを生成する。
func NewSearchHandler(service SearchServiceInterface, daysBackDefault int) *SearchHandler {
	return &SearchHandler{
		service:         service,
		daysBackDefault: daysBackDefault,
	}
}

// searchRequest は検索リクエストのボディ。
type searchRequest struct {
	Kind      string   `json:"kind"`
	Term      string   `json:"term"`
	DaysBack  int      `json:"days_back"`
	Platforms []string `json:"platforms"`
}

// mediaItemResponse は添付メディアのAPIレスポンス。
type mediaItemResponse struct {
	SourceURL        string `json:"source_url"`
	MimeKind         string `json:"mime_kind"`
	OriginalFilename string `json:"original_filename,omitempty"`
}

// postResponse は正規化済み投稿のAPIレスポンス。
type postResponse struct {
	Platform     string              `json:"platform"`
	ID           string              `json:"id"`
	AuthorHandle string              `json:"author_handle"`
	CreatedAt    time.Time           `json:"created_at"`
	TextContent  string              `json:"text_content"`
	Media        []mediaItemResponse `json:"media"`
	Likes        int                 `json:"likes"`
	Shares       int                 `json:"shares"`
	URL          string              `json:"url"`
}

// outcomeResponse は1プラットフォームの検索結果のAPIレスポンス。
type outcomeResponse struct {
	Platform   string         `json:"platform"`
	Status     string         `json:"status"`
	Posts      []postResponse `json:"posts"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// searchResponse は検索結果全体のAPIレスポンス。
// outcomesの列挙順序はプラットフォームの宣言順に固定される。
type searchResponse struct {
	Outcomes    []outcomeResponse `json:"outcomes"`
	TotalPosts  int               `json:"total_posts"`
	CompletedAt time.Time         `json:"completed_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Search は横断検索を実行する。
// 1プラットフォームの失敗は該当outcomeにのみ反映され、リクエスト全体は失敗しない。
// POST /api/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	// days_back省略時は設定の既定値を適用してから検証する
	if req.DaysBack == 0 {
		req.DaysBack = h.daysBackDefault
	}

	query, err := search.NewQuery(search.QueryParams{
		Kind:      req.Kind,
		Term:      req.Term,
		DaysBack:  req.DaysBack,
		Platforms: req.Platforms,
	}, time.Now())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.Search(r.Context(), query)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSearchResponse(result))
}

// --- ヘルパー関数 ---

// toSearchResponse はGroupedSearchResultからAPIレスポンスに変換する。
func toSearchResponse(result *model.GroupedSearchResult) searchResponse {
	outcomes := make([]outcomeResponse, 0, len(result.Outcomes))
	for _, o := range result.OrderedOutcomes() {
		outcomes = append(outcomes, toOutcomeResponse(o))
	}
	return searchResponse{
		Outcomes:    outcomes,
		TotalPosts:  result.TotalPosts,
		CompletedAt: result.CompletedAt,
	}
}

// toOutcomeResponse はPlatformSearchOutcomeからAPIレスポンスに変換する。
func toOutcomeResponse(o model.PlatformSearchOutcome) outcomeResponse {
	posts := make([]postResponse, 0, len(o.Posts))
	for _, p := range o.Posts {
		posts = append(posts, toPostResponse(p))
	}
	return outcomeResponse{
		Platform:   string(o.Platform),
		Status:     string(o.Status),
		Posts:      posts,
		ErrorKind:  o.ErrorKind,
		Message:    o.Message,
		SkipReason: string(o.SkipReason),
	}
}

// toPostResponse はmodel.PostからAPIレスポンスに変換する。
func toPostResponse(p model.Post) postResponse {
	media := make([]mediaItemResponse, 0, len(p.Media))
	for _, m := range p.Media {
		media = append(media, mediaItemResponse{
			SourceURL:        m.SourceURL,
			MimeKind:         string(m.MimeKind),
			OriginalFilename: m.OriginalFilename,
		})
	}
	return postResponse{
		Platform:     string(p.Platform),
		ID:           p.ID,
		AuthorHandle: p.AuthorHandle,
		CreatedAt:    p.CreatedAt,
		TextContent:  p.TextContent,
		Media:        media,
		Likes:        p.Likes,
		Shares:       p.Shares,
		URL:          p.URL,
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		writeAPIErrorResponse(w, mapAuthErrorToHTTPStatus(authErr), &model.APIError{
			Code:     model.ErrCodeAuthFailed,
			Message:  fmt.Sprintf("%s の認証に失敗しました: %s", authErr.Platform.DisplayName(), authErr.Message),
			Category: "auth",
			Action:   "資格情報とインスタンスの状態を確認して再度お試しください。",
		})
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAuthErrorToHTTPStatus は認証エラーの分類からHTTPステータスコードにマッピングする。
func mapAuthErrorToHTTPStatus(authErr *model.AuthError) int {
	switch authErr.Kind {
	case model.AuthErrorTimeout:
		return http.StatusGatewayTimeout
	case model.AuthErrorNetwork, model.AuthErrorMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusUnauthorized
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeEmptyTerm, model.ErrCodeInvalidDaysBack, model.ErrCodeNoPlatforms, model.ErrCodeInvalidQueryKind:
		return http.StatusBadRequest
	case model.ErrCodeInvalidInstanceURL, model.ErrCodeNoDownloadItems, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeUnknownPlatform, model.ErrCodeUnsupportedAuth:
		return http.StatusUnprocessableEntity
	case model.ErrCodeAuthFailed, model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeBatchNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
