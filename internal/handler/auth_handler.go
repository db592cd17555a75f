package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/fedisleuth/internal/auth"
	"github.com/hitoshi/fedisleuth/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とする認証フローのインターフェース。
type AuthServiceInterface interface {
	// Authenticate はプラットフォームの認証方式に応じたフローを実行し、
	// 成功したセッションを保存して返す。
	Authenticate(ctx context.Context, platform model.Platform, params auth.AuthenticateParams) (*model.Session, error)
	// Logout はセッションを失効させ、保存済みの資格情報を削除する。
	Logout(ctx context.Context, platform model.Platform) error
	// Status は全プラットフォームの認証状態の要約を返す。
	Status(ctx context.Context) ([]auth.PlatformStatus, error)
}

// AuthHandler は認証フローのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// oauthStartRequest はOAuthフロー開始リクエストのボディ。
type oauthStartRequest struct {
	Platform    string `json:"platform"`
	InstanceURL string `json:"instance_url"`
}

// loginRequest はアプリパスワードログインリクエストのボディ。
type loginRequest struct {
	Platform    string `json:"platform"`
	Handle      string `json:"handle"`
	AppPassword string `json:"app_password"`
}

// logoutRequest はログアウトリクエストのボディ。
type logoutRequest struct {
	Platform string `json:"platform"`
}

// sessionResponse は認証成功時のセッション要約レスポンス。トークンは含まない。
type sessionResponse struct {
	Platform        string     `json:"platform"`
	Authenticated   bool       `json:"authenticated"`
	Kind            string     `json:"kind"`
	Handle          string     `json:"handle,omitempty"`
	InstanceBaseURL string     `json:"instance_base_url,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// authStatusResponse は認証状態一覧のレスポンス。
type authStatusResponse struct {
	Platforms []auth.PlatformStatus `json:"platforms"`
}

// StartOAuth はOAuth認可コードフローを同期実行する。
// ブラウザでの認可が完了するかタイムアウトするまでリクエストはブロックする。
// POST /api/auth/oauth/start
func (h *AuthHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	var req oauthStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnknownPlatformError(req.Platform))
		return
	}
	if !platform.Capabilities().SupportsOAuth {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnsupportedAuthError(platform))
		return
	}

	session, err := h.service.Authenticate(r.Context(), platform, auth.AuthenticateParams{
		InstanceBaseURL: req.InstanceURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// Login はアプリパスワードによるセッションを作成する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnknownPlatformError(req.Platform))
		return
	}
	if !platform.Capabilities().SupportsAppPassword {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnsupportedAuthError(platform))
		return
	}

	if req.Handle == "" || req.AppPassword == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "ハンドルとアプリパスワードの両方が必要です。",
			Category: "validation",
			Action:   "ハンドルとアプリパスワードを入力してください。",
		})
		return
	}

	session, err := h.service.Authenticate(r.Context(), platform, auth.AuthenticateParams{
		Identifier:  req.Handle,
		AppPassword: req.AppPassword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// Logout はセッションを失効させる。セッションが存在しない場合も成功として扱う。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewUnknownPlatformError(req.Platform))
		return
	}

	if err := h.service.Logout(r.Context(), platform); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status は全プラットフォームの認証状態の要約を返す。
// GET /api/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authStatusResponse{Platforms: statuses})
}

// toSessionResponse はmodel.SessionからAPIレスポンスに変換する。
func toSessionResponse(session *model.Session) sessionResponse {
	return sessionResponse{
		Platform:        string(session.Platform),
		Authenticated:   true,
		Kind:            string(session.Kind),
		Handle:          session.Handle,
		InstanceBaseURL: session.InstanceBaseURL,
		ExpiresAt:       session.ExpiresAt,
	}
}
