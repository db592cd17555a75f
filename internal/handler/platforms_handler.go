package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/fedisleuth/internal/auth"
	"github.com/hitoshi/fedisleuth/internal/model"
)

// PlatformsHandler は対応プラットフォーム一覧のHTTPハンドラー。
type PlatformsHandler struct {
	service   AuthServiceInterface
	enabled   map[model.Platform]bool
	instances map[model.Platform]string
}

// NewPlatformsHandler はPlatformsHandlerを生成する。
// enabledとinstancesは設定から導出したプラットフォームごとの有効化状態と既定インスタンス。
func NewPlatformsHandler(service AuthServiceInterface, enabled map[model.Platform]bool, instances map[model.Platform]string) *PlatformsHandler {
	return &PlatformsHandler{
		service:   service,
		enabled:   enabled,
		instances: instances,
	}
}

// platformResponse は1プラットフォームの機能と状態のレスポンス。
type platformResponse struct {
	Platform              string     `json:"platform"`
	DisplayName           string     `json:"display_name"`
	AuthKind              string     `json:"auth_kind"`
	SupportsHashtagSearch bool       `json:"supports_hashtag_search"`
	Enabled               bool       `json:"enabled"`
	InstanceBaseURL       string     `json:"instance_base_url,omitempty"`
	Authenticated         bool       `json:"authenticated"`
	Handle                string     `json:"handle,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

// platformsResponse はプラットフォーム一覧のレスポンス。
type platformsResponse struct {
	Platforms []platformResponse `json:"platforms"`
}

// List は全プラットフォームの機能プロファイルと認証状態を宣言順で返す。
// 認証済みの場合はセッションのインスタンスURLが設定値より優先される。
// GET /api/platforms
func (h *PlatformsHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	byPlatform := make(map[model.Platform]auth.PlatformStatus, len(statuses))
	for _, s := range statuses {
		byPlatform[s.Platform] = s
	}

	platforms := make([]platformResponse, 0, len(model.AllPlatforms))
	for _, p := range model.AllPlatforms {
		caps := p.Capabilities()
		resp := platformResponse{
			Platform:              string(p),
			DisplayName:           p.DisplayName(),
			AuthKind:              authKindName(caps),
			SupportsHashtagSearch: caps.SupportsHashtagSearch,
			Enabled:               h.enabled[p],
			InstanceBaseURL:       h.instances[p],
		}
		if s, ok := byPlatform[p]; ok && s.Authenticated {
			resp.Authenticated = true
			resp.Handle = s.Handle
			resp.ExpiresAt = s.ExpiresAt
			if s.InstanceBaseURL != "" {
				resp.InstanceBaseURL = s.InstanceBaseURL
			}
		}
		platforms = append(platforms, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(platformsResponse{Platforms: platforms})
}

// authKindName はプラットフォームが受け付ける認証方式の名前を返す。
func authKindName(caps model.Capabilities) string {
	if caps.SupportsAppPassword {
		return string(model.SessionKindAppPassword)
	}
	return string(model.SessionKindOAuth)
}
