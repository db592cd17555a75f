package model

import "time"

// SessionKind はセッションの認証方式を表す。
type SessionKind string

const (
	// SessionKindOAuth はOAuth認可コードフローで取得したセッション。
	SessionKindOAuth SessionKind = "oauth"
	// SessionKindAppPassword はアプリパスワードで作成したセッション。
	SessionKindAppPassword SessionKind = "app_password"
)

// Session はプラットフォームごとの認証状態を表す。
// 1プラットフォームにつき常に最大1件が存在し、置き換えはアトミックに行われる。
// KindがOAuthの場合はAccessToken/InstanceBaseURLが、
// AppPasswordの場合はHandle/SessionToken/DIDが設定される。
type Session struct {
	Platform        Platform
	Kind            SessionKind
	AccessToken     string
	RefreshToken    string
	InstanceBaseURL string
	Handle          string
	SessionToken    string
	DID             string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Token は認証方式に応じたBearerトークンを返す。
func (s *Session) Token() string {
	if s.Kind == SessionKindAppPassword {
		return s.SessionToken
	}
	return s.AccessToken
}

// Valid はセッションが利用可能かどうかを返す。
// トークンが空、または有効期限が過去の場合はfalseを返す。
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token() == "" {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

// OAuthClient は動的登録されたOAuthクライアントの認証情報を表す。
// インスタンスごとに1件を保持し、invalid_client検出時に再登録される。
type OAuthClient struct {
	Platform        Platform
	InstanceBaseURL string
	ClientID        string
	ClientSecret    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
