package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	appsPath      = "/api/v1/apps"
	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"
	revokePath    = "/oauth/revoke"
	verifyPath    = "/api/v1/accounts/verify_credentials"

	// oauthScopes は動的登録と認可リクエストの両方で使用するスコープ。
	oauthScopes = "read write"

	// registrationRedirectURI はアプリ登録時に提示するリダイレクトURI。
	// 実際の認可リクエストではエフェメラルポート付きのループバックURIを使う。
	// RFC 8252 7.3に従い、ループバックリダイレクトはポートを無視して照合される。
	registrationRedirectURI = "http://localhost/callback"
)

// ErrInvalidClient は保存済みクライアント認証情報がインスタンスに拒否されたことを示す。
// 検出した側は登録を破棄して1回だけ再登録・再試行する。
var ErrInvalidClient = errors.New("oauth client credentials rejected")

// ErrUnauthorized はアクセストークンがインスタンスに拒否されたことを示す。
var ErrUnauthorized = errors.New("access token rejected")

// ClientCredentials は動的登録で得たクライアントIDとシークレットの組。
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// OAuthToken はトークンエンドポイントが返したアクセストークン。
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresIn    int
	CreatedAt    int64
}

// VerifiedAccount はverify_credentialsが返したアカウント情報の要約。
type VerifiedAccount struct {
	ID       string
	Username string
	Acct     string
}

// APubOAuthClient はMastodon/Pixelfed系インスタンスのOAuthエンドポイントを叩くクライアント。
// インスタンスのベースURLはメソッドごとに受け取るため、
// 1つのクライアントで複数インスタンスを扱える。
type APubOAuthClient struct {
	httpClient *http.Client
	clientName string
	website    string
}

// NewAPubOAuthClient はAPubOAuthClientを生成する。
func NewAPubOAuthClient(timeout time.Duration) *APubOAuthClient {
	return &APubOAuthClient{
		httpClient: &http.Client{Timeout: timeout},
		clientName: "fedisleuth",
		website:    "https://github.com/hitoshi/fedisleuth",
	}
}

// appRegistration は/api/v1/appsのレスポンス。
type appRegistration struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// oauthErrorBody はOAuthエンドポイントのエラーレスポンス。
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RegisterApp はインスタンスにアプリを動的登録し、クライアント認証情報を返す。
func (c *APubOAuthClient) RegisterApp(ctx context.Context, instanceBaseURL string) (*ClientCredentials, error) {
	data := url.Values{
		"client_name":   {c.clientName},
		"redirect_uris": {registrationRedirectURI},
		"scopes":        {oauthScopes},
		"website":       {c.website},
	}

	body, err := c.postForm(ctx, instanceBaseURL+appsPath, data)
	if err != nil {
		return nil, fmt.Errorf("failed to register app: %w", err)
	}

	var reg appRegistration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse app registration response: %w", err)
	}

	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("missing client credentials in registration response")
	}

	return &ClientCredentials{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
	}, nil
}

// BuildAuthorizeURL はPKCEチャレンジとstateを埋め込んだ認可URLを生成する。
func (c *APubOAuthClient) BuildAuthorizeURL(instanceBaseURL, clientID, redirectURI, state string, pkce *PKCEPair) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {oauthScopes},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {ChallengeMethod},
	}
	return instanceBaseURL + authorizePath + "?" + params.Encode()
}

// ExchangeCode は認可コードをアクセストークンに交換する。
// インスタンスがinvalid_clientを返した場合はErrInvalidClientでラップしたエラーを返す。
func (c *APubOAuthClient) ExchangeCode(ctx context.Context, instanceBaseURL string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"scope":         {oauthScopes},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, instanceBaseURL+tokenPath, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauthErrorBody
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error == "invalid_client" {
			return nil, fmt.Errorf("token exchange rejected: %s: %w", oauthErr.ErrorDescription, ErrInvalidClient)
		}
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
		CreatedAt    int64  `json:"created_at"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		ExpiresIn:    token.ExpiresIn,
		CreatedAt:    token.CreatedAt,
	}, nil
}

// VerifyCredentials はアクセストークンでverify_credentialsを呼び、
// トークンが有効であることと紐づくアカウントを確認する。
// トークンが拒否された場合はErrUnauthorizedでラップしたエラーを返す。
func (c *APubOAuthClient) VerifyCredentials(ctx context.Context, instanceBaseURL, accessToken string) (*VerifiedAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instanceBaseURL+verifyPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("credential verification failed with status %d: %w", resp.StatusCode, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential verification failed with status %d: %s", resp.StatusCode, string(body))
	}

	var account struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Acct     string `json:"acct"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to parse verify response: %w", err)
	}

	if account.ID == "" {
		return nil, fmt.Errorf("empty account ID in verify response")
	}

	return &VerifiedAccount{
		ID:       account.ID,
		Username: account.Username,
		Acct:     account.Acct,
	}, nil
}

// RevokeToken はアクセストークンを失効させる。
// ログアウト時のベストエフォート処理として呼ばれる。
func (c *APubOAuthClient) RevokeToken(ctx context.Context, instanceBaseURL string, creds ClientCredentials, token string) error {
	data := url.Values{
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"token":         {token},
	}

	if _, err := c.postForm(ctx, instanceBaseURL+revokePath, data); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthProvider = (*APubOAuthClient)(nil)

// postForm はフォームエンコードされたPOSTを送信し、2xx以外をエラーとして返す。
func (c *APubOAuthClient) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
