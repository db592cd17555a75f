package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// --- モック定義 ---

type mockOAuthProvider struct {
	registerAppFn       func(ctx context.Context, instanceBaseURL string) (*ClientCredentials, error)
	exchangeCodeFn      func(ctx context.Context, instanceBaseURL string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error)
	verifyCredentialsFn func(ctx context.Context, instanceBaseURL, accessToken string) (*VerifiedAccount, error)
	revokeTokenFn       func(ctx context.Context, instanceBaseURL string, creds ClientCredentials, token string) error
}

func (m *mockOAuthProvider) RegisterApp(ctx context.Context, instanceBaseURL string) (*ClientCredentials, error) {
	if m.registerAppFn != nil {
		return m.registerAppFn(ctx, instanceBaseURL)
	}
	return &ClientCredentials{ClientID: "cid", ClientSecret: "csec"}, nil
}

func (m *mockOAuthProvider) BuildAuthorizeURL(instanceBaseURL, clientID, redirectURI, state string, pkce *PKCEPair) string {
	params := url.Values{
		"client_id":      {clientID},
		"redirect_uri":   {redirectURI},
		"state":          {state},
		"code_challenge": {pkce.Challenge},
	}
	return instanceBaseURL + "/oauth/authorize?" + params.Encode()
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, instanceBaseURL string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, instanceBaseURL, creds, redirectURI, code, verifier)
	}
	return &OAuthToken{AccessToken: "at-1"}, nil
}

func (m *mockOAuthProvider) VerifyCredentials(ctx context.Context, instanceBaseURL, accessToken string) (*VerifiedAccount, error) {
	if m.verifyCredentialsFn != nil {
		return m.verifyCredentialsFn(ctx, instanceBaseURL, accessToken)
	}
	return &VerifiedAccount{ID: "1", Username: "alice", Acct: "alice"}, nil
}

func (m *mockOAuthProvider) RevokeToken(ctx context.Context, instanceBaseURL string, creds ClientCredentials, token string) error {
	if m.revokeTokenFn != nil {
		return m.revokeTokenFn(ctx, instanceBaseURL, creds, token)
	}
	return nil
}

type mockAppPasswordProvider struct {
	createSessionFn func(ctx context.Context, pdsBaseURL, identifier, appPassword string) (*BskySession, error)
	getSessionFn    func(ctx context.Context, pdsBaseURL, accessJwt string) (*BskySession, error)
	deleteSessionFn func(ctx context.Context, pdsBaseURL, refreshJwt string) error
}

func (m *mockAppPasswordProvider) CreateSession(ctx context.Context, pdsBaseURL, identifier, appPassword string) (*BskySession, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx, pdsBaseURL, identifier, appPassword)
	}
	return &BskySession{DID: "did:plc:abc", Handle: identifier, AccessJwt: "access-jwt", RefreshJwt: "refresh-jwt"}, nil
}

func (m *mockAppPasswordProvider) GetSession(ctx context.Context, pdsBaseURL, accessJwt string) (*BskySession, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, pdsBaseURL, accessJwt)
	}
	return &BskySession{DID: "did:plc:abc"}, nil
}

func (m *mockAppPasswordProvider) DeleteSession(ctx context.Context, pdsBaseURL, refreshJwt string) error {
	if m.deleteSessionFn != nil {
		return m.deleteSessionFn(ctx, pdsBaseURL, refreshJwt)
	}
	return nil
}

type mockSessionRepo struct {
	loadFn   func(ctx context.Context) (map[model.Platform]*model.Session, error)
	findFn   func(ctx context.Context, platform model.Platform) (*model.Session, error)
	saveFn   func(ctx context.Context, session *model.Session) error
	deleteFn func(ctx context.Context, platform model.Platform) error
}

func (m *mockSessionRepo) Load(ctx context.Context) (map[model.Platform]*model.Session, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx)
	}
	return map[model.Platform]*model.Session{}, nil
}

func (m *mockSessionRepo) Find(ctx context.Context, platform model.Platform) (*model.Session, error) {
	if m.findFn != nil {
		return m.findFn(ctx, platform)
	}
	return nil, nil
}

func (m *mockSessionRepo) Save(ctx context.Context, session *model.Session) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) Delete(ctx context.Context, platform model.Platform) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, platform)
	}
	return nil
}

type mockClientRepo struct {
	findFn   func(ctx context.Context, platform model.Platform, instanceBaseURL string) (*model.OAuthClient, error)
	saveFn   func(ctx context.Context, client *model.OAuthClient) error
	deleteFn func(ctx context.Context, platform model.Platform, instanceBaseURL string) error
}

func (m *mockClientRepo) Find(ctx context.Context, platform model.Platform, instanceBaseURL string) (*model.OAuthClient, error) {
	if m.findFn != nil {
		return m.findFn(ctx, platform, instanceBaseURL)
	}
	return nil, nil
}

func (m *mockClientRepo) Save(ctx context.Context, client *model.OAuthClient) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, client)
	}
	return nil
}

func (m *mockClientRepo) Delete(ctx context.Context, platform model.Platform, instanceBaseURL string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, platform, instanceBaseURL)
	}
	return nil
}

// redirectingBrowser は認可URLからredirect_uriとstateを取り出し、
// ユーザーの認可後のリダイレクトをシミュレートするモックブラウザ。
type redirectingBrowser struct {
	code       string
	forgeState string // 空でなければ正しいstateの代わりに送る
	errorCode  string // 空でなければcodeの代わりにエラーを送る
	skip       bool   // リダイレクトを送らない（放置のシミュレート）
}

func (b *redirectingBrowser) Open(rawURL string) error {
	if b.skip {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := parsed.Query()
	redirectURI := q.Get("redirect_uri")

	cb := url.Values{}
	if b.errorCode != "" {
		cb.Set("error", b.errorCode)
	} else {
		state := q.Get("state")
		if b.forgeState != "" {
			state = b.forgeState
		}
		cb.Set("code", b.code)
		cb.Set("state", state)
	}

	go func() {
		resp, err := http.Get(redirectURI + "?" + cb.Encode())
		if err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		OAuthTimeout: 3 * time.Second,
		Instances: map[model.Platform]string{
			model.PlatformPixelfed: "https://pixelfed.social",
			model.PlatformMastodon: "https://mastodon.social",
			model.PlatformBluesky:  "https://bsky.social",
		},
	}
}

// --- OAuthフロー ---

// OAuthフロー全体が成功し、セッションが保存されることを検証
func TestAuthenticate_OAuth_FullFlow(t *testing.T) {
	registerCalls := 0
	var saved *model.Session

	oauth := &mockOAuthProvider{
		registerAppFn: func(ctx context.Context, instance string) (*ClientCredentials, error) {
			registerCalls++
			if instance != "https://pixelfed.social" {
				t.Errorf("instance = %q, want https://pixelfed.social", instance)
			}
			return &ClientCredentials{ClientID: "cid-new", ClientSecret: "csec-new"}, nil
		},
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			if code != "test-code" {
				t.Errorf("code = %q, want test-code", code)
			}
			if verifier == "" {
				t.Error("verifier should not be empty")
			}
			if creds.ClientID != "cid-new" {
				t.Errorf("ClientID = %q, want cid-new", creds.ClientID)
			}
			return &OAuthToken{AccessToken: "at-1", RefreshToken: "rt-1"}, nil
		},
	}
	sessions := &mockSessionRepo{
		saveFn: func(ctx context.Context, s *model.Session) error {
			saved = s
			return nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		sessions, &mockClientRepo{}, nil, testConfig())

	session, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if registerCalls != 1 {
		t.Errorf("registerApp calls = %d, want 1", registerCalls)
	}
	if session.Kind != model.SessionKindOAuth {
		t.Errorf("Kind = %q, want %q", session.Kind, model.SessionKindOAuth)
	}
	if session.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q, want at-1", session.AccessToken)
	}
	if session.Handle != "alice" {
		t.Errorf("Handle = %q, want alice", session.Handle)
	}
	if session.InstanceBaseURL != "https://pixelfed.social" {
		t.Errorf("InstanceBaseURL = %q, want https://pixelfed.social", session.InstanceBaseURL)
	}
	if saved == nil {
		t.Fatal("expected session to be saved")
	}
	if saved.AccessToken != session.AccessToken {
		t.Error("saved session differs from returned session")
	}
}

// 保存済みクライアントがあれば再登録しないことを検証
func TestAuthenticate_OAuth_ReusesStoredClient(t *testing.T) {
	registerCalled := false

	oauth := &mockOAuthProvider{
		registerAppFn: func(ctx context.Context, instance string) (*ClientCredentials, error) {
			registerCalled = true
			return &ClientCredentials{ClientID: "x", ClientSecret: "y"}, nil
		},
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			if creds.ClientID != "stored-cid" {
				t.Errorf("ClientID = %q, want stored-cid", creds.ClientID)
			}
			return &OAuthToken{AccessToken: "at-1"}, nil
		},
	}
	clients := &mockClientRepo{
		findFn: func(ctx context.Context, platform model.Platform, instance string) (*model.OAuthClient, error) {
			return &model.OAuthClient{
				Platform:        platform,
				InstanceBaseURL: instance,
				ClientID:        "stored-cid",
				ClientSecret:    "stored-csec",
			}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		&mockSessionRepo{}, clients, nil, testConfig())

	if _, err := c.Authenticate(context.Background(), model.PlatformMastodon, AuthenticateParams{}); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if registerCalled {
		t.Error("registerApp should not be called when a stored client exists")
	}
}

// invalid_client検出時に再登録してフロー全体をちょうど1回やり直すことを検証
func TestAuthenticate_OAuth_RetriesOnceOnInvalidClient(t *testing.T) {
	exchangeCalls := 0
	registerCalls := 0
	deleteCalls := 0

	oauth := &mockOAuthProvider{
		registerAppFn: func(ctx context.Context, instance string) (*ClientCredentials, error) {
			registerCalls++
			return &ClientCredentials{ClientID: "fresh-cid", ClientSecret: "fresh-csec"}, nil
		},
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			exchangeCalls++
			if exchangeCalls == 1 {
				return nil, fmt.Errorf("token exchange rejected: %w", ErrInvalidClient)
			}
			if creds.ClientID != "fresh-cid" {
				t.Errorf("retry ClientID = %q, want fresh-cid", creds.ClientID)
			}
			return &OAuthToken{AccessToken: "at-2"}, nil
		},
	}
	clients := &mockClientRepo{
		findFn: func(ctx context.Context, platform model.Platform, instance string) (*model.OAuthClient, error) {
			return &model.OAuthClient{ClientID: "stale-cid", ClientSecret: "stale-csec"}, nil
		},
		deleteFn: func(ctx context.Context, platform model.Platform, instance string) error {
			deleteCalls++
			return nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		&mockSessionRepo{}, clients, nil, testConfig())

	session, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if exchangeCalls != 2 {
		t.Errorf("exchange calls = %d, want 2", exchangeCalls)
	}
	if registerCalls != 1 {
		t.Errorf("register calls = %d, want 1", registerCalls)
	}
	if deleteCalls != 1 {
		t.Errorf("client delete calls = %d, want 1", deleteCalls)
	}
	if session.AccessToken != "at-2" {
		t.Errorf("AccessToken = %q, want at-2", session.AccessToken)
	}
}

// 再試行後もinvalid_clientの場合は失敗が返り、それ以上繰り返さないことを検証
func TestAuthenticate_OAuth_InvalidClientSurfacesAfterRetry(t *testing.T) {
	exchangeCalls := 0

	oauth := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			exchangeCalls++
			return nil, fmt.Errorf("token exchange rejected: %w", ErrInvalidClient)
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorInvalidClient {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorInvalidClient)
	}
	if exchangeCalls != 2 {
		t.Errorf("exchange calls = %d, want 2", exchangeCalls)
	}
}

// コールバックが来ない場合にタイムアウトで失敗することを検証
func TestAuthenticate_OAuth_Timeout(t *testing.T) {
	config := testConfig()
	config.OAuthTimeout = 100 * time.Millisecond

	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		&mockSessionRepo{}, &mockClientRepo{}, nil, config)

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorTimeout {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorTimeout)
	}
}

// ユーザーが認可を拒否した場合にuser_deniedで失敗することを検証
func TestAuthenticate_OAuth_UserDenied(t *testing.T) {
	exchangeCalled := false
	oauth := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			exchangeCalled = true
			return &OAuthToken{AccessToken: "x"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{errorCode: "access_denied"},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorUserDenied {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorUserDenied)
	}
	if exchangeCalled {
		t.Error("exchange should not be called after denial")
	}
}

// stateが一致しない場合にフローが失敗することを検証
func TestAuthenticate_OAuth_StateMismatch(t *testing.T) {
	exchangeCalled := false
	oauth := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			exchangeCalled = true
			return &OAuthToken{AccessToken: "x"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code", forgeState: "forged"},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorMalformedResponse {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorMalformedResponse)
	}
	if exchangeCalled {
		t.Error("exchange should not be called on state mismatch")
	}
}

// 交換後のトークン検証に失敗した場合、セッションが保存されないことを検証
func TestAuthenticate_OAuth_VerifyFailureDoesNotSave(t *testing.T) {
	oauth := &mockOAuthProvider{
		exchangeCodeFn: func(ctx context.Context, instance string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error) {
			return &OAuthToken{AccessToken: "at-bad"}, nil
		},
		verifyCredentialsFn: func(ctx context.Context, instanceBaseURL, accessToken string) (*VerifiedAccount, error) {
			return nil, ErrUnauthorized
		},
	}
	sessions := &mockSessionRepo{
		saveFn: func(ctx context.Context, s *model.Session) error {
			t.Error("session should not be saved when verification fails")
			return nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		sessions, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed, AuthenticateParams{})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorInvalidCredentials {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorInvalidCredentials)
	}
}

// ユーザー指定のインスタンスURLが正規化されて使われることを検証
func TestAuthenticate_OAuth_NormalizesCustomInstance(t *testing.T) {
	var gotInstance string
	oauth := &mockOAuthProvider{
		registerAppFn: func(ctx context.Context, instance string) (*ClientCredentials, error) {
			gotInstance = instance
			return &ClientCredentials{ClientID: "cid", ClientSecret: "csec"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{code: "test-code"},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformPixelfed,
		AuthenticateParams{InstanceBaseURL: "pixelfed.example.org/"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if gotInstance != "https://pixelfed.example.org" {
		t.Errorf("instance = %q, want https://pixelfed.example.org", gotInstance)
	}
}

// --- アプリパスワードフロー ---

// アプリパスワードでのログインが成功しセッションが保存されることを検証
func TestAuthenticate_AppPassword_Success(t *testing.T) {
	var saved *model.Session
	appPw := &mockAppPasswordProvider{
		createSessionFn: func(ctx context.Context, pds, identifier, password string) (*BskySession, error) {
			if pds != "https://bsky.social" {
				t.Errorf("pds = %q, want https://bsky.social", pds)
			}
			if identifier != "alice.bsky.social" || password != "app-pass" {
				t.Errorf("credentials = (%q, %q), want (alice.bsky.social, app-pass)", identifier, password)
			}
			return &BskySession{DID: "did:plc:xyz", Handle: "alice.bsky.social", AccessJwt: "ajwt", RefreshJwt: "rjwt"}, nil
		},
	}
	sessions := &mockSessionRepo{
		saveFn: func(ctx context.Context, s *model.Session) error {
			saved = s
			return nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, appPw, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	session, err := c.Authenticate(context.Background(), model.PlatformBluesky,
		AuthenticateParams{Identifier: "alice.bsky.social", AppPassword: "app-pass"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if session.Kind != model.SessionKindAppPassword {
		t.Errorf("Kind = %q, want %q", session.Kind, model.SessionKindAppPassword)
	}
	if session.DID != "did:plc:xyz" {
		t.Errorf("DID = %q, want did:plc:xyz", session.DID)
	}
	if session.SessionToken != "ajwt" {
		t.Errorf("SessionToken = %q, want ajwt", session.SessionToken)
	}
	if saved == nil {
		t.Fatal("expected session to be saved")
	}
}

// 誤った認証情報でinvalid_credentialsが返ることを検証
func TestAuthenticate_AppPassword_InvalidCredentials(t *testing.T) {
	saveCalled := false
	appPw := &mockAppPasswordProvider{
		createSessionFn: func(ctx context.Context, pds, identifier, password string) (*BskySession, error) {
			return nil, fmt.Errorf("createSession rejected: %w", ErrUnauthorized)
		},
	}
	sessions := &mockSessionRepo{
		saveFn: func(ctx context.Context, s *model.Session) error {
			saveCalled = true
			return nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, appPw, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformBluesky,
		AuthenticateParams{Identifier: "alice.bsky.social", AppPassword: "wrong"})

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != model.AuthErrorInvalidCredentials {
		t.Errorf("Kind = %q, want %q", authErr.Kind, model.AuthErrorInvalidCredentials)
	}
	if saveCalled {
		t.Error("session should not be saved on failure")
	}
}

// ハンドルまたはパスワードが空の場合はネットワークに出ずに失敗することを検証
func TestAuthenticate_AppPassword_MissingInput(t *testing.T) {
	createCalled := false
	appPw := &mockAppPasswordProvider{
		createSessionFn: func(ctx context.Context, pds, identifier, password string) (*BskySession, error) {
			createCalled = true
			return nil, nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, appPw, &redirectingBrowser{skip: true},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.PlatformBluesky, AuthenticateParams{Identifier: "alice.bsky.social"})
	if err == nil {
		t.Fatal("expected error for missing app password, got nil")
	}
	if createCalled {
		t.Error("createSession should not be called with missing input")
	}
}

// 未知のプラットフォームで未対応エラーが返ることを検証
func TestAuthenticate_UnknownPlatform(t *testing.T) {
	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	_, err := c.Authenticate(context.Background(), model.Platform("friendica"), AuthenticateParams{})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeUnsupportedAuth {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeUnsupportedAuth)
	}
}

// --- ログアウト ---

// OAuthセッションのログアウトで失効とローカル削除の両方が行われることを検証
func TestLogout_OAuth_RevokesAndDeletes(t *testing.T) {
	var revokedToken string
	deleteCalled := false

	oauth := &mockOAuthProvider{
		revokeTokenFn: func(ctx context.Context, instance string, creds ClientCredentials, token string) error {
			revokedToken = token
			return nil
		},
	}
	sessions := &mockSessionRepo{
		findFn: func(ctx context.Context, platform model.Platform) (*model.Session, error) {
			return &model.Session{
				Platform:        platform,
				Kind:            model.SessionKindOAuth,
				AccessToken:     "at-1",
				InstanceBaseURL: "https://pixelfed.social",
			}, nil
		},
		deleteFn: func(ctx context.Context, platform model.Platform) error {
			deleteCalled = true
			return nil
		},
	}
	clients := &mockClientRepo{
		findFn: func(ctx context.Context, platform model.Platform, instance string) (*model.OAuthClient, error) {
			return &model.OAuthClient{ClientID: "cid", ClientSecret: "csec"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, clients, nil, testConfig())

	if err := c.Logout(context.Background(), model.PlatformPixelfed); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if revokedToken != "at-1" {
		t.Errorf("revoked token = %q, want at-1", revokedToken)
	}
	if !deleteCalled {
		t.Error("expected local session deletion")
	}
}

// セッションがない場合のログアウトが何もせず成功することを検証
func TestLogout_NoSession_Noop(t *testing.T) {
	deleteCalled := false
	sessions := &mockSessionRepo{
		deleteFn: func(ctx context.Context, platform model.Platform) error {
			deleteCalled = true
			return nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	if err := c.Logout(context.Background(), model.PlatformMastodon); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if deleteCalled {
		t.Error("delete should not be called when no session exists")
	}
}

// 失効の失敗がローカル削除を妨げないことを検証
func TestLogout_RevokeFailureStillDeletes(t *testing.T) {
	deleteCalled := false
	oauth := &mockOAuthProvider{
		revokeTokenFn: func(ctx context.Context, instance string, creds ClientCredentials, token string) error {
			return fmt.Errorf("revocation endpoint unavailable")
		},
	}
	sessions := &mockSessionRepo{
		findFn: func(ctx context.Context, platform model.Platform) (*model.Session, error) {
			return &model.Session{Platform: platform, Kind: model.SessionKindOAuth, AccessToken: "at", InstanceBaseURL: "https://pixelfed.social"}, nil
		},
		deleteFn: func(ctx context.Context, platform model.Platform) error {
			deleteCalled = true
			return nil
		},
	}
	clients := &mockClientRepo{
		findFn: func(ctx context.Context, platform model.Platform, instance string) (*model.OAuthClient, error) {
			return &model.OAuthClient{ClientID: "cid", ClientSecret: "csec"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, clients, nil, testConfig())

	if err := c.Logout(context.Background(), model.PlatformPixelfed); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if !deleteCalled {
		t.Error("expected local session deletion despite revoke failure")
	}
}

// アプリパスワードセッションのログアウトでリモートセッションが破棄されることを検証
func TestLogout_AppPassword_DeletesRemoteSession(t *testing.T) {
	var deletedWith string
	appPw := &mockAppPasswordProvider{
		deleteSessionFn: func(ctx context.Context, pds, refreshJwt string) error {
			deletedWith = refreshJwt
			return nil
		},
	}
	sessions := &mockSessionRepo{
		findFn: func(ctx context.Context, platform model.Platform) (*model.Session, error) {
			return &model.Session{
				Platform:        platform,
				Kind:            model.SessionKindAppPassword,
				SessionToken:    "ajwt",
				RefreshToken:    "rjwt",
				InstanceBaseURL: "https://bsky.social",
			}, nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, appPw, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	if err := c.Logout(context.Background(), model.PlatformBluesky); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if deletedWith != "rjwt" {
		t.Errorf("deleteSession called with %q, want rjwt", deletedWith)
	}
}

// --- ステータスと検証 ---

// Statusが全プラットフォームの要約を返し、期限切れを未認証として扱うことを検証
func TestStatus_SummarizesAllPlatforms(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	sessions := &mockSessionRepo{
		loadFn: func(ctx context.Context) (map[model.Platform]*model.Session, error) {
			return map[model.Platform]*model.Session{
				model.PlatformPixelfed: {
					Platform:        model.PlatformPixelfed,
					Kind:            model.SessionKindOAuth,
					AccessToken:     "at",
					Handle:          "alice",
					InstanceBaseURL: "https://pixelfed.social",
				},
				model.PlatformBluesky: {
					Platform:     model.PlatformBluesky,
					Kind:         model.SessionKindAppPassword,
					SessionToken: "jwt",
					ExpiresAt:    &expired,
				},
			}, nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	statuses, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if len(statuses) != len(model.AllPlatforms) {
		t.Fatalf("len(statuses) = %d, want %d", len(statuses), len(model.AllPlatforms))
	}

	byPlatform := map[model.Platform]PlatformStatus{}
	for _, s := range statuses {
		byPlatform[s.Platform] = s
	}
	if !byPlatform[model.PlatformPixelfed].Authenticated {
		t.Error("pixelfed should be authenticated")
	}
	if byPlatform[model.PlatformPixelfed].Handle != "alice" {
		t.Errorf("pixelfed handle = %q, want alice", byPlatform[model.PlatformPixelfed].Handle)
	}
	if byPlatform[model.PlatformBluesky].Authenticated {
		t.Error("expired bluesky session should not be authenticated")
	}
	if byPlatform[model.PlatformMastodon].Authenticated {
		t.Error("mastodon should not be authenticated")
	}
}

// VerifySessionがリモート照会の結果を返すことを検証
func TestVerifySession_Valid(t *testing.T) {
	sessions := &mockSessionRepo{
		findFn: func(ctx context.Context, platform model.Platform) (*model.Session, error) {
			return &model.Session{Platform: platform, Kind: model.SessionKindOAuth, AccessToken: "at", InstanceBaseURL: "https://pixelfed.social"}, nil
		},
	}
	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	valid, err := c.VerifySession(context.Background(), model.PlatformPixelfed)
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if !valid {
		t.Error("expected session to be valid")
	}
}

// リモートに拒否されたセッションがfalseを返すことを検証
func TestVerifySession_Rejected(t *testing.T) {
	oauth := &mockOAuthProvider{
		verifyCredentialsFn: func(ctx context.Context, instance, token string) (*VerifiedAccount, error) {
			return nil, fmt.Errorf("rejected: %w", ErrUnauthorized)
		},
	}
	sessions := &mockSessionRepo{
		findFn: func(ctx context.Context, platform model.Platform) (*model.Session, error) {
			return &model.Session{Platform: platform, Kind: model.SessionKindOAuth, AccessToken: "at", InstanceBaseURL: "https://pixelfed.social"}, nil
		},
	}
	c := NewCoordinator(oauth, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		sessions, &mockClientRepo{}, nil, testConfig())

	valid, err := c.VerifySession(context.Background(), model.PlatformPixelfed)
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if valid {
		t.Error("expected rejected session to be invalid")
	}
}

// セッションが存在しない場合にfalseが返ることを検証
func TestVerifySession_NoSession(t *testing.T) {
	c := NewCoordinator(&mockOAuthProvider{}, &mockAppPasswordProvider{}, &redirectingBrowser{skip: true},
		&mockSessionRepo{}, &mockClientRepo{}, nil, testConfig())

	valid, err := c.VerifySession(context.Background(), model.PlatformBluesky)
	if err != nil {
		t.Fatalf("VerifySession failed: %v", err)
	}
	if valid {
		t.Error("expected missing session to be invalid")
	}
}

// --- インスタンスURL正規化 ---

// NormalizeInstanceURLの各入力パターンを検証
func TestNormalizeInstanceURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "スキームなしはhttpsが補われる", input: "pixelfed.social", want: "https://pixelfed.social"},
		{name: "末尾スラッシュは除去される", input: "https://pixelfed.social/", want: "https://pixelfed.social"},
		{name: "httpはそのまま", input: "http://localhost.example.com", want: "http://localhost.example.com"},
		{name: "前後の空白は無視される", input: "  mastodon.social  ", want: "https://mastodon.social"},
		{name: "空文字列はエラー", input: "", wantErr: true},
		{name: "空白のみはエラー", input: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeInstanceURL(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeInstanceURL(%q) should have returned error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeInstanceURL(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeInstanceURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
