// Package auth はプラットフォームごとの認証フローとセッション永続化を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/repository"
)

// OAuthProvider はActivityPub系インスタンスのOAuthエンドポイントの抽象化。
// テストではhttptestサーバーを指すURLを渡すか、モックに差し替える。
type OAuthProvider interface {
	// RegisterApp はインスタンスにアプリを動的登録する。
	RegisterApp(ctx context.Context, instanceBaseURL string) (*ClientCredentials, error)
	// BuildAuthorizeURL は認可URLを生成する。
	BuildAuthorizeURL(instanceBaseURL, clientID, redirectURI, state string, pkce *PKCEPair) string
	// ExchangeCode は認可コードをアクセストークンに交換する。
	ExchangeCode(ctx context.Context, instanceBaseURL string, creds ClientCredentials, redirectURI, code, verifier string) (*OAuthToken, error)
	// VerifyCredentials はトークンの有効性とアカウントを確認する。
	VerifyCredentials(ctx context.Context, instanceBaseURL, accessToken string) (*VerifiedAccount, error)
	// RevokeToken はトークンを失効させる。
	RevokeToken(ctx context.Context, instanceBaseURL string, creds ClientCredentials, token string) error
}

// AppPasswordProvider はアプリパスワード方式のセッションAPIの抽象化。
type AppPasswordProvider interface {
	// CreateSession はハンドルとアプリパスワードでセッションを作成する。
	CreateSession(ctx context.Context, pdsBaseURL, identifier, appPassword string) (*BskySession, error)
	// GetSession はアクセストークンの有効性を確認する。
	GetSession(ctx context.Context, pdsBaseURL, accessJwt string) (*BskySession, error)
	// DeleteSession はセッションを破棄する。
	DeleteSession(ctx context.Context, pdsBaseURL, refreshJwt string) error
}

// AuthenticateParams は認証に必要な追加入力。
// OAuth系プラットフォームではInstanceBaseURLのみ（省略時は設定値）、
// アプリパスワード系ではIdentifierとAppPasswordが必須。
type AuthenticateParams struct {
	InstanceBaseURL string
	Identifier      string
	AppPassword     string
}

// PlatformStatus は1プラットフォームの認証状態の要約。
// トークンそのものは含まない。
type PlatformStatus struct {
	Platform        model.Platform    `json:"platform"`
	Authenticated   bool              `json:"authenticated"`
	Kind            model.SessionKind `json:"kind,omitempty"`
	Handle          string            `json:"handle,omitempty"`
	InstanceBaseURL string            `json:"instance_base_url,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}

// CoordinatorConfig は認証コーディネーターの設定。
type CoordinatorConfig struct {
	// OAuthTimeout は認可コールバック待ちの上限。
	OAuthTimeout time.Duration
	// Instances はプラットフォームごとの既定インスタンスURL。
	Instances map[model.Platform]string
}

// Coordinator はプラットフォームごとの認証フローを駆動し、
// 成功したセッションだけをCredential Storeへ永続化する。
// 1プラットフォームにつきセッションは常に最大1件で、保存はUPSERTにより
// アトミックに置き換えられる。
type Coordinator struct {
	oauth       OAuthProvider
	appPassword AppPasswordProvider
	browser     BrowserOpener
	sessionRepo repository.SessionRepository
	clientRepo  repository.OAuthClientRepository
	collector   metrics.MetricsCollector
	config      CoordinatorConfig

	// newListener はテストで差し替え可能なリスナーファクトリ。
	newListener func() (*CallbackListener, error)
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(
	oauth OAuthProvider,
	appPassword AppPasswordProvider,
	browser BrowserOpener,
	sessionRepo repository.SessionRepository,
	clientRepo repository.OAuthClientRepository,
	collector metrics.MetricsCollector,
	config CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		oauth:       oauth,
		appPassword: appPassword,
		browser:     browser,
		sessionRepo: sessionRepo,
		clientRepo:  clientRepo,
		collector:   collector,
		config:      config,
		newListener: NewCallbackListener,
	}
}

// Authenticate はプラットフォームの認証方式に応じたフローを実行し、
// 成功したセッションを保存して返す。
// 失敗はすべて*model.AuthErrorまたは*model.APIErrorとして返り、
// プロセスを落とすことはない。
func (c *Coordinator) Authenticate(ctx context.Context, platform model.Platform, params AuthenticateParams) (*model.Session, error) {
	caps := platform.Capabilities()
	switch {
	case caps.SupportsOAuth:
		return c.authenticateOAuth(ctx, platform, params.InstanceBaseURL)
	case caps.SupportsAppPassword:
		return c.authenticateAppPassword(ctx, platform, params.Identifier, params.AppPassword)
	default:
		return nil, model.NewUnsupportedAuthError(platform)
	}
}

// authenticateOAuth はOAuth認可コードフローを実行する。
func (c *Coordinator) authenticateOAuth(ctx context.Context, platform model.Platform, rawInstance string) (*model.Session, error) {
	instance, err := c.resolveInstance(platform, rawInstance)
	if err != nil {
		return nil, err
	}

	session, err := c.runOAuthFlow(ctx, platform, instance, false)
	if err != nil {
		c.recordAuthOutcome(platform, err)
		return nil, err
	}

	c.recordAuthOutcome(platform, nil)
	return session, nil
}

// runOAuthFlow はOAuthフローを1回実行する。
// retriedがfalseのとき、トークン交換でinvalid_clientを検出したら
// 保存済みクライアントを破棄してフロー全体をちょうど1回だけやり直す。
func (c *Coordinator) runOAuthFlow(ctx context.Context, platform model.Platform, instance string, retried bool) (*model.Session, error) {
	creds, err := c.ensureClient(ctx, platform, instance, retried)
	if err != nil {
		return nil, err
	}

	// リスナーを先に起動してポートを確定させる
	listener, err := c.newListener()
	if err != nil {
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "コールバックリスナーを起動できませんでした", err)
	}
	defer listener.Close()

	redirectURI := listener.RedirectURI()

	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "PKCEの生成に失敗しました", err)
	}
	state, err := GenerateState()
	if err != nil {
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "stateの生成に失敗しました", err)
	}

	authorizeURL := c.oauth.BuildAuthorizeURL(instance, creds.ClientID, redirectURI, state, pkce)

	if err := c.browser.Open(authorizeURL); err != nil {
		// ブラウザが開けなくてもフローは続行し、URLを提示して手動で開いてもらう
		slog.Warn("failed to open browser, open the authorization URL manually",
			slog.String("platform", string(platform)),
			slog.String("url", authorizeURL),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("waiting for authorization callback",
		slog.String("platform", string(platform)),
		slog.String("instance", instance),
		slog.Int("port", listener.Port()),
	)

	waitCtx, cancel := context.WithTimeout(ctx, c.config.OAuthTimeout)
	defer cancel()

	result, err := listener.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewAuthError(platform, model.AuthErrorTimeout, "認可コールバックの待機がタイムアウトしました", err)
		}
		return nil, model.NewAuthError(platform, model.AuthErrorUserDenied, "認可フローが中断されました", err)
	}

	if result.ErrorCode != "" {
		if result.ErrorCode == "access_denied" {
			return nil, model.NewAuthError(platform, model.AuthErrorUserDenied, "ユーザーが認可を拒否しました", nil)
		}
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork,
			fmt.Sprintf("認可エンドポイントがエラーを返しました: %s", result.ErrorCode), nil)
	}

	if result.State != state {
		return nil, model.NewAuthError(platform, model.AuthErrorMalformedResponse, "stateが一致しません", nil)
	}
	if result.Code == "" {
		return nil, model.NewAuthError(platform, model.AuthErrorMalformedResponse, "認可コードがありません", nil)
	}

	token, err := c.oauth.ExchangeCode(ctx, instance, *creds, redirectURI, result.Code, pkce.Verifier)
	if err != nil {
		if errors.Is(err, ErrInvalidClient) {
			if !retried {
				slog.Info("stored client rejected, re-registering and retrying once",
					slog.String("platform", string(platform)),
					slog.String("instance", instance),
				)
				if derr := c.clientRepo.Delete(ctx, platform, instance); derr != nil {
					return nil, fmt.Errorf("failed to discard rejected client: %w", derr)
				}
				return c.runOAuthFlow(ctx, platform, instance, true)
			}
			return nil, model.NewAuthError(platform, model.AuthErrorInvalidClient, "クライアント認証情報が再登録後も拒否されました", err)
		}
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "トークン交換に失敗しました", err)
	}

	account, err := c.oauth.VerifyCredentials(ctx, instance, token.AccessToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, model.NewAuthError(platform, model.AuthErrorInvalidCredentials, "取得したトークンの検証に失敗しました", err)
		}
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "トークンの検証に失敗しました", err)
	}

	now := time.Now()
	session := &model.Session{
		Platform:        platform,
		Kind:            model.SessionKindOAuth,
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		InstanceBaseURL: instance,
		Handle:          account.Acct,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if token.ExpiresIn > 0 {
		expires := now.Add(time.Duration(token.ExpiresIn) * time.Second)
		session.ExpiresAt = &expires
	}

	if err := c.sessionRepo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	slog.Info("oauth login succeeded",
		slog.String("platform", string(platform)),
		slog.String("instance", instance),
		slog.String("handle", account.Acct),
	)

	return session, nil
}

// ensureClient は保存済みクライアント登録を取得し、なければ動的登録して保存する。
// forceRegisterがtrueの場合は保存済みを無視して必ず登録し直す。
func (c *Coordinator) ensureClient(ctx context.Context, platform model.Platform, instance string, forceRegister bool) (*ClientCredentials, error) {
	if !forceRegister {
		stored, err := c.clientRepo.Find(ctx, platform, instance)
		if err != nil {
			return nil, fmt.Errorf("failed to load oauth client: %w", err)
		}
		if stored != nil {
			return &ClientCredentials{
				ClientID:     stored.ClientID,
				ClientSecret: stored.ClientSecret,
			}, nil
		}
	}

	creds, err := c.oauth.RegisterApp(ctx, instance)
	if err != nil {
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "アプリの動的登録に失敗しました", err)
	}

	now := time.Now()
	record := &model.OAuthClient{
		Platform:        platform,
		InstanceBaseURL: instance,
		ClientID:        creds.ClientID,
		ClientSecret:    creds.ClientSecret,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.clientRepo.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save oauth client: %w", err)
	}

	slog.Info("registered oauth app",
		slog.String("platform", string(platform)),
		slog.String("instance", instance),
	)

	return creds, nil
}

// authenticateAppPassword はアプリパスワードでセッションを作成する。
func (c *Coordinator) authenticateAppPassword(ctx context.Context, platform model.Platform, identifier, appPassword string) (*model.Session, error) {
	if identifier == "" || appPassword == "" {
		return nil, model.NewAuthError(platform, model.AuthErrorInvalidCredentials, "ハンドルとアプリパスワードの両方が必要です", nil)
	}

	pds := c.config.Instances[platform]
	if pds == "" {
		return nil, model.NewAuthError(platform, model.AuthErrorNetwork, "PDSのURLが設定されていません", nil)
	}

	bs, err := c.appPassword.CreateSession(ctx, pds, identifier, appPassword)
	if err != nil {
		var authErr error
		if errors.Is(err, ErrUnauthorized) {
			authErr = model.NewAuthError(platform, model.AuthErrorInvalidCredentials, "ハンドルまたはアプリパスワードが正しくありません", err)
		} else {
			authErr = model.NewAuthError(platform, model.AuthErrorNetwork, "セッションの作成に失敗しました", err)
		}
		c.recordAuthOutcome(platform, authErr)
		return nil, authErr
	}

	now := time.Now()
	session := &model.Session{
		Platform:        platform,
		Kind:            model.SessionKindAppPassword,
		InstanceBaseURL: pds,
		Handle:          bs.Handle,
		SessionToken:    bs.AccessJwt,
		RefreshToken:    bs.RefreshJwt,
		DID:             bs.DID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.sessionRepo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	c.recordAuthOutcome(platform, nil)
	slog.Info("app password login succeeded",
		slog.String("platform", string(platform)),
		slog.String("handle", bs.Handle),
		slog.String("did", bs.DID),
	)

	return session, nil
}

// Logout はセッションを破棄する。
// サーバー側の失効はベストエフォートで行い、失敗してもローカルの削除は実行する。
// セッションが存在しない場合は何もせず成功を返す。
func (c *Coordinator) Logout(ctx context.Context, platform model.Platform) error {
	session, err := c.sessionRepo.Find(ctx, platform)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil
	}

	switch session.Kind {
	case model.SessionKindOAuth:
		stored, err := c.clientRepo.Find(ctx, platform, session.InstanceBaseURL)
		if err == nil && stored != nil {
			creds := ClientCredentials{ClientID: stored.ClientID, ClientSecret: stored.ClientSecret}
			if rerr := c.oauth.RevokeToken(ctx, session.InstanceBaseURL, creds, session.AccessToken); rerr != nil {
				slog.Warn("token revocation failed",
					slog.String("platform", string(platform)),
					slog.String("error", rerr.Error()),
				)
			}
		}
	case model.SessionKindAppPassword:
		if session.RefreshToken != "" {
			if derr := c.appPassword.DeleteSession(ctx, session.InstanceBaseURL, session.RefreshToken); derr != nil {
				slog.Warn("session deletion failed",
					slog.String("platform", string(platform)),
					slog.String("error", derr.Error()),
				)
			}
		}
	}

	if err := c.sessionRepo.Delete(ctx, platform); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("logged out", slog.String("platform", string(platform)))
	return nil
}

// Status は全プラットフォームの認証状態の要約を返す。
// 要約にトークンは含まれない。
func (c *Coordinator) Status(ctx context.Context) ([]PlatformStatus, error) {
	sessions, err := c.sessionRepo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	statuses := make([]PlatformStatus, 0, len(model.AllPlatforms))
	for _, platform := range model.AllPlatforms {
		status := PlatformStatus{Platform: platform}
		if session, ok := sessions[platform]; ok && session.Valid(time.Now()) {
			status.Authenticated = true
			status.Kind = session.Kind
			status.Handle = session.Handle
			status.InstanceBaseURL = session.InstanceBaseURL
			status.ExpiresAt = session.ExpiresAt
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// VerifySession は保存済みセッションをリモートに照会して有効性を確認する。
// セッションが存在しない、またはリモートに拒否された場合はfalseを返す。
func (c *Coordinator) VerifySession(ctx context.Context, platform model.Platform) (bool, error) {
	session, err := c.sessionRepo.Find(ctx, platform)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || !session.Valid(time.Now()) {
		return false, nil
	}

	switch session.Kind {
	case model.SessionKindOAuth:
		_, err = c.oauth.VerifyCredentials(ctx, session.InstanceBaseURL, session.AccessToken)
	case model.SessionKindAppPassword:
		_, err = c.appPassword.GetSession(ctx, session.InstanceBaseURL, session.SessionToken)
	default:
		return false, nil
	}

	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// resolveInstance はインスタンスURLを正規化する。空の場合は設定の既定値を使う。
func (c *Coordinator) resolveInstance(platform model.Platform, rawInstance string) (string, error) {
	if strings.TrimSpace(rawInstance) == "" {
		instance := c.config.Instances[platform]
		if instance == "" {
			return "", model.NewInvalidInstanceURLError("インスタンスURLが設定されていません")
		}
		return instance, nil
	}
	return NormalizeInstanceURL(rawInstance)
}

// recordAuthOutcome は認証試行の結果をメトリクスに記録する。
func (c *Coordinator) recordAuthOutcome(platform model.Platform, err error) {
	if c.collector == nil {
		return
	}
	if err == nil {
		c.collector.RecordAuthAttempt(string(platform), "success")
		return
	}
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		c.collector.RecordAuthAttempt(string(platform), string(authErr.Kind))
		return
	}
	c.collector.RecordAuthAttempt(string(platform), "failure")
}

// NormalizeInstanceURL はユーザー入力のインスタンスURLを正規化する。
// スキームがなければhttpsを補い、末尾のスラッシュを取り除く。
func NormalizeInstanceURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", model.NewInvalidInstanceURLError("インスタンスURLが空です")
	}

	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", model.NewInvalidInstanceURLError("インスタンスURLの形式が正しくありません")
	}

	return trimmed, nil
}
