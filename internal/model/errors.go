// Package model はドメインモデルを定義する。
package model

import "fmt"

// AuthErrorKind は認証エラーの分類を表す。
type AuthErrorKind string

const (
	// AuthErrorTimeout はコールバック待機やリクエストのタイムアウト。
	AuthErrorTimeout AuthErrorKind = "timeout"
	// AuthErrorUserDenied はユーザーによる認可拒否。
	AuthErrorUserDenied AuthErrorKind = "user_denied"
	// AuthErrorInvalidClient は再登録リトライ後もclient認証に失敗した状態。
	AuthErrorInvalidClient AuthErrorKind = "invalid_client"
	// AuthErrorInvalidCredentials はハンドル/アプリパスワードの不一致。
	AuthErrorInvalidCredentials AuthErrorKind = "invalid_credentials"
	// AuthErrorNetwork はネットワーク到達性の失敗。
	AuthErrorNetwork AuthErrorKind = "network_error"
	// AuthErrorMalformedResponse はレスポンスの解析失敗や必須フィールド欠落。
	AuthErrorMalformedResponse AuthErrorKind = "malformed_response"
)

// AuthError は1プラットフォームの認証失敗を表す。
// プロセス全体には致命的でなく、対象プラットフォームの
// サインイン試行のみを中断する。
type AuthError struct {
	Platform Platform
	Kind     AuthErrorKind
	Message  string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %s: %v", e.Platform, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s: %s", e.Platform, e.Kind, e.Message)
}

// Unwrap はラップされたエラーを返す。
func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError はAuthErrorを生成する。
func NewAuthError(platform Platform, kind AuthErrorKind, message string, err error) *AuthError {
	return &AuthError{Platform: platform, Kind: kind, Message: message, Err: err}
}

// ResolveErrorKind はハンドル解決エラーの分類を表す。
type ResolveErrorKind string

const (
	// ResolveErrorNotFound はハンドルに対応するアクターが存在しない状態。
	ResolveErrorNotFound ResolveErrorKind = "not_found"
	// ResolveErrorTimeout はリモートディスカバリのタイムアウト。
	ResolveErrorTimeout ResolveErrorKind = "timeout"
	// ResolveErrorNetwork はネットワーク到達性の失敗。
	ResolveErrorNetwork ResolveErrorKind = "network_error"
	// ResolveErrorUnsupported はディスカバリ非対応プラットフォームへの要求。
	ResolveErrorUnsupported ResolveErrorKind = "unsupported"
)

// ResolveError はハンドル解決の失敗を表す。
type ResolveError struct {
	Platform Platform
	Handle   string
	Kind     ResolveErrorKind
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s on %s: %s: %v", e.Handle, e.Platform, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s on %s: %s", e.Handle, e.Platform, e.Kind)
}

// Unwrap はラップされたエラーを返す。
func (e *ResolveError) Unwrap() error { return e.Err }

// NewResolveError はResolveErrorを生成する。
func NewResolveError(platform Platform, handle string, kind ResolveErrorKind, err error) *ResolveError {
	return &ResolveError{Platform: platform, Handle: handle, Kind: kind, Err: err}
}

// DownloadErrorKind はダウンロード失敗の分類を表す。
type DownloadErrorKind string

const (
	// DownloadErrorNetwork はネットワーク到達性の失敗。
	DownloadErrorNetwork DownloadErrorKind = "network_error"
	// DownloadErrorDisk はファイル書き込みの失敗。
	DownloadErrorDisk DownloadErrorKind = "disk_error"
	// DownloadErrorInvalidResponse は非2xx応答やサイズ超過。
	DownloadErrorInvalidResponse DownloadErrorKind = "invalid_response"
	// DownloadErrorCanceled はバッチキャンセルによる中断。
	DownloadErrorCanceled DownloadErrorKind = "canceled"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, search, download, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyTerm          = "EMPTY_SEARCH_TERM"
	ErrCodeInvalidDaysBack    = "INVALID_DAYS_BACK"
	ErrCodeNoPlatforms        = "NO_PLATFORMS_REQUESTED"
	ErrCodeUnknownPlatform    = "UNKNOWN_PLATFORM"
	ErrCodeInvalidQueryKind   = "INVALID_QUERY_KIND"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeBatchNotFound      = "BATCH_NOT_FOUND"
	ErrCodeNoDownloadItems    = "NO_DOWNLOAD_ITEMS"
	ErrCodeUnsupportedAuth    = "UNSUPPORTED_AUTH_METHOD"
	ErrCodeInvalidInstanceURL = "INVALID_INSTANCE_URL"
)

// NewEmptyTermError は検索語が空の場合のエラーを生成する。
func NewEmptyTermError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyTerm,
		Message:  "検索語が空です。",
		Category: "validation",
		Action:   "ユーザー名またはハッシュタグを入力してください。",
	}
}

// NewInvalidDaysBackError は検索期間が範囲外の場合のエラーを生成する。
func NewInvalidDaysBackError(days int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDaysBack,
		Message:  fmt.Sprintf("無効な検索期間です: %d日", days),
		Category: "validation",
		Action:   fmt.Sprintf("検索期間は%d日から%d日の範囲で指定してください。", MinDaysBack, MaxDaysBack),
	}
}

// NewNoPlatformsError は対象プラットフォーム未指定のエラーを生成する。
func NewNoPlatformsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPlatforms,
		Message:  "検索対象のプラットフォームが指定されていません。",
		Category: "validation",
		Action:   "少なくとも1つのプラットフォームを選択してください。",
	}
}

// NewUnknownPlatformError は未知のプラットフォーム指定のエラーを生成する。
func NewUnknownPlatformError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlatform,
		Message:  fmt.Sprintf("未知のプラットフォームです: %s", name),
		Category: "validation",
		Action:   "pixelfed、mastodon、bluesky のいずれかを指定してください。",
	}
}

// NewInvalidQueryKindError は無効な検索種別のエラーを生成する。
func NewInvalidQueryKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQueryKind,
		Message:  fmt.Sprintf("無効な検索種別です: %s", kind),
		Category: "validation",
		Action:   "検索種別には user または hashtag を指定してください。",
	}
}

// NewUnsupportedAuthError はプラットフォームが対応しない認証方式のエラーを生成する。
func NewUnsupportedAuthError(platform Platform) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedAuth,
		Message:  fmt.Sprintf("%s はこの認証方式に対応していません。", platform.DisplayName()),
		Category: "auth",
		Action:   "対応する認証方式でログインしてください。",
	}
}

// NewInvalidInstanceURLError は無効なインスタンスURLのエラーを生成する。
func NewInvalidInstanceURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInstanceURL,
		Message:  fmt.Sprintf("無効なインスタンスURLです: %s", reason),
		Category: "validation",
		Action:   "https:// で始まるインスタンスURLを入力してください。",
	}
}

// NewBatchNotFoundError はダウンロードバッチ未検出のエラーを生成する。
func NewBatchNotFoundError(batchID string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchNotFound,
		Message:  fmt.Sprintf("指定されたダウンロードバッチが見つかりません: %s", batchID),
		Category: "download",
		Action:   "バッチIDを確認してください。",
	}
}

// NewNoDownloadItemsError はダウンロード対象なしのエラーを生成する。
func NewNoDownloadItemsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoDownloadItems,
		Message:  "ダウンロード対象のメディアがありません。",
		Category: "download",
		Action:   "メディアを含む投稿を選択してください。",
	}
}
