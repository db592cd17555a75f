package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// CallbackResult はコールバックリスナーが受信したリダイレクトの内容。
type CallbackResult struct {
	Code  string
	State string
	// ErrorCode はプロバイダーがエラーを返した場合のerrorパラメータ
	// （access_denied等）。正常時は空。
	ErrorCode        string
	ErrorDescription string
}

// CallbackListener はOAuthリダイレクトを1回だけ受信するローカルHTTPリスナー。
// OSが割り当てた空きポートにバインドし、最初のリダイレクトを受信したら
// 結果をWaitへ渡す。他のローカルサービスと衝突しないよう固定ポートは使わない。
// 使用後は必ずCloseを呼び、ポートを解放すること。
type CallbackListener struct {
	listener net.Listener
	server   *http.Server
	results  chan CallbackResult
	once     sync.Once
}

// NewCallbackListener は127.0.0.1の空きポートにバインドしたリスナーを起動する。
func NewCallbackListener() (*CallbackListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener: %w", err)
	}

	l := &CallbackListener{
		listener: ln,
		results:  make(chan CallbackResult, 1),
	}

	r := chi.NewRouter()
	r.Get("/callback", l.handleCallback)

	l.server = &http.Server{Handler: r}
	go func() {
		// Closeで正常終了するため、Serveのエラーは捨てる
		_ = l.server.Serve(ln)
	}()

	return l, nil
}

// Port はバインドされたポート番号を返す。
func (l *CallbackListener) Port() int {
	return l.listener.Addr().(*net.TCPAddr).Port
}

// RedirectURI はこのリスナーへのリダイレクトURIを返す。
func (l *CallbackListener) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", l.Port())
}

// Wait は最初のリダイレクト受信またはctxの期限切れまでブロックする。
// 期限切れの場合はctx.Err()を返す。
func (l *CallbackListener) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-l.results:
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close はリスナーを停止しポートを解放する。複数回呼んでも安全。
func (l *CallbackListener) Close() {
	l.once.Do(func() {
		_ = l.server.Close()
	})
}

// handleCallback はリダイレクトのクエリを捕捉し、ブラウザに完了ページを返す。
// 2回目以降のリクエストは破棄される。
func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	select {
	case l.results <- result:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.ErrorCode != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, callbackDeniedPage)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, callbackSuccessPage)
}

const callbackSuccessPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>fedisleuth</title></head>
<body>
<p>認証が完了しました。このタブを閉じてアプリに戻ってください。</p>
</body>
</html>`

const callbackDeniedPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>fedisleuth</title></head>
<body>
<p>認証がキャンセルされました。このタブを閉じてください。</p>
</body>
</html>`
