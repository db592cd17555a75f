package auth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// BrowserOpener はURLをユーザーの既定ブラウザで開くインターフェース。
// テストではブラウザを起動せずURLを捕捉するモックに差し替える。
type BrowserOpener interface {
	Open(rawURL string) error
}

// systemBrowser はOS標準のコマンドでブラウザを開く実装。
type systemBrowser struct{}

// NewSystemBrowser はsystemBrowserを生成する。
func NewSystemBrowser() *systemBrowser {
	return &systemBrowser{}
}

// Open はOSごとの標準コマンドでURLを開く。
// コマンドの起動のみ行い、終了は待たない。
func (b *systemBrowser) Open(rawURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		cmd = exec.Command("xdg-open", rawURL)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BrowserOpener = (*systemBrowser)(nil)
