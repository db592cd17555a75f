// Package download は検索結果メディアの並行ダウンロードと進捗配信を提供する。
package download

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// dateStampLayout はバッチディレクトリ名の日時部分の形式。
// バッチ開始時点で固定され、実行が長引いても全ファイルが同一フォルダに入る。
const dateStampLayout = "20060102-150405"

const (
	maxTermLength      = 80
	maxComponentLength = 120
)

// batchDir は1バッチのプラットフォーム別保存先ディレクトリを組み立てる。
// 形式: {base}/{プラットフォーム表示名}/{検索語}_{日時スタンプ}
func batchDir(baseDir string, p model.Platform, term string, startedAt time.Time) string {
	folder := fmt.Sprintf("%s_%s", sanitizeTerm(term), startedAt.Format(dateStampLayout))
	return filepath.Join(baseDir, p.DisplayName(), folder)
}

// taskFilename は保存ファイル名を決定する。
// 元ファイル名があればそれを使い、なければ{postID}_{連番3桁}{拡張子}を生成する。
// 拡張子はURLパスから取り、欠けている場合は種別ごとの既定値を使う。
func taskFilename(item model.MediaItem, postID string, seq int) string {
	if name := sanitizeComponent(filepath.Base(item.OriginalFilename), maxComponentLength); name != "" && name != "." {
		return name
	}
	return fmt.Sprintf("%s_%03d%s", sanitizeComponent(postID, maxComponentLength), seq, extensionFor(item))
}

// extensionFor はURLパスの拡張子を返す。
func extensionFor(item model.MediaItem) string {
	if u, err := url.Parse(item.SourceURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
			return ext
		}
	}
	switch item.MimeKind {
	case model.MimeKindImage:
		return ".jpg"
	case model.MimeKindVideo:
		return ".mp4"
	case model.MimeKindAudio:
		return ".mp3"
	default:
		return ".bin"
	}
}

// sanitizeTerm は検索語をディレクトリ名に安全な形へ変換する。
// 空になった場合は"search"を返す。
func sanitizeTerm(term string) string {
	cleaned := sanitizeComponent(term, maxTermLength)
	if cleaned == "" {
		return "search"
	}
	return cleaned
}

// sanitizeComponent はパス区切り・予約文字・制御文字を_に置換し、
// 先頭末尾のドットと空白を除去する。
func sanitizeComponent(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20 || r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ". ")
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}

// pathAllocator はバッチ内およびディスク上のファイル名衝突を解決する。
// 衝突時は拡張子の前に_1, _2, …を付けて一意なパスを確定する。
// 異なるソースURLが同じパスを黙って上書きすることはない。
type pathAllocator struct {
	used map[string]bool
}

func newPathAllocator() *pathAllocator {
	return &pathAllocator{used: make(map[string]bool)}
}

// allocate はdir直下でfilenameに対する未使用パスを返し、バッチ内で予約する。
func (a *pathAllocator) allocate(dir, filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	for i := 0; ; i++ {
		name := filename
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		candidate := filepath.Join(dir, name)
		if a.used[candidate] {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			continue
		}
		a.used[candidate] = true
		return candidate
	}
}
