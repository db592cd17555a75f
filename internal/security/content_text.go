package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ContentTextService はActivityPub投稿のHTML本文からプレーンテキストを
// 抽出する機能のインターフェースを定義する。
// MastodonとPixelfedのステータスAPIはcontentをHTMLで返すため、
// 検索結果の表示とアーカイブ保存の前に必ずこの抽出を通す。
type ContentTextService interface {
	// ExtractText はHTML本文をプレーンテキストに変換して返す。
	// pタグは段落区切り（空行1つ）、brタグは改行に変換される。
	// script/styleの中身は出力に含まれない。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	ExtractText(rawHTML string) string
}

// contentTextExtractor はContentTextServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフに抽出処理を行う。
type contentTextExtractor struct {
	policy *bluemonday.Policy
}

// NewContentTextExtractor はContentTextServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのポリシーを構築する。
// ポリシーは改行変換に必要な構造タグ（p, br, ul, ol, li, blockquote）のみを
// 残し、それ以外のタグを除去する。除去されたタグの中のテキストは保持されるが、
// script, style, iframe等の中身はbluemondayのデフォルト動作で完全に除去される。
func NewContentTextExtractor() *contentTextExtractor {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "blockquote")

	return &contentTextExtractor{
		policy: p,
	}
}

// ExtractText はHTML本文をプレーンテキストに変換して返す。
func (e *contentTextExtractor) ExtractText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	// 危険な要素の中身を落としてから構造タグだけのHTMLにする
	safe := e.policy.Sanitize(rawHTML)

	root, err := html.Parse(strings.NewReader(safe))
	if err != nil {
		// サニタイズ済み文字列のパースに失敗した場合はタグなしとみなす
		return strings.TrimSpace(safe)
	}

	var b strings.Builder
	writeNodeText(root, &b)

	return collapseBlankLines(b.String())
}

// writeNodeText はノードを深さ優先で走査し、テキストと改行をbに書き込む。
// パーサがエンティティ（&amp;等）をデコードするため、出力は生のテキストになる。
func writeNodeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
	case html.ElementNode:
		if n.Data == "br" {
			b.WriteString("\n")
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		writeNodeText(child, b)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "blockquote", "ul", "ol":
			b.WriteString("\n\n")
		case "li":
			b.WriteString("\n")
		}
	}
}

// collapseBlankLines は連続する空行を1つにまとめ、前後の空白を取り除く。
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// compile-time interface check
var _ ContentTextService = (*contentTextExtractor)(nil)
