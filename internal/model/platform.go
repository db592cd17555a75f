// Package model はドメインモデルを定義する。
package model

import "fmt"

// Platform は検索・ダウンロード対象のプラットフォームを表す。
type Platform string

const (
	// PlatformPixelfed はActivityPub互換の画像共有プラットフォーム。
	PlatformPixelfed Platform = "pixelfed"
	// PlatformMastodon はActivityPub互換の汎用プラットフォーム。
	PlatformMastodon Platform = "mastodon"
	// PlatformBluesky はセッショントークン方式のATプロトコルネットワーク。
	PlatformBluesky Platform = "bluesky"
)

// AllPlatforms は全プラットフォームを宣言済みの優先順位で列挙する。
// GroupedSearchResultの出力順序はこの順序に従う。
var AllPlatforms = []Platform{PlatformPixelfed, PlatformMastodon, PlatformBluesky}

// ParsePlatform は文字列をPlatformに変換する。
// 未知の値の場合はエラーを返す。
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformPixelfed, PlatformMastodon, PlatformBluesky:
		return Platform(s), nil
	default:
		return "", fmt.Errorf("unknown platform: %q", s)
	}
}

// DisplayName はダウンロードフォルダ名等に使用する表示名を返す。
func (p Platform) DisplayName() string {
	switch p {
	case PlatformPixelfed:
		return "Pixelfed"
	case PlatformMastodon:
		return "Mastodon"
	case PlatformBluesky:
		return "Bluesky"
	default:
		return string(p)
	}
}

// Valid は既知のプラットフォームかどうかを返す。
func (p Platform) Valid() bool {
	switch p {
	case PlatformPixelfed, PlatformMastodon, PlatformBluesky:
		return true
	default:
		return false
	}
}

// Capabilities はプラットフォームごとの機能プロファイルを表す。
type Capabilities struct {
	SupportsOAuth               bool
	SupportsAppPassword         bool
	SupportsHashtagSearch       bool
	SupportsFederationDiscovery bool
}

// Capabilities は対象プラットフォームの機能プロファイルを返す。
// 認証方式のディスパッチとリゾルバのスキップ判定に使用する。
func (p Platform) Capabilities() Capabilities {
	switch p {
	case PlatformPixelfed, PlatformMastodon:
		return Capabilities{
			SupportsOAuth:               true,
			SupportsHashtagSearch:       true,
			SupportsFederationDiscovery: true,
		}
	case PlatformBluesky:
		return Capabilities{
			SupportsAppPassword:   true,
			SupportsHashtagSearch: true,
		}
	default:
		return Capabilities{}
	}
}
