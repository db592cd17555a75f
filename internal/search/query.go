// Package search は検索クエリの検証と、対象プラットフォームへの
// 並行ファンアウト・結果集約を提供する。
package search

import (
	"strings"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// QueryParams はハンドラから渡される未検証の検索入力。
type QueryParams struct {
	Kind      string
	Term      string
	DaysBack  int
	Platforms []string
}

// NewQuery は入力を検証・正規化してSearchQueryを構築する。
// ネットワークアクセスが始まる前に呼ばれ、違反は検索全体を拒否する。
// 検証項目: kindが既知、正規化後のtermが非空、DaysBackが[7,365]、
// プラットフォーム指定が非空かつ全て既知。
func NewQuery(params QueryParams, now time.Time) (*model.SearchQuery, error) {
	kind := model.QueryKind(params.Kind)
	switch kind {
	case model.QueryKindUser, model.QueryKindHashtag:
	default:
		return nil, model.NewInvalidQueryKindError(params.Kind)
	}

	term := normalizeTerm(kind, params.Term)
	if term == "" {
		return nil, model.NewEmptyTermError()
	}

	if params.DaysBack < model.MinDaysBack || params.DaysBack > model.MaxDaysBack {
		return nil, model.NewInvalidDaysBackError(params.DaysBack)
	}

	if len(params.Platforms) == 0 {
		return nil, model.NewNoPlatformsError()
	}
	platforms := make([]model.Platform, 0, len(params.Platforms))
	seen := make(map[model.Platform]bool, len(params.Platforms))
	for _, name := range params.Platforms {
		p, err := model.ParsePlatform(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, model.NewUnknownPlatformError(name)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		platforms = append(platforms, p)
	}

	return &model.SearchQuery{
		Kind:      kind,
		Term:      term,
		Since:     now.AddDate(0, 0, -params.DaysBack),
		Platforms: platforms,
	}, nil
}

// normalizeTerm は前後の空白と先頭の記号を取り除く。
// ユーザー検索のuser@domain形式は先頭の@のみ除去し、ドメイン部を保持する。
func normalizeTerm(kind model.QueryKind, term string) string {
	term = strings.TrimSpace(term)
	switch kind {
	case model.QueryKindUser:
		term = strings.TrimPrefix(term, "@")
	case model.QueryKindHashtag:
		term = strings.TrimPrefix(term, "#")
	}
	return strings.TrimSpace(term)
}
