package model

import "time"

// OutcomeStatus はプラットフォームごとの検索結果の状態を表す。
type OutcomeStatus string

const (
	// OutcomeSuccess は検索が成功した状態。
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeFailure は検索が失敗した状態。
	OutcomeFailure OutcomeStatus = "failure"
	// OutcomeSkipped は検索がスキップされた状態。
	OutcomeSkipped OutcomeStatus = "skipped"
)

// SkipReason は検索がスキップされた理由を表す。
type SkipReason string

const (
	// SkipReasonNotEnabled はプラットフォームが無効化されている。
	SkipReasonNotEnabled SkipReason = "not_enabled"
	// SkipReasonNotAuthenticated は有効なセッションが存在しない。
	SkipReasonNotAuthenticated SkipReason = "not_authenticated"
)

// PlatformSearchOutcome は1プラットフォームの検索結果を表す。
// 要求された各プラットフォームにつき、集約完了後にちょうど1件存在する。
type PlatformSearchOutcome struct {
	Platform   Platform
	Status     OutcomeStatus
	Posts      []Post
	ErrorKind  string
	Message    string
	SkipReason SkipReason
}

// GroupedSearchResult はプラットフォームごとの検索結果の集約を表す。
// 生成後はイミュータブルとして扱い、再検索は新しいインスタンスを生成する。
type GroupedSearchResult struct {
	Outcomes    map[Platform]PlatformSearchOutcome
	TotalPosts  int
	CompletedAt time.Time
}

// NewGroupedSearchResult はoutcomesからGroupedSearchResultを構築する。
// TotalPostsは成功したプラットフォームの投稿数の合計。
func NewGroupedSearchResult(outcomes map[Platform]PlatformSearchOutcome, completedAt time.Time) *GroupedSearchResult {
	total := 0
	for _, o := range outcomes {
		if o.Status == OutcomeSuccess {
			total += len(o.Posts)
		}
	}
	return &GroupedSearchResult{
		Outcomes:    outcomes,
		TotalPosts:  total,
		CompletedAt: completedAt,
	}
}

// OrderedOutcomes は宣言済みのプラットフォーム優先順位でoutcomeを列挙する。
// mapの反復順序に依存しない決定的な出力を提供する。
func (g *GroupedSearchResult) OrderedOutcomes() []PlatformSearchOutcome {
	ordered := make([]PlatformSearchOutcome, 0, len(g.Outcomes))
	for _, p := range AllPlatforms {
		if o, ok := g.Outcomes[p]; ok {
			ordered = append(ordered, o)
		}
	}
	return ordered
}
