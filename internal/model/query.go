package model

import "time"

// QueryKind は検索の種類（ユーザー検索/ハッシュタグ検索）を表す。
type QueryKind string

const (
	// QueryKindUser はユーザータイムライン検索。
	QueryKindUser QueryKind = "user"
	// QueryKindHashtag はハッシュタグタイムライン検索。
	QueryKindHashtag QueryKind = "hashtag"
)

const (
	// MinDaysBack は検索期間（日数）の下限。
	MinDaysBack = 7
	// MaxDaysBack は検索期間（日数）の上限。
	MaxDaysBack = 365
)

// SearchQuery は正規化済みの検索クエリを表す。
// 構築と検証はsearchパッケージのNewQueryが行う。
// Termは正規化後に空にならないこと、SinceはDaysBack∈[7,365]から
// 導出されることが不変条件。
type SearchQuery struct {
	Kind      QueryKind
	Term      string
	Since     time.Time
	Platforms []Platform
}

// ResolvedActor はFederation Resolverが解決した正準アイデンティティを表す。
type ResolvedActor struct {
	Platform     Platform
	AccountID    string
	Handle       string
	InstanceHost string
	ProfileURL   string
}
