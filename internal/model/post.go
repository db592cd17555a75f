package model

import "time"

// MimeKind はメディアの種別を表す。
type MimeKind string

const (
	// MimeKindImage は画像メディア。
	MimeKindImage MimeKind = "image"
	// MimeKindVideo は動画メディア。
	MimeKindVideo MimeKind = "video"
	// MimeKindAudio は音声メディア。
	MimeKindAudio MimeKind = "audio"
	// MimeKindUnknown は種別不明のメディア。
	MimeKindUnknown MimeKind = "unknown"
)

// MediaItem は投稿に添付されたメディアへの参照を表す。
// ダウンロードされるまでバイト列の所有権は持たない。
type MediaItem struct {
	SourceURL        string
	MimeKind         MimeKind
	OriginalFilename string
}

// Post はプラットフォーム非依存に正規化された投稿を表す。
// TextContentはHTMLタグを除去したプレーンテキスト。
// 投稿順序はプラットフォームネイティブの新しい順を保持し、
// プラットフォームをまたいだタイムライン統合は行わない。
type Post struct {
	Platform     Platform
	ID           string
	AuthorHandle string
	CreatedAt    time.Time
	TextContent  string
	Media        []MediaItem
	Likes        int
	Shares       int
	URL          string
}
