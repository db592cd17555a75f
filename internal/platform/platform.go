// Package platform は各SNSプラットフォームへの検索クライアントの共通契約を定義する。
// 実装は internal/platform/apub（Mastodon/Pixelfed互換REST）と
// internal/platform/bsky（Bluesky XRPC）が提供する。
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// ErrUnauthorized はプラットフォームAPIがトークンを拒否したことを示す。
// 期限切れ・失効済みセッションでの検索がこのエラーになる。
var ErrUnauthorized = errors.New("platform rejected credentials")

// SocialPlatform は1プラットフォームに対する検索操作を抽象化する。
// 呼び出し側はタスク開始時点のセッションを渡す。実装はトークンが
// 拒否された場合にErrUnauthorizedをラップして返し、再試行はしない。
type SocialPlatform interface {
	// Platform は対象プラットフォームの識別子を返す。
	Platform() model.Platform

	// SearchUser はactorの投稿をsince以降の範囲で新しい順に取得する。
	// actorはプラットフォーム固有のアクター参照で、
	// apubでは解決済みアカウントID、bskyではハンドルを渡す。
	SearchUser(ctx context.Context, session *model.Session, actor string, since time.Time) ([]model.Post, error)

	// SearchHashtag はタグ付き投稿をsince以降の範囲で新しい順に取得する。
	// 先頭の#は実装側で除去される。
	SearchHashtag(ctx context.Context, session *model.Session, tag string, since time.Time) ([]model.Post, error)
}
