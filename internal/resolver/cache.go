package resolver

import (
	"sync"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// defaultCacheTTL は解決済みアクターのキャッシュ保持期間。
const defaultCacheTTL = 30 * time.Minute

// cacheKey はキャッシュの検索キー。正規化前の生ハンドル文字列をそのまま使う。
// 同一アクターでも表記が違えば別エントリになるが、
// 解決結果は同じなので実害はない。
type cacheKey struct {
	platform model.Platform
	handle   string
}

type cacheEntry struct {
	actor     *model.ResolvedActor
	expiresAt time.Time
}

// actorCache は解決済みアクターのTTL付きインメモリキャッシュ。
// 成功した解決のみを保持し、失敗は決してキャッシュしない。
// 期限切れエントリは読み取り時に遅延削除される。
type actorCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

func newActorCache(ttl time.Duration) *actorCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &actorCache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Get はキャッシュからアクターを取得する。
// エントリが期限切れの場合は削除してミスとして扱う。
func (c *actorCache) Get(platform model.Platform, handle string) (*model.ResolvedActor, bool) {
	key := cacheKey{platform: platform, handle: handle}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// ロック取得の間に別ゴルーチンが新しい値を書いた可能性があるため再確認する
		if current, exists := c.entries[key]; exists && time.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.actor, true
}

// Put はアクターをキャッシュに保存する。既存エントリは上書きされる。
// 同一キーの並行解決が競合した場合、どちらの成功値が残っても正しい。
func (c *actorCache) Put(platform model.Platform, handle string, actor *model.ResolvedActor) {
	key := cacheKey{platform: platform, handle: handle}

	c.mu.Lock()
	c.entries[key] = cacheEntry{
		actor:     actor,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}
