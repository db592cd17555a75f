// Package resolver はフェデレーション上のハンドルを正準アカウントへ解決する。
// ローカルハンドルは認証済みインスタンスのアカウント検索で、
// リモートハンドル（user@domain）はWebFinger発見を経てから
// 自インスタンスのresolve=true検索で解決する。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/repository"
)

const (
	defaultLocalTimeout  = 10 * time.Second
	defaultRemoteTimeout = 30 * time.Second
	defaultRetryBackoff  = 500 * time.Millisecond
)

// AccountSearcher は認証済みインスタンスのアカウント検索APIを抽象化する。
// resolve=trueの検索はインスタンス側にリモートアクターの取得を行わせ、
// プラットフォームローカルなアカウントIDを返す。
type AccountSearcher interface {
	// SearchAccount はqueryに一致するアカウントを1件検索する。
	// 一致がない場合は(nil, nil)を返す。
	SearchAccount(ctx context.Context, session *model.Session, query string) (*model.ResolvedActor, error)
}

// Config はResolverの動作設定。ゼロ値のフィールドには既定値が使われる。
type Config struct {
	CacheTTL      time.Duration
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration
	RetryBackoff  time.Duration
}

// Resolver はハンドル解決のエントリポイント。
// 解決結果は(platform, 生ハンドル)をキーにTTL付きでキャッシュされ、
// 失敗は決してキャッシュされない。
type Resolver struct {
	searchers map[model.Platform]AccountSearcher
	webfinger WebFingerDiscoverer
	sessions  repository.SessionRepository
	collector metrics.MetricsCollector
	cache     *actorCache
	config    Config
}

// NewResolver はResolverを生成する。
// searchersにはディスカバリ対応プラットフォームごとの検索実装を渡す。
func NewResolver(
	searchers map[model.Platform]AccountSearcher,
	webfinger WebFingerDiscoverer,
	sessions repository.SessionRepository,
	collector metrics.MetricsCollector,
	config Config,
) *Resolver {
	if config.LocalTimeout <= 0 {
		config.LocalTimeout = defaultLocalTimeout
	}
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = defaultRemoteTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	return &Resolver{
		searchers: searchers,
		webfinger: webfinger,
		sessions:  sessions,
		collector: collector,
		cache:     newActorCache(config.CacheTTL),
		config:    config,
	}
}

// Resolve はハンドルを解決しResolvedActorを返す。
// ディスカバリ非対応プラットフォームへの要求はResolveError(unsupported)になる。
func (r *Resolver) Resolve(ctx context.Context, platform model.Platform, rawHandle string) (*model.ResolvedActor, error) {
	if !platform.Capabilities().SupportsFederationDiscovery {
		return nil, model.NewResolveError(platform, rawHandle, model.ResolveErrorUnsupported, nil)
	}

	if actor, ok := r.cache.Get(platform, rawHandle); ok {
		r.recordCacheHit()
		return actor, nil
	}
	r.recordCacheMiss()

	actor, err := r.resolveUncached(ctx, platform, rawHandle)
	if err != nil {
		return nil, err
	}

	r.cache.Put(platform, rawHandle, actor)
	slog.Info("handle resolved",
		slog.String("platform", string(platform)),
		slog.String("handle", rawHandle),
		slog.String("account_id", actor.AccountID),
	)
	return actor, nil
}

// resolveUncached はキャッシュを介さずにハンドルを解決する。
func (r *Resolver) resolveUncached(ctx context.Context, platform model.Platform, rawHandle string) (*model.ResolvedActor, error) {
	searcher, ok := r.searchers[platform]
	if !ok {
		return nil, fmt.Errorf("no account searcher registered for platform %s", platform)
	}

	session, err := r.sessions.Find(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", platform, err)
	}
	if !session.Valid(time.Now()) {
		return nil, fmt.Errorf("no valid session for %s", platform)
	}

	user, domain := splitHandle(rawHandle)
	if user == "" {
		return nil, model.NewResolveError(platform, rawHandle, model.ResolveErrorNotFound, nil)
	}

	if domain == "" {
		return r.resolveLocal(ctx, platform, searcher, session, rawHandle, user)
	}
	return r.resolveRemote(ctx, platform, searcher, session, rawHandle, user, domain)
}

// resolveLocal は自インスタンス上のアカウントを検索する。
func (r *Resolver) resolveLocal(
	ctx context.Context,
	platform model.Platform,
	searcher AccountSearcher,
	session *model.Session,
	rawHandle, user string,
) (*model.ResolvedActor, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.LocalTimeout)
	defer cancel()

	actor, err := r.searchWithRetry(lookupCtx, searcher, session, user)
	if err != nil {
		return nil, r.classify(platform, rawHandle, err)
	}
	if actor == nil {
		return nil, model.NewResolveError(platform, rawHandle, model.ResolveErrorNotFound, nil)
	}
	return actor, nil
}

// resolveRemote はWebFingerでリモートアクターを発見してから、
// 自インスタンスのresolve=true検索でローカルIDを取得する。
// WebFinger照会と検索はあわせてRemoteTimeoutの予算内で行う。
func (r *Resolver) resolveRemote(
	ctx context.Context,
	platform model.Platform,
	searcher AccountSearcher,
	session *model.Session,
	rawHandle, user, domain string,
) (*model.ResolvedActor, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.config.RemoteTimeout)
	defer cancel()

	actorURL, err := r.webfinger.Discover(lookupCtx, user, domain)
	if err != nil {
		if errors.Is(err, ErrActorNotFound) {
			return nil, model.NewResolveError(platform, rawHandle, model.ResolveErrorNotFound, err)
		}
		return nil, r.classify(platform, rawHandle, err)
	}

	actor, err := r.searchWithRetry(lookupCtx, searcher, session, user+"@"+domain)
	if err != nil {
		return nil, r.classify(platform, rawHandle, err)
	}
	if actor == nil {
		return nil, model.NewResolveError(platform, rawHandle, model.ResolveErrorNotFound, nil)
	}
	if actor.ProfileURL == "" {
		actor.ProfileURL = actorURL
	}
	return actor, nil
}

// searchWithRetry はアカウント検索を実行し、ネットワークエラーの場合のみ
// 固定バックオフの後にもう1回だけ再試行する。
// 一致なし（nil, nil）は再試行しない。
func (r *Resolver) searchWithRetry(ctx context.Context, searcher AccountSearcher, session *model.Session, query string) (*model.ResolvedActor, error) {
	actor, err := searcher.SearchAccount(ctx, session, query)
	if err == nil || ctx.Err() != nil {
		return actor, err
	}

	slog.Warn("account search failed, retrying once",
		slog.String("query", query),
		slog.String("error", err.Error()),
	)

	select {
	case <-time.After(r.config.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return searcher.SearchAccount(ctx, session, query)
}

// classify は下位エラーをResolveErrorへ分類する。
// すでにResolveErrorの場合はそのまま返す。
func (r *Resolver) classify(platform model.Platform, rawHandle string, err error) error {
	var resolveErr *model.ResolveError
	if errors.As(err, &resolveErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewResolveError(platform, rawHandle, model.ResolveErrorTimeout, err)
	}
	return model.NewResolveError(platform, rawHandle, model.ResolveErrorNetwork, err)
}

func (r *Resolver) recordCacheHit() {
	if r.collector == nil {
		return
	}
	r.collector.RecordResolveCacheHit()
}

func (r *Resolver) recordCacheMiss() {
	if r.collector == nil {
		return
	}
	r.collector.RecordResolveCacheMiss()
}

// splitHandle はハンドルをユーザー部とドメイン部に分割する。
// 先頭の@と前後の空白は除去する。ドメイン部がない場合domainは空になる。
//
//	"alice"               -> ("alice", "")
//	"@alice"              -> ("alice", "")
//	"alice@pixelfed.art"  -> ("alice", "pixelfed.art")
//	"@alice@pixelfed.art" -> ("alice", "pixelfed.art")
func splitHandle(rawHandle string) (string, string) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(rawHandle), "@")
	user, domain, _ := strings.Cut(trimmed, "@")
	return user, domain
}
