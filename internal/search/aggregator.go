package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/fedisleuth/internal/metrics"
	"github.com/hitoshi/fedisleuth/internal/model"
	"github.com/hitoshi/fedisleuth/internal/platform"
	"github.com/hitoshi/fedisleuth/internal/repository"
)

// defaultPlatformTimeout は1プラットフォームの検索全体の時間予算。
const defaultPlatformTimeout = 60 * time.Second

// ActorResolver は連合ハンドルを正準アイデンティティへ解決する。
type ActorResolver interface {
	Resolve(ctx context.Context, platform model.Platform, rawHandle string) (*model.ResolvedActor, error)
}

// Config はAggregatorの動作設定。
type Config struct {
	// PlatformTimeout は1プラットフォームあたりの検索タイムアウト。
	// 0以下の場合はdefaultPlatformTimeoutを使う。
	PlatformTimeout time.Duration
	// Enabled は設定で有効化されたプラットフォームの集合。
	Enabled map[model.Platform]bool
}

// Aggregator は検索を要求された全プラットフォームへ並行に発行し、
// 全タスクの完了を待ってから結果を集約する。
// タスクは互いに独立で、1つの失敗やタイムアウトが他をキャンセルすることはない。
type Aggregator struct {
	platforms map[model.Platform]platform.SocialPlatform
	resolver  ActorResolver
	sessions  repository.SessionRepository
	collector metrics.MetricsCollector
	config    Config
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(
	platforms map[model.Platform]platform.SocialPlatform,
	actorResolver ActorResolver,
	sessions repository.SessionRepository,
	collector metrics.MetricsCollector,
	config Config,
) *Aggregator {
	if config.PlatformTimeout <= 0 {
		config.PlatformTimeout = defaultPlatformTimeout
	}
	return &Aggregator{
		platforms: platforms,
		resolver:  actorResolver,
		sessions:  sessions,
		collector: collector,
		config:    config,
	}
}

// Search は検証済みクエリを実行し、プラットフォームごとの結果を集約する。
// 戻り値のOutcomesのキーは要求されたプラットフォーム集合と正確に一致する。
// 無効化されたプラットフォームはSkipped{not_enabled}、有効なセッションが
// ないプラットフォームはSkipped{not_authenticated}となり、検索タスクは
// 起動されない。
func (a *Aggregator) Search(ctx context.Context, query *model.SearchQuery) (*model.GroupedSearchResult, error) {
	if query == nil {
		return nil, errors.New("query is nil")
	}

	outcomes := make(map[model.Platform]model.PlatformSearchOutcome, len(query.Platforms))
	var mu sync.Mutex
	var wg sync.WaitGroup

	// 起動済みタスクのゴルーチンと同時に書き込まれるため、
	// スキップ・失敗の即時確定もmuの下で行う。
	record := func(p model.Platform, outcome model.PlatformSearchOutcome) {
		mu.Lock()
		outcomes[p] = outcome
		mu.Unlock()
	}

	for _, p := range query.Platforms {
		if !a.config.Enabled[p] {
			record(p, skippedOutcome(p, model.SkipReasonNotEnabled))
			a.recordSearch(p, string(model.OutcomeSkipped))
			continue
		}

		session, err := a.sessions.Find(ctx, p)
		if err != nil {
			record(p, failureOutcome(p, err))
			a.recordSearch(p, string(model.OutcomeFailure))
			continue
		}
		if !session.Valid(time.Now()) {
			record(p, skippedOutcome(p, model.SkipReasonNotAuthenticated))
			a.recordSearch(p, string(model.OutcomeSkipped))
			continue
		}

		wg.Add(1)
		go func(p model.Platform, session *model.Session) {
			defer wg.Done()
			record(p, a.searchPlatform(ctx, query, p, session))
		}(p, session)
	}

	wg.Wait()

	result := model.NewGroupedSearchResult(outcomes, time.Now())
	slog.Info("search completed",
		"kind", query.Kind,
		"term", query.Term,
		"platforms", len(query.Platforms),
		"total_posts", result.TotalPosts,
	)
	return result, nil
}

// searchPlatform は1プラットフォームの検索タスクを実行する。
// プラットフォームごとのタイムアウトでハングをFailure{timeout}へ変換する。
func (a *Aggregator) searchPlatform(ctx context.Context, query *model.SearchQuery, p model.Platform, session *model.Session) model.PlatformSearchOutcome {
	ctx, cancel := context.WithTimeout(ctx, a.config.PlatformTimeout)
	defer cancel()

	start := time.Now()
	posts, err := a.runSearch(ctx, query, p, session)
	a.recordSearchLatency(p, time.Since(start))

	if err != nil {
		outcome := failureOutcome(p, err)
		slog.Warn("platform search failed",
			"platform", p,
			"kind", outcome.ErrorKind,
			"error", err,
		)
		a.recordSearch(p, string(model.OutcomeFailure))
		return outcome
	}

	sortPostsByNewest(posts)
	a.recordSearch(p, string(model.OutcomeSuccess))
	a.recordPostsFetched(p, len(posts))
	slog.Info("platform search completed", "platform", p, "posts", len(posts))

	return model.PlatformSearchOutcome{
		Platform: p,
		Status:   model.OutcomeSuccess,
		Posts:    posts,
	}
}

// runSearch はクエリ種別に応じた検索を実行する。
// ユーザー検索は先にハンドル解決を行い、解決失敗時は検索エンドポイントを
// 呼ばずに失敗を返す。
func (a *Aggregator) runSearch(ctx context.Context, query *model.SearchQuery, p model.Platform, session *model.Session) ([]model.Post, error) {
	client, ok := a.platforms[p]
	if !ok {
		return nil, fmt.Errorf("no search client for platform %s", p)
	}

	switch query.Kind {
	case model.QueryKindHashtag:
		return client.SearchHashtag(ctx, session, query.Term, query.Since)
	case model.QueryKindUser:
		actor, err := a.resolveActor(ctx, p, query.Term)
		if err != nil {
			return nil, err
		}
		return client.SearchUser(ctx, session, actor, query.Since)
	default:
		return nil, fmt.Errorf("unsupported query kind: %s", query.Kind)
	}
}

// resolveActor はユーザー検索の対象識別子を決定する。
// 連合ディスカバリを持つプラットフォームはリゾルバでアカウントIDへ解決し、
// Blueskyはハンドルをそのままactorパラメータとして使う。
func (a *Aggregator) resolveActor(ctx context.Context, p model.Platform, term string) (string, error) {
	if !p.Capabilities().SupportsFederationDiscovery {
		return strings.TrimPrefix(term, "@"), nil
	}
	actor, err := a.resolver.Resolve(ctx, p, term)
	if err != nil {
		return "", err
	}
	return actor.AccountID, nil
}

// sortPostsByNewest はプラットフォーム内の投稿を新しい順に並べる。
// ピン留め投稿等でページ先頭に古い投稿が混ざる場合があるため、
// 集約時に逆時系列を保証する。
func sortPostsByNewest(posts []model.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}

func skippedOutcome(p model.Platform, reason model.SkipReason) model.PlatformSearchOutcome {
	return model.PlatformSearchOutcome{
		Platform:   p,
		Status:     model.OutcomeSkipped,
		SkipReason: reason,
	}
}

func failureOutcome(p model.Platform, err error) model.PlatformSearchOutcome {
	return model.PlatformSearchOutcome{
		Platform:  p,
		Status:    model.OutcomeFailure,
		ErrorKind: classifyErrorKind(err),
		Message:   err.Error(),
	}
}

// classifyErrorKind は失敗をoutcomeのErrorKindへ分類する。
func classifyErrorKind(err error) string {
	var resolveErr *model.ResolveError
	if errors.As(err, &resolveErr) {
		return string(resolveErr.Kind)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, platform.ErrUnauthorized):
		return "unauthorized"
	default:
		return "network_error"
	}
}

func (a *Aggregator) recordSearch(p model.Platform, outcome string) {
	if a.collector == nil {
		return
	}
	a.collector.RecordSearch(string(p), outcome)
}

func (a *Aggregator) recordSearchLatency(p model.Platform, d time.Duration) {
	if a.collector == nil {
		return
	}
	a.collector.RecordSearchLatency(string(p), d)
}

func (a *Aggregator) recordPostsFetched(p model.Platform, count int) {
	if a.collector == nil {
		return
	}
	a.collector.RecordPostsFetched(string(p), count)
}
