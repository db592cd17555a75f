// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証コーディネーター、検索アグリゲーター、リゾルバー、
// ダウンロードマネージャーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(platform string, outcome string)
	RecordSearch(platform string, outcome string)
	RecordSearchLatency(platform string, duration time.Duration)
	RecordPostsFetched(platform string, count int)
	RecordResolveCacheHit()
	RecordResolveCacheMiss()
	RecordDownloadSuccess()
	RecordDownloadFailure(kind string)
	RecordDownloadLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts    *prometheus.CounterVec
	searches        *prometheus.CounterVec
	searchLatency   *prometheus.HistogramVec
	postsFetched    *prometheus.CounterVec
	resolveCache    *prometheus.CounterVec
	downloadSuccess prometheus.Counter
	downloadFail    *prometheus.CounterVec
	downloadLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedisleuth_auth_attempts_total",
			Help: "プラットフォーム別・結果別の認証試行数",
		}, []string{"platform", "outcome"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedisleuth_searches_total",
			Help: "プラットフォーム別・結果別の検索実行数",
		}, []string{"platform", "outcome"}),
		searchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedisleuth_search_duration_seconds",
			Help:    "プラットフォーム別の検索所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		postsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedisleuth_posts_fetched_total",
			Help: "プラットフォーム別の取得投稿数",
		}, []string{"platform"}),
		resolveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedisleuth_resolver_cache_total",
			Help: "アカウント解決キャッシュのヒット/ミス数",
		}, []string{"result"}),
		downloadSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedisleuth_downloads_success_total",
			Help: "ダウンロード成功の合計数",
		}),
		downloadFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedisleuth_downloads_fail_total",
			Help: "エラー種別ごとのダウンロード失敗数",
		}, []string{"kind"}),
		downloadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedisleuth_download_duration_seconds",
			Help:    "1メディアアイテムのダウンロード所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.searches,
		c.searchLatency,
		c.postsFetched,
		c.resolveCache,
		c.downloadSuccess,
		c.downloadFail,
		c.downloadLatency,
	)

	return c
}

// RecordAuthAttempt は認証試行の結果を記録する。
// outcomeは"success"または失敗種別（timeout, user_denied等）。
func (c *Collector) RecordAuthAttempt(platform string, outcome string) {
	c.authAttempts.WithLabelValues(platform, outcome).Inc()
}

// RecordSearch は検索の結果を記録する。
// outcomeは"success"、"failure"、"skipped"のいずれか。
func (c *Collector) RecordSearch(platform string, outcome string) {
	c.searches.WithLabelValues(platform, outcome).Inc()
}

// RecordSearchLatency はプラットフォーム検索の所要時間を記録する。
func (c *Collector) RecordSearchLatency(platform string, duration time.Duration) {
	c.searchLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordPostsFetched は取得した投稿数を記録する。
func (c *Collector) RecordPostsFetched(platform string, count int) {
	c.postsFetched.WithLabelValues(platform).Add(float64(count))
}

// RecordResolveCacheHit はアカウント解決キャッシュのヒットを記録する。
func (c *Collector) RecordResolveCacheHit() {
	c.resolveCache.WithLabelValues("hit").Inc()
}

// RecordResolveCacheMiss はアカウント解決キャッシュのミスを記録する。
func (c *Collector) RecordResolveCacheMiss() {
	c.resolveCache.WithLabelValues("miss").Inc()
}

// RecordDownloadSuccess はダウンロード成功を記録する。
func (c *Collector) RecordDownloadSuccess() {
	c.downloadSuccess.Inc()
}

// RecordDownloadFailure はダウンロード失敗をエラー種別付きで記録する。
func (c *Collector) RecordDownloadFailure(kind string) {
	c.downloadFail.WithLabelValues(kind).Inc()
}

// RecordDownloadLatency は1アイテムのダウンロード所要時間を記録する。
func (c *Collector) RecordDownloadLatency(duration time.Duration) {
	c.downloadLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
