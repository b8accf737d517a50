// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics は同期処理のメトリクス収集インターフェース。
// HTTPクライアント、リコンサイラー、オーケストレーターから利用する。
type SyncMetrics interface {
	RecordAPICall(provider string)
	RecordRateLimitRetry(provider string)
	RecordSyncJob(provider, status string)
	RecordSyncDuration(provider string, duration time.Duration)
	RecordObjects(action string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiCalls       *prometheus.CounterVec
	rateLimitRetry *prometheus.CounterVec
	syncJobs       *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	objects        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_provider_api_calls_total",
			Help: "プロバイダーAPI呼び出しの合計数",
		}, []string{"provider"}),
		rateLimitRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_rate_limit_retries_total",
			Help: "レート制限によるリトライの合計数",
		}, []string{"provider"}),
		syncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_sync_jobs_total",
			Help: "終了状態別の同期ジョブ数",
		}, []string{"provider", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasync_sync_duration_seconds",
			Help:    "同期ジョブの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"provider"}),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_objects_total",
			Help: "オブジェクトストアへの操作数",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.apiCalls,
		c.rateLimitRetry,
		c.syncJobs,
		c.syncDuration,
		c.objects,
	)

	return c
}

// RecordAPICall はプロバイダーAPI呼び出しを記録する。
func (c *Collector) RecordAPICall(provider string) {
	c.apiCalls.WithLabelValues(provider).Inc()
}

// RecordRateLimitRetry はレート制限によるリトライを記録する。
func (c *Collector) RecordRateLimitRetry(provider string) {
	c.rateLimitRetry.WithLabelValues(provider).Inc()
}

// RecordSyncJob は同期ジョブの終了状態を記録する。
func (c *Collector) RecordSyncJob(provider, status string) {
	c.syncJobs.WithLabelValues(provider, status).Inc()
}

// RecordSyncDuration は同期ジョブの所要時間を記録する。
func (c *Collector) RecordSyncDuration(provider string, duration time.Duration) {
	c.syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordObjects はオブジェクト操作数を記録する。actionはuploaded / deleted / failed / skipped。
func (c *Collector) RecordObjects(action string, count int) {
	if count <= 0 {
		return
	}
	c.objects.WithLabelValues(action).Add(float64(count))
}

// NopCollector は何も記録しない実装。テストで利用する。
type NopCollector struct{}

func (NopCollector) RecordAPICall(string)                     {}
func (NopCollector) RecordRateLimitRetry(string)              {}
func (NopCollector) RecordSyncJob(string, string)             {}
func (NopCollector) RecordSyncDuration(string, time.Duration) {}
func (NopCollector) RecordObjects(string, int)                {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集エラーがあっても取得できたメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

var (
	_ SyncMetrics = (*Collector)(nil)
	_ SyncMetrics = NopCollector{}
)
