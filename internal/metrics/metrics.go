// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証フロー、キャッシュ、レート制限、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthEvent(flow, outcome string)
	RecordCacheLookup(result string)
	RecordRateLimited(limiter string)
	RecordHTTPRequest(statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents   *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	httpStatus   *prometheus.CounterVec
	httpLatency  prometheus.Histogram
	panics       prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstarter_auth_events_total",
			Help: "認証フロー別・結果別のイベント数",
		}, []string{"flow", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstarter_identity_cache_lookups_total",
			Help: "ユーザー情報キャッシュの参照結果（hit, miss, error）",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstarter_rate_limited_total",
			Help: "レート制限により拒否されたリクエスト数",
		}, []string{"limiter"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authstarter_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authstarter_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authstarter_panics_total",
			Help: "ハンドラー内で回復したpanicの数",
		}),
	}

	reg.MustRegister(
		c.authEvents,
		c.cacheLookups,
		c.rateLimited,
		c.httpStatus,
		c.httpLatency,
		c.panics,
	)

	return c
}

// RecordAuthEvent は認証フローの結果を記録する。
func (c *Collector) RecordAuthEvent(flow, outcome string) {
	c.authEvents.WithLabelValues(flow, outcome).Inc()
}

// RecordCacheLookup はキャッシュ参照結果を記録する。
func (c *Collector) RecordCacheLookup(result string) {
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(limiter string) {
	c.rateLimited.WithLabelValues(limiter).Inc()
}

// RecordHTTPRequest はHTTPステータスコードと処理時間を記録する。
func (c *Collector) RecordHTTPRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// RecordPanic は回復したpanicを1件記録する。
func (c *Collector) RecordPanic() {
	c.panics.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わないテストや構成で使う。
type Nop struct{}

func (Nop) RecordAuthEvent(string, string)       {}
func (Nop) RecordCacheLookup(string)             {}
func (Nop) RecordRateLimited(string)             {}
func (Nop) RecordHTTPRequest(int, time.Duration) {}
func (Nop) RecordPanic()                         {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
