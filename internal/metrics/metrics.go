// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LifecycleRecorder はライフサイクルイベントのメトリクス収集インターフェース。
// エンジン・インジェスター・スイーパーから利用する。
type LifecycleRecorder interface {
	RecordGrant()
	RecordRenewal()
	RecordDuplicatePayment()
	RecordStart(result string)
	RecordSweepExpired(count int64)
	RecordWebhookLatency(duration time.Duration)
	RecordMalformedEvent()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	grants          prometheus.Counter
	renewals        prometheus.Counter
	duplicates      prometheus.Counter
	starts          *prometheus.CounterVec
	sweepExpired    prometheus.Counter
	webhookLatency  prometheus.Histogram
	malformedEvents prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kippu_grants_total",
			Help: "アクセスパス付与の合計数",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kippu_renewals_total",
			Help: "アクセスパス延長の合計数",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kippu_duplicate_payments_total",
			Help: "冪等に無視した支払い再配送の合計数",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kippu_starts_total",
			Help: "開始操作の結果別の合計数",
		}, []string{"result"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kippu_sweep_expired_total",
			Help: "スイーパーが失効させたpending_startレコードの合計数",
		}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kippu_webhook_latency_seconds",
			Help:    "支払いWebhook処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		malformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kippu_malformed_events_total",
			Help: "形式不正として拒否した支払いイベントの合計数",
		}),
	}

	reg.MustRegister(
		c.grants,
		c.renewals,
		c.duplicates,
		c.starts,
		c.sweepExpired,
		c.webhookLatency,
		c.malformedEvents,
	)

	return c
}

// RecordGrant はアクセスパス付与を記録する。
func (c *Collector) RecordGrant() {
	c.grants.Inc()
}

// RecordRenewal はアクセスパス延長を記録する。
func (c *Collector) RecordRenewal() {
	c.renewals.Inc()
}

// RecordDuplicatePayment は支払い再配送の冪等な無視を記録する。
func (c *Collector) RecordDuplicatePayment() {
	c.duplicates.Inc()
}

// RecordStart は開始操作の結果を記録する。
// resultはstarted, not_found, already_active, window_expiredのいずれか。
func (c *Collector) RecordStart(result string) {
	c.starts.WithLabelValues(result).Inc()
}

// RecordSweepExpired はスイーパーの失効件数を記録する。
func (c *Collector) RecordSweepExpired(count int64) {
	c.sweepExpired.Add(float64(count))
}

// RecordWebhookLatency はWebhook処理のレイテンシを記録する。
func (c *Collector) RecordWebhookLatency(duration time.Duration) {
	c.webhookLatency.Observe(duration.Seconds())
}

// RecordMalformedEvent は形式不正イベントの拒否を記録する。
func (c *Collector) RecordMalformedEvent() {
	c.malformedEvents.Inc()
}

// NopRecorder は何も記録しないLifecycleRecorder実装。テスト用。
type NopRecorder struct{}

func (NopRecorder) RecordGrant()                                {}
func (NopRecorder) RecordRenewal()                              {}
func (NopRecorder) RecordDuplicatePayment()                     {}
func (NopRecorder) RecordStart(result string)                   {}
func (NopRecorder) RecordSweepExpired(count int64)              {}
func (NopRecorder) RecordWebhookLatency(duration time.Duration) {}
func (NopRecorder) RecordMalformedEvent()                       {}

// compile-time interface check
var (
	_ LifecycleRecorder = (*Collector)(nil)
	_ LifecycleRecorder = NopRecorder{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
