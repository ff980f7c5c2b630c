// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期エンジン、リアルタイム接続、取り込みワーカーから利用する。
type MetricsCollector interface {
	// 同期エンジン
	RecordSnapshot(mirror string, size int)
	RecordSubscriptionError(mirror string)
	RecordMessageSent(threadType string, mode string)
	RecordCommand(command string, result string)

	// リアルタイム接続
	ConnectionOpened()
	ConnectionClosed()
	RecordPushDelivery(result string)

	// ハイライト取り込み
	RecordImportSuccess(sourceID string)
	RecordImportFailure(sourceID string, reason string)
	RecordParseFailure(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordImportLatency(duration time.Duration)
	RecordHighlightsImported(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	snapshots          *prometheus.CounterVec
	mirrorSize         *prometheus.GaugeVec
	subscriptionErrors *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	commands           *prometheus.CounterVec
	connections        prometheus.Gauge
	pushDeliveries     *prometheus.CounterVec

	importSuccess      prometheus.Counter
	importFail         *prometheus.CounterVec
	parseFail          prometheus.Counter
	httpStatus         *prometheus.CounterVec
	importLatency      prometheus.Histogram
	highlightsImported prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_mirror_snapshots_total",
			Help: "ミラーに適用したスナップショットの合計数",
		}, []string{"mirror"}),
		mirrorSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uscout_mirror_documents",
			Help: "直近のスナップショットのドキュメント数",
		}, []string{"mirror"}),
		subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_subscription_errors_total",
			Help: "購読エラーの合計数",
		}, []string{"mirror"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_chat_messages_sent_total",
			Help: "送信したチャットメッセージの合計数",
		}, []string{"thread_type", "mode"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_commands_total",
			Help: "リアルタイム接続で処理したコマンドの合計数",
		}, []string{"command", "result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uscout_realtime_connections",
			Help: "接続中のリアルタイム接続数",
		}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_push_deliveries_total",
			Help: "プッシュ通知の配送結果",
		}, []string{"result"}),
		importSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uscout_import_success_total",
			Help: "ハイライト取り込み成功の合計数",
		}),
		importFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_import_fail_total",
			Help: "ハイライト取り込み失敗の合計数",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uscout_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uscout_http_status_total",
			Help: "取り込み時のHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		importLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uscout_import_latency_seconds",
			Help:    "ハイライト取り込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		highlightsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uscout_highlights_imported_total",
			Help: "取り込みで作成したハイライトの合計数",
		}),
	}

	reg.MustRegister(
		c.snapshots,
		c.mirrorSize,
		c.subscriptionErrors,
		c.messagesSent,
		c.commands,
		c.connections,
		c.pushDeliveries,
		c.importSuccess,
		c.importFail,
		c.parseFail,
		c.httpStatus,
		c.importLatency,
		c.highlightsImported,
	)

	return c
}

// RecordSnapshot はミラーへのスナップショット適用を記録する。
func (c *Collector) RecordSnapshot(mirror string, size int) {
	c.snapshots.WithLabelValues(mirror).Inc()
	c.mirrorSize.WithLabelValues(mirror).Set(float64(size))
}

// RecordSubscriptionError は購読エラーを記録する。
func (c *Collector) RecordSubscriptionError(mirror string) {
	c.subscriptionErrors.WithLabelValues(mirror).Inc()
}

// RecordMessageSent はチャット送信を記録する。
func (c *Collector) RecordMessageSent(threadType string, mode string) {
	c.messagesSent.WithLabelValues(threadType, mode).Inc()
}

// RecordCommand はコマンドの処理結果を記録する。resultは "ok" かエラーコード。
func (c *Collector) RecordCommand(command string, result string) {
	c.commands.WithLabelValues(command, result).Inc()
}

// ConnectionOpened は接続数を1増やす。
func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

// ConnectionClosed は接続数を1減らす。
func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}

// RecordPushDelivery はプッシュ通知の配送結果を記録する。
func (c *Collector) RecordPushDelivery(result string) {
	c.pushDeliveries.WithLabelValues(result).Inc()
}

// RecordImportSuccess は取り込み成功を記録する。
func (c *Collector) RecordImportSuccess(sourceID string) {
	c.importSuccess.Inc()
}

// RecordImportFailure は取り込み失敗を記録する。
func (c *Collector) RecordImportFailure(sourceID string, reason string) {
	c.importFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceID string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordImportLatency は取り込みのレイテンシを記録する。
func (c *Collector) RecordImportLatency(duration time.Duration) {
	c.importLatency.Observe(duration.Seconds())
}

// RecordHighlightsImported は作成したハイライト数を記録する。
func (c *Collector) RecordHighlightsImported(count int) {
	c.highlightsImported.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetupMetricsRoute はワーカープロセスが公開する管理用ルーターを返す。
// /metrics と、pingが通るかを返す /health を持つ。pingがnilなら常に200。
func SetupMetricsRoute(gatherer prometheus.Gatherer, ping func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", Handler(gatherer))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	return r
}

var _ MetricsCollector = (*Collector)(nil)
