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
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordProposalCreated()
	RecordProposalTransition(state string)
	RecordTokenRetry()
	RecordTokenConflictExhausted()
	RecordProviderCall(op string, err error, duration time.Duration)
	RecordRoomProvisioned()
	RecordWebhook(event, outcome string)
	RecordSessionClosed(outcome string, duration time.Duration)
	RecordJob(kind string, err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	proposalsCreated    prometheus.Counter
	proposalTransitions *prometheus.CounterVec
	tokenRetries        prometheus.Counter
	tokenExhausted      prometheus.Counter
	providerCalls       *prometheus.CounterVec
	providerLatency     *prometheus.HistogramVec
	roomsProvisioned    prometheus.Counter
	webhooks            *prometheus.CounterVec
	sessionsClosed      *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
	jobs                *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		proposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callmatch_proposals_created_total",
			Help: "作成されたマッチ提案の合計数",
		}),
		proposalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_proposal_transitions_total",
			Help: "状態別のマッチ提案の遷移数",
		}, []string{"state"}),
		tokenRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callmatch_token_retries_total",
			Help: "トークン要求の書き込み競合によるリトライ数",
		}),
		tokenExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callmatch_token_conflicts_exhausted_total",
			Help: "リトライ上限に達したトークン要求の数",
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_provider_calls_total",
			Help: "ビデオプロバイダーAPIの呼び出し数",
		}, []string{"op", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callmatch_provider_latency_seconds",
			Help:    "ビデオプロバイダーAPIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		roomsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callmatch_rooms_provisioned_total",
			Help: "プロビジョニングされたルームの合計数",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_webhooks_total",
			Help: "イベント種別・処理結果別のWebhook受信数",
		}, []string{"event", "outcome"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_sessions_closed_total",
			Help: "分類別の終了した通話セッション数",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callmatch_session_duration_seconds",
			Help:    "完了した通話の長さ（秒）",
			Buckets: []float64{30, 60, 180, 300, 600, 1200, 1800, 3600},
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_jobs_total",
			Help: "種別・結果別のバックグラウンドジョブ実行数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmatch_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.proposalsCreated,
		c.proposalTransitions,
		c.tokenRetries,
		c.tokenExhausted,
		c.providerCalls,
		c.providerLatency,
		c.roomsProvisioned,
		c.webhooks,
		c.sessionsClosed,
		c.sessionDuration,
		c.jobs,
		c.httpStatus,
	)

	return c
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProposalCreated はマッチ提案の作成を記録する。
func (c *Collector) RecordProposalCreated() {
	c.proposalsCreated.Inc()
}

// RecordProposalTransition はマッチ提案の状態遷移を記録する。
func (c *Collector) RecordProposalTransition(state string) {
	c.proposalTransitions.WithLabelValues(state).Inc()
}

// RecordTokenRetry はトークン要求のリトライを記録する。
func (c *Collector) RecordTokenRetry() {
	c.tokenRetries.Inc()
}

// RecordTokenConflictExhausted はトークン要求のリトライ上限到達を記録する。
func (c *Collector) RecordTokenConflictExhausted() {
	c.tokenExhausted.Inc()
}

// RecordProviderCall はビデオプロバイダーAPIの呼び出し結果とレイテンシを記録する。
func (c *Collector) RecordProviderCall(op string, err error, duration time.Duration) {
	c.providerCalls.WithLabelValues(op, resultLabel(err)).Inc()
	c.providerLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRoomProvisioned はルームのプロビジョニングを記録する。
func (c *Collector) RecordRoomProvisioned() {
	c.roomsProvisioned.Inc()
}

// RecordWebhook はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhook(event, outcome string) {
	c.webhooks.WithLabelValues(event, outcome).Inc()
}

// RecordSessionClosed は通話セッションの終了を記録する。
func (c *Collector) RecordSessionClosed(outcome string, duration time.Duration) {
	c.sessionsClosed.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		c.sessionDuration.Observe(duration.Seconds())
	}
}

// RecordJob はバックグラウンドジョブの実行結果を記録する。
func (c *Collector) RecordJob(kind string, err error) {
	c.jobs.WithLabelValues(kind, resultLabel(err)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordProposalCreated() {}
func (Nop) RecordProposalTransition(string) {}
func (Nop) RecordTokenRetry() {}
func (Nop) RecordTokenConflictExhausted() {}
func (Nop) RecordProviderCall(string, error, time.Duration) {}
func (Nop) RecordRoomProvisioned() {}
func (Nop) RecordWebhook(string, string) {}
func (Nop) RecordSessionClosed(string, time.Duration) {}
func (Nop) RecordJob(string, error) {}
func (Nop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーはレスポンスに含めず500を返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.HTTPErrorOnError,
		EnableOpenMetrics: true,
	})
}

// NewWorkerMux はAPIルーターを持たないworkerプロセス用に/metricsと/healthだけを提供するハンドラーを返す。
func NewWorkerMux(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	return mux
}
