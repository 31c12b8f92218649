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
// 認証フロー、プロフィール整合、ルートガードから利用する。
type MetricsCollector interface {
	RecordCallbackOutcome(outcome string)
	RecordProfileCreated()
	RecordProfilePersistFailure()
	RecordGuardRedirect(group string)
	RecordMagicLinkSent()
	RecordHTTPStatus(statusCode int)
	RecordBackendLatency(operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	callbackOutcomes      *prometheus.CounterVec
	profilesCreated       prometheus.Counter
	profilePersistFailure prometheus.Counter
	guardRedirects        *prometheus.CounterVec
	magicLinksSent        prometheus.Counter
	httpStatus            *prometheus.CounterVec
	backendLatency        *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffeeshop_auth_callback_total",
			Help: "認証コールバックの結果別件数",
		}, []string{"outcome"}),
		profilesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coffeeshop_profiles_created_total",
			Help: "新規作成されたプロフィール数",
		}),
		profilePersistFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coffeeshop_profile_persist_failures_total",
			Help: "プロフィール永続化に失敗しメモリ上のプロフィールで続行した件数",
		}),
		guardRedirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffeeshop_route_guard_redirects_total",
			Help: "ルートガードによるリダイレクト数",
		}, []string{"group"}),
		magicLinksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coffeeshop_magic_links_sent_total",
			Help: "送信したメールリンクの数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffeeshop_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coffeeshop_backend_request_seconds",
			Help:    "認証・データバックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.callbackOutcomes,
		c.profilesCreated,
		c.profilePersistFailure,
		c.guardRedirects,
		c.magicLinksSent,
		c.httpStatus,
		c.backendLatency,
	)

	return c
}

// RecordCallbackOutcome は認証コールバックの結果を記録する。
func (c *Collector) RecordCallbackOutcome(outcome string) {
	c.callbackOutcomes.WithLabelValues(outcome).Inc()
}

// RecordProfileCreated はプロフィール作成を記録する。
func (c *Collector) RecordProfileCreated() {
	c.profilesCreated.Inc()
}

// RecordProfilePersistFailure はプロフィール永続化の失敗を記録する。
func (c *Collector) RecordProfilePersistFailure() {
	c.profilePersistFailure.Inc()
}

// RecordGuardRedirect はルートガードのリダイレクトを記録する。
func (c *Collector) RecordGuardRedirect(group string) {
	c.guardRedirects.WithLabelValues(group).Inc()
}

// RecordMagicLinkSent はメールリンク送信を記録する。
func (c *Collector) RecordMagicLinkSent() {
	c.magicLinksSent.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBackendLatency はバックエンド呼び出しのレイテンシを記録する。
func (c *Collector) RecordBackendLatency(operation string, duration time.Duration) {
	c.backendLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストや計測不要な構成で使用する。
type Nop struct{}

func (Nop) RecordCallbackOutcome(string)               {}
func (Nop) RecordProfileCreated()                      {}
func (Nop) RecordProfilePersistFailure()               {}
func (Nop) RecordGuardRedirect(string)                 {}
func (Nop) RecordMagicLinkSent()                       {}
func (Nop) RecordHTTPStatus(int)                       {}
func (Nop) RecordBackendLatency(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsのみを公開するハンドラーを返す。
// 管理用ポートで単独起動する場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
