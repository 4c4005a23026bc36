package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 路由指标
	RecipientsRouted  *prometheus.CounterVec
	RecipientsSkipped *prometheus.CounterVec
	PolicyRejections  *prometheus.CounterVec
	SignerSelections  *prometheus.CounterVec
	DegradedEncrypts  prometheus.Counter
	DispatchErrors    *prometheus.CounterVec
	AliasesCreated    prometheus.Counter
	AliasesDisabled   *prometheus.CounterVec
	BandwidthCharged  prometheus.Counter
	MessageProcessing prometheus.Histogram
}

// NewMetrics 创建监控指标，每个实例使用独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aliasrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		RecipientsRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_recipients_routed_total",
				Help: "Envelope recipients routed, by intent",
			},
			[]string{"intent"},
		),
		RecipientsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_recipients_skipped_total",
				Help: "Envelope recipients silently skipped, by reason",
			},
			[]string{"reason"},
		),
		PolicyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_policy_rejections_total",
				Help: "Messages rejected by usage policy, by kind",
			},
			[]string{"kind"},
		),
		SignerSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_signer_selections_total",
				Help: "Outbound messages by signing strategy",
			},
			[]string{"signer"},
		),
		DegradedEncrypts: factory.NewCounter(prometheus.CounterOpts{
			Name: "aliasrelay_degraded_encryptions_total",
			Help: "Messages delivered unencrypted because the recipient key was unusable",
		}),
		DispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_dispatch_errors_total",
				Help: "Failed hand-offs to the dispatcher",
			},
			[]string{"driver"},
		),
		AliasesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "aliasrelay_aliases_created_total",
			Help: "Aliases created on first inbound message",
		}),
		AliasesDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasrelay_aliases_deactivated_total",
				Help: "Aliases deactivated, by source",
			},
			[]string{"source"},
		),
		BandwidthCharged: factory.NewCounter(prometheus.CounterOpts{
			Name: "aliasrelay_bandwidth_charged_bytes_total",
			Help: "Bytes charged against user bandwidth",
		}),
		MessageProcessing: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aliasrelay_message_processing_seconds",
			Help:    "Time spent routing one inbound message",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordRouted(intent string) {
	m.RecipientsRouted.WithLabelValues(intent).Inc()
}

func (m *Metrics) RecordSkipped(reason string) {
	m.RecipientsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPolicyRejection(kind string) {
	m.PolicyRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSigner(signer string) {
	m.SignerSelections.WithLabelValues(signer).Inc()
}

func (m *Metrics) RecordDegradedEncryption() {
	m.DegradedEncrypts.Inc()
}

func (m *Metrics) RecordDispatchError(driver string) {
	m.DispatchErrors.WithLabelValues(driver).Inc()
}

func (m *Metrics) RecordAliasCreated() {
	m.AliasesCreated.Inc()
}

func (m *Metrics) RecordAliasDeactivated(source string) {
	m.AliasesDisabled.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordBandwidth(bytes int64) {
	if bytes > 0 {
		m.BandwidthCharged.Add(float64(bytes))
	}
}

func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.MessageProcessing.Observe(d.Seconds())
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回指标 HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push 将指标推送到 Pushgateway，供短生命周期的接收进程使用
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
