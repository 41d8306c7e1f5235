package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what services depend on; Metrics and NoopMetrics implement it.
type Recorder interface {
	RecordTokenIssued()
	RecordTokensExpired(reason string, n int)
	RecordCheckIn(result string, took time.Duration)
	RecordRateLimited()
	RecordAttendanceFailure()
}

var _ Recorder = (*Metrics)(nil)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	TokensIssuedTotal            prometheus.Counter
	TokensExpiredTotal           *prometheus.CounterVec
	CheckInsTotal                *prometheus.CounterVec
	ValidationDuration           prometheus.Histogram
	RateLimitedTotal             prometheus.Counter
	AttendanceSideEffectFailures prometheus.Counter

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns the process-wide Prometheus recorder, or a no-op one when disabled.
// Collectors are registered once no matter how often Init is called.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		TokensIssuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qr_tokens_issued_total",
			Help: "Total number of QR tokens issued",
		}),
		TokensExpiredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_tokens_expired_total",
			Help: "Total number of QR tokens moved to EXPIRED",
		}, []string{"reason"}), // manual, sweep, quota
		CheckInsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_checkins_total",
			Help: "QR check-in attempts by outcome",
		}, []string{"result"}),
		ValidationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "qr_validation_duration_seconds",
			Help:    "Time spent validating a QR check-in",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "qr_rate_limited_total",
			Help: "QR validations rejected by the per-identifier limiter",
		}),
		AttendanceSideEffectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attendance_side_effect_failures_total",
			Help: "Check-ins whose attendance upsert failed and was deferred",
		}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		}),
	}
}

func (m *Metrics) RecordTokenIssued() { m.TokensIssuedTotal.Inc() }

func (m *Metrics) RecordTokensExpired(reason string, n int) {
	if n > 0 {
		m.TokensExpiredTotal.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) RecordCheckIn(result string, took time.Duration) {
	m.CheckInsTotal.WithLabelValues(result).Inc()
	m.ValidationDuration.Observe(took.Seconds())
}

func (m *Metrics) RecordRateLimited() { m.RateLimitedTotal.Inc() }

func (m *Metrics) RecordAttendanceFailure() { m.AttendanceSideEffectFailures.Inc() }
