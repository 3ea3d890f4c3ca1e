package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names emitted through MetricsRecorder.
const (
	MetricCall      = "redline.call"
	MetricLatency   = "redline.latency"
	MetricGranted   = "redline.granted"
	MetricDenied    = "redline.denied"
	MetricRetry     = "redline.retry"
	MetricReclaimed = "redline.reclaimed"
	MetricLockLost  = "redline.lock_lost"
)

// MetricsRecorder is the process-local observability hook. Counters go through
// Add, durations in seconds through Observe. Tags use the keys "limiter",
// "type" and "op".
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if r.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}

// PrometheusRecorder exports recorder events as two Prometheus vectors.
type PrometheusRecorder struct {
	Events  *prometheus.CounterVec
	Latency *prometheus.HistogramVec
}

var metricLabels = []string{"event", "limiter", "type", "op"}

// NewPrometheusRecorder creates and registers the vectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	return &PrometheusRecorder{
		Events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "redline",
				Name:      "events_total",
				Help:      "Limiter events: store calls, grants, denials, retries, reclaimed and lost locks",
			},
			metricLabels,
		),
		Latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "redline",
				Name:      "latency_seconds",
				Help:      "Store round trip latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			metricLabels,
		),
	}
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	p.Events.WithLabelValues(name, tags["limiter"], tags["type"], tags["op"]).Add(value)
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	p.Latency.WithLabelValues(name, tags["limiter"], tags["type"], tags["op"]).Observe(value)
}

var (
	_ MetricsRecorder = (*NoOpMetricsRecorder)(nil)
	_ MetricsRecorder = (*PrometheusRecorder)(nil)
)
