package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives operation outcomes and streaming counters.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	RowsStreamed(endpoint string, rows int)
	DecompressionFailed(organism string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

// Observe implements MetricsRecorder.
func (NoopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// RowsStreamed implements MetricsRecorder.
func (NoopMetrics) RowsStreamed(string, int) {}

// DecompressionFailed implements MetricsRecorder.
func (NoopMetrics) DecompressionFailed(string) {}

// PrometheusMetricsRecorder publishes operation latency, streamed row counts
// and decompression failures.
type PrometheusMetricsRecorder struct {
	durations     *prometheus.HistogramVec
	rows          *prometheus.CounterVec
	decompression *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the collectors with reg. A nil reg
// uses the default registerer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lapisgate",
			Name:      "operation_duration_seconds",
			Help:      "Duration of query operations by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lapisgate",
			Name:      "rows_streamed_total",
			Help:      "Rows written to response bodies.",
		}, []string{"endpoint"}),
		decompression: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lapisgate",
			Name:      "decompression_failures_total",
			Help:      "Sequence payloads that could not be decompressed.",
		}, []string{"organism"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.rows, r.decompression} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RowsStreamed implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) RowsStreamed(endpoint string, rows int) {
	r.rows.WithLabelValues(endpoint).Add(float64(rows))
}

// DecompressionFailed implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) DecompressionFailed(organism string) {
	r.decompression.WithLabelValues(organism).Inc()
}
