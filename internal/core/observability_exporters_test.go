package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	m.Observe(context.Background(), "details", true, 20*time.Millisecond)
	m.Observe(context.Background(), "details", false, time.Millisecond)
	m.Observe(context.Background(), "", true, time.Millisecond)
	m.RowsStreamed("details", 3)
	m.RowsStreamed("details", 2)
	m.DecompressionFailed("west-nile")

	assert.Equal(t, 2, promtest.CollectAndCount(m.durations))
	assert.Equal(t, float64(5), promtest.ToFloat64(m.rows.WithLabelValues("details")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.decompression.WithLabelValues("west-nile")))

	_, err = NewPrometheusMetricsRecorder(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	m.Observe(context.Background(), "details", true, time.Second)
	m.RowsStreamed("details", 1)
	m.DecompressionFailed("west-nile")
}
