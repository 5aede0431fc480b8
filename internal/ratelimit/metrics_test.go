package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func gaugeValues(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "%s is not an int64 gauge", m.Name)
			require.Len(t, g.DataPoints, 1)
			out[m.Name] = g.DataPoints[0].Value
		}
	}
	return out
}

func TestWindowMetricsReportLiveState(t *testing.T) {
	w := newTestWindow(t, WindowConfig{
		MaxRequests:   10,
		Window:        time.Hour,
		Strategy:      StrategyQueue,
		MaxQueueDepth: 5,
	})
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	require.NoError(t, w.RegisterMetrics(provider.Meter("test")))

	got := gaugeValues(t, reader)
	assert.Equal(t, map[string]int64{
		"madoguchi.front.limiter.queue_depth":        0,
		"madoguchi.front.limiter.requests_in_window": 0,
		"madoguchi.front.limiter.paused":             0,
	}, got)

	require.NoError(t, w.Acquire(context.Background()))
	require.NoError(t, w.Acquire(context.Background()))
	w.Record429(time.Hour)

	got = gaugeValues(t, reader)
	assert.EqualValues(t, 2, got["madoguchi.front.limiter.requests_in_window"])
	assert.EqualValues(t, 1, got["madoguchi.front.limiter.paused"])
	assert.EqualValues(t, 0, got["madoguchi.front.limiter.queue_depth"])
}
