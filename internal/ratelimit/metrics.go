package ratelimit

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes the window's health as observable gauges on meter.
// Call it once, after the global meter provider is installed.
func (w *Window) RegisterMetrics(meter metric.Meter) error {
	if _, err := meter.Int64ObservableGauge("madoguchi.front.limiter.queue_depth",
		metric.WithDescription("Helpdesk calls waiting for a rate limit slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Stats().QueueDepth))
			return nil
		}),
	); err != nil {
		return err
	}

	if _, err := meter.Int64ObservableGauge("madoguchi.front.limiter.requests_in_window",
		metric.WithDescription("Helpdesk calls issued or reserved in the current window"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Stats().RequestsInWindow))
			return nil
		}),
	); err != nil {
		return err
	}

	_, err := meter.Int64ObservableGauge("madoguchi.front.limiter.paused",
		metric.WithDescription("1 while the helpdesk asked us to back off, else 0"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if w.Stats().Paused {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
	return err
}
