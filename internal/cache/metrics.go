package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes live entries per tier and the hit rate as
// observable gauges on meter.
func (c *Cache) RegisterMetrics(meter metric.Meter) error {
	if _, err := meter.Int64ObservableGauge("madoguchi.front.cache.entries",
		metric.WithDescription("Unexpired cached helpdesk responses, by tier"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for tier, n := range c.Stats().ByTier {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("tier", string(tier))))
			}
			return nil
		}),
	); err != nil {
		return err
	}

	_, err := meter.Float64ObservableGauge("madoguchi.front.cache.hit_rate",
		metric.WithDescription("Share of cache lookups served from cache since start"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Stats().HitRate)
			return nil
		}),
	)
	return err
}
