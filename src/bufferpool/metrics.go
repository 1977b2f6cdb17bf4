package bufferpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/SimpleDB/src"
)

const meterName = "github.com/Blackdeer1524/SimpleDB/src/bufferpool"

type poolMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

func newPoolMetrics(log src.Logger) *poolMetrics {
	m, err := poolMetricsFrom(otel.GetMeterProvider())
	if err != nil {
		log.Warnw("buffer pool metrics are disabled", zap.Error(err))

		m, err = poolMetricsFrom(noop.NewMeterProvider())
		if err != nil {
			panic(err)
		}
	}

	return m
}

func poolMetricsFrom(provider metric.MeterProvider) (*poolMetrics, error) {
	meter := provider.Meter(meterName)

	hits, err := meter.Int64Counter("simpledb.bufferpool.hits")
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter("simpledb.bufferpool.misses")
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"simpledb.bufferpool.evictions",
		metric.WithDescription("clean unpinned pages pushed out to make room"),
	)
	if err != nil {
		return nil, err
	}

	return &poolMetrics{hits: hits, misses: misses, evictions: evictions}, nil
}

func (m *poolMetrics) hit(ctx context.Context)     { m.hits.Add(ctx, 1) }
func (m *poolMetrics) miss(ctx context.Context)    { m.misses.Add(ctx, 1) }
func (m *poolMetrics) evicted(ctx context.Context) { m.evictions.Add(ctx, 1) }
