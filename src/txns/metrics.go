package txns

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/Blackdeer1524/SimpleDB/src/txns"

type lockMetrics struct {
	grants    metric.Int64Counter
	waits     metric.Int64Counter
	deadlocks metric.Int64Counter
	refusals  metric.Int64Counter
}

func newLockMetrics(provider metric.MeterProvider) (*lockMetrics, error) {
	meter := provider.Meter(meterName)

	grants, err := meter.Int64Counter(
		"simpledb.locks.granted",
		metric.WithDescription("page locks granted, upgrades included"),
	)
	if err != nil {
		return nil, err
	}

	waits, err := meter.Int64Counter(
		"simpledb.locks.waits",
		metric.WithDescription("lock requests that had to block at least once"),
	)
	if err != nil {
		return nil, err
	}

	deadlocks, err := meter.Int64Counter(
		"simpledb.locks.deadlocks",
		metric.WithDescription("lock requests aborted to break a wait-for cycle"),
	)
	if err != nil {
		return nil, err
	}

	refusals, err := meter.Int64Counter(
		"simpledb.locks.starvation_refusals",
		metric.WithDescription("shared requests refused to let a waiting writer in"),
	)
	if err != nil {
		return nil, err
	}

	return &lockMetrics{
		grants:    grants,
		waits:     waits,
		deadlocks: deadlocks,
		refusals:  refusals,
	}, nil
}

func noopLockMetrics() *lockMetrics {
	m, err := newLockMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
}

func modeAttr(mode PageLockMode) metric.AddOption {
	return metric.WithAttributes(attribute.String("mode", mode.String()))
}

func (m *lockMetrics) granted(ctx context.Context, mode PageLockMode) {
	m.grants.Add(ctx, 1, modeAttr(mode))
}

func (m *lockMetrics) waited(ctx context.Context, mode PageLockMode) {
	m.waits.Add(ctx, 1, modeAttr(mode))
}

func (m *lockMetrics) deadlocked(ctx context.Context, mode PageLockMode) {
	m.deadlocks.Add(ctx, 1, modeAttr(mode))
}

func (m *lockMetrics) refused(ctx context.Context) {
	m.refusals.Add(ctx, 1)
}
