package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-offsync/offsync/internal/telemetry"
	"github.com/LerianStudio/lib-offsync/offsync/protocol"
)

type engineMetrics struct {
	pushItems        metric.Int64Counter
	pushBatchLatency metric.Float64Histogram
	pullChanges      metric.Int64Counter
	notifyReconnects metric.Int64Counter
}

func newEngineMetrics(provider metric.MeterProvider) (engineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(telemetry.InstrumentationName)

	var (
		metrics engineMetrics
		err     error
	)

	metrics.pushItems, err = meter.Int64Counter(
		"offsync.push.items",
		metric.WithDescription("Number of outbox items settled by the push lane, by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create offsync.push.items counter: %w", err)
	}

	metrics.pushBatchLatency, err = meter.Float64Histogram(
		"offsync.push.batch.latency",
		metric.WithDescription("Time taken per push batch attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create offsync.push.batch.latency histogram: %w", err)
	}

	metrics.pullChanges, err = meter.Int64Counter(
		"offsync.pull.changes",
		metric.WithDescription("Number of remote changes applied by the pull lane"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create offsync.pull.changes counter: %w", err)
	}

	metrics.notifyReconnects, err = meter.Int64Counter(
		"offsync.notify.reconnects",
		metric.WithDescription("Number of failed subscription attempts followed by a backoff"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create offsync.notify.reconnects counter: %w", err)
	}

	return metrics, nil
}

func (m engineMetrics) addPushItems(ctx context.Context, outcome protocol.OutcomeKind, count int) {
	if m.pushItems == nil || count == 0 {
		return
	}

	m.pushItems.Add(ctx, int64(count), metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m engineMetrics) recordBatchLatency(ctx context.Context, seconds float64) {
	if m.pushBatchLatency == nil {
		return
	}

	m.pushBatchLatency.Record(ctx, seconds)
}

func (m engineMetrics) addPullChanges(ctx context.Context, count int) {
	if m.pullChanges == nil || count == 0 {
		return
	}

	m.pullChanges.Add(ctx, int64(count))
}

func (m engineMetrics) addNotifyReconnect(ctx context.Context) {
	if m.notifyReconnects == nil {
		return
	}

	m.notifyReconnects.Add(ctx, 1)
}
