package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// DepthSource reports backlog sizes for the two durable queues.
type DepthSource interface {
	RetryQueueDepth(ctx context.Context) (int64, error)
	OutboxDepth(ctx context.Context) (int64, error)
}

// RegisterQueueDepthGauges publishes rasid.retryqueue.depth and
// rasid.outbox.depth as observable gauges read on each metric collection.
func RegisterQueueDepthGauges(src DepthSource) error {
	meter := Meter("rasid/storage")

	retryDepth, err := meter.Int64ObservableGauge("rasid.retryqueue.depth",
		metric.WithDescription("Draft attempts waiting in the retry queue"))
	if err != nil {
		return err
	}
	outboxDepth, err := meter.Int64ObservableGauge("rasid.outbox.depth",
		metric.WithDescription("Notifications waiting in the outbox"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if n, err := src.RetryQueueDepth(ctx); err == nil {
			o.ObserveInt64(retryDepth, n)
		}
		if n, err := src.OutboxDepth(ctx); err == nil {
			o.ObserveInt64(outboxDepth, n)
		}
		return nil
	}, retryDepth, outboxDepth)
	return err
}
