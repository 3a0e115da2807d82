// Package telemetry provides OpenTelemetry instrumentation for the sync server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// TransformMetricsMeterName is the name used for the transformation metrics meter
	TransformMetricsMeterName = "github.com/unisync/unisync/transform"

	// SyncMetricsMeterName is the name used for the sync operation metrics meter
	SyncMetricsMeterName = "github.com/unisync/unisync/sync"
)

// TransformMetrics holds the OpenTelemetry instruments for transformation metrics
type TransformMetrics struct {
	transformsTotal metric.Int64Counter
	qualityScore    metric.Int64Histogram
}

// NewTransformMetrics creates a new TransformMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewTransformMetrics(provider metric.MeterProvider) (*TransformMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TransformMetricsMeterName)

	transformsTotal, err := meter.Int64Counter(
		"unisync_transforms_total",
		metric.WithDescription("Number of record transformations by source and outcome"),
		metric.WithUnit("{transform}"),
	)
	if err != nil {
		return nil, err
	}

	qualityScore, err := meter.Int64Histogram(
		"unisync_transform_quality_score",
		metric.WithDescription("Quality score of transformed entities"),
		metric.WithUnit("{score}"),
		metric.WithExplicitBucketBoundaries(0, 25, 50, 70, 80, 90, 95, 100),
	)
	if err != nil {
		return nil, err
	}

	return &TransformMetrics{
		transformsTotal: transformsTotal,
		qualityScore:    qualityScore,
	}, nil
}

// RecordTransform records the outcome and quality score of a transformation
func (m *TransformMetrics) RecordTransform(ctx context.Context, sourceSystem string, success bool, qualityScore int64) {
	if m == nil || m.transformsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", sourceSystem),
		attribute.Bool("success", success),
	}

	m.transformsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if success {
		m.qualityScore.Record(ctx, qualityScore, metric.WithAttributes(attrs...))
	}
}

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	operationDuration metric.Float64Histogram
	operationsTotal   metric.Int64Counter
	queueDepth        metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	operationDuration, err := meter.Float64Histogram(
		"unisync_operation_duration_seconds",
		metric.WithDescription("Duration of sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	operationsTotal, err := meter.Int64Counter(
		"unisync_operations_total",
		metric.WithDescription("Number of sync operations by target system and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"unisync_queue_depth",
		metric.WithDescription("Number of operations waiting in the sync queue"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		operationDuration: operationDuration,
		operationsTotal:   operationsTotal,
		queueDepth:        queueDepth,
	}, nil
}

// RecordOperation records the duration and outcome of a sync operation
func (m *SyncMetrics) RecordOperation(ctx context.Context, targetSystem, status string, duration time.Duration) {
	if m == nil || m.operationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", targetSystem),
		attribute.String("status", status),
	}

	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.operationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQueueDepth records the current number of queued operations
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	if m == nil || m.queueDepth == nil {
		return
	}

	m.queueDepth.Record(ctx, depth)
}
