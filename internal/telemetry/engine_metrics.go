package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds all the metric instruments of the storage engine.
type EngineMetrics struct {
	TxnCommittedCounter        metric.Int64Counter
	TxnRolledBackCounter       metric.Int64Counter
	WalPagesCounter            metric.Int64Counter
	CheckpointPagesCounter     metric.Int64Counter
	CheckpointLatencyHistogram metric.Int64Histogram
	LockWaitHistogram          metric.Int64Histogram
	DocumentsCounter           metric.Int64Counter
	ActiveReadersUpDownCounter metric.Int64UpDownCounter
}

// NewEngineMetrics creates and registers all the metrics of the engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	txnCommittedCounter, err := meter.Int64Counter(
		"gojolite.txn.committed_total",
		metric.WithDescription("Total number of committed write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnRolledBackCounter, err := meter.Int64Counter(
		"gojolite.txn.rolled_back_total",
		metric.WithDescription("Total number of rolled back write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	walPagesCounter, err := meter.Int64Counter(
		"gojolite.wal.pages_total",
		metric.WithDescription("Total number of page frames appended to the write-ahead log."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpointPagesCounter, err := meter.Int64Counter(
		"gojolite.checkpoint.pages_total",
		metric.WithDescription("Total number of pages written to the data file by checkpoints."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpointLatencyHistogram, err := meter.Int64Histogram(
		"gojolite.checkpoint.duration",
		metric.WithDescription("The latency of checkpoints."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lockWaitHistogram, err := meter.Int64Histogram(
		"gojolite.lock.wait_duration",
		metric.WithDescription("Time spent waiting for the writer lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	documentsCounter, err := meter.Int64Counter(
		"gojolite.documents_total",
		metric.WithDescription("Documents written, by operation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeReadersUpDownCounter, err := meter.Int64UpDownCounter(
		"gojolite.txn.active_readers",
		metric.WithDescription("Number of open read snapshots."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		TxnCommittedCounter:        txnCommittedCounter,
		TxnRolledBackCounter:       txnRolledBackCounter,
		WalPagesCounter:            walPagesCounter,
		CheckpointPagesCounter:     checkpointPagesCounter,
		CheckpointLatencyHistogram: checkpointLatencyHistogram,
		LockWaitHistogram:          lockWaitHistogram,
		DocumentsCounter:           documentsCounter,
		ActiveReadersUpDownCounter: activeReadersUpDownCounter,
	}, nil
}

// NoopEngineMetrics returns instruments that record nothing.
func NoopEngineMetrics() *EngineMetrics {
	m, _ := NewEngineMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// RecordCheckpoint records one checkpoint.
func (m *EngineMetrics) RecordCheckpoint(ctx context.Context, pages int, took time.Duration) {
	m.CheckpointPagesCounter.Add(ctx, int64(pages))
	m.CheckpointLatencyHistogram.Record(ctx, took.Milliseconds())
}

// RecordDocuments counts documents touched by op ("insert", "update", "delete").
func (m *EngineMetrics) RecordDocuments(ctx context.Context, op string, n int) {
	if n == 0 {
		return
	}
	m.DocumentsCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}
