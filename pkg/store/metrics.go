// ABOUTME: Store telemetry metrics for write/load/remove/clear, purge, process and the startup scan
// ABOUTME: Wraps the telemetry interface so the store can record without nil checks

package store

import (
	"context"
	"time"

	"github.com/KevoDB/spillstore/pkg/stats"
	"github.com/KevoDB/spillstore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StoreMetrics defines the telemetry recorded by the store.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordWrite records a Write, the slot kind it used and the encoded size.
	RecordWrite(ctx context.Context, duration time.Duration, slot string, bytes int64, err error)

	// RecordLoad records a Load and whether the key was found.
	RecordLoad(ctx context.Context, duration time.Duration, found bool, err error)

	// RecordRemove records a Remove and whether the key was present.
	RecordRemove(ctx context.Context, duration time.Duration, found bool, err error)

	// RecordClear records a Clear.
	RecordClear(ctx context.Context, duration time.Duration, err error)

	// RecordPurge records one purge pass.
	RecordPurge(ctx context.Context, duration time.Duration, result PurgeResult, err error)

	// RecordProcess records one traversal.
	RecordProcess(ctx context.Context, duration time.Duration, visited, failed int64)

	// RecordScan records the startup scan.
	RecordScan(ctx context.Context, duration time.Duration, result stats.ScanResult)

	// RecordFileSize records the logical file size.
	RecordFileSize(ctx context.Context, size int64)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a metrics recorder. If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op metrics implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func statusOf(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

func (m *storeMetrics) operation(ctx context.Context, op string, duration time.Duration, status string, extra ...attribute.KeyValue) {
	attrs := append([]attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, op),
	}, extra...)

	m.tel.RecordHistogram(ctx, "spillstore.store."+op+".duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "spillstore.store.operations.total", 1,
		append(attrs, attribute.String(telemetry.AttrStatus, status))...,
	)
}

func (m *storeMetrics) RecordWrite(ctx context.Context, duration time.Duration, slot string, bytes int64, err error) {
	m.operation(ctx, telemetry.OpTypeWrite, duration, statusOf(err), attribute.String(telemetry.AttrSlot, slot))
	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "spillstore.store.write.bytes", bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		)
	}
}

func (m *storeMetrics) RecordLoad(ctx context.Context, duration time.Duration, found bool, err error) {
	status := statusOf(err)
	if err == nil && !found {
		status = telemetry.StatusNotFound
	}
	m.operation(ctx, telemetry.OpTypeLoad, duration, status)
}

func (m *storeMetrics) RecordRemove(ctx context.Context, duration time.Duration, found bool, err error) {
	status := statusOf(err)
	if err == nil && !found {
		status = telemetry.StatusNotFound
	}
	m.operation(ctx, telemetry.OpTypeRemove, duration, status)
}

func (m *storeMetrics) RecordClear(ctx context.Context, duration time.Duration, err error) {
	m.operation(ctx, telemetry.OpTypeClear, duration, statusOf(err))
}

func (m *storeMetrics) RecordPurge(ctx context.Context, duration time.Duration, result PurgeResult, err error) {
	m.operation(ctx, telemetry.OpTypePurge, duration, statusOf(err))

	attrs := attribute.String(telemetry.AttrComponent, telemetry.ComponentFreeSpace)
	m.tel.RecordCounter(ctx, "spillstore.purge.expired", int64(result.Expired), attrs)
	m.tel.RecordCounter(ctx, "spillstore.purge.merges", int64(result.Merges), attrs)
	m.tel.RecordCounter(ctx, "spillstore.purge.trimmed.bytes", result.Trimmed, attrs)
}

func (m *storeMetrics) RecordProcess(ctx context.Context, duration time.Duration, visited, failed int64) {
	status := telemetry.StatusSuccess
	if failed > 0 {
		status = telemetry.StatusError
	}
	m.operation(ctx, telemetry.OpTypeProcess, duration, status)
	m.tel.RecordCounter(ctx, "spillstore.process.visited", visited,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) RecordScan(ctx context.Context, duration time.Duration, result stats.ScanResult) {
	m.operation(ctx, telemetry.OpTypeScan, duration, telemetry.StatusSuccess)

	attrs := attribute.String(telemetry.AttrComponent, telemetry.ComponentStore)
	m.tel.RecordCounter(ctx, "spillstore.scan.entries", int64(result.Entries), attrs)
	if result.Corrupt > 0 {
		m.tel.RecordCounter(ctx, "spillstore.scan.corrupt", int64(result.Corrupt), attrs,
			attribute.String(telemetry.AttrReason, "checksum_or_length"),
		)
	}
}

func (m *storeMetrics) RecordFileSize(ctx context.Context, size int64) {
	m.tel.RecordHistogram(ctx, "spillstore.store.file.size", float64(size),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) Close() error {
	return nil
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordWrite(context.Context, time.Duration, string, int64, error) {}
func (n *noopStoreMetrics) RecordLoad(context.Context, time.Duration, bool, error) {}
func (n *noopStoreMetrics) RecordRemove(context.Context, time.Duration, bool, error) {}
func (n *noopStoreMetrics) RecordClear(context.Context, time.Duration, error) {}
func (n *noopStoreMetrics) RecordPurge(context.Context, time.Duration, PurgeResult, error) {}
func (n *noopStoreMetrics) RecordProcess(context.Context, time.Duration, int64, int64) {}
func (n *noopStoreMetrics) RecordScan(context.Context, time.Duration, stats.ScanResult) {}
func (n *noopStoreMetrics) RecordFileSize(context.Context, int64) {}
func (n *noopStoreMetrics) Close() error { return nil }
