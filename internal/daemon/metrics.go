package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/argus/queue"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	reloads        metric.Int64Counter
	reloadDuration metric.Float64Histogram
	sweeps         metric.Int64Counter
	sweepDuration  metric.Float64Histogram
	queueDepth     metric.Int64Gauge
	walFilesPruned metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("argus.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	reloads, err := meter.Int64Counter(
		"argus.daemon.policy_reloads",
		metric.WithDescription("Number of policy reloads"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	reloadDuration, err := meter.Float64Histogram(
		"argus.daemon.policy_reload.duration",
		metric.WithDescription("Duration of policy reloads"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sweeps, err := meter.Int64Counter(
		"argus.daemon.anomaly_sweeps",
		metric.WithDescription("Number of anomalous access sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"argus.daemon.anomaly_sweep.duration",
		metric.WithDescription("Duration of anomalous access sweeps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"argus.queue.depth",
		metric.WithDescription("Items waiting or in flight on a queue"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	walFilesPruned, err := meter.Int64Counter(
		"argus.wal.files_pruned",
		metric.WithDescription("Audit log files removed by retention"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		reloads:        reloads,
		reloadDuration: reloadDuration,
		sweeps:         sweeps,
		sweepDuration:  sweepDuration,
		queueDepth:     queueDepth,
		walFilesPruned: walFilesPruned,
	}, nil
}

// RecordReload records a policy reload with status
func (m *DaemonMetrics) RecordReload(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.reloads.Add(ctx, 1, attrs)
	m.reloadDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSweep records an anomaly sweep with status
func (m *DaemonMetrics) RecordSweep(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.sweeps.Add(ctx, 1, attrs)
	m.sweepDuration.Record(ctx, durationSeconds, attrs)
}

// RecordQueueDepth records pending and processing counts for a queue
func (m *DaemonMetrics) RecordQueueDepth(ctx context.Context, name string, depth queue.Depth) {
	m.queueDepth.Record(ctx, depth.Pending,
		metric.WithAttributes(attribute.String("queue", name), attribute.String("state", "pending")))
	m.queueDepth.Record(ctx, depth.Processing,
		metric.WithAttributes(attribute.String("queue", name), attribute.String("state", "processing")))
}

// RecordWALCleanup records pruned audit files
func (m *DaemonMetrics) RecordWALCleanup(ctx context.Context, files int) {
	m.walFilesPruned.Add(ctx, int64(files))
}
