package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/argus/queue"
)

func newTestMetrics(t *testing.T) (*DaemonMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	dm, err := newDaemonMetrics(provider.Meter("argus.daemon"))
	require.NoError(t, err)
	return dm, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// TestDaemonMetrics_RecordReload tests the reload counter and histogram
func TestDaemonMetrics_RecordReload(t *testing.T) {
	dm, reader := newTestMetrics(t)
	ctx := context.Background()

	dm.RecordReload(ctx, "success", 0.25)
	dm.RecordReload(ctx, "failure", 0.5)

	metrics := collect(t, reader)

	sum := metrics["argus.daemon.policy_reloads"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)
	for _, dp := range sum.DataPoints {
		assert.Equal(t, int64(1), dp.Value)
	}

	hist := metrics["argus.daemon.policy_reload.duration"].Data.(metricdata.Histogram[float64])
	var total float64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.InDelta(t, 0.75, total, 1e-9)
}

// TestDaemonMetrics_RecordSweep tests sweep status attributes
func TestDaemonMetrics_RecordSweep(t *testing.T) {
	dm, reader := newTestMetrics(t)
	dm.RecordSweep(context.Background(), "success", 1.5)

	sum := collect(t, reader)["argus.daemon.anomaly_sweeps"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Contains(t, sum.DataPoints[0].Attributes.ToSlice(), attribute.String("status", "success"))
}

// TestDaemonMetrics_RecordQueueDepth tests the depth gauge
func TestDaemonMetrics_RecordQueueDepth(t *testing.T) {
	dm, reader := newTestMetrics(t)
	dm.RecordQueueDepth(context.Background(), "argus:events", queue.Depth{Pending: 7, Processing: 2})

	gauge := collect(t, reader)["argus.queue.depth"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 2)

	byState := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		state, _ := dp.Attributes.Value("state")
		byState[state.AsString()] = dp.Value
		assert.Contains(t, dp.Attributes.ToSlice(), attribute.String("queue", "argus:events"))
	}
	assert.Equal(t, map[string]int64{"pending": 7, "processing": 2}, byState)
}

// TestDaemonMetrics_RecordWALCleanup tests the pruned files counter
func TestDaemonMetrics_RecordWALCleanup(t *testing.T) {
	dm, reader := newTestMetrics(t)
	dm.RecordWALCleanup(context.Background(), 3)

	sum := collect(t, reader)["argus.wal.files_pruned"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}
