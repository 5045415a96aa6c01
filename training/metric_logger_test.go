package training

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
)

func TestSmoothedValue(t *testing.T) {
	t.Parallel()

	v := NewSmoothedValue(3, nil)
	for _, x := range []float64{10, 1, 4, 2} {
		v.Update(x, 1)
	}

	// window keeps 1, 4, 2
	assert.Equal(t, 2.0, v.Median())
	assert.InDelta(t, 7.0/3, v.Avg(), 1e-12)
	assert.Equal(t, 4.0, v.Max())
	assert.Equal(t, 2.0, v.Value())
	assert.Equal(t, 4, v.Count())
	assert.InDelta(t, 17.0/4, v.GlobalAvg(), 1e-12)
	assert.Equal(t, "2.0000 (4.2500)", v.String())

	lr := NewSmoothedValue(1, ValueFormat("%.6f"))
	lr.Update(0.1, 1)
	lr.Update(0.0005, 1)
	assert.Equal(t, "0.000500", lr.String())

	empty := NewSmoothedValue(0, nil)
	assert.Zero(t, empty.Median())
	assert.Zero(t, empty.GlobalAvg())
}

func TestSmoothedValueSynchronize(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	globals := make([]float64, 2)

	err := distributed.Launch(context.Background(), 2, func(ctx context.Context, dc *distributed.Context) error {
		v := NewSmoothedValue(20, nil)
		for i := 0; i <= dc.Rank; i++ {
			v.Update(float64(dc.Rank+1), 1)
		}
		if err := v.Synchronize(ctx, dc); err != nil {
			return err
		}
		mu.Lock()
		globals[dc.Rank] = v.GlobalAvg()
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// rank 0 saw {1}, rank 1 saw {2, 2}
	assert.InDelta(t, 5.0/3, globals[0], 1e-12)
	assert.InDelta(t, 5.0/3, globals[1], 1e-12)
}

func TestMetricLoggerString(t *testing.T) {
	t.Parallel()

	m := NewMetricLogger("  ", discardLogger())
	m.AddMeter("lr", NewSmoothedValue(1, ValueFormat("%.6f")))
	m.Update(map[string]float64{"loss": 0.5, "lr": 0.001})

	assert.Equal(t, "lr: 0.001000  loss: 0.5000 (0.5000)", m.String())

	meter, ok := m.Meter("loss")
	require.True(t, ok)
	assert.Equal(t, 1, meter.Count())
	_, ok = m.Meter("missing")
	assert.False(t, ok)
}

func TestMetricLoggerLogEvery(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewMetricLogger("  ", slog.New(slog.NewTextHandler(&buf, nil)))

	var seen []int
	err := m.LogEvery(newTestLoader(t, 5), 2, "Epoch: [0]", func(i int, b *dataset.Batch) error {
		seen = append(seen, i)
		m.Update(map[string]float64{"loss": float64(i)})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	out := buf.String()
	for _, step := range []string{"[0/5]", "[2/5]", "[4/5]"} {
		assert.Contains(t, out, step)
	}
	assert.NotContains(t, out, "[1/5]")
	assert.Contains(t, out, "total_time=")
	// Three progress lines and the summary
	assert.Equal(t, 4, strings.Count(out, "Epoch: [0]"))
}

func TestMetricLoggerLogEveryStopsOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	m := NewMetricLogger("  ", discardLogger())
	err := m.LogEvery(newTestLoader(t, 4), 1, "Test: ", func(i int, b *dataset.Batch) error {
		calls++
		if i == 1 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestMetricLoggerExportTo(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetricLogger("  ", discardLogger())
	require.NoError(t, m.ExportTo(reg))
	m.Update(map[string]float64{"loss": 0.25, "lr": 0.01})

	count, err := testutil.GatherAndCount(reg, "kpose_meter_value")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A second logger on the same registry reuses the collector
	other := NewMetricLogger("  ", discardLogger())
	require.NoError(t, other.ExportTo(reg))
	other.Update(map[string]float64{"loss": 0.75})

	expected := `
# HELP kpose_meter_value Latest value recorded by each training meter.
# TYPE kpose_meter_value gauge
kpose_meter_value{meter="loss"} 0.75
kpose_meter_value{meter="lr"} 0.01
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kpose_meter_value"))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0:00:00", formatDuration(-1))
	assert.Equal(t, "1:01:05", formatDuration(3665e9))
}
