package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
)

// SmoothedValue tracks a series of values and provides access to smoothed
// values over a window or the global series average.
type SmoothedValue struct {
	window []float64
	size   int
	total  float64
	count  int
	format func(*SmoothedValue) string
}

// NewSmoothedValue creates a meter keeping the last windowSize values. A nil
// format prints "median (global_avg)".
func NewSmoothedValue(windowSize int, format func(*SmoothedValue) string) *SmoothedValue {
	if windowSize < 1 {
		windowSize = 1
	}
	if format == nil {
		format = MedianGlobalFormat
	}
	return &SmoothedValue{
		size:   windowSize,
		format: format,
	}
}

// MedianGlobalFormat prints "median (global_avg)" with four decimals
func MedianGlobalFormat(v *SmoothedValue) string {
	return fmt.Sprintf("%.4f (%.4f)", v.Median(), v.GlobalAvg())
}

// ValueFormat returns a formatter printing only the latest value
func ValueFormat(verb string) func(*SmoothedValue) string {
	return func(v *SmoothedValue) string {
		return fmt.Sprintf(verb, v.Value())
	}
}

// Update records value n times
func (v *SmoothedValue) Update(value float64, n int) {
	v.window = append(v.window, value)
	if len(v.window) > v.size {
		v.window = v.window[len(v.window)-v.size:]
	}
	v.count += n
	v.total += value * float64(n)
}

// Synchronize sums count and total across workers. The window stays local.
func (v *SmoothedValue) Synchronize(ctx context.Context, dc *distributed.Context) error {
	if !dc.IsDistributed() {
		return nil
	}
	summed, err := dc.Comm.AllReduceSum(ctx, []float64{float64(v.count), v.total})
	if err != nil {
		return err
	}
	v.count = int(summed[0])
	v.total = summed[1]
	return nil
}

// Median of the window
func (v *SmoothedValue) Median() float64 {
	if len(v.window) == 0 {
		return 0
	}
	sorted := append([]float64(nil), v.window...)
	sort.Float64s(sorted)
	// lower median for even windows
	return sorted[(len(sorted)-1)/2]
}

// Avg of the window
func (v *SmoothedValue) Avg() float64 {
	if len(v.window) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v.window {
		sum += x
	}
	return sum / float64(len(v.window))
}

// GlobalAvg over every recorded value
func (v *SmoothedValue) GlobalAvg() float64 {
	if v.count == 0 {
		return 0
	}
	return v.total / float64(v.count)
}

// Max of the window
func (v *SmoothedValue) Max() float64 {
	if len(v.window) == 0 {
		return 0
	}
	m := v.window[0]
	for _, x := range v.window[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Value is the most recent value
func (v *SmoothedValue) Value() float64 {
	if len(v.window) == 0 {
		return 0
	}
	return v.window[len(v.window)-1]
}

// Count of recorded values
func (v *SmoothedValue) Count() int {
	return v.count
}

func (v *SmoothedValue) String() string {
	return v.format(v)
}

// MetricLogger groups named meters and reports progress while iterating
// over batches.
type MetricLogger struct {
	meters    map[string]*SmoothedValue
	order     []string
	delimiter string
	logger    *slog.Logger
	gauges    *prometheus.GaugeVec
}

// NewMetricLogger creates a metric logger. A nil logger uses slog.Default.
func NewMetricLogger(delimiter string, logger *slog.Logger) *MetricLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricLogger{
		meters:    make(map[string]*SmoothedValue),
		delimiter: delimiter,
		logger:    logger,
	}
}

// AddMeter registers a meter under name, replacing any previous one
func (m *MetricLogger) AddMeter(name string, meter *SmoothedValue) {
	if _, ok := m.meters[name]; !ok {
		m.order = append(m.order, name)
	}
	m.meters[name] = meter
}

// Update records values; unknown names get a default meter (window 20)
func (m *MetricLogger) Update(values map[string]float64) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		meter, ok := m.meters[name]
		if !ok {
			meter = NewSmoothedValue(20, nil)
			m.AddMeter(name, meter)
		}
		meter.Update(values[name], 1)
		if m.gauges != nil {
			m.gauges.WithLabelValues(name).Set(values[name])
		}
	}
}

// Meter returns the named meter
func (m *MetricLogger) Meter(name string) (*SmoothedValue, bool) {
	meter, ok := m.meters[name]
	return meter, ok
}

func (m *MetricLogger) String() string {
	parts := make([]string, 0, len(m.order))
	for _, name := range m.order {
		parts = append(parts, fmt.Sprintf("%s: %s", name, m.meters[name]))
	}
	return strings.Join(parts, m.delimiter)
}

// SynchronizeBetweenProcesses synchronizes every meter in registration order
func (m *MetricLogger) SynchronizeBetweenProcesses(ctx context.Context, dc *distributed.Context) error {
	for _, name := range m.order {
		if err := m.meters[name].Synchronize(ctx, dc); err != nil {
			return fmt.Errorf("failed to synchronize meter %s: %w", name, err)
		}
	}
	return nil
}

// ExportTo publishes the latest meter values as the gauge
// kpose_meter_value{meter} on reg. Registering twice reuses the existing
// collector.
func (m *MetricLogger) ExportTo(reg prometheus.Registerer) error {
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kpose_meter_value",
		Help: "Latest value recorded by each training meter.",
	}, []string{"meter"})

	if err := reg.Register(gauges); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("failed to register meter gauges: %v", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("kpose_meter_value registered with a different type")
		}
		gauges = existing
	}

	m.gauges = gauges
	return nil
}

// LogEvery drives fn over every batch of it, logging progress every freq
// iterations and on the last one, followed by the total time.
func (m *MetricLogger) LogEvery(it BatchIterator, freq int, header string, fn func(i int, batch *dataset.Batch) error) error {
	if freq < 1 {
		freq = 1
	}

	total := it.Len()
	iterTime := NewSmoothedValue(20, func(v *SmoothedValue) string {
		return fmt.Sprintf("%.4f", v.Avg())
	})
	dataTime := NewSmoothedValue(20, func(v *SmoothedValue) string {
		return fmt.Sprintf("%.4f", v.Avg())
	})

	it.Reset()
	start := time.Now()
	end := start

	for i := 0; ; i++ {
		batch, err := it.Next()
		if err != nil {
			return fmt.Errorf("failed to load batch %d: %v", i, err)
		}
		if batch == nil {
			break
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		if err := fn(i, batch); err != nil {
			return err
		}

		iterTime.Update(time.Since(end).Seconds(), 1)
		if i%freq == 0 || i == total-1 {
			eta := time.Duration(iterTime.GlobalAvg() * float64(total-i) * float64(time.Second))
			m.logger.Info(header,
				"step", fmt.Sprintf("[%d/%d]", i, total),
				"eta", formatDuration(eta),
				"meters", m.String(),
				"time", iterTime.String(),
				"data", dataTime.String(),
			)
		}
		end = time.Now()
	}

	elapsed := time.Since(start)
	perIter := 0.0
	if total > 0 {
		perIter = elapsed.Seconds() / float64(total)
	}
	m.logger.Info(header,
		"total_time", formatDuration(elapsed),
		"s_per_it", fmt.Sprintf("%.4f", perIter),
	)
	return nil
}

// formatDuration formats duration as H:MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}
