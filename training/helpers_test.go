package training

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/kpose/coco"
	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/optimizer"
	"github.com/tsawler/kpose/tensor"
	"github.com/tsawler/kpose/transforms"
)

// scaleModel predicts heatmaps as w * image, one learnable scalar
type scaleModel struct {
	w            *optimizer.Parameter
	lastInput    *tensor.Tensor
	training     bool
	forwardCalls int
	autocast     []bool
	gradEnabled  bool
}

func newScaleModel(t *testing.T, w float32) *scaleModel {
	t.Helper()
	p, err := optimizer.NewParameter("w", []int{1}, []float32{w})
	require.NoError(t, err)
	return &scaleModel{w: p, gradEnabled: true}
}

func (m *scaleModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.forwardCalls++
	m.lastInput = x
	return tensor.MulScalar(x, m.w.Data[0]), nil
}

func (m *scaleModel) Backward(grad *tensor.Tensor) error {
	var s float64
	for i, g := range grad.Data {
		s += float64(g) * float64(m.lastInput.Data[i])
	}
	m.w.Grad[0] += float32(s)
	return nil
}

func (m *scaleModel) SetTraining(training bool) { m.training = training }

func (m *scaleModel) SetAutocast(enabled bool) { m.autocast = append(m.autocast, enabled) }

func (m *scaleModel) SetGradEnabled(enabled bool) bool {
	prev := m.gradEnabled
	m.gradEnabled = enabled
	return prev
}

// scriptedLoss returns preset loss values with a zero gradient
type scriptedLoss struct {
	values []float64
	calls  int
}

func (l *scriptedLoss) Compute(outputs *tensor.Tensor, _ []dataset.Target) (*LossValue, error) {
	v := l.values[l.calls]
	l.calls++
	grad, err := tensor.Zeros(outputs.Shape)
	if err != nil {
		return nil, err
	}
	return &LossValue{Value: v, Grad: grad}, nil
}

// lrSpy records the learning rate in effect at every optimizer step
type lrSpy struct {
	optimizer.Optimizer
	stepLRs []float64
}

func (s *lrSpy) Step() error {
	s.stepLRs = append(s.stepLRs, s.GetLearningRate())
	return s.Optimizer.Step()
}

var _ Accumulator = (*coco.KeypointEvaluator)(nil)

// fakeAccumulator counts calls and returns fixed stats
type fakeAccumulator struct {
	updates   int
	syncs     int
	evaluates int
	samples   int
	stats     []float64
	order     []string
}

func (a *fakeAccumulator) Update(targets []dataset.Target, preds *transforms.Predictions) error {
	a.updates++
	a.samples += preds.Len()
	a.order = append(a.order, "update")
	return nil
}

func (a *fakeAccumulator) SynchronizeResults(context.Context, *distributed.Context) error {
	a.syncs++
	a.order = append(a.order, "sync")
	return nil
}

func (a *fakeAccumulator) Evaluate() ([]float64, error) {
	a.evaluates++
	a.order = append(a.order, "evaluate")
	return a.stats, nil
}

const (
	testJoints = 2
	testSize   = 4
)

// newTestLoader builds n single-sample batches of constant images whose
// target heatmaps are all ones
func newTestLoader(t *testing.T, n int) *dataset.DataLoader {
	t.Helper()

	images := make([]*tensor.Tensor, n)
	targets := make([]dataset.Target, n)
	for i := 0; i < n; i++ {
		img, err := tensor.Full([]int{testJoints, testSize, testSize}, float32(i+1))
		require.NoError(t, err)
		hm, err := tensor.Ones([]int{testJoints, testSize, testSize})
		require.NoError(t, err)

		images[i] = img
		targets[i] = dataset.Target{
			ImageID:      int64(i),
			ObjIndex:     i,
			Score:        1,
			ReverseTrans: transforms.Identity(),
			Heatmap:      hm,
			KpsWeights:   []float32{1, 1},
		}
	}

	ds, err := dataset.NewSliceDataset(images, targets)
	require.NoError(t, err)
	loader, err := dataset.NewDataLoader(ds, dataset.LoaderConfig{BatchSize: 1})
	require.NoError(t, err)
	return loader
}

func newTestSGD(t *testing.T, model *scaleModel, lr float64) *optimizer.SGD {
	t.Helper()
	cfg := optimizer.DefaultSGDConfig()
	cfg.LearningRate = lr
	cfg.Momentum = 0
	cfg.WeightDecay = 0
	opt, err := optimizer.NewSGD(cfg, []*optimizer.Parameter{model.w})
	require.NoError(t, err)
	return opt
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}
