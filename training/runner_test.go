package training

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/kpose/checkpoints"
	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/optimizer"
)

func TestFormatResultLine(t *testing.T) {
	t.Parallel()

	line := FormatResultLine(EpochMetrics{
		Epoch:        3,
		Stats:        []float64{0.5, 0.25},
		MeanLoss:     0.00123,
		LearningRate: 0.0005,
	})
	assert.Equal(t, "epoch:3 0.5000  0.2500  0.0012  0.000500", line)
}

func TestRunnerFit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := newScaleModel(t, 0.2)
	opt := newTestSGD(t, model, 0.01)

	var accs []*fakeAccumulator
	newAcc := func() (Accumulator, error) {
		acc := &fakeAccumulator{stats: []float64{0.6 + 0.1*float64(len(accs)), 0.9}}
		accs = append(accs, acc)
		return acc, nil
	}

	runner, err := NewRunner(nil, model, opt, newTestLoader(t, 3), newTestLoader(t, 2), CPUDevice{}, newAcc, RunnerConfig{
		Epochs:           2,
		Warmup:           true,
		Scheduler:        NewMultiStepLRScheduler([]int{1}, 0.1),
		ResultsFile:      filepath.Join(dir, "results", "det_results.txt"),
		CheckpointDir:    filepath.Join(dir, "ckpt"),
		CheckpointFormat: checkpoints.FormatProto,
		Logger:           discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, runner.Fit(context.Background()))

	history := runner.History()
	require.Len(t, history, 2)
	assert.InDelta(t, 0.01, history[0].LearningRate, 1e-12)
	assert.InDelta(t, 0.001, history[1].LearningRate, 1e-12)
	assert.InDelta(t, 0.7, runner.BestAP(), 1e-12)
	require.Len(t, accs, 2)
	for _, acc := range accs {
		assert.Equal(t, []string{"update", "update", "sync", "evaluate"}, acc.order)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "results", "det_results.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "epoch:0 0.6000  0.9000  "), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "  0.001000"), lines[1])

	path := runner.CheckpointPath(1)
	assert.Equal(t, ".pb", filepath.Ext(path))
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.TrainingState.Epoch)
	assert.Equal(t, 6, ckpt.TrainingState.Step)
	assert.InDelta(t, 0.7, ckpt.TrainingState.BestAP, 1e-12)
	require.Len(t, ckpt.Weights, 1)
	assert.Equal(t, "w", ckpt.Weights[0].Name)
	assert.Equal(t, model.w.Data, ckpt.Weights[0].Data)
	assert.Equal(t, "SGD", ckpt.OptimizerState.Type)
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	model := newScaleModel(t, 1)
	opt := newTestSGD(t, model, 0.1)
	loader := newTestLoader(t, 1)

	_, err := NewRunner(nil, model, opt, loader, nil, CPUDevice{}, nil, RunnerConfig{Epochs: 0})
	assert.Error(t, err)

	_, err = NewRunner(nil, model, opt, loader, loader, CPUDevice{}, nil, RunnerConfig{Epochs: 1})
	assert.Error(t, err)

	_, err = NewRunner(nil, model, opt, loader, nil, CPUDevice{}, nil, RunnerConfig{Epochs: 1, Flip: true})
	assert.ErrorIs(t, err, ErrMissingFlipPairs)
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	model := newScaleModel(t, 1)
	runner, err := NewRunner(nil, model, newTestSGD(t, model, 0.1), newTestLoader(t, 1), nil, CPUDevice{}, nil, RunnerConfig{
		Epochs: 3,
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, runner.Fit(ctx), context.Canceled)
	assert.Zero(t, model.forwardCalls)
}

func TestRunnerPlateauStepsAlikeOnEveryWorker(t *testing.T) {
	t.Parallel()

	const workers = 3
	models := make([]*scaleModel, workers)
	opts := make([]*optimizer.SGD, workers)
	trainLoaders := make([]*dataset.DataLoader, workers)
	valLoaders := make([]*dataset.DataLoader, workers)
	for rank := 0; rank < workers; rank++ {
		models[rank] = newScaleModel(t, 0.2)
		opts[rank] = newTestSGD(t, models[rank], 0.1)
		trainLoaders[rank] = newTestLoader(t, 2)
		valLoaders[rank] = newTestLoader(t, 1)
	}

	var mu sync.Mutex
	lrs := make([][]float64, workers)

	err := distributed.Launch(context.Background(), workers, func(ctx context.Context, dc *distributed.Context) error {
		newAcc := func() (Accumulator, error) {
			// Only the leader's stats are ever returned by Evaluate
			return &fakeAccumulator{stats: []float64{0.5}}, nil
		}
		runner, err := NewRunner(dc, models[dc.Rank], opts[dc.Rank], trainLoaders[dc.Rank], valLoaders[dc.Rank], CPUDevice{}, newAcc, RunnerConfig{
			Epochs:    3,
			Scheduler: NewReduceLROnPlateauScheduler(0.5, 1, 0, "max"),
			Logger:    discardLogger(),
		})
		if err != nil {
			return err
		}
		if err := runner.Fit(ctx); err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		for _, m := range runner.History() {
			lrs[dc.Rank] = append(lrs[dc.Rank], m.LearningRate)
		}
		return nil
	})
	require.NoError(t, err)

	// AP never improves after epoch 0, so patience 1 halves the rate once
	for rank := 0; rank < workers; rank++ {
		assert.InDeltaSlice(t, []float64{0.1, 0.1, 0.05}, lrs[rank], 1e-12, "rank %d", rank)
	}
}
