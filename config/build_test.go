package config

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/kpose/checkpoints"
	"github.com/tsawler/kpose/coco"
	"github.com/tsawler/kpose/optimizer"
	"github.com/tsawler/kpose/training"
)

func testParams(t *testing.T) []*optimizer.Parameter {
	t.Helper()
	p, err := optimizer.NewParameter("w", []int{2}, []float32{1, 2})
	require.NoError(t, err)
	return []*optimizer.Parameter{p}
}

func TestNewOptimizer(t *testing.T) {
	t.Parallel()

	cfg := Default()
	opt, err := cfg.NewOptimizer(testParams(t))
	require.NoError(t, err)
	assert.IsType(t, &optimizer.Adam{}, opt)
	assert.InDelta(t, 0.001, opt.GetLearningRate(), 1e-12)

	cfg.Optimizer.Type = OptimizerSGD
	cfg.Optimizer.Momentum = 0.9
	opt, err = cfg.NewOptimizer(testParams(t))
	require.NoError(t, err)
	sgd, ok := opt.(*optimizer.SGD)
	require.True(t, ok)
	assert.Equal(t, 0.9, sgd.Momentum)

	cfg.Optimizer.Type = "lion"
	_, err = cfg.NewOptimizer(testParams(t))
	assert.Error(t, err)
}

func TestRunnerConfig(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Train.AMP = true
	cfg.Output.CheckpointFormat = "proto"

	rc, err := cfg.RunnerConfig()
	require.NoError(t, err)

	assert.Equal(t, 210, rc.Epochs)
	assert.True(t, rc.Warmup)
	assert.Equal(t, COCOFlipPairs, rc.FlipPairs)
	assert.Equal(t, checkpoints.FormatProto, rc.CheckpointFormat)
	assert.Equal(t, "save_weights", rc.CheckpointDir)
	require.NotNil(t, rc.Scaler)
	assert.Equal(t, 65536.0, rc.Scaler.GetScale())

	multi, ok := rc.Scheduler.(*training.MultiStepLRScheduler)
	require.True(t, ok)
	assert.InDelta(t, 0.001, multi.GetLR(169, 0, 0.001), 1e-12)
	assert.InDelta(t, 0.0001, multi.GetLR(170, 0, 0.001), 1e-12)

	cfg.Optimizer.Scheduler = "bogus"
	_, err = cfg.RunnerConfig()
	assert.Error(t, err)
}

func TestEvaluatorFactory(t *testing.T) {
	t.Parallel()

	gt, err := coco.NewDataset(bytes.NewReader([]byte(`{"images": [{"id": 1}], "annotations": [], "categories": []}`)))
	require.NoError(t, err)

	cfg := Default()
	cfg.Output.Dir = t.TempDir()
	factory := cfg.EvaluatorFactory(gt)

	first, err := factory()
	require.NoError(t, err)
	second, err := factory()
	require.NoError(t, err)
	assert.NotSame(t, first, second, "each epoch gets a fresh accumulator")

	_, err = first.Evaluate()
	assert.ErrorIs(t, err, coco.ErrNoResults)
	assert.NoFileExists(t, filepath.Join(cfg.Output.Dir, cfg.Eval.ResultsFile))
}
