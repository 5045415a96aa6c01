package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tsawler/kpose/checkpoints"
	"github.com/tsawler/kpose/coco"
	"github.com/tsawler/kpose/optimizer"
	"github.com/tsawler/kpose/training"
)

// NewOptimizer builds the configured optimizer over params
func (c *Config) NewOptimizer(params []*optimizer.Parameter) (optimizer.Optimizer, error) {
	o := c.Optimizer
	switch o.Type {
	case OptimizerSGD:
		sgd, err := optimizer.NewSGD(optimizer.SGDConfig{
			LearningRate: o.LearningRate,
			Momentum:     o.Momentum,
			WeightDecay:  o.WeightDecay,
		}, params)
		if err != nil {
			return nil, err
		}
		return sgd, nil
	case OptimizerAdamW:
		cfg := optimizer.DefaultAdamWConfig()
		cfg.LearningRate = o.LearningRate
		cfg.WeightDecay = o.WeightDecay
		adam, err := optimizer.NewAdam(cfg, params)
		if err != nil {
			return nil, err
		}
		return adam, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", o.Type)
	}
}

// NewScheduler builds the configured epoch-level learning rate schedule
func (c *Config) NewScheduler() (training.LRScheduler, error) {
	o := c.Optimizer
	return training.NewScheduler(o.Scheduler, o.StepSize, o.LRSteps, o.LRGamma, c.Train.Epochs)
}

// RunnerConfig translates the run settings for training.NewRunner
func (c *Config) RunnerConfig() (training.RunnerConfig, error) {
	sched, err := c.NewScheduler()
	if err != nil {
		return training.RunnerConfig{}, err
	}

	rc := training.RunnerConfig{
		StartEpoch:    c.Train.StartEpoch,
		Epochs:        c.Train.Epochs,
		PrintFreq:     c.Train.PrintFreq,
		Warmup:        c.Train.Warmup,
		Flip:          c.Eval.Flip,
		FlipPairs:     c.Eval.FlipPairs,
		Scheduler:     sched,
		ResultsFile:   c.Output.ResultsLog,
		CheckpointDir: c.Output.Dir,
	}
	if strings.ToLower(c.Output.CheckpointFormat) == "proto" {
		rc.CheckpointFormat = checkpoints.FormatProto
	}
	if c.Train.AMP {
		if rc.Scaler, err = training.NewGradScaler(training.DefaultGradScalerConfig()); err != nil {
			return training.RunnerConfig{}, err
		}
	}
	return rc, nil
}

// EvaluatorFactory returns a constructor for the per-epoch keypoint
// accumulator. The results file lands in the output directory.
func (c *Config) EvaluatorFactory(gt *coco.Dataset) func() (training.Accumulator, error) {
	resultsFile := c.Eval.ResultsFile
	if resultsFile != "" && !filepath.IsAbs(resultsFile) {
		resultsFile = filepath.Join(c.Output.Dir, resultsFile)
	}
	return func() (training.Accumulator, error) {
		ev, err := coco.NewKeypointEvaluator(gt, "keypoints", resultsFile, coco.EvaluatorOptions{})
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}
