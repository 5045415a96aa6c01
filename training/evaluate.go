package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/logging"
	"github.com/tsawler/kpose/tensor"
	"github.com/tsawler/kpose/transforms"
)

// ErrMissingFlipPairs is returned when flip evaluation is requested without
// the joint pairs that swap under a horizontal flip
var ErrMissingFlipPairs = errors.New("enable flip must provide flip pairs")

// EvalOptions configures Evaluate
type EvalOptions struct {
	// Flip averages predictions with those of the mirrored images
	Flip bool
	// FlipPairs lists the left/right joint pairs; required with Flip
	FlipPairs [][2]int
	// PrintFreq is the logging interval in batches (default 100)
	PrintFreq int
	// Logger defaults to the "evaluation" component logger
	Logger *slog.Logger
}

// FlipAverage merges the heatmaps of the original images with those of the
// mirrored images: (outputs + shift(flipBack(flipped))) * 0.5.
func FlipAverage(outputs, flipped *tensor.Tensor, flipPairs [][2]int) (*tensor.Tensor, error) {
	back, err := transforms.FlipBack(flipped, flipPairs)
	if err != nil {
		return nil, fmt.Errorf("failed to flip back heatmaps: %v", err)
	}
	// feature is not aligned, shift flipped heatmap for higher accuracy
	transforms.ShiftFlipped(back)

	sum, err := tensor.Add(outputs, back)
	if err != nil {
		return nil, err
	}
	sum.ScaleInPlace(0.5)
	return sum, nil
}

// Evaluate runs inference over loader and feeds decoded keypoints to acc.
// After the loop the meters and acc are synchronized across workers and the
// leader returns acc's summary statistics. Other workers return nil.
func Evaluate(ctx context.Context, dc *distributed.Context, model Model, loader BatchIterator, device Device, acc Accumulator, opts EvalOptions) ([]float64, error) {
	if opts.Flip && opts.FlipPairs == nil {
		return nil, ErrMissingFlipPairs
	}
	if dc == nil {
		dc = distributed.Single()
	}
	if opts.PrintFreq <= 0 {
		opts.PrintFreq = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("evaluation")
	}

	model.SetTraining(false)
	if g, ok := model.(GradModeSetter); ok {
		prev := g.SetGradEnabled(false)
		defer g.SetGradEnabled(prev)
	}

	metrics := NewMetricLogger("  ", logger)

	err := metrics.LogEvery(loader, opts.PrintFreq, "Test: ", func(_ int, batch *dataset.Batch) error {
		images, err := stackOnDevice(device, batch.Images)
		if err != nil {
			return err
		}

		if !device.IsCPU() {
			if err := device.Synchronize(); err != nil {
				return fmt.Errorf("failed to synchronize %s: %v", device.Name(), err)
			}
		}

		start := time.Now()
		outputs, err := model.Forward(images)
		if err != nil {
			return fmt.Errorf("forward pass failed: %v", err)
		}
		if opts.Flip {
			flippedImages, err := transforms.FlipImages(images)
			if err != nil {
				return err
			}
			flipped, err := model.Forward(flippedImages)
			if err != nil {
				return fmt.Errorf("flipped forward pass failed: %v", err)
			}
			if outputs, err = FlipAverage(outputs, flipped, opts.FlipPairs); err != nil {
				return err
			}
		}
		modelTime := time.Since(start).Seconds()

		preds, err := transforms.GetFinalPreds(outputs, batch.ReverseTransforms(), true)
		if err != nil {
			return fmt.Errorf("failed to decode keypoints: %v", err)
		}

		if err := acc.Update(batch.Targets, preds); err != nil {
			return fmt.Errorf("failed to update metric: %v", err)
		}
		metrics.Update(map[string]float64{"model_time": modelTime})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// gather the stats from all processes
	if err := metrics.SynchronizeBetweenProcesses(ctx, dc); err != nil {
		return nil, err
	}
	logger.Info("Averaged stats: " + metrics.String())

	if err := acc.SynchronizeResults(ctx, dc); err != nil {
		return nil, fmt.Errorf("failed to synchronize results: %v", err)
	}

	if !dc.IsMainProcess() {
		return nil, nil
	}
	return acc.Evaluate()
}
