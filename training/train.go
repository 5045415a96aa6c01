package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/logging"
	"github.com/tsawler/kpose/optimizer"
)

// ErrNonFiniteLoss is returned when a non-finite loss stops training and the
// configured exit function returns instead of terminating the process
var ErrNonFiniteLoss = errors.New("loss is not finite, stopping training")

const (
	warmupFactor   = 1.0 / 1000
	maxWarmupIters = 1000
)

// TrainOptions configures TrainOneEpoch
type TrainOptions struct {
	// PrintFreq is the logging interval in batches (default 100)
	PrintFreq int
	// Warmup enables the linear learning rate warmup during epoch 0
	Warmup bool
	// Scaler enables mixed precision training when set
	Scaler *GradScaler
	// Loss defaults to KpLoss
	Loss Loss
	// Logger defaults to the "training" component logger
	Logger *slog.Logger
	// Exit terminates the process on a non-finite loss (default os.Exit)
	Exit func(code int)
	// Registerer, when set, receives the meter gauges
	Registerer prometheus.Registerer
}

func (o *TrainOptions) withDefaults() TrainOptions {
	out := *o
	if out.PrintFreq <= 0 {
		out.PrintFreq = 100
	}
	if out.Loss == nil {
		out.Loss = NewKpLoss()
	}
	if out.Logger == nil {
		out.Logger = logging.New("training")
	}
	if out.Exit == nil {
		out.Exit = os.Exit
	}
	return out
}

// EpochResult is what one training epoch reports
type EpochResult struct {
	// MeanLoss is the running mean of the reduced loss over the epoch
	MeanLoss float64
	// LearningRate is the optimizer's learning rate after the last step
	LearningRate float64
}

// TrainOneEpoch runs one pass over loader, updating model parameters in
// place through opt.
func TrainOneEpoch(ctx context.Context, dc *distributed.Context, model Model, opt optimizer.Optimizer, loader BatchIterator, device Device, epoch int, opts TrainOptions) (*EpochResult, error) {
	o := opts.withDefaults()
	if dc == nil {
		dc = distributed.Single()
	}

	model.SetTraining(true)

	metrics := NewMetricLogger("  ", o.Logger)
	metrics.AddMeter("lr", NewSmoothedValue(1, ValueFormat("%.6f")))
	if o.Registerer != nil {
		if err := metrics.ExportTo(o.Registerer); err != nil {
			return nil, err
		}
	}
	header := fmt.Sprintf("Epoch: [%d]", epoch)

	var warmup *WarmupLRScheduler
	if epoch == 0 && o.Warmup {
		iters := loader.Len() - 1
		if iters > maxWarmupIters {
			iters = maxWarmupIters
		}
		warmup = NewWarmupLRScheduler(opt, iters, warmupFactor)
	}

	autocaster, canAutocast := model.(Autocaster)

	result := &EpochResult{LearningRate: opt.GetLearningRate()}
	var mloss float64

	err := metrics.LogEvery(loader, o.PrintFreq, header, func(i int, batch *dataset.Batch) error {
		images, err := stackOnDevice(device, batch.Images)
		if err != nil {
			return err
		}

		if canAutocast {
			autocaster.SetAutocast(o.Scaler != nil)
		}
		outputs, err := model.Forward(images)
		if err != nil {
			return fmt.Errorf("forward pass failed: %v", err)
		}
		loss, err := o.Loss.Compute(outputs, batch.Targets)
		if canAutocast {
			autocaster.SetAutocast(false)
		}
		if err != nil {
			return fmt.Errorf("loss computation failed: %v", err)
		}

		// Reduced across workers for logging only; gradients use the local loss
		reduced, err := distributed.ReduceDict(ctx, dc, map[string]float64{"losses": loss.Value}, true)
		if err != nil {
			return err
		}
		var lossValue float64
		for _, v := range reduced {
			lossValue += v
		}

		mloss = (mloss*float64(i) + lossValue) / float64(i+1)
		result.MeanLoss = mloss

		if math.IsNaN(lossValue) || math.IsInf(lossValue, 0) {
			o.Logger.Error(fmt.Sprintf("Loss is %v, stopping training", lossValue), "losses", reduced)
			o.Exit(1)
			return ErrNonFiniteLoss
		}

		opt.ZeroGrad()
		if o.Scaler != nil {
			scaled := o.Scaler.Scale(loss)
			if err := model.Backward(scaled.Grad); err != nil {
				return fmt.Errorf("backward pass failed: %v", err)
			}
			if _, err := o.Scaler.Step(opt); err != nil {
				return fmt.Errorf("optimizer step failed: %v", err)
			}
			o.Scaler.Update()
		} else {
			if err := model.Backward(loss.Grad); err != nil {
				return fmt.Errorf("backward pass failed: %v", err)
			}
			if err := opt.Step(); err != nil {
				return fmt.Errorf("optimizer step failed: %v", err)
			}
		}

		if warmup != nil {
			warmup.Step()
		}

		result.LearningRate = opt.GetLearningRate()
		metrics.Update(map[string]float64{
			"loss": lossValue,
			"lr":   result.LearningRate,
		})
		return nil
	})
	return result, err
}
