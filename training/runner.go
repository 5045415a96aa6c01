package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/kpose/checkpoints"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/logging"
	"github.com/tsawler/kpose/optimizer"
)

// RunnerConfig holds configuration for a multi-epoch run
type RunnerConfig struct {
	StartEpoch int
	Epochs     int // Run until this epoch index (exclusive)
	PrintFreq  int
	Warmup     bool

	Flip      bool
	FlipPairs [][2]int

	// Scheduler sets the learning rate at the start of every epoch
	Scheduler LRScheduler
	Scaler    *GradScaler
	Loss      Loss

	// ResultsFile receives one line per epoch on the leader ("" disables)
	ResultsFile string
	// CheckpointDir receives model-<epoch> checkpoints on the leader ("" disables)
	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Exit       func(code int)
}

// EpochMetrics holds what one epoch of a run produced
type EpochMetrics struct {
	Epoch         int
	MeanLoss      float64
	LearningRate  float64
	Stats         []float64 // nil on non-leaders
	EpochDuration time.Duration
}

// epochSetter is implemented by loaders that reshuffle per epoch
type epochSetter interface {
	SetEpoch(epoch int)
}

// Runner trains and evaluates a model over several epochs
type Runner struct {
	dc             *distributed.Context
	model          Model
	opt            optimizer.Optimizer
	trainLoader    BatchIterator
	valLoader      BatchIterator
	device         Device
	newAccumulator func() (Accumulator, error)
	config         RunnerConfig
	logger         *slog.Logger
	saver          *checkpoints.CheckpointSaver
	baseLR         float64
	bestAP         float64
	history        []EpochMetrics
}

// NewRunner creates a Runner. newAccumulator is called once per epoch to
// get a fresh metric accumulator for evaluation.
func NewRunner(dc *distributed.Context, model Model, opt optimizer.Optimizer, trainLoader, valLoader BatchIterator, device Device, newAccumulator func() (Accumulator, error), config RunnerConfig) (*Runner, error) {
	if dc == nil {
		dc = distributed.Single()
	}
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	if config.Epochs <= config.StartEpoch {
		return nil, fmt.Errorf("epochs (%d) must be greater than start epoch (%d)", config.Epochs, config.StartEpoch)
	}
	if valLoader != nil && newAccumulator == nil {
		return nil, fmt.Errorf("accumulator factory required for evaluation")
	}
	if config.Flip && config.FlipPairs == nil {
		return nil, ErrMissingFlipPairs
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.New("runner")
	}
	if dc.IsDistributed() {
		logger = logging.ForWorker(logger, dc.Rank)
	}

	return &Runner{
		dc:             dc,
		model:          model,
		opt:            opt,
		trainLoader:    trainLoader,
		valLoader:      valLoader,
		device:         device,
		newAccumulator: newAccumulator,
		config:         config,
		logger:         logger,
		saver:          checkpoints.NewCheckpointSaver(config.CheckpointFormat),
		baseLR:         opt.GetLearningRate(),
	}, nil
}

// Fit runs every configured epoch
func (r *Runner) Fit(ctx context.Context) error {
	r.logger.Info("starting training",
		"epochs", r.config.Epochs,
		"start_epoch", r.config.StartEpoch,
		"device", r.device.Name(),
		"scheduler", r.config.Scheduler.GetName(),
	)

	for epoch := r.config.StartEpoch; epoch < r.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runEpoch(ctx, epoch); err != nil {
			return fmt.Errorf("epoch %d failed: %w", epoch, err)
		}
	}
	return nil
}

func (r *Runner) runEpoch(ctx context.Context, epoch int) error {
	start := time.Now()

	if s, ok := r.trainLoader.(epochSetter); ok {
		s.SetEpoch(epoch)
	}
	r.opt.UpdateLearningRate(r.config.Scheduler.GetLR(epoch, 0, r.baseLR))

	res, err := TrainOneEpoch(ctx, r.dc, r.model, r.opt, r.trainLoader, r.device, epoch, TrainOptions{
		PrintFreq:  r.config.PrintFreq,
		Warmup:     r.config.Warmup,
		Scaler:     r.config.Scaler,
		Loss:       r.config.Loss,
		Logger:     r.logger,
		Exit:       r.config.Exit,
		Registerer: r.config.Registerer,
	})
	if err != nil {
		return err
	}

	metrics := EpochMetrics{
		Epoch:        epoch,
		MeanLoss:     res.MeanLoss,
		LearningRate: res.LearningRate,
	}

	if r.valLoader != nil {
		acc, err := r.newAccumulator()
		if err != nil {
			return fmt.Errorf("failed to create accumulator: %v", err)
		}
		metrics.Stats, err = Evaluate(ctx, r.dc, r.model, r.valLoader, r.device, acc, EvalOptions{
			Flip:      r.config.Flip,
			FlipPairs: r.config.FlipPairs,
			PrintFreq: r.config.PrintFreq,
			Logger:    r.logger,
		})
		if err != nil {
			return err
		}
	}

	if plateau, ok := r.config.Scheduler.(*ReduceLROnPlateauScheduler); ok && r.valLoader != nil {
		ap, err := r.leaderAP(ctx, metrics.Stats)
		if err != nil {
			return err
		}
		plateau.Step(ap, r.opt.GetLearningRate())
	}

	metrics.EpochDuration = time.Since(start)
	r.history = append(r.history, metrics)

	if !r.dc.IsMainProcess() {
		return nil
	}

	if len(metrics.Stats) > 0 && metrics.Stats[0] > r.bestAP {
		r.bestAP = metrics.Stats[0]
	}
	if r.config.ResultsFile != "" {
		if err := appendResultLine(r.config.ResultsFile, metrics); err != nil {
			return err
		}
	}
	if r.config.CheckpointDir != "" {
		if err := r.saveCheckpoint(metrics); err != nil {
			return err
		}
	}

	r.logger.Info("epoch finished",
		"epoch", epoch,
		"mean_loss", metrics.MeanLoss,
		"lr", metrics.LearningRate,
		"best_ap", r.bestAP,
		"duration", metrics.EpochDuration.Round(time.Millisecond),
	)
	return nil
}

// leaderAP returns the leader's AP on every worker. Only the leader holds
// evaluation stats, so the others contribute 0 to an unaveraged sum.
func (r *Runner) leaderAP(ctx context.Context, stats []float64) (float64, error) {
	var ap float64
	if r.dc.IsMainProcess() && len(stats) > 0 {
		ap = stats[0]
	}
	if !r.dc.IsDistributed() {
		return ap, nil
	}

	shared, err := distributed.ReduceDict(ctx, r.dc, map[string]float64{"ap": ap}, false)
	if err != nil {
		return 0, fmt.Errorf("failed to share AP: %w", err)
	}
	return shared["ap"], nil
}

// History returns the metrics of the epochs run so far
func (r *Runner) History() []EpochMetrics {
	return r.history
}

// BestAP returns the highest AP seen on the leader
func (r *Runner) BestAP() float64 {
	return r.bestAP
}

// CheckpointPath returns where the checkpoint of epoch is written
func (r *Runner) CheckpointPath(epoch int) string {
	ext := ".json"
	if r.config.CheckpointFormat == checkpoints.FormatProto {
		ext = ".pb"
	}
	return filepath.Join(r.config.CheckpointDir, fmt.Sprintf("model-%d%s", epoch, ext))
}

func (r *Runner) saveCheckpoint(metrics EpochMetrics) error {
	params := r.opt.Parameters()
	weights := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		}
	}

	optState, err := r.opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to capture optimizer state: %v", err)
	}

	ckpt := &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        metrics.Epoch,
			Step:         int(r.opt.GetStepCount()),
			LearningRate: metrics.LearningRate,
			MeanLoss:     metrics.MeanLoss,
			BestAP:       r.bestAP,
		},
		OptimizerState: optState,
		COCOStats:      metrics.Stats,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("epoch %d", metrics.Epoch),
		},
	}
	if r.config.Scaler != nil {
		ckpt.TrainingState.Scale = r.config.Scaler.GetScale()
	}

	if err := r.saver.SaveCheckpoint(ckpt, r.CheckpointPath(metrics.Epoch)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	return nil
}

// FormatResultLine renders "epoch:<n> <stats...>  <mloss>  <lr>" with four
// decimals for the stats and loss and six for the learning rate
func FormatResultLine(m EpochMetrics) string {
	fields := make([]string, 0, len(m.Stats)+2)
	for _, v := range m.Stats {
		fields = append(fields, fmt.Sprintf("%.4f", v))
	}
	fields = append(fields, fmt.Sprintf("%.4f", m.MeanLoss), fmt.Sprintf("%.6f", m.LearningRate))
	return fmt.Sprintf("epoch:%d %s", m.Epoch, strings.Join(fields, "  "))
}

func appendResultLine(path string, m EpochMetrics) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create results directory: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %v", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, FormatResultLine(m)); err != nil {
		return fmt.Errorf("failed to write results file: %v", err)
	}
	return nil
}
