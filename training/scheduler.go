package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/kpose/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupLRScheduler ramps the learning rate linearly from
// baseLR*warmupFactor to baseLR over warmupIters optimizer steps. It owns
// the optimizer's learning rate while installed.
type WarmupLRScheduler struct {
	opt          optimizer.Optimizer
	baseLR       float64
	warmupIters  int
	warmupFactor float64
	step         int
}

// NewWarmupLRScheduler installs a warmup schedule on opt. The optimizer's
// current learning rate is taken as the target and immediately replaced by
// the step 0 value.
func NewWarmupLRScheduler(opt optimizer.Optimizer, warmupIters int, warmupFactor float64) *WarmupLRScheduler {
	s := &WarmupLRScheduler{
		opt:          opt,
		baseLR:       opt.GetLearningRate(),
		warmupIters:  warmupIters,
		warmupFactor: warmupFactor,
	}
	opt.UpdateLearningRate(s.baseLR * s.Factor(0))
	return s
}

// Factor returns the learning rate multiplier after x steps
func (s *WarmupLRScheduler) Factor(x int) float64 {
	if x >= s.warmupIters {
		return 1
	}
	alpha := float64(x) / float64(s.warmupIters)
	return s.warmupFactor*(1-alpha) + alpha
}

// Step advances the schedule by one iteration and updates the optimizer
func (s *WarmupLRScheduler) Step() {
	s.step++
	s.opt.UpdateLearningRate(s.baseLR * s.Factor(s.step))
}

// Iterations returns the length of the warmup
func (s *WarmupLRScheduler) Iterations() int {
	return s.warmupIters
}

func (s *WarmupLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * s.Factor(step)
}

func (s *WarmupLRScheduler) GetName() string {
	return "LinearWarmup"
}

// MultiStepLRScheduler multiplies the learning rate by Gamma at each milestone epoch
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler creates a milestone scheduler
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return &MultiStepLRScheduler{
		Milestones: sorted,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Count milestones already passed
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// StepLRScheduler decays the learning rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step scheduler. Invalid arguments fall back
// to a step of 30 epochs and a gamma of 0.1.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler multiplies the learning rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential scheduler (gamma defaults to 0.95)
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler follows half a cosine from baseLR down to
// EtaMin over TMax epochs and stays at EtaMin afterwards
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	cos := math.Cos(math.Pi * float64(epoch) / float64(s.TMax))
	return s.EtaMin + (baseLR-s.EtaMin)*(1+cos)/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler cuts the learning rate by Factor once the
// tracked metric has not improved for Patience epochs. In "max" mode a
// higher metric (such as AP) counts as an improvement.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string

	best        float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records the metric of the epoch just finished and returns the
// learning rate for the next one
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.best = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.best-s.Threshold
	} else {
		improved = metric > s.best+s.Threshold
	}

	if improved {
		s.best = metric
		s.badEpochs = 0
		return s.currentLR
	}

	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.currentLR *= s.Factor
		s.badEpochs = 0
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler keeps the learning rate constant
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds an epoch scheduler by name. Supported names are
// "constant", "step", "multistep", "exponential", "cosine" and "plateau".
func NewScheduler(name string, stepSize int, milestones []int, gamma float64, epochs int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stepSize, gamma), nil
	case "multistep":
		return NewMultiStepLRScheduler(milestones, gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(gamma, stepSize, 1e-4, "max"), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}
