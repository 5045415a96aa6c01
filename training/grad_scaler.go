package training

import (
	"fmt"
	"math"

	"github.com/tsawler/kpose/optimizer"
	"github.com/tsawler/kpose/tensor"
)

// GradScalerConfig holds the dynamic loss-scaling policy
type GradScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultGradScalerConfig returns the usual mixed-precision defaults
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler scales the loss gradient before backward so small reduced
// precision gradients do not underflow, unscales before the optimizer step,
// and skips steps whose gradients overflowed.
type GradScaler struct {
	config        GradScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool
	unscaled      bool
}

// NewGradScaler creates a gradient scaler
func NewGradScaler(config GradScalerConfig) (*GradScaler, error) {
	if config.InitScale <= 0 {
		return nil, fmt.Errorf("initial scale must be positive: %f", config.InitScale)
	}
	if config.GrowthFactor <= 1 {
		return nil, fmt.Errorf("growth factor must be greater than 1: %f", config.GrowthFactor)
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		return nil, fmt.Errorf("backoff factor must be in (0, 1): %f", config.BackoffFactor)
	}
	if config.GrowthInterval <= 0 {
		return nil, fmt.Errorf("growth interval must be positive: %d", config.GrowthInterval)
	}

	return &GradScaler{
		config: config,
		scale:  config.InitScale,
	}, nil
}

// GetScale returns the current scale factor
func (s *GradScaler) GetScale() float64 {
	return s.scale
}

// Scale returns the loss multiplied by the current scale factor
func (s *GradScaler) Scale(loss *LossValue) *LossValue {
	return &LossValue{
		Value: loss.Value * s.scale,
		Grad:  tensor.MulScalar(loss.Grad, float32(s.scale)),
	}
}

// Unscale divides the gradients of opt's parameters by the scale factor in
// place and records whether any of them is not finite
func (s *GradScaler) Unscale(opt optimizer.Optimizer) {
	if s.unscaled {
		return
	}

	inv := float32(1.0 / s.scale)
	for _, p := range opt.Parameters() {
		for i, g := range p.Grad {
			g *= inv
			p.Grad[i] = g
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				s.foundInf = true
			}
		}
	}
	s.unscaled = true
}

// Step unscales the gradients and steps the optimizer unless they overflowed.
// It reports whether the optimizer stepped.
func (s *GradScaler) Step(opt optimizer.Optimizer) (bool, error) {
	s.Unscale(opt)
	if s.foundInf {
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}

// Update adjusts the scale for the next iteration: back off after an
// overflow, grow after GrowthInterval consecutive clean steps
func (s *GradScaler) Update() {
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker == s.config.GrowthInterval {
			s.scale *= s.config.GrowthFactor
			s.growthTracker = 0
		}
	}

	s.foundInf = false
	s.unscaled = false
}
