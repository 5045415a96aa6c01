// Package optimizer updates model parameters from their gradients.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/kpose/checkpoints"
)

// Parameter is a trainable tensor owned by a model. The model writes Grad
// during its backward pass; optimizers read Grad and update Data.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParameter creates a parameter with a zeroed gradient buffer
func NewParameter(name string, shape []int, data []float32) (*Parameter, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return nil, fmt.Errorf("parameter %s: data length %d does not match shape %v", name, len(data), shape)
	}

	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Grad:  make([]float32, len(data)),
	}, nil
}

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update using the current gradients
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// Parameters returns the parameters being optimized
	Parameters() []*Parameter

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error
}

// zeroGrad clears the gradients of params
func zeroGrad(params []*Parameter) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// validateParams rejects parameters whose buffers disagree
func validateParams(params []*Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s: gradient length %d does not match data length %d", p.Name, len(p.Grad), len(p.Data))
		}
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "exp_avg_sq_1"
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
