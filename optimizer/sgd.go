package optimizer

import (
	"fmt"

	"github.com/tsawler/kpose/checkpoints"
)

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay
type SGD struct {
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params          []*Parameter
	momentumBuffers [][]float32 // only if momentum > 0
	stepCount       uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGD creates a new SGD optimizer over params
func NewSGD(config SGDConfig, params []*Parameter) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGD{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}

	if config.Momentum > 0 {
		sgd.momentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.momentumBuffers[i] = make([]float32, len(p.Data))
		}
	}

	return sgd, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.stepCount++

	lr := float32(sgd.LearningRate)
	wd := float32(sgd.WeightDecay)
	mom := float32(sgd.Momentum)

	for i, p := range sgd.params {
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * p.Data[j]
			}

			if mom > 0 {
				buf := sgd.momentumBuffers[i]
				if sgd.stepCount == 1 {
					buf[j] = g
				} else {
					buf[j] = mom*buf[j] + g
				}
				if sgd.Nesterov {
					g += mom * buf[j]
				} else {
					g = buf[j]
				}
			}

			p.Data[j] -= lr * g
		}
	}

	return nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.params)
}

// GetLearningRate returns the current learning rate
func (sgd *SGD) GetLearningRate() float64 {
	return sgd.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGD) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// Parameters returns the optimized parameters
func (sgd *SGD) Parameters() []*Parameter {
	return sgd.params
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.momentumBuffers))
	for i, buf := range sgd.momentumBuffers {
		stateData = append(stateData, *extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.momentumBuffers) {
			return fmt.Errorf("unexpected SGD state tensor %s", tensor.Name)
		}
		if err := restoreBufferState(sgd.momentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
