package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/kpose/checkpoints"
)

// Adam implements the Adam optimizer. With Decoupled set, weight decay is
// applied directly to the weights (AdamW) instead of through the gradient.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64
	Decoupled    bool

	params          []*Parameter
	momentumBuffers [][]float32 // First moment for each parameter
	varianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	stepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	Decoupled    bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// DefaultAdamWConfig returns the AdamW defaults used for pose training
func DefaultAdamWConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 5e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  1e-4,
		Decoupled:    true,
	}
}

// NewAdam creates a new Adam optimizer over params
func NewAdam(config AdamConfig, params []*Parameter) (*Adam, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &Adam{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		Decoupled:       config.Decoupled,
		params:          params,
		momentumBuffers: make([][]float32, len(params)),
		varianceBuffers: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.momentumBuffers[i] = make([]float32, len(p.Data))
		adam.varianceBuffers[i] = make([]float32, len(p.Data))
	}

	return adam, nil
}

func (adam *Adam) name() string {
	if adam.Decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.stepCount++

	step := float64(adam.stepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, step)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, step)
	stepSize := adam.LearningRate / biasCorrection1

	b1, b2 := adam.Beta1, adam.Beta2
	for i, p := range adam.params {
		m := adam.momentumBuffers[i]
		v := adam.varianceBuffers[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			w := float64(p.Data[j])

			if adam.WeightDecay != 0 {
				if adam.Decoupled {
					w *= 1 - adam.LearningRate*adam.WeightDecay
				} else {
					g += adam.WeightDecay * w
				}
			}

			m[j] = float32(b1*float64(m[j]) + (1-b1)*g)
			v[j] = float32(b2*float64(v[j]) + (1-b2)*g*g)

			denom := math.Sqrt(float64(v[j]))/math.Sqrt(biasCorrection2) + adam.Epsilon
			p.Data[j] = float32(w - stepSize*float64(m[j])/denom)
		}
	}

	return nil
}

// ZeroGrad clears every parameter gradient
func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.params)
}

// GetLearningRate returns the current learning rate
func (adam *Adam) GetLearningRate() float64 {
	return adam.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

// Parameters returns the optimized parameters
func (adam *Adam) Parameters() []*Parameter {
	return adam.params
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.momentumBuffers[i], fmt.Sprintf("exp_avg_%d", i), "m"),
			*extractBufferState(adam.varianceBuffers[i], fmt.Sprintf("exp_avg_sq_%d", i), "v"),
		)
	}

	return &checkpoints.OptimizerState{
		Type: adam.name(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(adam.name(), state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("unexpected %s state tensor %s", adam.name(), tensor.Name)
		}

		var buffer []float32
		switch tensor.StateType {
		case "m":
			buffer = adam.momentumBuffers[idx]
		case "v":
			buffer = adam.varianceBuffers[idx]
		default:
			return fmt.Errorf("unknown state type %q for %s", tensor.StateType, tensor.Name)
		}
		if err := restoreBufferState(buffer, tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
