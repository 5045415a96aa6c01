package optimizer

import (
	"testing"
)

func TestAdamFirstStep(t *testing.T) {
	// After bias correction the first step moves each weight by ~lr*sign(g)
	p := newParam(t, []float32{1, 1}, []float32{2, -0.5})
	adam, err := NewAdam(DefaultAdamConfig(), []*Parameter{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if !almostEqual(float64(p.Data[0]), 0.999, 1e-5) {
		t.Errorf("Data[0] = %v, expected 0.999", p.Data[0])
	}
	if !almostEqual(float64(p.Data[1]), 1.001, 1e-5) {
		t.Errorf("Data[1] = %v, expected 1.001", p.Data[1])
	}
}

func TestAdamWDecoupledDecay(t *testing.T) {
	config := DefaultAdamWConfig()
	config.LearningRate = 0.1
	config.WeightDecay = 0.5

	// Zero gradient isolates the decay term: w *= 1 - lr*wd
	p := newParam(t, []float32{2}, []float32{0})
	adamw, err := NewAdam(config, []*Parameter{p})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	adamw.Step()

	if !almostEqual(float64(p.Data[0]), 1.9, 1e-6) {
		t.Errorf("Data = %v, expected 1.9", p.Data[0])
	}

	state, _ := adamw.GetState()
	if state.Type != "AdamW" {
		t.Errorf("State type = %s, expected AdamW", state.Type)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{1})
	adam, _ := NewAdam(DefaultAdamConfig(), []*Parameter{p})
	adam.Step()
	adam.Step()

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected 2 state tensors, got %d", len(state.StateData))
	}

	q := newParam(t, []float32{1}, []float32{0})
	restored, _ := NewAdam(DefaultAdamConfig(), []*Parameter{q})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if restored.GetStepCount() != 2 {
		t.Errorf("Step count = %d, expected 2", restored.GetStepCount())
	}
	if restored.momentumBuffers[0][0] != adam.momentumBuffers[0][0] {
		t.Errorf("Momentum = %v, expected %v", restored.momentumBuffers[0][0], adam.momentumBuffers[0][0])
	}
	if restored.varianceBuffers[0][0] != adam.varianceBuffers[0][0] {
		t.Errorf("Variance = %v, expected %v", restored.varianceBuffers[0][0], adam.varianceBuffers[0][0])
	}
}

func TestAdamConfigValidation(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{0})

	bad := []AdamConfig{
		{LearningRate: -1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 1.2, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: -1},
	}

	for i, config := range bad {
		if _, err := NewAdam(config, []*Parameter{p}); err == nil {
			t.Errorf("Config %d: expected validation error", i)
		}
	}
}
