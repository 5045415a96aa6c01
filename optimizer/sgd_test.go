package optimizer

import (
	"math"
	"testing"
)

func newParam(t *testing.T, data, grad []float32) *Parameter {
	t.Helper()
	p, err := NewParameter("w", []int{len(data)}, data)
	if err != nil {
		t.Fatalf("NewParameter failed: %v", err)
	}
	copy(p.Grad, grad)
	return p
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSGDConfigValidation(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{0})

	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"Negative learning rate", SGDConfig{LearningRate: -1}},
		{"Momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"Negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"Nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(tt.config, []*Parameter{p}); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}

	if _, err := NewSGD(DefaultSGDConfig(), nil); err == nil {
		t.Error("Expected error for empty parameter list")
	}

	if _, err := NewParameter("bad", []int{2}, []float32{1}); err == nil {
		t.Error("Expected error for shape mismatch")
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("Vanilla", func(t *testing.T) {
		p := newParam(t, []float32{1, 2}, []float32{1, -1})
		sgd, err := NewSGD(SGDConfig{LearningRate: 0.1}, []*Parameter{p})
		if err != nil {
			t.Fatalf("NewSGD failed: %v", err)
		}

		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !almostEqual(float64(p.Data[0]), 0.9, 1e-6) || !almostEqual(float64(p.Data[1]), 2.1, 1e-6) {
			t.Errorf("Data = %v, expected [0.9 2.1]", p.Data)
		}
		if sgd.GetStepCount() != 1 {
			t.Errorf("Step count = %d, expected 1", sgd.GetStepCount())
		}
	})

	t.Run("Momentum", func(t *testing.T) {
		p := newParam(t, []float32{1}, []float32{1})
		sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*Parameter{p})

		sgd.Step() // buf = 1, w = 0.9
		sgd.Step() // buf = 1.9, w = 0.71
		if !almostEqual(float64(p.Data[0]), 0.71, 1e-6) {
			t.Errorf("Data = %v, expected 0.71", p.Data[0])
		}
	})

	t.Run("Weight decay", func(t *testing.T) {
		p := newParam(t, []float32{2}, []float32{0})
		sgd, _ := NewSGD(SGDConfig{LearningRate: 0.5, WeightDecay: 0.1}, []*Parameter{p})

		sgd.Step() // g = 0.2, w = 1.9
		if !almostEqual(float64(p.Data[0]), 1.9, 1e-6) {
			t.Errorf("Data = %v, expected 1.9", p.Data[0])
		}
	})

	t.Run("ZeroGrad and learning rate", func(t *testing.T) {
		p := newParam(t, []float32{1}, []float32{3})
		sgd, _ := NewSGD(DefaultSGDConfig(), []*Parameter{p})

		sgd.ZeroGrad()
		if p.Grad[0] != 0 {
			t.Errorf("Grad = %v, expected 0", p.Grad[0])
		}

		sgd.UpdateLearningRate(0.5)
		if sgd.GetLearningRate() != 0.5 {
			t.Errorf("Learning rate = %v, expected 0.5", sgd.GetLearningRate())
		}
		if len(sgd.Parameters()) != 1 {
			t.Errorf("Expected 1 parameter, got %d", len(sgd.Parameters()))
		}
	})
}

func TestSGDStateRoundTrip(t *testing.T) {
	p := newParam(t, []float32{1, 1}, []float32{1, 2})
	sgd, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*Parameter{p})
	sgd.Step()

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" || len(state.StateData) != 1 {
		t.Fatalf("Unexpected state: %+v", state)
	}

	q := newParam(t, []float32{1, 1}, []float32{0, 0})
	restored, _ := NewSGD(SGDConfig{LearningRate: 0.5, Momentum: 0.9}, []*Parameter{q})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if restored.GetStepCount() != 1 {
		t.Errorf("Step count = %d, expected 1", restored.GetStepCount())
	}
	if restored.GetLearningRate() != 0.1 {
		t.Errorf("Learning rate = %v, expected 0.1", restored.GetLearningRate())
	}
	if restored.momentumBuffers[0][1] != 2 {
		t.Errorf("Momentum buffer = %v, expected [1 2]", restored.momentumBuffers[0])
	}

	state.Type = "Adam"
	if err := restored.LoadState(state); err == nil {
		t.Error("Expected type mismatch error")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"exp_avg_sq_12", 12},
		{"nounderscore", -1},
		{"momentum_x", -1},
	}

	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", tt.name, got, tt.expected)
		}
	}
}
