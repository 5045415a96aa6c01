package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/tensor"
)

func TestKpLoss(t *testing.T) {
	t.Parallel()

	// Two samples, two joints, 1x2 heatmaps
	outputs, err := tensor.FromSlice([]int{2, 2, 1, 2}, []float32{
		1, 1, 0, 0,
		2, 0, 0, 1,
	})
	require.NoError(t, err)

	zeros, err := tensor.Zeros([]int{2, 1, 2})
	require.NoError(t, err)
	targets := []dataset.Target{
		{Heatmap: zeros, KpsWeights: []float32{1, 1}},
		{Heatmap: zeros, KpsWeights: []float32{0.5, 0}},
	}

	loss, err := NewKpLoss().Compute(outputs, targets)
	require.NoError(t, err)

	// sample 0: mean(1,1)=1 + mean(0,0)=0; sample 1: 0.5*mean(4,0)=1 + 0
	assert.InDelta(t, 1.0, loss.Value, 1e-9)

	// d/dpred = 2*w*(pred-gt)/(H*W*bs)
	assert.Equal(t, []float32{0.5, 0.5, 0, 0, 0.5, 0, 0, 0}, loss.Grad.Data)
}

func TestKpLossDefaultsWeightsToOne(t *testing.T) {
	t.Parallel()

	outputs, err := tensor.Full([]int{1, 2, 2, 2}, 3)
	require.NoError(t, err)
	ones, err := tensor.Ones([]int{2, 2, 2})
	require.NoError(t, err)

	loss, err := NewKpLoss().Compute(outputs, []dataset.Target{{Heatmap: ones}})
	require.NoError(t, err)
	assert.InDelta(t, 8.0, loss.Value, 1e-9)
}

func TestKpLossValidation(t *testing.T) {
	t.Parallel()

	outputs, err := tensor.Zeros([]int{1, 2, 2, 2})
	require.NoError(t, err)
	wrong, err := tensor.Zeros([]int{3, 2, 2})
	require.NoError(t, err)
	ok, err := tensor.Zeros([]int{2, 2, 2})
	require.NoError(t, err)
	flat, err := tensor.Zeros([]int{4})
	require.NoError(t, err)

	tests := []struct {
		name    string
		outputs *tensor.Tensor
		targets []dataset.Target
	}{
		{"not 4-d", flat, []dataset.Target{{Heatmap: ok}}},
		{"batch mismatch", outputs, nil},
		{"heatmap shape", outputs, []dataset.Target{{Heatmap: wrong}}},
		{"missing heatmap", outputs, []dataset.Target{{}}},
		{"weights length", outputs, []dataset.Target{{Heatmap: ok, KpsWeights: []float32{1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKpLoss().Compute(tt.outputs, tt.targets)
			assert.Error(t, err)
		})
	}
}
