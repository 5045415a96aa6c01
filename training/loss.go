package training

import (
	"fmt"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/tensor"
)

// LossValue is a scalar loss together with its gradient with respect to the
// model output
type LossValue struct {
	Value float64
	Grad  *tensor.Tensor
}

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Compute(outputs *tensor.Tensor, targets []dataset.Target) (*LossValue, error)
}

// KpLoss is the joint-weighted heatmap MSE:
// sum over samples and joints of kps_weight * mean_hw((pred - heatmap)^2),
// divided by the batch size.
type KpLoss struct{}

// NewKpLoss creates the keypoint heatmap loss
func NewKpLoss() *KpLoss {
	return &KpLoss{}
}

// Compute returns the loss and its gradient
func (l *KpLoss) Compute(outputs *tensor.Tensor, targets []dataset.Target) (*LossValue, error) {
	if outputs.Dim() != 4 {
		return nil, fmt.Errorf("outputs must be [N,K,H,W], got shape %v", outputs.Shape)
	}

	bs, numJoints, h, w := outputs.Shape[0], outputs.Shape[1], outputs.Shape[2], outputs.Shape[3]
	if len(targets) != bs {
		return nil, fmt.Errorf("got %d targets for batch of %d", len(targets), bs)
	}

	grad, err := tensor.Zeros(outputs.Shape)
	if err != nil {
		return nil, err
	}

	plane := h * w
	gradScale := 2.0 / float64(plane*bs)
	var total float64

	for n, target := range targets {
		hm := target.Heatmap
		if hm == nil || hm.Dim() != 3 || hm.Shape[0] != numJoints || hm.Shape[1] != h || hm.Shape[2] != w {
			return nil, fmt.Errorf("target %d heatmap must be [%d,%d,%d]", n, numJoints, h, w)
		}
		if target.KpsWeights != nil && len(target.KpsWeights) != numJoints {
			return nil, fmt.Errorf("target %d has %d joint weights, expected %d", n, len(target.KpsWeights), numJoints)
		}

		for k := 0; k < numJoints; k++ {
			weight := 1.0
			if target.KpsWeights != nil {
				weight = float64(target.KpsWeights[k])
			}

			off := (n*numJoints + k) * plane
			pred := outputs.Data[off : off+plane]
			gt := hm.Data[k*plane : (k+1)*plane]
			g := grad.Data[off : off+plane]

			var sq float64
			for i := range pred {
				d := float64(pred[i]) - float64(gt[i])
				sq += d * d
				g[i] = float32(gradScale * weight * d)
			}
			total += weight * sq / float64(plane)
		}
	}

	return &LossValue{
		Value: total / float64(bs),
		Grad:  grad,
	}, nil
}
