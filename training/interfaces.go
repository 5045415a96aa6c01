// Package training drives keypoint model training and evaluation: one
// training epoch with optional warmup and mixed precision, flip-augmented
// evaluation with COCO keypoint metrics, and a multi-epoch runner.
package training

import (
	"context"
	"fmt"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/tensor"
	"github.com/tsawler/kpose/transforms"
)

// Model is the network being trained. Forward maps an [N,C,H,W] image batch
// to [N,K,h,w] heatmaps; Backward accumulates parameter gradients from the
// gradient of the loss with respect to the last Forward output.
type Model interface {
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) error
	SetTraining(training bool)
}

// Autocaster is implemented by models that can run their forward pass in
// reduced precision. It is enabled only while a GradScaler is in use.
type Autocaster interface {
	SetAutocast(enabled bool)
}

// GradModeSetter is implemented by models that can skip recording state for
// backward. SetGradEnabled returns the previous mode.
type GradModeSetter interface {
	SetGradEnabled(enabled bool) bool
}

// Device places tensors where the model runs
type Device interface {
	Name() string
	IsCPU() bool
	ToDevice(t *tensor.Tensor) (*tensor.Tensor, error)
	// Synchronize blocks until queued device work is complete
	Synchronize() error
}

// CPUDevice runs everything in host memory
type CPUDevice struct{}

func (CPUDevice) Name() string { return "cpu" }

func (CPUDevice) IsCPU() bool { return true }

func (CPUDevice) ToDevice(t *tensor.Tensor) (*tensor.Tensor, error) { return t, nil }

func (CPUDevice) Synchronize() error { return nil }

// BatchIterator yields the batches of one epoch. Next returns nil at the end.
type BatchIterator interface {
	Len() int
	Reset()
	Next() (*dataset.Batch, error)
}

// Accumulator collects decoded predictions during evaluation and turns them
// into summary statistics.
type Accumulator interface {
	Update(targets []dataset.Target, preds *transforms.Predictions) error
	// SynchronizeResults merges the results of every worker
	SynchronizeResults(ctx context.Context, dc *distributed.Context) error
	// Evaluate computes the summary; only meaningful on the leader
	Evaluate() ([]float64, error)
}

// stackOnDevice moves each image to the device and stacks them into a batch
func stackOnDevice(device Device, images []*tensor.Tensor) (*tensor.Tensor, error) {
	placed := make([]*tensor.Tensor, len(images))
	for i, img := range images {
		t, err := device.ToDevice(img)
		if err != nil {
			return nil, fmt.Errorf("failed to move image %d to %s: %v", i, device.Name(), err)
		}
		placed[i] = t
	}

	batch, err := tensor.Stack(placed)
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %v", err)
	}
	return batch, nil
}
