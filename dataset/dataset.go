// Package dataset defines keypoint samples and the batching loader that
// feeds the training and evaluation drivers.
package dataset

import (
	"fmt"

	"github.com/tsawler/kpose/tensor"
	"github.com/tsawler/kpose/transforms"
)

// Target is the ground truth attached to one person crop
type Target struct {
	// ImageID is the COCO image the crop was taken from
	ImageID int64
	// ObjIndex uniquely identifies the person instance across the dataset
	ObjIndex int
	// Score is the person detection score (1 for ground-truth boxes)
	Score float64

	// ReverseTrans maps heatmap coordinates back into original image space
	ReverseTrans transforms.Affine

	// Heatmap is the [K,H,W] regression target
	Heatmap *tensor.Tensor
	// KpsWeights weights each joint's loss, zero for unlabelled joints
	KpsWeights []float32

	// Keypoints and Visible are the image-space annotations when known
	Keypoints [][2]float32
	Visible   []float32
}

// Batch is one step's worth of samples
type Batch struct {
	Images  []*tensor.Tensor
	Targets []Target
}

// Len returns the number of samples
func (b *Batch) Len() int {
	return len(b.Images)
}

// ReverseTransforms collects each target's reverse transform
func (b *Batch) ReverseTransforms() []transforms.Affine {
	out := make([]transforms.Affine, len(b.Targets))
	for i, t := range b.Targets {
		out[i] = t.ReverseTrans
	}
	return out
}

// Dataset interface defines methods that all keypoint datasets must implement
type Dataset interface {
	Len() int                                    // Total number of samples
	Get(idx int) (*tensor.Tensor, Target, error) // Image [C,H,W] and its target
}

// SliceDataset serves samples held in memory
type SliceDataset struct {
	images  []*tensor.Tensor
	targets []Target
}

// NewSliceDataset creates a dataset over parallel image and target slices
func NewSliceDataset(images []*tensor.Tensor, targets []Target) (*SliceDataset, error) {
	if len(images) != len(targets) {
		return nil, fmt.Errorf("images and targets must have the same length: got %d and %d", len(images), len(targets))
	}

	return &SliceDataset{
		images:  images,
		targets: targets,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SliceDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *SliceDataset) Get(idx int) (*tensor.Tensor, Target, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, Target{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}

	return ds.images[idx], ds.targets[idx], nil
}
