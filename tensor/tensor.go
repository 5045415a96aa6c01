// Package tensor provides the dense float32 tensor used to move images,
// heatmaps and gradients between the training loop and its collaborators.
package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i, dim := range t.Shape {
		if dim != other.Shape[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// offset converts a multi-dimensional index into a flat data offset
func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range [0, %d) for dimension %d", idx, t.Shape[i], i)
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

// At returns the element at the given index
func (t *Tensor) At(indices ...int) (float32, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// Set writes the element at the given index
func (t *Tensor) Set(value float32, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}
