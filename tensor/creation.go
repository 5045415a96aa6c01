package tensor

import (
	"fmt"
)

// NewTensor creates a tensor of the given shape. Data may be nil (zero
// filled), a []float32 of matching length, or a float32 fill value.
func NewTensor(shape []int, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	tensor := &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		NumElems: calculateNumElements(shapeCopy),
	}

	if err := tensor.setData(data); err != nil {
		return nil, err
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch d := data.(type) {
	case nil:
		t.Data = make([]float32, t.NumElems)
	case []float32:
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case float32:
		slice := make([]float32, t.NumElems)
		for i := range slice {
			slice[i] = d
		}
		t.Data = slice
	default:
		return fmt.Errorf("unsupported data type for tensor: %T", data)
	}
	return nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Ones creates a tensor filled with ones
func Ones(shape []int) (*Tensor, error) {
	return NewTensor(shape, float32(1))
}

// Full creates a tensor filled with value
func Full(shape []int, value float32) (*Tensor, error) {
	return NewTensor(shape, value)
}

// FromSlice copies data into a new tensor of the given shape
func FromSlice(shape []int, data []float32) (*Tensor, error) {
	buf := make([]float32, len(data))
	copy(buf, data)
	return NewTensor(shape, buf)
}

// Stack joins same-shaped tensors along a new leading dimension
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack an empty tensor list")
	}

	first := tensors[0]
	shape := append([]int{len(tensors)}, first.Shape...)
	stacked, err := Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("failed to create stacked tensor: %v", err)
	}

	// Copy each sample into its slot
	for i, t := range tensors {
		if !t.SameShape(first) {
			return nil, fmt.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, first.Shape)
		}
		copy(stacked.Data[i*first.NumElems:(i+1)*first.NumElems], t.Data)
	}

	return stacked, nil
}

// Unstack splits a tensor along its leading dimension into copies
func (t *Tensor) Unstack() ([]*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("unstack requires at least 2 dimensions, got %d", len(t.Shape))
	}

	n := t.Shape[0]
	size := t.NumElems / n
	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		part, err := FromSlice(t.Shape[1:], t.Data[i*size:(i+1)*size])
		if err != nil {
			return nil, err
		}
		out[i] = part
	}
	return out, nil
}
