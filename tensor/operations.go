package tensor

import (
	"fmt"
)

// Add returns a + b element-wise; shapes must match
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}

	result := a.Clone()
	for i, v := range b.Data {
		result.Data[i] += v
	}
	return result, nil
}

// Sub returns a - b element-wise; shapes must match
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}

	result := a.Clone()
	for i, v := range b.Data {
		result.Data[i] -= v
	}
	return result, nil
}

// MulScalar returns t * s
func MulScalar(t *Tensor, s float32) *Tensor {
	result := t.Clone()
	for i := range result.Data {
		result.Data[i] *= s
	}
	return result
}

// ScaleInPlace multiplies every element by s
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// axisSplit returns the sizes of the dimensions before, at and after axis
func (t *Tensor) axisSplit(axis int) (outer, n, inner int, err error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return 0, 0, 0, fmt.Errorf("axis %d out of range for %d-d tensor", axis, len(t.Shape))
	}

	outer = 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	inner = 1
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}
	return outer, t.Shape[axis], inner, nil
}

// Flip returns a copy reversed along axis. Negative axes count from the end.
func (t *Tensor) Flip(axis int) (*Tensor, error) {
	outer, n, inner, err := t.axisSplit(axis)
	if err != nil {
		return nil, err
	}

	result := t.Clone()
	for o := 0; o < outer; o++ {
		base := o * n * inner
		for i := 0; i < n; i++ {
			src := t.Data[base+i*inner : base+(i+1)*inner]
			dst := result.Data[base+(n-1-i)*inner : base+(n-i)*inner]
			copy(dst, src)
		}
	}
	return result, nil
}

// IndexSelect gathers the given positions along axis into a new tensor
func (t *Tensor) IndexSelect(axis int, indices []int) (*Tensor, error) {
	outer, n, inner, err := t.axisSplit(axis)
	if err != nil {
		return nil, err
	}
	if axis < 0 {
		axis += len(t.Shape)
	}

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[axis] = len(indices)

	result, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	m := len(indices)
	for o := 0; o < outer; o++ {
		for j, idx := range indices {
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("index %d out of range [0, %d)", idx, n)
			}
			src := t.Data[(o*n+idx)*inner : (o*n+idx+1)*inner]
			dst := result.Data[(o*m+j)*inner : (o*m+j+1)*inner]
			copy(dst, src)
		}
	}
	return result, nil
}

// ShiftLastAxis moves every row of the last axis one position to the right
// in place: x[..., 1:] = x[..., :-1]. The first column keeps its value.
func (t *Tensor) ShiftLastAxis() {
	w := t.Shape[len(t.Shape)-1]
	for start := 0; start < len(t.Data); start += w {
		row := t.Data[start : start+w]
		// Walk backwards so every read sees the pre-shift value
		for i := w - 1; i >= 1; i-- {
			row[i] = row[i-1]
		}
	}
}
