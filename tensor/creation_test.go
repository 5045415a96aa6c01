package tensor

import (
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}

		tensor, err := NewTensor(shape, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}

		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}

		expectedStrides := []int{3, 1}
		if !reflect.DeepEqual(tensor.Strides, expectedStrides) {
			t.Errorf("Strides = %v, expected %v", tensor.Strides, expectedStrides)
		}

		if !reflect.DeepEqual(tensor.Data, data) {
			t.Errorf("Data = %v, expected %v", tensor.Data, data)
		}
	})

	t.Run("Fill value", func(t *testing.T) {
		tensor, err := Full([]int{2, 2}, 3)
		if err != nil {
			t.Fatalf("Full failed: %v", err)
		}
		for i, v := range tensor.Data {
			if v != 3 {
				t.Errorf("Data[%d] = %f, expected 3", i, v)
			}
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, nil); err == nil {
			t.Error("Expected error for zero dimension")
		}
		if _, err := NewTensor(nil, nil); err == nil {
			t.Error("Expected error for empty shape")
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("Expected error for data length mismatch")
		}
	})

	t.Run("Unsupported data type", func(t *testing.T) {
		if _, err := NewTensor([]int{2}, []int32{1, 2}); err == nil {
			t.Error("Expected error for unsupported data type")
		}
	})

	t.Run("Shape is copied", func(t *testing.T) {
		shape := []int{2, 2}
		tensor, _ := Zeros(shape)
		shape[0] = 5
		if tensor.Shape[0] != 2 {
			t.Errorf("Shape aliased caller slice: %v", tensor.Shape)
		}
	})
}

func TestStack(t *testing.T) {
	a, _ := FromSlice([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := FromSlice([]int{2, 2}, []float32{5, 6, 7, 8})

	t.Run("Stacks along new leading axis", func(t *testing.T) {
		stacked, err := Stack([]*Tensor{a, b})
		if err != nil {
			t.Fatalf("Stack failed: %v", err)
		}

		if !reflect.DeepEqual(stacked.Shape, []int{2, 2, 2}) {
			t.Errorf("Shape = %v, expected [2 2 2]", stacked.Shape)
		}

		expected := []float32{1, 2, 3, 4, 5, 6, 7, 8}
		if !reflect.DeepEqual(stacked.Data, expected) {
			t.Errorf("Data = %v, expected %v", stacked.Data, expected)
		}

		v, _ := stacked.At(1, 0, 1)
		if v != 6 {
			t.Errorf("At(1,0,1) = %f, expected 6", v)
		}
	})

	t.Run("Empty list", func(t *testing.T) {
		if _, err := Stack(nil); err == nil {
			t.Error("Expected error for empty list")
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		c, _ := Zeros([]int{3})
		if _, err := Stack([]*Tensor{a, c}); err == nil {
			t.Error("Expected error for mismatched shapes")
		}
	})

	t.Run("Unstack round trip", func(t *testing.T) {
		stacked, _ := Stack([]*Tensor{a, b})
		parts, err := stacked.Unstack()
		if err != nil {
			t.Fatalf("Unstack failed: %v", err)
		}
		if len(parts) != 2 || !Equal(parts[0], a, 0) || !Equal(parts[1], b, 0) {
			t.Errorf("Unstack did not recover inputs: %v", parts)
		}
	})
}
