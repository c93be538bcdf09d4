package partitions

import (
	"fmt"

	"github.com/pkg/errors"
)

// StridedView is a read-only n-dimensional view over a flat float32 buffer.
// Reshape and Permute return new views without copying; Ravel materializes
// the view in logical row-major order.
type StridedView struct {
	data    []float32
	offset  int
	shape   []int
	strides []int
}

// NewView returns a contiguous row-major view of data with the given shape
func NewView(data []float32, shape ...int) (*StridedView, error) {
	total := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("view dimension %d must be positive in shape %v", d, shape)
		}
		total *= d
	}
	if total != len(data) {
		return nil, errors.Errorf("shape %v holds %d elements, buffer has %d", shape, total, len(data))
	}
	return &StridedView{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: rowMajorStrides(shape),
	}, nil
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Shape returns a copy of the view's dimensions
func (v *StridedView) Shape() []int {
	return append([]int(nil), v.shape...)
}

// Strides returns a copy of the element strides per dimension
func (v *StridedView) Strides() []int {
	return append([]int(nil), v.strides...)
}

// Len returns the number of elements addressed by the view
func (v *StridedView) Len() int {
	n := 1
	for _, d := range v.shape {
		n *= d
	}
	return n
}

// IsContiguous reports whether the view is in plain row-major order
func (v *StridedView) IsContiguous() bool {
	want := rowMajorStrides(v.shape)
	for i := range want {
		if v.shape[i] > 1 && v.strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Reshape reinterprets a contiguous view with a new shape of equal size
func (v *StridedView) Reshape(shape ...int) (*StridedView, error) {
	if !v.IsContiguous() {
		return nil, errors.Errorf("cannot reshape non-contiguous view %v, ravel it first", v.shape)
	}
	total := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("reshape dimension %d must be positive in %v", d, shape)
		}
		total *= d
	}
	if total != v.Len() {
		return nil, errors.Errorf("cannot reshape %v (%d elements) into %v", v.shape, v.Len(), shape)
	}
	return &StridedView{
		data:    v.data,
		offset:  v.offset,
		shape:   append([]int(nil), shape...),
		strides: rowMajorStrides(shape),
	}, nil
}

// Permute reorders the view's axes: result axis i is source axis axes[i]
func (v *StridedView) Permute(axes ...int) (*StridedView, error) {
	if len(axes) != len(v.shape) {
		return nil, errors.Errorf("permutation %v does not match rank %d", axes, len(v.shape))
	}
	seen := make([]bool, len(axes))
	shape := make([]int, len(axes))
	strides := make([]int, len(axes))
	for i, a := range axes {
		if a < 0 || a >= len(axes) || seen[a] {
			return nil, errors.Errorf("%v is not a permutation of %d axes", axes, len(axes))
		}
		seen[a] = true
		shape[i] = v.shape[a]
		strides[i] = v.strides[a]
	}
	return &StridedView{data: v.data, offset: v.offset, shape: shape, strides: strides}, nil
}

// At returns the element at the given multi-index; it panics when the
// index does not address an element of the view.
func (v *StridedView) At(idx ...int) float32 {
	if len(idx) != len(v.shape) {
		panic(fmt.Sprintf("index %v does not match rank %d", idx, len(v.shape)))
	}
	pos := v.offset
	for i, x := range idx {
		if x < 0 || x >= v.shape[i] {
			panic(fmt.Sprintf("index %v out of range for shape %v", idx, v.shape))
		}
		pos += x * v.strides[i]
	}
	return v.data[pos]
}

// Ravel copies the view into a new buffer in logical row-major order
func (v *StridedView) Ravel() []float32 {
	out := make([]float32, v.Len())
	if len(out) == 0 {
		return out
	}
	idx := make([]int, len(v.shape))
	pos := v.offset
	for k := range out {
		out[k] = v.data[pos]
		// advance the odometer, last axis fastest
		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			pos += v.strides[a]
			if idx[a] < v.shape[a] {
				break
			}
			pos -= idx[a] * v.strides[a]
			idx[a] = 0
		}
	}
	return out
}
