package partitions

import (
	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// GlobalOperand is a dense float32 array in row-major order as produced by
// the host. It copies its input and is read-only afterwards.
type GlobalOperand struct {
	shape []int
	data  []float32
}

// NewGlobalOperand wraps a copy of data with the given shape
func NewGlobalOperand(data []float32, shape ...int) (*GlobalOperand, error) {
	if len(shape) == 0 {
		return nil, errors.Wrap(fabric.ErrShapeMismatch, "operand needs at least one dimension")
	}
	total := 1
	for i, d := range shape {
		if d <= 0 {
			return nil, errors.Wrapf(fabric.ErrShapeMismatch, "dimension %d has extent %d", i, d)
		}
		total *= d
	}
	if total != len(data) {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "shape %v needs %d elements, got %d",
			shape, total, len(data))
	}
	op := &GlobalOperand{
		shape: append([]int(nil), shape...),
		data:  make([]float32, len(data)),
	}
	copy(op.data, data)
	return op, nil
}

// OperandFromMatrix converts a gonum matrix into a row-major float32 operand
func OperandFromMatrix(m mat.Matrix) *GlobalOperand {
	rows, cols := m.Dims()
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = float32(m.At(i, j))
		}
	}
	return &GlobalOperand{shape: []int{rows, cols}, data: data}
}

// Arange returns an operand holding 0, 1, 2, ... in row-major order
func Arange(shape ...int) (*GlobalOperand, error) {
	total := 1
	for _, d := range shape {
		total *= d
	}
	if total < 0 {
		total = 0
	}
	data := make([]float32, total)
	for i := range data {
		data[i] = float32(i)
	}
	return NewGlobalOperand(data, shape...)
}

// Full returns an operand with every element set to v
func Full(v float32, shape ...int) (*GlobalOperand, error) {
	total := 1
	for _, d := range shape {
		total *= d
	}
	if total < 0 {
		total = 0
	}
	data := make([]float32, total)
	for i := range data {
		data[i] = v
	}
	return NewGlobalOperand(data, shape...)
}

// Shape returns a copy of the dimensions
func (op *GlobalOperand) Shape() []int {
	return append([]int(nil), op.shape...)
}

// Rank returns the number of dimensions
func (op *GlobalOperand) Rank() int {
	return len(op.shape)
}

// Len returns the total element count
func (op *GlobalOperand) Len() int {
	return len(op.data)
}

// Data returns a copy of the row-major elements
func (op *GlobalOperand) Data() []float32 {
	return append([]float32(nil), op.data...)
}

// At returns the element at the given multi-index
func (op *GlobalOperand) At(idx ...int) float32 {
	return op.View().At(idx...)
}

// Matrix returns the operand as a gonum matrix. Vectors become a single column.
func (op *GlobalOperand) Matrix() *mat.Dense {
	rows, cols := op.shape[0], 1
	if len(op.shape) > 1 {
		cols = len(op.data) / rows
	}
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, float64(op.data[i*cols+j]))
		}
	}
	return m
}

// View returns a strided view over the operand's storage. The view never
// writes to its backing array.
func (op *GlobalOperand) View() *StridedView {
	v, _ := NewView(op.data, op.shape...)
	return v
}
