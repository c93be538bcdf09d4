package partitions

import (
	"fmt"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
)

// GridAxis names one axis of the PE grid
type GridAxis int

const (
	AxisNone GridAxis = iota // dimension not distributed
	AxisX                    // grid columns, kernel_x_dim
	AxisY                    // grid rows, kernel_y_dim
)

func (a GridAxis) String() string {
	switch a {
	case AxisNone:
		return "none"
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return fmt.Sprintf("GridAxis(%d)", int(a))
	}
}

// GridShape is the PE mesh a computation is distributed over
type GridShape struct {
	KernelX int // columns
	KernelY int // rows
}

// Grid returns a GridShape with kernelX columns and kernelY rows
func Grid(kernelX, kernelY int) GridShape {
	return GridShape{KernelX: kernelX, KernelY: kernelY}
}

// Validate checks both grid dimensions are positive
func (g GridShape) Validate() error {
	if g.KernelX <= 0 || g.KernelY <= 0 {
		return errors.Wrapf(fabric.ErrConfiguration, "grid %v must have positive dimensions", g)
	}
	return nil
}

// IsZero reports whether the grid was left unset
func (g GridShape) IsZero() bool {
	return g.KernelX == 0 && g.KernelY == 0
}

// NumPEs returns the number of PEs in the grid
func (g GridShape) NumPEs() int {
	return g.KernelX * g.KernelY
}

// Dim returns the extent of the grid along axis; AxisNone has extent 1
func (g GridShape) Dim(axis GridAxis) int {
	switch axis {
	case AxisX:
		return g.KernelX
	case AxisY:
		return g.KernelY
	default:
		return 1
	}
}

// Full returns the region addressing every PE of the grid
func (g GridShape) Full() fabric.Region {
	return fabric.Rect(0, 0, g.KernelX, g.KernelY)
}

// CheckDivisible enforces M % kernel_y_dim == 0 and N % kernel_x_dim == 0
// for an M×N operand distributed rows→Y, columns→X.
func (g GridShape) CheckDivisible(m, n int) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if m%g.KernelY != 0 {
		return errors.Wrapf(fabric.ErrShapeMismatch, "M=%d is not divisible by kernel_y_dim=%d", m, g.KernelY)
	}
	if n%g.KernelX != 0 {
		return errors.Wrapf(fabric.ErrShapeMismatch, "N=%d is not divisible by kernel_x_dim=%d", n, g.KernelX)
	}
	return nil
}

func (g GridShape) String() string {
	return fmt.Sprintf("%dx%d", g.KernelX, g.KernelY)
}
