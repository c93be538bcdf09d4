package builder

import (
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
)

// New builds and validates a transfer from explicit parts
func New(dir fabric.Direction, target fabric.Target, region fabric.Region,
	elementsPerPE int, streaming bool, buffer []float32) (*Transfer, error) {
	t := &Transfer{
		TransferDescriptor: TransferDescriptor{
			Name:          target.String(),
			Direction:     dir,
			Target:        target,
			Region:        region,
			ElementsPerPE: elementsPerPE,
			Streaming:     streaming,
		},
		Buffer: buffer,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Scatter moves a tiled operand to every PE of its grid in one
// non-streaming transfer; each PE receives one contiguous tile.
func Scatter(target fabric.Target, tiled *partitions.TiledOperand) (*Transfer, error) {
	return New(fabric.HostToDevice, target, tiled.Grid.Full(), tiled.TileLen(), false, tiled.Data)
}

// Receive reads an equal-sized block from every PE of grid into dst without
// streaming; dst ends up in the same per-PE layout Scatter sends.
func Receive(target fabric.Target, dst []float32, grid partitions.GridShape) (*Transfer, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if len(dst)%grid.NumPEs() != 0 {
		return nil, errors.Wrapf(fabric.ErrSizeMismatch, "%d elements cannot be split evenly over %d PEs",
			len(dst), grid.NumPEs())
	}
	return New(fabric.DeviceToHost, target, grid.Full(), len(dst)/grid.NumPEs(), false, dst)
}

// edgeRegion returns the region spanning axis completely and pinned to the
// given edge index along the other axis.
func edgeRegion(grid partitions.GridShape, axis partitions.GridAxis, edge int) (fabric.Region, error) {
	if err := grid.Validate(); err != nil {
		return fabric.Region{}, err
	}
	switch axis {
	case partitions.AxisX:
		if edge < 0 || edge >= grid.KernelY {
			return fabric.Region{}, errors.Wrapf(fabric.ErrConfiguration, "row %d is outside grid %v", edge, grid)
		}
		return fabric.Rect(0, edge, grid.KernelX, 1), nil
	case partitions.AxisY:
		if edge < 0 || edge >= grid.KernelX {
			return fabric.Region{}, errors.Wrapf(fabric.ErrConfiguration, "column %d is outside grid %v", edge, grid)
		}
		return fabric.Rect(edge, 0, 1, grid.KernelY), nil
	default:
		return fabric.Region{}, errors.Wrapf(fabric.ErrConfiguration, "vectors must be distributed along x or y, not %v", axis)
	}
}

func perPE(n int, grid partitions.GridShape, axis partitions.GridAxis) (int, error) {
	parts := grid.Dim(axis)
	if n%parts != 0 {
		return 0, errors.Wrapf(fabric.ErrSizeMismatch, "vector of length %d is not divisible over %d PEs along %v",
			n, parts, axis)
	}
	return n / parts, nil
}

// Stream distributes v along one grid axis through a streaming channel.
// Along x the region is row edge, all columns; along y it is column edge,
// all rows. Each PE in the region receives len(v)/gridDim(axis) elements,
// PE order following the region's row-major order.
func Stream(target fabric.Target, v []float32, grid partitions.GridShape,
	axis partitions.GridAxis, edge int) (*Transfer, error) {
	region, err := edgeRegion(grid, axis, edge)
	if err != nil {
		return nil, err
	}
	n, err := perPE(len(v), grid, axis)
	if err != nil {
		return nil, err
	}
	return New(fabric.HostToDevice, target, region, n, true, v)
}

// Gather streams results back from the PEs along one grid edge. Which edge
// holds finished results is a property of the device kernel (a row
// reduction finalizes on the last column) and is supplied by the caller.
func Gather(target fabric.Target, dst []float32, grid partitions.GridShape,
	axis partitions.GridAxis, edge int) (*Transfer, error) {
	region, err := edgeRegion(grid, axis, edge)
	if err != nil {
		return nil, err
	}
	n, err := perPE(len(dst), grid, axis)
	if err != nil {
		return nil, err
	}
	return New(fabric.DeviceToHost, target, region, n, true, dst)
}
