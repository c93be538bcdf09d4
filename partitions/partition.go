package partitions

import (
	"fmt"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
)

// AxesMap says which grid axis each operand dimension is split across
type AxesMap struct {
	Rows GridAxis
	Cols GridAxis
}

// DefaultAxes splits operand rows across grid rows and operand columns
// across grid columns.
var DefaultAxes = AxesMap{Rows: AxisY, Cols: AxisX}

// transposed reports whether the column blocks are the outer grid index
func (am AxesMap) transposed() bool {
	return am.Rows == AxisX || am.Cols == AxisY
}

// blocks returns the grid coordinate holding row block and column block
func (am AxesMap) blocks(gridRow, gridCol int) (rowBlock, colBlock int) {
	pick := func(axis GridAxis) int {
		switch axis {
		case AxisX:
			return gridCol
		case AxisY:
			return gridRow
		default:
			return 0
		}
	}
	return pick(am.Rows), pick(am.Cols)
}

// Validate rejects mappings that would split two dimensions along one axis
// or replicate tiles along an unmapped grid axis.
func (am AxesMap) Validate(grid GridShape) error {
	for _, a := range []GridAxis{am.Rows, am.Cols} {
		if a < AxisNone || a > AxisY {
			return errors.Wrapf(fabric.ErrConfiguration, "axes map %v uses unknown axis %v", am, a)
		}
	}
	if am.Rows != AxisNone && am.Rows == am.Cols {
		return errors.Wrapf(fabric.ErrConfiguration, "axes map %v splits rows and columns along the same grid axis", am)
	}
	for _, axis := range []GridAxis{AxisX, AxisY} {
		if grid.Dim(axis) > 1 && am.Rows != axis && am.Cols != axis {
			return errors.Wrapf(fabric.ErrConfiguration,
				"grid %v has %d PEs along %v but no operand dimension is mapped to it", grid, grid.Dim(axis), axis)
		}
	}
	return nil
}

func (am AxesMap) String() string {
	return fmt.Sprintf("{rows:%v cols:%v}", am.Rows, am.Cols)
}

// PETile is the sub-block of an operand owned by one grid cell, stored
// column-major: element (i, j) lives at Data[j*Rows+i].
type PETile struct {
	GridRow, GridCol int
	Rows, Cols       int
	Data             []float32
}

// At returns tile element (i, j)
func (pt PETile) At(i, j int) float32 {
	return pt.Data[j*pt.Rows+i]
}

// TiledOperand is a 2D operand laid out for a full-grid non-streaming
// transfer: tiles concatenated in row-major grid order, each column-major.
// Layout: [PE(0,0) tile][PE(1,0) tile]...[PE(KernelX-1,KernelY-1) tile]
type TiledOperand struct {
	Grid               GridShape
	Axes               AxesMap
	M, N               int // global shape
	TileRows, TileCols int

	// Data is the concatenated per-PE payload
	Data []float32

	// Offsets[p] is where PE p's tile starts in Data; len NumPEs+1
	Offsets []int
}

// TileLen returns the number of elements in each tile
func (t *TiledOperand) TileLen() int {
	return t.TileRows * t.TileCols
}

// Tile returns the tile owned by the PE at (gridRow, gridCol)
func (t *TiledOperand) Tile(gridRow, gridCol int) PETile {
	p := gridRow*t.Grid.KernelX + gridCol
	return PETile{
		GridRow: gridRow,
		GridCol: gridCol,
		Rows:    t.TileRows,
		Cols:    t.TileCols,
		Data:    t.Data[t.Offsets[p]:t.Offsets[p+1]],
	}
}

// Tiles returns all tiles ordered by grid row, then grid column
func (t *TiledOperand) Tiles() []PETile {
	tiles := make([]PETile, 0, t.Grid.NumPEs())
	for r := 0; r < t.Grid.KernelY; r++ {
		for c := 0; c < t.Grid.KernelX; c++ {
			tiles = append(tiles, t.Tile(r, c))
		}
	}
	return tiles
}

// Partition slices a row-major M×N operand into per-PE column-major tiles.
//
// The flat buffer is viewed as (rowBlocks, rowsPerPE, colBlocks, colsPerPE)
// and permuted to (gridRow, gridCol, colsPerPE, rowsPerPE) before being
// flattened. A 1×1 grid goes through the same permutation and yields the
// whole operand in column-major order.
func Partition(op *GlobalOperand, grid GridShape, axes AxesMap) (*TiledOperand, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if op.Rank() != 2 {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "partitioning needs a 2D operand, got shape %v", op.shape)
	}
	if err := axes.Validate(grid); err != nil {
		return nil, err
	}

	m, n := op.shape[0], op.shape[1]
	rowBlocks, colBlocks := grid.Dim(axes.Rows), grid.Dim(axes.Cols)
	if m%rowBlocks != 0 {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "%d rows are not divisible by %d PEs along %v",
			m, rowBlocks, axes.Rows)
	}
	if n%colBlocks != 0 {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "%d columns are not divisible by %d PEs along %v",
			n, colBlocks, axes.Cols)
	}
	rowsPerPE, colsPerPE := m/rowBlocks, n/colBlocks

	blocked, err := op.View().Reshape(rowBlocks, rowsPerPE, colBlocks, colsPerPE)
	if err != nil {
		return nil, err
	}
	order := []int{0, 2, 3, 1}
	if axes.transposed() {
		order = []int{2, 0, 3, 1}
	}
	tiled, err := blocked.Permute(order...)
	if err != nil {
		return nil, err
	}

	t := &TiledOperand{
		Grid:     grid,
		Axes:     axes,
		M:        m,
		N:        n,
		TileRows: rowsPerPE,
		TileCols: colsPerPE,
		Data:     tiled.Ravel(),
		Offsets:  make([]int, grid.NumPEs()+1),
	}
	for p := range t.Offsets {
		t.Offsets[p] = p * t.TileLen()
	}
	return t, nil
}

// ColumnMajor returns a 2D operand's elements in column-major order, the
// layout a single-PE non-streaming transfer carries.
func ColumnMajor(op *GlobalOperand) ([]float32, error) {
	t, err := Partition(op, Grid(1, 1), DefaultAxes)
	if err != nil {
		return nil, err
	}
	return t.Data, nil
}

// Assemble undoes Partition, rebuilding the row-major global operand
func Assemble(t *TiledOperand) (*GlobalOperand, error) {
	if want := t.Grid.NumPEs() * t.TileLen(); len(t.Data) != want || t.M*t.N != want {
		return nil, errors.Wrapf(fabric.ErrSizeMismatch, "tiled operand holds %d elements, %v grid of %dx%d tiles needs %d",
			len(t.Data), t.Grid, t.TileRows, t.TileCols, want)
	}
	out := make([]float32, t.M*t.N)
	for _, tile := range t.Tiles() {
		rb, cb := t.Axes.blocks(tile.GridRow, tile.GridCol)
		for j := 0; j < tile.Cols; j++ {
			for i := 0; i < tile.Rows; i++ {
				out[(rb*t.TileRows+i)*t.N+cb*t.TileCols+j] = tile.At(i, j)
			}
		}
	}
	return &GlobalOperand{shape: []int{t.M, t.N}, data: out}, nil
}

// SplitVector cuts v into parts equal chunks
func SplitVector(v []float32, parts int) ([][]float32, error) {
	if parts <= 0 {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "cannot split into %d parts", parts)
	}
	if len(v)%parts != 0 {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "vector of length %d is not divisible into %d chunks",
			len(v), parts)
	}
	size := len(v) / parts
	chunks := make([][]float32, parts)
	for i := range chunks {
		chunks[i] = v[i*size : (i+1)*size]
	}
	return chunks, nil
}
