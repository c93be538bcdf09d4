package fabric

import "fmt"

// PE addresses one processing element by grid column and row.
type PE struct {
	Col, Row int
}

func (p PE) String() string {
	return fmt.Sprintf("PE(%d,%d)", p.Col, p.Row)
}

// Region is a rectangle of PEs in grid coordinates. (0,0,1,1) addresses a
// single PE, (0,0,kernelX,kernelY) addresses a whole kernel grid.
type Region struct {
	Col, Row   int // origin
	Cols, Rows int // extent
}

// Rect builds a region from the (col, row, cols, rows) tuple used by the
// runtime's memcpy calls.
func Rect(col, row, cols, rows int) Region {
	return Region{Col: col, Row: row, Cols: cols, Rows: rows}
}

// Single returns the region covering PE (0,0) only.
func Single() Region {
	return Region{Cols: 1, Rows: 1}
}

// Size returns the number of PEs in the region.
func (r Region) Size() int {
	if r.Empty() {
		return 0
	}
	return r.Cols * r.Rows
}

// Empty reports whether the region addresses no PE at all.
func (r Region) Empty() bool {
	return r.Cols <= 0 || r.Rows <= 0
}

// Contains reports whether the PE at (col, row) belongs to the region.
func (r Region) Contains(col, row int) bool {
	return col >= r.Col && col < r.Col+r.Cols &&
		row >= r.Row && row < r.Row+r.Rows
}

// Within reports whether the region lies inside a cols×rows grid.
func (r Region) Within(cols, rows int) bool {
	return !r.Empty() && r.Col >= 0 && r.Row >= 0 &&
		r.Col+r.Cols <= cols && r.Row+r.Rows <= rows
}

// PEs lists the member PEs in the order host buffers are laid out: row by
// row, column fastest.
func (r Region) PEs() []PE {
	pes := make([]PE, 0, r.Size())
	for row := r.Row; row < r.Row+r.Rows; row++ {
		for col := r.Col; col < r.Col+r.Cols; col++ {
			pes = append(pes, PE{Col: col, Row: row})
		}
	}
	return pes
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.Col, r.Row, r.Cols, r.Rows)
}
