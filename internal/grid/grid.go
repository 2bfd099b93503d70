// Package grid provides contiguous, row-major 2D buffers for the hydrology
// stages. Allocation is localized in memory the way
// structures.Create2dFloat64Array does in the teacher repo, generalized
// with Go generics so one helper serves float32/float64/byte/int64 grids.
package grid

// New allocates a rows*columns buffer sliced into row views, guaranteeing
// the backing array is one contiguous allocation.
func New[T any](rows, columns int) [][]T {
	a := make([][]T, rows)
	backing := make([]T, rows*columns)
	for i := range a {
		a[i] = backing[i*columns : (i+1)*columns]
	}
	return a
}

// Fill sets every cell of a grid built with New to value.
func Fill[T any](g [][]T, value T) {
	for _, row := range g {
		for i := range row {
			row[i] = value
		}
	}
}

// DRow and DCol list the row/column deltas to the 8 neighbours in CCW order
// starting at East, matching the flow-direction code table in §3 of the
// specification: 0=E,1=NE,2=N,3=NW,4=W,5=SW,6=S,7=SE.
var (
	DRow = [8]int{0, -1, -1, -1, 0, 1, 1, 1}
	DCol = [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	// Dist is the Euclidean step distance for each of the 8 directions,
	// in units of cell side length (1 for cardinal, sqrt(2) for diagonal).
	Dist = [8]float64{1, 1.4142135623730951, 1, 1.4142135623730951, 1, 1.4142135623730951, 1, 1.4142135623730951}
	// Back gives the direction code that points back the way we came:
	// Back[d] is the opposite of d.
	Back = [8]byte{4, 5, 6, 7, 0, 1, 2, 3}
)

// InBounds reports whether (row,col) is within a rows x columns raster.
func InBounds(row, col, rows, columns int) bool {
	return row >= 0 && row < rows && col >= 0 && col < columns
}
