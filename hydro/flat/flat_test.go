package flat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/hydro/d8"
	"github.com/jblindsay/terraflow/raster"
)

var dr = [8]int{0, -1, -1, -1, 0, 1, 1, 1}
var dc = [8]int{1, 1, 0, -1, -1, -1, 0, 1}

func computeD8(t *testing.T, rows [][]float64, nodata float64) (*raster.Mem, *raster.Mem) {
	t.Helper()
	src := raster.FromRows(rows, nodata)
	dir := raster.NewMem(src.Width(), src.Height(), raster.Byte, nodata, src.GeoTransform(), src.CRS())
	require.NoError(t, d8.Run(context.Background(), src, dir, d8.Options{}, nil))
	return src, dir
}

// reachesLowerOrNodata walks the direction raster from (r,c) and fails the
// test if it cycles or never reaches lower terrain / nodata within bounds.
func reachesLowerOrNodata(t *testing.T, src, dir *raster.Mem, r, c int) {
	t.Helper()
	z0 := src.ValueF32(r, c)
	seen := map[[2]int]bool{}
	for steps := 0; steps < src.Width()*src.Height()+1; steps++ {
		if seen[[2]int{r, c}] {
			t.Fatalf("cycle detected starting at (%d,%d)", r, c)
		}
		seen[[2]int{r, c}] = true
		code := dir.ValueByte(r, c)
		if code >= 8 {
			t.Fatalf("cell (%d,%d) still undefined/nodata mid-path", r, c)
		}
		nr, nc := r+dr[code], c+dc[code]
		if nr < 0 || nr >= src.Height() || nc < 0 || nc >= src.Width() {
			return
		}
		if src.ValueF32(nr, nc) == float32(-1) || src.ValueF32(nr, nc) < z0 {
			return
		}
		r, c = nr, nc
	}
	t.Fatalf("path from original cell never reached lower terrain or nodata")
}

func TestFlatResolutionLeavesNoUndefinedCodes(t *testing.T) {
	rows := [][]float64{
		{9, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 8},
	}
	src, dir := computeD8(t, rows, -1)

	out := raster.NewMem(src.Width(), src.Height(), raster.Byte, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), src, dir, out, Options{}, nil))

	// Columns 1..10 are the flat plateau plus its two real-direction rim
	// cells; every one of them must now carry a resolved code. Columns 0
	// and 11 are single-cell pits with no same-elevation escape (their
	// only neighbour is higher ground) and are left undefined here, for
	// breach/fill upstream to handle.
	for c := 1; c < src.Width()-1; c++ {
		require.Less(t, out.ValueByte(0, c), byte(8), "cell (0,%d) left undefined after flat resolution", c)
	}
}

func TestFlatResolutionReachesLowerTerrain(t *testing.T) {
	rows := [][]float64{
		{9, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 8},
	}
	src, dir := computeD8(t, rows, -1)
	out := raster.NewMem(src.Width(), src.Height(), raster.Byte, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), src, dir, out, Options{}, nil))

	for c := 1; c < src.Width()-1; c++ {
		reachesLowerOrNodata(t, src, out, 0, c)
	}
}

func TestFlatResolutionSplitsTowardNearestEnd(t *testing.T) {
	rows := [][]float64{
		{9, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 8},
	}
	src, dir := computeD8(t, rows, -1)
	out := raster.NewMem(src.Width(), src.Height(), raster.Byte, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), src, dir, out, Options{}, nil))

	// col 2 is closer (in hop count) to the left end (col 0, via col 1)
	// than to the right end, so it must drain west.
	require.EqualValues(t, 4, out.ValueByte(0, 2), "near-left flat cell should drain west")
	// col 9 is closer to the right end.
	require.EqualValues(t, 0, out.ValueByte(0, 9), "near-right flat cell should drain east")
}

func TestFlatResolutionPond(t *testing.T) {
	// A flat entirely enclosed by higher terrain (no low edge at all) has
	// nowhere to drain; code-8 cells here are a pre-existing pit, left for
	// breach/fill, not a flat-resolution defect.
	rows := [][]float64{
		{9, 9, 9},
		{9, 5, 9},
		{9, 9, 9},
	}
	src, dir := computeD8(t, rows, -1)
	out := raster.NewMem(src.Width(), src.Height(), raster.Byte, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), src, dir, out, Options{}, nil))

	require.EqualValues(t, 8, out.ValueByte(1, 1), "an isolated pit has no flat neighbors and stays undefined for breach/fill")
}
