package accum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

// byteMemFromDirs builds a direction raster from a row-major code grid,
// the way the concrete scenarios in spec §8 are written.
func byteMemFromDirs(codes [][]byte) *raster.Mem {
	h := len(codes)
	w := 0
	if h > 0 {
		w = len(codes[0])
	}
	m := raster.NewMem(w, h, raster.Byte, -1, raster.GeoTransform{X0: 0, DX: 1, Y0: 0, DY: -1}, raster.CRS{IsProjected: true})
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			m.SetByte(r, c, codes[r][c])
		}
	}
	return m
}

func TestAccumulationConvergingChain(t *testing.T) {
	// A 1x3 chain: col0 -> col1 flowing east, then into a nodata sink at
	// col2; each step adds one cell's contribution.
	codes := [][]byte{
		{0, 0, 9}, // E, E, nodata(sink, no outgoing)
	}
	dir := byteMemFromDirs(codes)
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	require.NoError(t, Run(context.Background(), dir, out, nil, Options{}, nil))

	require.EqualValues(t, 1, out.ValueI64(0, 0), "headwater cell accumulates just itself")
	require.EqualValues(t, 2, out.ValueI64(0, 1), "second cell receives the first cell's contribution")
	require.EqualValues(t, -1, out.ValueI64(0, 2), "nodata cell is excluded from the graph")
}

func TestAccumulationConfluence(t *testing.T) {
	// Three headwaters converge on one cell, which then exits south (off
	// raster): (0,0) SE, (0,1) S and (0,2) SW all drain into (1,1).
	codes := [][]byte{
		{7, 8, 5}, // SE, placeholder replaced below, SW
		{6, 6, 6}, // all south (off-raster exit)
	}
	// (0,1) drains south into (1,1) as well.
	codes[0][1] = 6
	dir := byteMemFromDirs(codes)
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	require.NoError(t, Run(context.Background(), dir, out, nil, Options{}, nil))

	// (0,0) SE -> (1,1); (0,1) S -> (1,1); (0,2) SW -> (1,1): three
	// headwaters converge on (1,1).
	require.EqualValues(t, 1, out.ValueI64(0, 0))
	require.EqualValues(t, 1, out.ValueI64(0, 1))
	require.EqualValues(t, 1, out.ValueI64(0, 2))
	require.EqualValues(t, 4, out.ValueI64(1, 1), "confluence cell accumulates itself plus all three upstream contributions")
}

func TestAccumulationRejectsUndefinedDirection(t *testing.T) {
	codes := [][]byte{
		{8, 0},
		{6, 6},
	}
	dir := byteMemFromDirs(codes)
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	err := Run(context.Background(), dir, out, nil, Options{}, nil)
	require.Error(t, err)
	kind, ok := herr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, herr.InvalidInput, kind)
}

func TestAccumulationRejectsCycle(t *testing.T) {
	// (0,0) -> E -> (0,1) -> W -> (0,0): a two-cell cycle.
	codes := [][]byte{
		{0, 4},
	}
	dir := byteMemFromDirs(codes)
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	err := Run(context.Background(), dir, out, nil, Options{}, nil)
	require.Error(t, err)
	kind, ok := herr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, herr.InvalidInput, kind)
}

func TestAccumulationTiledMatchesSingleTile(t *testing.T) {
	// A 6x6 raster where every cell flows east along its row into column 5,
	// then south to the corner: a tree with a confluence at every column-5
	// cell, split across 2x2 tiles to exercise the perimeter graph (cross
	// edges where a row's eastward run crosses a tile boundary, and
	// internal edges where column 5's vertical run re-enters a tile from
	// the one above it).
	codes := make([][]byte, 6)
	for r := range codes {
		codes[r] = make([]byte, 6)
		for c := range codes[r] {
			switch {
			case c < 5:
				codes[r][c] = 0 // east
			case r < 5:
				codes[r][c] = 6 // south, last column
			default:
				codes[r][c] = 6 // off-raster exit at the corner
			}
		}
	}
	dir := byteMemFromDirs(codes)

	single := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())
	require.NoError(t, Run(context.Background(), dir, single, nil, Options{ChunkSize: 0}, nil))

	tiled := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())
	require.NoError(t, Run(context.Background(), dir, tiled, nil, Options{ChunkSize: 3}, nil))

	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			require.Equal(t, single.ValueI64(r, c), tiled.ValueI64(r, c), "mismatch at (%d,%d)", r, c)
		}
	}
}
