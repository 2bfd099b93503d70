package flowlen

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/raster"
)

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

func int64MemFromRows(rows [][]int64) *raster.Mem {
	h := len(rows)
	w := 0
	if h > 0 {
		w = len(rows[0])
	}
	m := raster.NewMem(w, h, raster.Int64, -1, raster.GeoTransform{X0: 0, DX: 1, Y0: 0, DY: -1}, raster.CRS{IsProjected: true})
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			_ = m.WriteWindowInt64(context.Background(), raster.Window{Row: r, Col: c, Rows: 1, Cols: 1}, &raster.Int64Buffer{Rows: 1, Cols: 1, Data: []int64{rows[r][c]}})
		}
	}
	return m
}

func TestFlowLengthSimpleChain(t *testing.T) {
	// A straight 1x4 east-flowing chain with unit cells: the outlet is
	// length 0, and each cell farther upstream is one cell-width longer.
	dir := byteMemFromDirs([][]byte{{0, 0, 0, 8}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Float32, -1, dir.GeoTransform(), dir.CRS())

	require.NoError(t, Run(context.Background(), dir, nil, dir.GeoTransform(), dir.CRS(), out, nil, Options{}, nil))

	require.InDelta(t, 3, out.ValueF32(0, 0), 1e-9, "headwater is farthest from the outlet")
	require.InDelta(t, 2, out.ValueF32(0, 1), 1e-9)
	require.InDelta(t, 1, out.ValueF32(0, 2), 1e-9)
	require.InDelta(t, 0, out.ValueF32(0, 3), 1e-9, "outlet cell has length 0")
}

func TestFlowLengthTwoArmsToSameOutlet(t *testing.T) {
	// Two independent arms drain to the same outlet at (2,0): a straight
	// 2-step southward arm down column 0, and a 1-step-plus-diagonal arm
	// down column 1 that cuts in via SW. Each arm's upstream distance
	// must accumulate from the outlet (0) using its own step geometry,
	// so the diagonal arm's headwater ends up farther (1+sqrt(2)) than
	// the straight arm's (2), even though both are two D8 steps away.
	dir := byteMemFromDirs([][]byte{
		{6, 6},
		{6, 5},
		{8, 9},
	})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Float32, -1, dir.GeoTransform(), dir.CRS())

	require.NoError(t, Run(context.Background(), dir, nil, dir.GeoTransform(), dir.CRS(), out, nil, Options{}, nil))

	require.InDelta(t, 0, out.ValueF32(2, 0), 1e-9, "outlet cell has length 0")
	require.InDelta(t, 1, out.ValueF32(1, 0), 1e-9, "one orthogonal step upstream")
	require.InDelta(t, math.Sqrt2, out.ValueF32(1, 1), 1e-6, "one diagonal step upstream")
	require.InDelta(t, 2, out.ValueF32(0, 0), 1e-9, "two orthogonal steps upstream")
	require.InDelta(t, 1+math.Sqrt2, out.ValueF32(0, 1), 1e-6, "orthogonal step onto the diagonal arm")
	require.EqualValues(t, NoData, out.ValueF32(2, 1), "nodata cell stays nodata")
}

func TestFlowLengthTiledMatchesSingleTile(t *testing.T) {
	dir := byteMemFromDirs([][]byte{
		{0, 0, 6, 9},
		{9, 9, 0, 6},
		{9, 9, 9, 6},
		{9, 9, 9, 8},
	})
	single := raster.NewMem(dir.Width(), dir.Height(), raster.Float32, -1, dir.GeoTransform(), dir.CRS())
	tiled := raster.NewMem(dir.Width(), dir.Height(), raster.Float32, -1, dir.GeoTransform(), dir.CRS())

	require.NoError(t, Run(context.Background(), dir, nil, dir.GeoTransform(), dir.CRS(), single, nil, Options{ChunkSize: 0}, nil))
	require.NoError(t, Run(context.Background(), dir, nil, dir.GeoTransform(), dir.CRS(), tiled, nil, Options{ChunkSize: 2}, nil))

	for r := 0; r < dir.Height(); r++ {
		for c := 0; c < dir.Width(); c++ {
			require.InDelta(t, single.ValueF32(r, c), tiled.ValueF32(r, c), 1e-9)
		}
	}
}

func TestFlowLengthWritesLongestPathPerBasin(t *testing.T) {
	dir := byteMemFromDirs([][]byte{{0, 0, 0, 8}})
	basins := int64MemFromRows([][]int64{{1, 1, 1, 1}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Float32, -1, dir.GeoTransform(), dir.CRS())
	sink := raster.NewMemVector()

	require.NoError(t, Run(context.Background(), dir, basins, dir.GeoTransform(), dir.CRS(), out, sink, Options{}, nil))

	require.Len(t, sink.LongestPaths, 1)
	path := sink.LongestPaths[0]
	require.EqualValues(t, 1, path.BasinID)
	require.InDelta(t, 3, path.Length, 1e-9)
	require.Len(t, path.Line, 4, "one vertex per cell from headwater to outlet")
}
