package basin

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
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

func TestBasinAllBasinsLabelsWholeChain(t *testing.T) {
	dir := byteMemFromDirs([][]byte{{0, 0, 0, 6}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	g, err := Run(context.Background(), dir, nil, nil, dir.GeoTransform(), out, Options{AllBasins: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, g)

	for c := 0; c < 4; c++ {
		require.EqualValues(t, 1, out.ValueI64(0, c), "every cell in the single reach belongs to the one basin")
	}
}

func TestBasinTwoAdjacentBasins(t *testing.T) {
	// cols 0-2 drain to the outlet at col 2; cols 3-5 drain to the outlet
	// at col 5. The two basins share a boundary between col 2 and col 3.
	dir := byteMemFromDirs([][]byte{{0, 0, 6, 0, 0, 6}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())

	g, err := Run(context.Background(), dir, nil, nil, dir.GeoTransform(), out, Options{AllBasins: true}, nil)
	require.NoError(t, err)

	for c := 0; c < 3; c++ {
		require.EqualValues(t, 1, out.ValueI64(0, c))
	}
	for c := 3; c < 6; c++ {
		require.EqualValues(t, 2, out.ValueI64(0, c))
	}

	require.True(t, g.HasEdge("1", "2"), "the two basins share a boundary and must be linked in the adjacency graph")
}

func TestBasinSnapsDrainagePointToAccumulationMax(t *testing.T) {
	dir := byteMemFromDirs([][]byte{{0, 0, 0, 6}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())
	// Accumulation grows downstream; the true outlet at col 3 carries the
	// largest value, so a point placed one cell upstream of it must still
	// snap onto col 3, not onto its own nearer cell.
	acc := int64MemFromRows([][]int64{{1, 2, 3, 4}})

	sink := raster.NewMemVector()
	x, y := dir.GeoTransform().CellCenter(0, 2) // one cell off from the accumulation maximum at col 3
	sink.Points["drainage"] = []raster.PointFeature{{FID: 42, Pt: orb.Point{x, y}}}

	_, err := Run(context.Background(), dir, sink, acc, dir.GeoTransform(), out, Options{SnapRadius: 2, Layer: "drainage"}, nil)
	require.NoError(t, err)

	for c := 0; c < 4; c++ {
		require.EqualValues(t, 42, out.ValueI64(0, c), "snapped point's FID becomes the basin ID for the whole reach")
	}
}

func TestBasinDropsPointWithNoValidAccumulationInRadius(t *testing.T) {
	dir := byteMemFromDirs([][]byte{{0, 0, 0, 6}})
	out := raster.NewMem(dir.Width(), dir.Height(), raster.Int64, -1, dir.GeoTransform(), dir.CRS())
	// The point's own cell (col 0) carries nodata accumulation, and a
	// radius of 0 means only that cell is searched: nothing to snap to.
	acc := int64MemFromRows([][]int64{{-1, 5, 6, 7}})

	sink := raster.NewMemVector()
	x, y := dir.GeoTransform().CellCenter(0, 0)
	sink.Points["drainage"] = []raster.PointFeature{{FID: 7, Pt: orb.Point{x, y}}}

	var droppedCount, droppedTotal int
	progress := func(stage string, done, total int) {
		if stage == "basin.dropped_points" {
			droppedCount, droppedTotal = done, total
		}
	}

	_, err := Run(context.Background(), dir, sink, acc, dir.GeoTransform(), out, Options{SnapRadius: 0, Layer: "drainage"}, progress)
	require.NoError(t, err)

	for c := 0; c < 4; c++ {
		require.EqualValues(t, -1, out.ValueI64(0, c), "no valid accumulation cell within radius: the raster stays nodata")
	}
	require.Equal(t, 1, droppedCount, "the dropped point must be reported via progress")
	require.Equal(t, 1, droppedTotal)
}
