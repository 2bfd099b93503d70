package streams

import (
	"context"
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
			m.WriteWindowInt64(context.Background(), raster.Window{Row: r, Col: c, Rows: 1, Cols: 1}, &raster.Int64Buffer{Rows: 1, Cols: 1, Data: []int64{rows[r][c]}})
		}
	}
	return m
}

// TestStreamExtractionSimpleChain builds a single east-flowing headwater
// reach that drains off the raster: one source node, one outlet, and a
// single polyline connecting them.
func TestStreamExtractionSimpleChain(t *testing.T) {
	dir := byteMemFromDirs([][]byte{
		{0, 0, 0, 6}, // E,E,E, then south off-raster
	})
	acc := int64MemFromRows([][]int64{
		{1, 2, 3, 4},
	})

	var sink raster.MemVector
	err := Run(context.Background(), dir, acc, dir.GeoTransform(), &sink, Options{Threshold: 1}, nil)
	require.NoError(t, err)

	require.Len(t, sink.Streams, 1)
	require.Len(t, sink.Streams[0].Line, 4, "one polyline spanning every stream cell in the reach")

	require.Len(t, sink.Junctions, 2)
	var sawSource, sawOutlet bool
	for _, j := range sink.Junctions {
		switch j.Type {
		case raster.JunctionSource:
			sawSource = true
		case raster.JunctionOutlet:
			sawOutlet = true
		}
	}
	require.True(t, sawSource, "head of the reach is a source")
	require.True(t, sawOutlet, "the raster-edge exit is an outlet")
}

// TestStreamExtractionConfluenceSplitsReaches verifies that a confluence
// cell splits the network into separate upstream/downstream polylines that
// share the confluence point.
func TestStreamExtractionConfluenceSplitsReaches(t *testing.T) {
	// (0,0) SE and (0,2) SW both drain into (1,1); (1,1) then drains south
	// into (2,1), which exits off-raster. The (0,1)/(1,0)/(1,2)/(2,0)/(2,2)
	// cells are held below threshold so they never enter the network.
	dir := byteMemFromDirs([][]byte{
		{7, 0, 5},
		{0, 6, 0},
		{0, 6, 0},
	})
	acc := int64MemFromRows([][]int64{
		{1, -1, 1},
		{-1, 2, -1},
		{-1, 3, -1},
	})

	var sink raster.MemVector
	err := Run(context.Background(), dir, acc, dir.GeoTransform(), &sink, Options{Threshold: 1}, nil)
	require.NoError(t, err)

	// Two headwater reaches (each a single step into the confluence) and
	// one outgoing reach from the confluence to the raster edge.
	require.Len(t, sink.Streams, 3)

	var confluences, sources, outlets int
	for _, j := range sink.Junctions {
		switch j.Type {
		case raster.JunctionConfluence:
			confluences++
		case raster.JunctionSource:
			sources++
		case raster.JunctionOutlet:
			outlets++
		}
	}
	require.Equal(t, 1, confluences)
	require.Equal(t, 2, sources)
	require.Equal(t, 1, outlets)
}

// TestStreamExtractionRespectsThreshold confirms cells below the
// accumulation threshold are never classified as stream cells.
func TestStreamExtractionRespectsThreshold(t *testing.T) {
	dir := byteMemFromDirs([][]byte{
		{0, 0, 6},
	})
	acc := int64MemFromRows([][]int64{
		{1, 2, 3},
	})

	var sink raster.MemVector
	err := Run(context.Background(), dir, acc, dir.GeoTransform(), &sink, Options{Threshold: 10}, nil)
	require.NoError(t, err)

	require.Empty(t, sink.Streams)
	require.Empty(t, sink.Junctions)
}

// TestStreamExtractionTiledMatchesSingleTile checks that splitting the same
// east-then-south reach across a 2x2 tile grid reproduces the same network
// topology as a single untiled pass, once cross-tile stubs are stitched.
func TestStreamExtractionTiledMatchesSingleTile(t *testing.T) {
	codes := make([][]byte, 4)
	accs := make([][]int64, 4)
	for r := range codes {
		codes[r] = make([]byte, 4)
		accs[r] = make([]int64, 4)
		for c := range codes[r] {
			if c < 3 {
				codes[r][c] = 0 // east
			} else {
				codes[r][c] = 6 // south, last column
			}
			accs[r][c] = int64(r*4 + c + 1)
		}
	}
	dir := byteMemFromDirs(codes)
	acc := int64MemFromRows(accs)

	var single raster.MemVector
	require.NoError(t, Run(context.Background(), dir, acc, dir.GeoTransform(), &single, Options{Threshold: 1, ChunkSize: 0}, nil))

	var tiled raster.MemVector
	require.NoError(t, Run(context.Background(), dir, acc, dir.GeoTransform(), &tiled, Options{Threshold: 1, ChunkSize: 2}, nil))

	totalCellsSingle := 0
	for _, s := range single.Streams {
		totalCellsSingle += len(s.Line)
	}
	totalCellsTiled := 0
	for _, s := range tiled.Streams {
		totalCellsTiled += len(s.Line)
	}
	require.Equal(t, totalCellsSingle, totalCellsTiled, "stitching must not drop or duplicate cells")
	require.Equal(t, len(single.Junctions), len(tiled.Junctions))
}
