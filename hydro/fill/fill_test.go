package fill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/raster"
)

func TestFillSingleTileSinglePit(t *testing.T) {
	src := raster.FromRows([][]float64{
		{9, 9, 9},
		{9, 5, 9},
		{9, 9, 9},
	}, -1)
	dst := raster.NewMem(3, 3, raster.Float32, -1, src.GeoTransform(), src.CRS())

	err := Run(context.Background(), src, dst, Options{ChunkSize: 0}, nil)
	require.NoError(t, err)

	require.Equal(t, float32(9), dst.ValueF32(1, 1), "center pit must be raised to the rim elevation")
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			require.GreaterOrEqual(t, dst.ValueF32(r, c), src.ValueF32(r, c), "fill never lowers a cell")
		}
	}
}

func TestFillNeverLowersInput(t *testing.T) {
	rows := [][]float64{
		{5, 4, 3, 2, 1},
		{6, 2, 2, 2, 2},
		{7, 2, 1, 2, 3},
		{8, 2, 2, 2, 4},
		{9, 8, 7, 6, 5},
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(5, 5, raster.Float32, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{ChunkSize: 0}, nil))

	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			require.GreaterOrEqual(t, dst.ValueF32(r, c), src.ValueF32(r, c))
		}
	}
}

func TestFillIdempotent(t *testing.T) {
	rows := [][]float64{
		{9, 9, 9, 9},
		{9, 5, 6, 9},
		{9, 4, 5, 9},
		{9, 9, 9, 9},
	}
	src := raster.FromRows(rows, -1)
	once := raster.NewMem(4, 4, raster.Float32, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), src, once, Options{ChunkSize: 0}, nil))

	twice := raster.NewMem(4, 4, raster.Float32, -1, src.GeoTransform(), src.CRS())
	require.NoError(t, Run(context.Background(), once, twice, Options{ChunkSize: 0}, nil))

	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			require.Equal(t, once.ValueF32(r, c), twice.ValueF32(r, c), "applying fill twice must equal applying it once")
		}
	}
}

func TestFillFillHolesTreatsNodataAsValid(t *testing.T) {
	rows := [][]float64{
		{9, 9, 9},
		{9, -1, 9},
		{9, 9, 9},
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(3, 3, raster.Float32, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{ChunkSize: 0, FillHoles: true}, nil))

	require.Equal(t, float32(9), dst.ValueF32(1, 1), "with fill_holes the nodata hole is filled to the surrounding rim")
}

func TestFillFillHolesFalseLeavesNodata(t *testing.T) {
	rows := [][]float64{
		{9, 9, 9},
		{9, -1, 9},
		{9, 9, 9},
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(3, 3, raster.Float32, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{ChunkSize: 0, FillHoles: false}, nil))

	require.Equal(t, float32(-1), dst.ValueF32(1, 1), "without fill_holes nodata passes through untouched")
}

func TestFillEntirelyNodataProducesNodata(t *testing.T) {
	src := raster.NewMem(4, 4, raster.Float32, -1, raster.GeoTransform{DX: 1, DY: -1}, raster.CRS{})
	dst := raster.NewMem(4, 4, raster.Float32, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{ChunkSize: 0}, nil))

	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			require.Equal(t, float32(-1), dst.ValueF32(r, c))
		}
	}
}

func TestFillEntirelyFlatUnchanged(t *testing.T) {
	rows := make([][]float64, 4)
	for r := range rows {
		rows[r] = []float64{3, 3, 3, 3}
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(4, 4, raster.Float32, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{ChunkSize: 0}, nil))

	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			require.Equal(t, float32(3), dst.ValueF32(r, c))
		}
	}
}

// TestFillTiledMatchesSingleTile checks that tiling the same DEM into small
// chunks with a halo produces the same filled surface as running it as one
// tile, the way the global graph solve is meant to reconcile spill paths
// across tile boundaries.
func TestFillTiledMatchesSingleTile(t *testing.T) {
	rows := [][]float64{
		{10, 10, 10, 10, 10, 10},
		{10, 6, 7, 8, 9, 10},
		{10, 5, 1, 2, 9, 10},
		{10, 6, 2, 3, 9, 10},
		{10, 7, 8, 9, 9, 10},
		{10, 10, 10, 10, 10, 10},
	}
	srcWhole := raster.FromRows(rows, -1)
	whole := raster.NewMem(6, 6, raster.Float32, -1, srcWhole.GeoTransform(), srcWhole.CRS())
	require.NoError(t, Run(context.Background(), srcWhole, whole, Options{ChunkSize: 0}, nil))

	srcTiled := raster.FromRows(rows, -1)
	tiled := raster.NewMem(6, 6, raster.Float32, -1, srcTiled.GeoTransform(), srcTiled.CRS())
	require.NoError(t, Run(context.Background(), srcTiled, tiled, Options{ChunkSize: 3}, nil))

	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			require.Equal(t, whole.ValueF32(r, c), tiled.ValueF32(r, c), "cell (%d,%d) diverges between single-tile and tiled fill", r, c)
		}
	}
}

func TestBuildPlanUsedByFillCoversRaster(t *testing.T) {
	plan := scheduler.BuildPlan(6, 6, 3, 1)
	require.Equal(t, 2, plan.Rows)
	require.Equal(t, 2, plan.Cols)
}
