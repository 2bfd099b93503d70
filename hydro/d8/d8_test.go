package d8

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/raster"
)

func TestMonotoneSlopeDrainsNorthwest(t *testing.T) {
	// Concrete scenario 2: z[r,c] = r+c on a 5x5 grid. Every interior cell
	// must point NW (code 3) toward (0,0).
	rows := make([][]float64, 5)
	for r := range rows {
		rows[r] = make([]float64, 5)
		for c := range rows[r] {
			rows[r][c] = float64(r + c)
		}
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(5, 5, raster.Byte, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{}, nil))

	for r := 1; r < 4; r++ {
		for c := 1; c < 4; c++ {
			require.EqualValues(t, 3, dst.ValueByte(r, c), "cell (%d,%d) should drain NW toward the origin", r, c)
		}
	}
	require.EqualValues(t, Undefined, dst.ValueByte(0, 0), "the global low point has no downhill neighbour")
}

func TestD8NodataPropagates(t *testing.T) {
	rows := [][]float64{
		{3, 2, 1},
		{4, -1, 0},
		{5, 6, 7},
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(3, 3, raster.Byte, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{}, nil))

	require.EqualValues(t, NoData, dst.ValueByte(1, 1))
}

func TestD8DirectionHasStrictlyLowerNeighbour(t *testing.T) {
	rows := [][]float64{
		{5, 4, 6},
		{3, 2, 5},
		{6, 1, 7},
	}
	src := raster.FromRows(rows, -1)
	dst := raster.NewMem(3, 3, raster.Byte, -1, src.GeoTransform(), src.CRS())

	require.NoError(t, Run(context.Background(), src, dst, Options{}, nil))

	dr := [8]int{0, -1, -1, -1, 0, 1, 1, 1}
	dc := [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			code := dst.ValueByte(r, c)
			if code >= 8 {
				continue
			}
			nr, nc := r+dr[code], c+dc[code]
			require.True(t, nr >= 0 && nr < 3 && nc >= 0 && nc < 3)
			require.Less(t, src.ValueF32(nr, nc), src.ValueF32(r, c))
		}
	}
}
