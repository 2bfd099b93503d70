package rasterio

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblindsay/terraflow/raster"
)

func tmpPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "grid")
}

func TestFileFloat32RoundTrip(t *testing.T) {
	path := tmpPath(t)
	gt := raster.GeoTransform{X0: 100, DX: 30, Y0: 200, DY: -30}
	crs := raster.CRS{IsProjected: true, WKT: "EPSG:32633"}

	w := Create(path, raster.Float32, 3, 2, -9999, gt, crs)
	require.NoError(t, w.WriteWindow(context.Background(), raster.Window{Rows: 2, Cols: 3}, &raster.Buffer{
		Rows: 2, Cols: 3, Data: []float32{1, 2, 3, 4, 5, 6},
	}))
	require.NoError(t, w.Close())

	r, err := Open(path, raster.Float32)
	require.NoError(t, err)
	require.Equal(t, 3, r.Width())
	require.Equal(t, 2, r.Height())
	require.InDelta(t, -9999, r.NoData(), 1e-6)
	require.Equal(t, gt, r.GeoTransform())
	require.Equal(t, crs, r.CRS())

	buf, err := r.ReadWindow(context.Background(), raster.Window{Rows: 2, Cols: 3})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, buf.Data)
}

func TestFileInt64RoundTrip(t *testing.T) {
	path := tmpPath(t)
	gt := raster.GeoTransform{X0: 0, DX: 1, Y0: 0, DY: -1}

	w := Create(path, raster.Int64, 2, 2, -1, gt, raster.CRS{})
	require.NoError(t, w.WriteWindowInt64(context.Background(), raster.Window{Row: 0, Col: 0, Rows: 1, Cols: 2}, &raster.Int64Buffer{
		Rows: 1, Cols: 2, Data: []int64{7, 8},
	}))
	require.NoError(t, w.Close())

	r, err := Open(path, raster.Int64)
	require.NoError(t, err)

	buf, err := r.ReadWindowInt64(context.Background(), raster.Window{Row: 0, Col: 0, Rows: 1, Cols: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, buf.Data)

	// the unwritten row stays at the fill value
	buf2, err := r.ReadWindowInt64(context.Background(), raster.Window{Row: 1, Col: 0, Rows: 1, Cols: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{-1, -1}, buf2.Data)
}

func TestFileByteRoundTripAndWindowedAccess(t *testing.T) {
	path := tmpPath(t)
	w := Create(path, raster.Byte, 4, 1, 9, raster.GeoTransform{DX: 1, DY: -1}, raster.CRS{})
	require.NoError(t, w.WriteWindowByte(context.Background(), raster.Window{Row: 0, Col: 1, Rows: 1, Cols: 2}, &raster.ByteBuffer{
		Rows: 1, Cols: 2, Data: []byte{0, 6},
	}))
	require.NoError(t, w.Close())

	r, err := Open(path, raster.Byte)
	require.NoError(t, err)

	buf, err := r.ReadWindowByte(context.Background(), raster.Window{Row: 0, Col: 0, Rows: 1, Cols: 4})
	require.NoError(t, err)
	require.Equal(t, byte(0), buf.At(0, 0), "byte rasters are zero-filled on Create, not nodata-filled")
	require.Equal(t, byte(0), buf.At(0, 1))
	require.Equal(t, byte(6), buf.At(0, 2))
	require.Equal(t, byte(0), buf.At(0, 3))
}

func TestFileReadWindowOutOfBounds(t *testing.T) {
	path := tmpPath(t)
	w := Create(path, raster.Float32, 2, 2, -1, raster.GeoTransform{DX: 1, DY: -1}, raster.CRS{})
	require.NoError(t, w.Close())

	r, err := Open(path, raster.Float32)
	require.NoError(t, err)

	_, err = r.ReadWindow(context.Background(), raster.Window{Row: 1, Col: 1, Rows: 2, Cols: 2})
	require.Error(t, err)
}
