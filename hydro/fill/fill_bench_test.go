package fill

import (
	"context"
	"testing"

	"github.com/jblindsay/terraflow/raster"
)

// BenchmarkFillSingleTile is the testing.B replacement for
// tools/benchmarkFillDepressions.go's "run it ten times, exclude disk I/O"
// loop: the DEM is built once in memory and only the fill pass itself is
// timed.
func BenchmarkFillSingleTile(b *testing.B) {
	benchmarkFill(b, 256, 0)
}

func BenchmarkFillTiled(b *testing.B) {
	benchmarkFill(b, 256, 64)
}

func benchmarkFill(b *testing.B, side, chunkSize int) {
	src := raster.NewMem(side, side, raster.Float32, -1, raster.GeoTransform{DX: 1, DY: -1}, raster.CRS{IsProjected: true})
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			z := float64((r*37+c*53)%97) + float64(r+c)*0.01
			src.SetF32(r, c, float32(z))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst := raster.NewMem(side, side, raster.Float32, -1, src.GeoTransform(), src.CRS())
		if err := Run(context.Background(), src, dst, Options{ChunkSize: chunkSize}, nil); err != nil {
			b.Fatal(err)
		}
	}
}
