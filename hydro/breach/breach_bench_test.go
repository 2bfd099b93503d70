package breach

import (
	"context"
	"testing"

	"github.com/jblindsay/terraflow/raster"
)

// BenchmarkBreach is the testing.B replacement for
// tools/benchmarkBreachDepressions.go's repeated in-memory timing loop.
func BenchmarkBreach(b *testing.B) {
	const side = 256
	src := raster.NewMem(side, side, raster.Float32, -1, raster.GeoTransform{DX: 1, DY: -1}, raster.CRS{IsProjected: true})
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			z := float64((r*31+c*17)%53) + float64(r+c)*0.02
			src.SetF32(r, c, float32(z))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst := raster.NewMem(side, side, raster.Float32, -1, src.GeoTransform(), src.CRS())
		if err := Run(context.Background(), src, dst, Options{SearchRadius: 3}, nil); err != nil {
			b.Fatal(err)
		}
	}
}
