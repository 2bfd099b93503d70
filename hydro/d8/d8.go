// Package d8 implements the D8 Flow Direction stage of spec §4.4: for each
// non-nodata cell, assign the direction of steepest positive descent among
// its eight neighbours.
//
// Grounded on tools/d8FlowAccumulation.go's direction-computation loop (the
// same max-slope-over-eight-neighbours sweep with a fixed dist={1,√2}
// table), generalized to the tile scheduler's halo=1 local-only pass: D8
// needs no global phase, since a cell's direction depends only on its
// immediate neighbours.
package d8

import (
	"context"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

// Undefined is the direction code for a non-nodata cell with no positive-
// slope neighbour (§3, §4.4): a pit, flat, or a cell whose only descent
// runs off the raster into a halo that doesn't exist.
const Undefined = 8

// NoData is the direction code assigned to nodata cells (§3, §4.4).
const NoData = 9

// Options configures the D8 stage (§6).
type Options struct {
	ChunkSize int
	Workers   int
}

// Run computes the direction raster for src into sink, §4.4.
func Run(ctx context.Context, src raster.Source, sink raster.ByteSink, opt Options, progress scheduler.Progress) error {
	plan := scheduler.BuildPlan(src.Width(), src.Height(), opt.ChunkSize, 1)
	nodata := src.NoData()

	return scheduler.Run(ctx, plan, opt.Workers, nil, progress, "d8", func(ctx context.Context, d scheduler.Descriptor) error {
		buf, err := src.ReadWindow(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "d8", "read window", err)
		}
		out := &raster.ByteBuffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]byte, d.Interior.Rows*d.Interior.Cols)}
		for r := 0; r < d.Interior.Rows; r++ {
			br := r + d.HaloRow
			for c := 0; c < d.Interior.Cols; c++ {
				bc := c + d.HaloCol
				z := float64(buf.At(br, bc))
				if z == nodata {
					out.Set(r, c, NoData)
					continue
				}
				out.Set(r, c, directionOf(buf, br, bc, z, nodata))
			}
		}
		if err := sink.WriteWindowByte(ctx, d.Interior, out); err != nil {
			return herr.New(herr.IoError, "d8", "write window", err)
		}
		return nil
	})
}

// directionOf returns the steepest-positive-descent direction code for the
// buffered cell (r,c), or Undefined if no in-bounds, non-nodata neighbour
// yields a positive slope.
func directionOf(buf *raster.Buffer, r, c int, z, nodata float64) byte {
	maxSlope := -1.0
	dir := byte(Undefined)
	for n := 0; n < 8; n++ {
		nr, nc := r+grid.DRow[n], c+grid.DCol[n]
		if !grid.InBounds(nr, nc, buf.Rows, buf.Cols) {
			continue
		}
		zn := float64(buf.At(nr, nc))
		if zn == nodata {
			continue
		}
		slope := (z - zn) / grid.Dist[n]
		if slope > maxSlope {
			maxSlope = slope
			dir = byte(n)
		}
	}
	if maxSlope <= 0 {
		return Undefined
	}
	return dir
}
