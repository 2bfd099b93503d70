// Package pipeline wires the nine components of package hydro into the
// single ordered run spec §2 describes: fill → breach → d8 → flat →
// accum → streams → basin → flowlen, each stage's output feeding the
// next, with the §6 configuration table and error-handling policy (§7:
// the pipeline surfaces the first fatal error and aborts) applied
// uniformly across stages.
//
// Grounded on go-spatial.go's init()/command-dispatch sequence (the
// teacher's own top-level orchestration of fill→breach→d8→accumulation
// as a fixed tool chain) and on spf13/viper's config binding style from
// MeKo-Christian-WaterColorMap/internal/cmd/root.go, generalized from
// flag-only configuration to the full §6 option table.
package pipeline

import (
	"context"

	"github.com/jblindsay/terraflow/hydro/accum"
	"github.com/jblindsay/terraflow/hydro/basin"
	"github.com/jblindsay/terraflow/hydro/breach"
	"github.com/jblindsay/terraflow/hydro/d8"
	"github.com/jblindsay/terraflow/hydro/fill"
	"github.com/jblindsay/terraflow/hydro/flat"
	"github.com/jblindsay/terraflow/hydro/flowlen"
	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/hydro/streams"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"

	lvgraph "github.com/katalvlaran/lvlath/graph"
)

// Options is the full §6 configuration table, bound one-to-one to
// config/flag keys by the CLI layer.
type Options struct {
	ChunkSize    int     // chunk_size; <=1 selects in-memory single-tile mode
	SearchRadius int     // search_radius
	MaxCost      float64 // max_cost
	ResolveFlats bool    // resolve_flats
	FlatChunkMax int     // flat_chunk_max
	FillHoles    bool    // fill_holes
	Threshold    int64   // threshold
	SnapRadius   float64 // snap_radius
	AllBasins    bool    // all_basins
	WorkingDir   string  // working_dir; scratch space for tile spills
	Workers      int
	DrainageLayer string // VectorSource layer holding user drainage points
}

// Inputs bundles every raster/vector handle a full run touches. A nil
// StreamsOut or FlowLengthOut skips that stage; the basin stage runs when
// BasinOut is set, all_basins is on, or DrainagePoints is given. A nil
// ConditionedOut, DirectionOut or AccumulationOut is replaced by an
// in-memory raster, since later stages read it.
type Inputs struct {
	DEM            raster.Source
	DrainagePoints raster.VectorSource

	ConditionedOut raster.Sink
	DirectionOut   raster.ByteSink
	AccumulationOut raster.Int64Sink
	AccumulationLog raster.Sink // optional natural-log diagnostic copy
	StreamsOut     raster.VectorSink
	BasinOut       raster.Int64Sink
	FlowLengthOut  raster.Sink
	LongestPathOut raster.VectorSink
}

// Result surfaces the diagnostic by-product of the basin stage: the basin
// adjacency graph (nil when the basin stage did not run).
type Result struct {
	BasinGraph *lvgraph.Graph
}

// wrapStage passes a stage's *herr.Error straight through, preserving its
// original Kind/Coord/FID/Tile for the caller's herr.KindOf (§7: the
// pipeline surfaces the first error, not a re-kinded copy of it). Anything
// that isn't already a *herr.Error (a stage bug) is wrapped as Internal.
func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*herr.Error); ok {
		return err
	}
	return herr.New(herr.Internal, stage, "unexpected stage failure", err)
}

// Run executes the full stage chain over in.DEM, writing every requested
// output. It stops and returns the first fatal error per §7; tile-local
// algorithmic inability inside breach/flat is not such an error; it is
// absorbed by the next stage exactly as the component packages already
// implement.
func Run(ctx context.Context, in Inputs, opt Options, progress scheduler.Progress) (*Result, error) {
	gt := in.DEM.GeoTransform()
	crs := in.DEM.CRS()

	conditioned := in.ConditionedOut
	if conditioned == nil {
		conditioned = raster.NewMem(in.DEM.Width(), in.DEM.Height(), raster.Float32, in.DEM.NoData(), gt, crs)
	}

	if err := fill.Run(ctx, in.DEM, conditioned, fill.Options{
		ChunkSize: opt.ChunkSize,
		FillHoles: opt.FillHoles,
		Workers:   opt.Workers,
	}, progress); err != nil {
		return nil, wrapStage("fill", err)
	}

	breached := raster.NewMem(conditioned.Width(), conditioned.Height(), raster.Float32, in.DEM.NoData(), gt, crs)
	if bSrc, ok := conditioned.(raster.Source); ok {
		if err := breach.Run(ctx, bSrc, breached, breach.Options{
			SearchRadius: opt.SearchRadius,
			MaxCost:      opt.MaxCost,
			ChunkSize:    opt.ChunkSize,
			Workers:      opt.Workers,
		}, progress); err != nil {
			return nil, wrapStage("breach", err)
		}
	}

	direction := in.DirectionOut
	if direction == nil {
		direction = raster.NewMem(breached.Width(), breached.Height(), raster.Byte, 9, gt, crs)
	}
	if err := d8.Run(ctx, breached, direction, d8.Options{
		ChunkSize: opt.ChunkSize,
		Workers:   opt.Workers,
	}, progress); err != nil {
		return nil, wrapStage("d8", err)
	}

	dirSrc, _ := direction.(raster.ByteSource)
	if opt.ResolveFlats && dirSrc != nil {
		resolved := raster.NewMem(breached.Width(), breached.Height(), raster.Byte, 9, gt, crs)
		if err := flat.Run(ctx, breached, dirSrc, resolved, flat.Options{
			ChunkSize:    opt.ChunkSize,
			FlatChunkMax: opt.FlatChunkMax,
			Workers:      opt.Workers,
		}, progress); err != nil {
			return nil, wrapStage("flat", err)
		}
		direction = resolved
		dirSrc = resolved
	}

	if dirSrc == nil {
		return nil, herr.New(herr.Internal, "pipeline", "direction raster not readable after d8/flat", nil)
	}

	accOut := in.AccumulationOut
	if accOut == nil {
		accOut = raster.NewMem(breached.Width(), breached.Height(), raster.Int64, -1, gt, crs)
	}
	if err := accum.Run(ctx, dirSrc, accOut, in.AccumulationLog, accum.Options{
		ChunkSize:    opt.ChunkSize,
		Workers:      opt.Workers,
		LogTransform: in.AccumulationLog != nil,
	}, progress); err != nil {
		return nil, wrapStage("accum", err)
	}

	accSrc, _ := accOut.(raster.Int64Source)
	if in.StreamsOut != nil && accSrc != nil {
		if err := streams.Run(ctx, dirSrc, accSrc, gt, in.StreamsOut, streams.Options{
			ChunkSize: opt.ChunkSize,
			Workers:   opt.Workers,
			Threshold: opt.Threshold,
		}, progress); err != nil {
			return nil, wrapStage("streams", err)
		}
	}

	var result Result
	basinOut := in.BasinOut
	if basinOut == nil && (opt.AllBasins || in.DrainagePoints != nil) {
		basinOut = raster.NewMem(breached.Width(), breached.Height(), raster.Int64, -1, gt, crs)
	}
	if basinOut != nil {
		g, err := basin.Run(ctx, dirSrc, in.DrainagePoints, accSrc, gt, basinOut, basin.Options{
			ChunkSize:  opt.ChunkSize,
			Workers:    opt.Workers,
			SnapRadius: opt.SnapRadius,
			AllBasins:  opt.AllBasins,
			Layer:      opt.DrainageLayer,
		}, progress)
		if err != nil {
			return nil, wrapStage("basin", err)
		}
		result.BasinGraph = g
	}

	basinSrc, _ := basinOut.(raster.Int64Source)
	if in.FlowLengthOut != nil {
		if err := flowlen.Run(ctx, dirSrc, basinSrc, gt, crs, in.FlowLengthOut, in.LongestPathOut, flowlen.Options{
			ChunkSize: opt.ChunkSize,
			Workers:   opt.Workers,
		}, progress); err != nil {
			return nil, wrapStage("flowlen", err)
		}
	}

	return &result, nil
}
