// Package streams implements the Stream Network Extractor of spec §4.7:
// threshold-based stream classification, source/confluence/outlet node
// detection, downstream tracing into polylines, and cross-tile stitching
// of partial reaches via a spatial hash on endpoint coordinates.
//
// Grounded on the tiled local/global shape shared by every stage in
// package hydro, and on the orb.LineString/orb.Point vector types used for
// geographic features throughout the retrieval pack (e.g.
// MeKo-Christian-WaterColorMap/internal/types.Feature).
package streams

import (
	"context"
	"math"

	"github.com/paulmach/orb"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

// Options configures the stream extraction stage (§6).
type Options struct {
	ChunkSize int
	Workers   int
	Threshold int64
}

// segment is one traced reach, in global (row,col) downstream order.
// startIsStub/endIsStub mark ends that landed on a tile boundary rather
// than a genuine node, still awaiting cross-tile stitching.
type segment struct {
	cells       [][2]int
	startIsStub bool
	endIsStub   bool
}

type tileResult struct {
	segments  []segment
	junctions []raster.JunctionFeature
}

// Run extracts the stream network from the direction and accumulation
// rasters and writes the streams/junctions layers to sink.
func Run(ctx context.Context, dirSrc raster.ByteSource, accSrc raster.Int64Source, gt raster.GeoTransform, sink raster.VectorSink, opt Options, progress scheduler.Progress) error {
	plan := scheduler.BuildPlan(dirSrc.Width(), dirSrc.Height(), opt.ChunkSize, 1)
	nodata := accSrc.NoData()
	results := make([]tileResult, len(plan.Tiles))

	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "streams.trace", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "streams", "read direction window", err)
		}
		accBuf, err := accSrc.ReadWindowInt64(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "streams", "read accumulation window", err)
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = traceTile(d, dirBuf, accBuf, opt.Threshold, nodata, gt)
		return nil
	})
	if err != nil {
		return err
	}

	var allSegments []segment
	var allJunctions []raster.JunctionFeature
	for _, r := range results {
		allSegments = append(allSegments, r.segments...)
		allJunctions = append(allJunctions, r.junctions...)
	}

	stitched := stitchSegments(allSegments, gt)

	streamFeatures := make([]raster.StreamFeature, 0, len(stitched))
	var fid int64
	for _, s := range stitched {
		if len(s.cells) < 2 {
			continue
		}
		line := make(orb.LineString, len(s.cells))
		for i, cell := range s.cells {
			x, y := gt.CellCenter(cell[0], cell[1])
			line[i] = orb.Point{x, y}
		}
		fid++
		streamFeatures = append(streamFeatures, raster.StreamFeature{FID: fid, Line: line})
	}
	for i := range allJunctions {
		allJunctions[i].FID = int64(i + 1)
	}

	if err := sink.WriteStreams(streamFeatures); err != nil {
		return herr.New(herr.IoError, "streams", "write streams layer", err)
	}
	if err := sink.WriteJunctions(allJunctions); err != nil {
		return herr.New(herr.IoError, "streams", "write junctions layer", err)
	}
	return nil
}

func isStreamCell(accBuf *raster.Int64Buffer, r, c int, threshold int64, nodata float64) bool {
	v := accBuf.At(r, c)
	if float64(v) == nodata {
		return false
	}
	return v >= threshold
}

// classifyNode reports whether (r,c) — in buffered-window coordinates — is
// a stream node and, if so, which kind (§4.7). Inflow is counted over the
// whole buffered window so a node near a tile seam is classified
// correctly without needing its neighbour tile's own trace.
func classifyNode(dirBuf *raster.ByteBuffer, accBuf *raster.Int64Buffer, r, c int, threshold int64, nodata float64) (bool, raster.JunctionType) {
	rows, cols := dirBuf.Rows, dirBuf.Cols
	code := dirBuf.At(r, c)
	if code >= 8 {
		return true, raster.JunctionOutlet
	}
	nr, nc := r+grid.DRow[code], c+grid.DCol[code]
	if !grid.InBounds(nr, nc, rows, cols) || float64(accBuf.At(nr, nc)) == nodata {
		return true, raster.JunctionOutlet
	}

	inflow := 0
	for dir := 0; dir < 8; dir++ {
		pr, pc := r+grid.DRow[dir], c+grid.DCol[dir]
		if !grid.InBounds(pr, pc, rows, cols) || !isStreamCell(accBuf, pr, pc, threshold, nodata) {
			continue
		}
		pcode := dirBuf.At(pr, pc)
		if pcode >= 8 {
			continue
		}
		tr, tc := pr+grid.DRow[pcode], pc+grid.DCol[pcode]
		if tr == r && tc == c {
			inflow++
		}
	}
	if inflow == 0 {
		return true, raster.JunctionSource
	}
	if inflow >= 2 {
		return true, raster.JunctionConfluence
	}
	return false, 0
}

// traceTile runs the local phase of §4.7: it finds every node and every
// cross-tile entry stub within the tile's interior and traces a segment
// downstream from each.
func traceTile(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, accBuf *raster.Int64Buffer, threshold int64, nodata float64, gt raster.GeoTransform) tileResult {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	var res tileResult

	type start struct {
		br, bc int
		isStub bool
	}
	var starts []start

	for r := 0; r < iRows; r++ {
		br := r + d.HaloRow
		for c := 0; c < iCols; c++ {
			bc := c + d.HaloCol
			if !isStreamCell(accBuf, br, bc, threshold, nodata) {
				continue
			}
			if isNode, typ := classifyNode(dirBuf, accBuf, br, bc, threshold, nodata); isNode {
				starts = append(starts, start{br: br, bc: bc})
				gr, gc := d.Interior.Row+r, d.Interior.Col+c
				x, y := gt.CellCenter(gr, gc)
				res.junctions = append(res.junctions, raster.JunctionFeature{Type: typ, Pt: orb.Point{x, y}})
				continue
			}
			for dir := 0; dir < 8; dir++ {
				pr, pc := br+grid.DRow[dir], bc+grid.DCol[dir]
				lr, lc := pr-d.HaloRow, pc-d.HaloCol
				if lr >= 0 && lr < iRows && lc >= 0 && lc < iCols {
					continue // interior neighbour, not a cross-tile entry
				}
				if !grid.InBounds(pr, pc, dirBuf.Rows, dirBuf.Cols) || !isStreamCell(accBuf, pr, pc, threshold, nodata) {
					continue
				}
				pcode := dirBuf.At(pr, pc)
				if pcode >= 8 {
					continue
				}
				tr, tc := pr+grid.DRow[pcode], pc+grid.DCol[pcode]
				if tr == br && tc == bc {
					starts = append(starts, start{br: br, bc: bc, isStub: true})
					break
				}
			}
		}
	}

	for _, s := range starts {
		seg := traceFrom(d, dirBuf, accBuf, threshold, nodata, s.br, s.bc)
		seg.startIsStub = s.isStub
		res.segments = append(res.segments, seg)
	}
	return res
}

// traceFrom walks downstream from one buffered-window cell, stopping at
// the next node, the next non-stream cell, or the raster boundary, per
// §4.7's tracing rule.
func traceFrom(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, accBuf *raster.Int64Buffer, threshold int64, nodata float64, startBr, startBc int) segment {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	bRows, bCols := dirBuf.Rows, dirBuf.Cols
	toGlobal := func(br, bc int) [2]int {
		return [2]int{d.Interior.Row + (br - d.HaloRow), d.Interior.Col + (bc - d.HaloCol)}
	}

	seg := segment{cells: [][2]int{toGlobal(startBr, startBc)}}
	br, bc := startBr, startBc
	for {
		code := dirBuf.At(br, bc)
		if code >= 8 {
			return seg
		}
		nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
		if !grid.InBounds(nbr, nbc, bRows, bCols) {
			return seg // raster boundary
		}
		lr, lc := nbr-d.HaloRow, nbc-d.HaloCol
		withinInterior := lr >= 0 && lr < iRows && lc >= 0 && lc < iCols
		if !withinInterior {
			if isStreamCell(accBuf, nbr, nbc, threshold, nodata) {
				seg.cells = append(seg.cells, toGlobal(nbr, nbc))
				seg.endIsStub = true
			}
			return seg
		}
		if !isStreamCell(accBuf, nbr, nbc, threshold, nodata) {
			return seg
		}
		seg.cells = append(seg.cells, toGlobal(nbr, nbc))
		br, bc = nbr, nbc
		if isNode, _ := classifyNode(dirBuf, accBuf, br, bc, threshold, nodata); isNode {
			return seg
		}
	}
}

func reverseCells(cells [][2]int) [][2]int {
	out := make([][2]int, len(cells))
	for i, c := range cells {
		out[len(cells)-1-i] = c
	}
	return out
}

func quantize(gt raster.GeoTransform, cell [2]int) [2]int64 {
	const eps = 1e-6
	x, y := gt.CellCenter(cell[0], cell[1])
	return [2]int64{int64(math.Round(x / eps)), int64(math.Round(y / eps))}
}

// stitchSegments implements §4.7's cross-tile stitching: a spatial hash on
// quantized endpoint world coordinates, merging pairs of stub endpoints
// according to their relative orientation.
func stitchSegments(segs []segment, gt raster.GeoTransform) []segment {
	active := make([]*segment, len(segs))
	for i := range segs {
		s := segs[i]
		active[i] = &s
	}
	removed := make(map[int]bool, len(segs))

	type endRef struct {
		idx     int
		isStart bool
	}

	for pass := 0; pass <= len(active); pass++ {
		buckets := make(map[[2]int64][]endRef)
		for i, s := range active {
			if removed[i] {
				continue
			}
			if s.startIsStub {
				k := quantize(gt, s.cells[0])
				buckets[k] = append(buckets[k], endRef{idx: i, isStart: true})
			}
			if s.endIsStub {
				k := quantize(gt, s.cells[len(s.cells)-1])
				buckets[k] = append(buckets[k], endRef{idx: i, isStart: false})
			}
		}

		merged := false
		for _, refs := range buckets {
			if len(refs) != 2 || refs[0].idx == refs[1].idx {
				continue
			}
			a, b := refs[0], refs[1]
			if removed[a.idx] || removed[b.idx] {
				continue
			}
			segA, segB := active[a.idx], active[b.idx]
			var combined segment
			switch {
			case !a.isStart && b.isStart:
				// downstream-end of A meets upstream-end of B.
				combined = segment{
					cells:       append(append([][2]int{}, segA.cells...), segB.cells[1:]...),
					startIsStub: segA.startIsStub, endIsStub: segB.endIsStub,
				}
			case a.isStart && !b.isStart:
				// upstream-end of A meets downstream-end of B.
				combined = segment{
					cells:       append(append([][2]int{}, segB.cells...), segA.cells[1:]...),
					startIsStub: segB.startIsStub, endIsStub: segA.endIsStub,
				}
			case a.isStart && b.isStart:
				// upstream-end of A meets upstream-end of B: reverse A, append B.
				combined = segment{
					cells:       append(reverseCells(segA.cells), segB.cells[1:]...),
					startIsStub: segA.endIsStub, endIsStub: segB.endIsStub,
				}
			default:
				// downstream-end of A meets downstream-end of B: append reversed B.
				combined = segment{
					cells:       append(append([][2]int{}, segA.cells...), reverseCells(segB.cells)[1:]...),
					startIsStub: segA.startIsStub, endIsStub: segB.startIsStub,
				}
			}
			active[a.idx] = &combined
			removed[b.idx] = true
			merged = true
		}
		if !merged {
			break
		}
	}

	out := make([]segment, 0, len(active))
	for i, s := range active {
		if !removed[i] {
			out = append(out, *s)
		}
	}
	return out
}
