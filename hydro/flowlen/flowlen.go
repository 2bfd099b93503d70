// Package flowlen implements the Flow Length & Longest Path stage of spec
// §4.9: a per-drainage-point multi-source BFS grown upstream from every
// basin outlet, assigning each cell the flow-path distance back to its own
// basin's outlet (the outlet itself at zero), and, per basin, the single
// longest flow path from its farthest upstream cell down to the outlet,
// extracted as a polyline.
//
// Grounded on the local/global/finalize tiling shape of package accum, but
// accumulation's single topological pass doesn't fit here: a cell's flow
// length is a max over confluent upstream arrivals at a fixed distance from
// the outlet rather than a running sum, so the perimeter-offset trick of
// accum.globalSolve (which forwards a flat constant along a recomputed
// local path) doesn't generalize. Instead this package reuses package
// basin's bounded multi-round relaxation shape: repeatedly push known
// distances one hop upstream across the whole raster until a round makes
// no further improvement, gating every hop on basin membership so a
// relaxation never crosses a basin boundary.
package flowlen

import (
	"context"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

const undefinedDir = 8
const nodataDir = 9

// NoData is the sentinel written to the flow-length raster for cells whose
// direction raster cell is itself nodata.
const NoData float32 = -1

const earthRadiusMeters = 6371000.0

// Options configures the flow length stage (§6).
type Options struct {
	ChunkSize int
	Workers   int
}

// basinBest tracks, per basin, the upstream cell farthest from the outlet.
type basinBest struct {
	cell   [2]int
	length float64
}

// Run computes the flow-length raster from dirSrc: every basin outlet is
// seeded at distance 0, and distance grows one D8 step at a time moving
// upstream, never crossing into a neighbouring basin. If sink and basinSrc
// are both non-nil, the single longest flow path of every basin present in
// basinSrc is also extracted and written via sink.WriteLongestPaths.
func Run(ctx context.Context, dirSrc raster.ByteSource, basinSrc raster.Int64Source, gt raster.GeoTransform, crs raster.CRS, lenOut raster.Sink, sink raster.VectorSink, opt Options, progress scheduler.Progress) error {
	plan := scheduler.BuildPlan(dirSrc.Width(), dirSrc.Height(), opt.ChunkSize, 1)

	outlets, err := findOutlets(ctx, dirSrc, plan, opt, progress)
	if err != nil {
		return err
	}

	length := make(map[[2]int]float64, len(outlets))
	for _, o := range outlets {
		length[o] = 0
	}

	maxRounds := plan.Rows + plan.Cols + 1
	for round := 0; round < maxRounds; round++ {
		updates := make([]map[[2]int]float64, len(plan.Tiles))
		err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flowlen.relax", func(ctx context.Context, d scheduler.Descriptor) error {
			dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
			if err != nil {
				return herr.New(herr.IoError, "flowlen", "read direction window", err)
			}
			var basinBuf *raster.Int64Buffer
			if basinSrc != nil {
				basinBuf, err = basinSrc.ReadWindowInt64(ctx, d.Buffered)
				if err != nil {
					return herr.New(herr.IoError, "flowlen", "read basin window", err)
				}
			}
			idx := d.Origin.Row*plan.Cols + d.Origin.Col
			updates[idx] = localRelax(d, dirBuf, basinBuf, gt, crs, length)
			return nil
		})
		if err != nil {
			return err
		}

		improved := false
		for _, tl := range updates {
			for k, v := range tl {
				if cur, ok := length[k]; !ok || v > cur {
					length[k] = v
					improved = true
				}
			}
		}
		if !improved {
			break
		}
		if round == maxRounds-1 {
			return herr.New(herr.Internal, "flowlen", "flow-length relaxation failed to converge", nil)
		}
	}

	err = scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flowlen.write", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flowlen", "read direction window", err)
		}
		out := &raster.Buffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]float32, d.Interior.Rows*d.Interior.Cols)}
		for r := 0; r < d.Interior.Rows; r++ {
			for c := 0; c < d.Interior.Cols; c++ {
				if dirBuf.At(r+d.HaloRow, c+d.HaloCol) == nodataDir {
					out.Set(r, c, NoData)
					continue
				}
				l := length[[2]int{d.Interior.Row + r, d.Interior.Col + c}]
				out.Set(r, c, float32(l))
			}
		}
		return lenOut.WriteWindow(ctx, d.Interior, out)
	})
	if err != nil {
		return err
	}

	if sink == nil || basinSrc == nil {
		return nil
	}
	return writeLongestPaths(ctx, dirSrc, basinSrc, gt, sink, length, plan, opt, progress)
}

// localRelax extends the known-distance frontier one hop upstream within
// d's buffered window, seeded from every cell already present in length
// (whether owned by this tile or visible only through its halo). For a
// known cell c, a neighbour n is upstream of c when n's own D8 direction
// points back at c; n is only claimed if basinBuf puts it in the same
// basin as c (basins are respected, per §4.9). Only interior discoveries
// are returned; halo discoveries are still carried forward within this
// pass so the relaxation can reach a second interior cell in the same
// round, but (like package basin's localPropagate) are never themselves
// reported, since a tile may only speak for its own Interior.
func localRelax(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, basinBuf *raster.Int64Buffer, gt raster.GeoTransform, crs raster.CRS, length map[[2]int]float64) map[[2]int]float64 {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	bRows, bCols := dirBuf.Rows, dirBuf.Cols
	out := make(map[[2]int]float64)

	toGlobal := func(br, bc int) [2]int {
		return [2]int{d.Interior.Row + (br - d.HaloRow), d.Interior.Col + (bc - d.HaloCol)}
	}

	type queued struct {
		br, bc int
		length float64
	}
	var queue []queued
	for br := 0; br < bRows; br++ {
		for bc := 0; bc < bCols; bc++ {
			if l, ok := length[toGlobal(br, bc)]; ok {
				queue = append(queue, queued{br, bc, l})
			}
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var curBasin int64
		if basinBuf != nil {
			curBasin = basinBuf.At(cur.br, cur.bc)
		}

		for dir := 0; dir < 8; dir++ {
			nbr, nbc := cur.br+grid.DRow[dir], cur.bc+grid.DCol[dir]
			if !grid.InBounds(nbr, nbc, bRows, bCols) {
				continue
			}
			code := dirBuf.At(nbr, nbc)
			if code >= 8 {
				continue
			}
			tbr, tbc := nbr+grid.DRow[code], nbc+grid.DCol[code]
			if tbr != cur.br || tbc != cur.bc {
				continue // n's flow doesn't arrive at cur: not an upstream neighbour
			}
			if basinBuf != nil && basinBuf.At(nbr, nbc) != curBasin {
				continue // different basin: ignore, per §4.9
			}

			fromGlobal := toGlobal(cur.br, cur.bc)
			nGlobal := toGlobal(nbr, nbc)
			candidate := cur.length + stepDistance(gt, crs, nGlobal[0], nGlobal[1], fromGlobal[0], fromGlobal[1])

			best, haveBest := length[nGlobal]
			if u, ok := out[nGlobal]; ok && (!haveBest || u > best) {
				best, haveBest = u, true
			}
			if haveBest && candidate <= best {
				continue
			}

			localR, localC := nbr-d.HaloRow, nbc-d.HaloCol
			if localR >= 0 && localR < iRows && localC >= 0 && localC < iCols {
				out[nGlobal] = candidate
			}
			queue = append(queue, queued{nbr, nbc, candidate})
		}
	}
	return out
}

// findOutlets locates every true outlet within dirSrc (§4.8's definition,
// recomputed here rather than imported from package basin so that flowlen
// stays independent of the basin labeler's own tiling pass). These are the
// drainage-point cells §4.9 seeds at distance 0.
func findOutlets(ctx context.Context, dirSrc raster.ByteSource, plan scheduler.Plan, opt Options, progress scheduler.Progress) ([][2]int, error) {
	results := make([][][2]int, len(plan.Tiles))
	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flowlen.outlets", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flowlen", "read direction window", err)
		}
		var local [][2]int
		for r := 0; r < d.Interior.Rows; r++ {
			br := r + d.HaloRow
			for c := 0; c < d.Interior.Cols; c++ {
				bc := c + d.HaloCol
				code := dirBuf.At(br, bc)
				if code == nodataDir {
					continue
				}
				isOutlet := code == undefinedDir
				if !isOutlet {
					nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
					isOutlet = !grid.InBounds(nbr, nbc, dirBuf.Rows, dirBuf.Cols) || dirBuf.At(nbr, nbc) == nodataDir
				}
				if isOutlet {
					local = append(local, [2]int{d.Interior.Row + r, d.Interior.Col + c})
				}
			}
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = local
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all [][2]int
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// basinMaxima scans basinSrc tile by tile and returns, for every basin ID
// present, the cell with the greatest already-computed flow length: the
// farthest upstream point from that basin's outlet.
func basinMaxima(ctx context.Context, basinSrc raster.Int64Source, length map[[2]int]float64, plan scheduler.Plan, opt Options, progress scheduler.Progress) (map[int64]basinBest, error) {
	results := make([]map[int64]basinBest, len(plan.Tiles))
	nodata := int64(basinSrc.NoData())
	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flowlen.basinmax", func(ctx context.Context, d scheduler.Descriptor) error {
		basinBuf, err := basinSrc.ReadWindowInt64(ctx, d.Interior)
		if err != nil {
			return herr.New(herr.IoError, "flowlen", "read basin window", err)
		}
		local := make(map[int64]basinBest)
		for r := 0; r < d.Interior.Rows; r++ {
			for c := 0; c < d.Interior.Cols; c++ {
				id := basinBuf.At(r, c)
				if id == nodata {
					continue
				}
				cell := [2]int{d.Interior.Row + r, d.Interior.Col + c}
				l, ok := length[cell]
				if !ok {
					continue
				}
				if b, ok := local[id]; !ok || l > b.length {
					local[id] = basinBest{cell: cell, length: l}
				}
			}
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = local
		return nil
	})
	if err != nil {
		return nil, err
	}
	merged := make(map[int64]basinBest)
	for _, m := range results {
		for id, b := range m {
			if cur, ok := merged[id]; !ok || b.length > cur.length {
				merged[id] = b
			}
		}
	}
	return merged, nil
}

// writeLongestPaths picks, for every basin, the upstream cell farthest from
// its outlet, then walks the flow directions downstream from that cell to
// the outlet, emitting one polyline per basin.
func writeLongestPaths(ctx context.Context, dirSrc raster.ByteSource, basinSrc raster.Int64Source, gt raster.GeoTransform, sink raster.VectorSink, length map[[2]int]float64, plan scheduler.Plan, opt Options, progress scheduler.Progress) error {
	bestByBasin, err := basinMaxima(ctx, basinSrc, length, plan, opt, progress)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(bestByBasin))
	for id := range bestByBasin {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var features []raster.LongestPathFeature
	var fid int64 = 1
	for _, id := range ids {
		b := bestByBasin[id]
		cells, err := traceDownstream(ctx, dirSrc, b.cell)
		if err != nil {
			return err
		}
		line := make(orb.LineString, len(cells))
		for i, cell := range cells {
			x, y := gt.CellCenter(cell[0], cell[1])
			line[i] = orb.Point{x, y}
		}
		features = append(features, raster.LongestPathFeature{FID: fid, BasinID: id, Length: b.length, Line: line})
		fid++
	}
	return sink.WriteLongestPaths(features)
}

// traceDownstream follows dirSrc's flow directions cell by cell from start
// until reaching an undefined/out-of-grid outlet, returning the visited
// cells in source-to-outlet order.
func traceDownstream(ctx context.Context, dirSrc raster.ByteSource, start [2]int) ([][2]int, error) {
	cells := [][2]int{start}
	cur := start
	maxSteps := dirSrc.Width() + dirSrc.Height() + 1
	for step := 0; step < maxSteps; step++ {
		w, err := dirSrc.ReadWindowByte(ctx, raster.Window{Row: cur[0], Col: cur[1], Rows: 1, Cols: 1})
		if err != nil {
			return nil, herr.New(herr.IoError, "flowlen", "read direction at path cell", err).WithCoord(cur[0], cur[1])
		}
		code := w.At(0, 0)
		if code >= 8 {
			return cells, nil
		}
		next := [2]int{cur[0] + grid.DRow[code], cur[1] + grid.DCol[code]}
		if !grid.InBounds(next[0], next[1], dirSrc.Height(), dirSrc.Width()) {
			return cells, nil
		}
		cells = append(cells, next)
		cur = next
	}
	return nil, herr.New(herr.Internal, "flowlen", "longest-path trace failed to terminate", nil).WithCoord(start[0], start[1])
}

// stepDistance is the real-world distance of one D8 step between two cell
// centers: planar Euclidean distance for a projected CRS, great-circle
// Haversine distance (assuming a spherical Earth) for a geographic one.
func stepDistance(gt raster.GeoTransform, crs raster.CRS, r1, c1, r2, c2 int) float64 {
	x1, y1 := gt.CellCenter(r1, c1)
	x2, y2 := gt.CellCenter(r2, c2)
	if crs.IsProjected {
		dx, dy := x2-x1, y2-y1
		return math.Sqrt(dx*dx + dy*dy)
	}
	return haversine(y1, x1, y2, x2)
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dphi := toRad(lat2 - lat1)
	dlambda := toRad(lon2 - lon1)
	a := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlambda/2)*math.Sin(dlambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
