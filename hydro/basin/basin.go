// Package basin implements the Basin Labeler of spec §4.8: every cell is
// labeled with the ID of the outlet it drains to, found by growing a
// multi-source search upstream (against the flow direction raster) from
// each outlet, either user-supplied (snapped to the cell of greatest flow
// accumulation within a search radius) or auto-detected when
// Options.AllBasins is set. A basin adjacency graph is built alongside the
// label raster as a diagnostic by-product.
//
// Grounded on the same local/global tiling shape as package accum and
// package flat, generalized here to an unbounded number of relaxation
// rounds since basin growth (unlike accumulation's topological sort) has
// no fixed processing order: a label can cross an arbitrary number of tile
// boundaries before the search converges.
package basin

import (
	"context"
	"math"
	"sort"

	lvgraph "github.com/katalvlaran/lvlath/graph"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

const undefinedDir = 8
const nodataDir = 9

// NoData is the sentinel written for cells no seed ever reaches: nodata
// source cells and, when labeling from drainage points, every cell that
// does not drain to one of them.
const NoData int64 = -1

// Options configures the basin labeler (§6).
type Options struct {
	ChunkSize  int
	Workers    int
	SnapRadius float64 // cells; a user point snaps to the accumulation maximum within this radius, and is dropped if no cell in range has valid accumulation
	AllBasins  bool     // label every basin in the raster, ignoring supplied points
	Layer      string   // VectorSource layer holding drainage points
}

type seed struct {
	Row, Col int
	BasinID  int64
}

// Run labels basinOut and returns the basin adjacency graph: one vertex per
// basin ID (string-formatted), one undirected edge per pair of basins
// sharing a boundary, weighted by the number of adjoining cell pairs.
// accSrc, when non-nil, is the flow-accumulation raster used to snap
// drainage points onto the local accumulation maximum within
// Options.SnapRadius (§4.8); the count of points dropped because no cell
// within radius carried valid accumulation is reported through progress
// under the "basin.dropped_points" stage name.
func Run(ctx context.Context, dirSrc raster.ByteSource, points raster.VectorSource, accSrc raster.Int64Source, gt raster.GeoTransform, basinOut raster.Int64Sink, opt Options, progress scheduler.Progress) (*lvgraph.Graph, error) {
	plan := scheduler.BuildPlan(dirSrc.Width(), dirSrc.Height(), opt.ChunkSize, 1)

	outlets, err := findOutlets(ctx, dirSrc, plan, opt, progress)
	if err != nil {
		return nil, err
	}

	seeds, err := buildSeeds(ctx, outlets, points, accSrc, gt, opt, progress)
	if err != nil {
		return nil, err
	}

	labels := make(map[[2]int]int64, len(seeds))
	for _, s := range seeds {
		labels[[2]int{s.Row, s.Col}] = s.BasinID
	}

	maxRounds := plan.Rows + plan.Cols + 1
	for round := 0; round < maxRounds; round++ {
		newly := make([]map[[2]int]int64, len(plan.Tiles))
		err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "basin.propagate", func(ctx context.Context, d scheduler.Descriptor) error {
			dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
			if err != nil {
				return herr.New(herr.IoError, "basin", "read direction window", err)
			}
			idx := d.Origin.Row*plan.Cols + d.Origin.Col
			newly[idx] = localPropagate(d, dirBuf, labels)
			return nil
		})
		if err != nil {
			return nil, err
		}

		added := false
		for _, tl := range newly {
			for k, v := range tl {
				if _, exists := labels[k]; !exists {
					labels[k] = v
					added = true
				}
			}
		}
		if !added {
			break
		}
		if round == maxRounds-1 {
			return nil, herr.New(herr.Internal, "basin", "label propagation failed to converge", nil)
		}
	}

	adjacency := lvgraph.NewGraph(false, true)
	err = scheduler.Run(ctx, plan, opt.Workers, nil, progress, "basin.finalize", func(ctx context.Context, d scheduler.Descriptor) error {
		out := &raster.Int64Buffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]int64, d.Interior.Rows*d.Interior.Cols)}
		counts := make(map[[2]int64]int64)
		for r := 0; r < d.Interior.Rows; r++ {
			gr := d.Interior.Row + r
			for c := 0; c < d.Interior.Cols; c++ {
				gc := d.Interior.Col + c
				lbl, ok := labels[[2]int{gr, gc}]
				if !ok {
					out.Set(r, c, NoData)
					continue
				}
				out.Set(r, c, lbl)
				// Check east and north only: every adjoining pair of cells
				// is then counted from exactly one side.
				for _, dir := range [2]int{0, 2} {
					nr, nc := gr+grid.DRow[dir], gc+grid.DCol[dir]
					if nlbl, ok := labels[[2]int{nr, nc}]; ok && nlbl != lbl {
						a, b := lbl, nlbl
						if a > b {
							a, b = b, a
						}
						counts[[2]int64{a, b}]++
					}
				}
			}
		}
		for pair, n := range counts {
			adjacency.AddEdge(basinVertexID(pair[0]), basinVertexID(pair[1]), n)
		}
		return basinOut.WriteWindowInt64(ctx, d.Interior, out)
	})
	if err != nil {
		return nil, err
	}

	return adjacency, nil
}

func basinVertexID(id int64) string {
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf []byte
	for id > 0 {
		buf = append([]byte{digits[id%10]}, buf...)
		id /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

// localPropagate grows the upstream search one hop further within d's
// buffered window, seeded from every cell already present in labels
// (whether owned by this tile or visible only through its halo). It
// returns the newly-discovered labels for cells within d.Interior; halo
// discoveries are used to keep expanding but are never returned, since a
// tile may only report cells it owns.
func localPropagate(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, labels map[[2]int]int64) map[[2]int]int64 {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	bRows, bCols := dirBuf.Rows, dirBuf.Cols
	out := make(map[[2]int]int64)

	toGlobal := func(br, bc int) [2]int {
		return [2]int{d.Interior.Row + (br - d.HaloRow), d.Interior.Col + (bc - d.HaloCol)}
	}

	type queued struct {
		br, bc int
		label  int64
	}
	var queue []queued
	known := make(map[[2]int]bool)

	for br := 0; br < bRows; br++ {
		for bc := 0; bc < bCols; bc++ {
			if lbl, ok := labels[toGlobal(br, bc)]; ok {
				queue = append(queue, queued{br, bc, lbl})
				known[[2]int{br, bc}] = true
			}
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dir := 0; dir < 8; dir++ {
			pbr, pbc := cur.br+grid.DRow[dir], cur.bc+grid.DCol[dir]
			if !grid.InBounds(pbr, pbc, bRows, bCols) || known[[2]int{pbr, pbc}] {
				continue
			}
			pcode := dirBuf.At(pbr, pbc)
			if pcode >= 8 {
				continue
			}
			tbr, tbc := pbr+grid.DRow[pcode], pbc+grid.DCol[pcode]
			if tbr != cur.br || tbc != cur.bc {
				continue // doesn't actually flow into cur
			}
			known[[2]int{pbr, pbc}] = true
			lr, lc := pbr-d.HaloRow, pbc-d.HaloCol
			if lr >= 0 && lr < iRows && lc >= 0 && lc < iCols {
				out[toGlobal(pbr, pbc)] = cur.label
			}
			queue = append(queue, queued{pbr, pbc, cur.label})
		}
	}
	return out
}

// findOutlets tile-locally scans for true outlets: cells whose flow code is
// undefined, or whose downstream neighbour is off-raster or itself nodata.
func findOutlets(ctx context.Context, dirSrc raster.ByteSource, plan scheduler.Plan, opt Options, progress scheduler.Progress) ([][2]int, error) {
	results := make([][][2]int, len(plan.Tiles))
	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "basin.outlets", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "basin", "read direction window", err)
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
	sort.Slice(all, func(i, j int) bool {
		if all[i][0] != all[j][0] {
			return all[i][0] < all[j][0]
		}
		return all[i][1] < all[j][1]
	})
	return all, nil
}

// buildSeeds resolves the basin mouths to grow from: either every detected
// outlet (Options.AllBasins) or the caller's drainage points, each snapped
// onto the cell of greatest flow accumulation within SnapRadius cells
// (§4.8). A point with no valid accumulation cell in range is dropped; the
// total dropped count is reported via progress.
func buildSeeds(ctx context.Context, outlets [][2]int, points raster.VectorSource, accSrc raster.Int64Source, gt raster.GeoTransform, opt Options, progress scheduler.Progress) ([]seed, error) {
	if opt.AllBasins || points == nil {
		seeds := make([]seed, len(outlets))
		for i, o := range outlets {
			seeds[i] = seed{Row: o[0], Col: o[1], BasinID: int64(i + 1)}
		}
		return seeds, nil
	}

	pts, err := points.ReadPoints(opt.Layer)
	if err != nil {
		return nil, herr.New(herr.IoError, "basin", "read drainage points", err)
	}

	radius := opt.SnapRadius
	if radius < 0 {
		radius = 0
	}

	var seeds []seed
	dropped := 0
	for _, p := range pts {
		row, col := gt.CellIndex(p.Pt.X(), p.Pt.Y())
		hitRow, hitCol, ok, err := snapToAccumulationMax(ctx, accSrc, row, col, radius)
		if err != nil {
			return nil, err
		}
		if !ok {
			dropped++
			continue
		}
		seeds = append(seeds, seed{Row: hitRow, Col: hitCol, BasinID: p.FID})
	}
	if progress != nil {
		progress("basin.dropped_points", dropped, len(pts))
	}
	return seeds, nil
}

// snapToAccumulationMax searches the square window of the given radius
// around (row,col), clipped to a circle of that radius, and returns the
// cell with the greatest accumulation value. With accSrc nil (no
// accumulation raster available) it falls back to the point's own cell,
// accepted as long as it lies on the raster. ok is false when nothing
// valid was found within range.
func snapToAccumulationMax(ctx context.Context, accSrc raster.Int64Source, row, col int, radius float64) (hitRow, hitCol int, ok bool, err error) {
	if accSrc == nil {
		if row < 0 || col < 0 {
			return 0, 0, false, nil
		}
		return row, col, true, nil
	}

	w, h := accSrc.Width(), accSrc.Height()
	ir := int(math.Ceil(radius))
	r0, r1 := row-ir, row+ir
	c0, c1 := col-ir, col+ir
	if r0 < 0 {
		r0 = 0
	}
	if c0 < 0 {
		c0 = 0
	}
	if r1 >= h {
		r1 = h - 1
	}
	if c1 >= w {
		c1 = w - 1
	}
	if r0 > r1 || c0 > c1 {
		return 0, 0, false, nil
	}

	win := raster.Window{Row: r0, Col: c0, Rows: r1 - r0 + 1, Cols: c1 - c0 + 1}
	buf, err := accSrc.ReadWindowInt64(ctx, win)
	if err != nil {
		return 0, 0, false, herr.New(herr.IoError, "basin", "read accumulation window for snap", err)
	}
	nodata := int64(accSrc.NoData())

	var bestVal int64
	found := false
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			dr, dc := float64(r-row), float64(c-col)
			if math.Sqrt(dr*dr+dc*dc) > radius {
				continue
			}
			v := buf.At(r-r0, c-c0)
			if v == nodata {
				continue
			}
			if !found || v > bestVal {
				bestVal, hitRow, hitCol, found = v, r, c, true
			}
		}
	}
	return hitRow, hitCol, found, nil
}
