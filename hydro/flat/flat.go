// Package flat implements the tiled Flat Resolution of spec §4.5: every
// code-8 (undefined direction) cell left by package d8 that has a lower or
// nodata neighbour, or an equal-elevation route to such a cell, is resolved
// to a direction that eventually reaches lower terrain or nodata, using two
// BFS distance fields (distance to the nearest high edge, distance to the
// nearest low edge) combined into a synthetic gradient mask. Code-8 cells
// with no such route inside the raster (an enclosed pit, or a low cell
// whose only descent is off the raster edge) stay code 8.
//
// Grounded on the local/global/finalize tiling shape of package fill (itself
// grounded on tools/fillDepressions.go), since the teacher has no flat-
// resolution tool of its own — d8FlowAccumulation.go simply leaves code-8
// cells unresolved. The BFS-distance-field technique follows the
// Garbrecht & Martz "away from higher / towards lower" combination
// described in spec §4.5.
package flat

import (
	"context"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/internal/pqueue"
	"github.com/jblindsay/terraflow/raster"
)

const undefined = 8
const nodataDir = 9

// Options configures the flat-resolution stage (§6).
type Options struct {
	ChunkSize    int
	FlatChunkMax int // flat_chunk_max: per-stage cap on tile side
	Workers      int
}

func (o Options) effectiveChunk() int {
	c := o.ChunkSize
	if o.FlatChunkMax > 0 && (c <= 0 || c > o.FlatChunkMax) {
		c = o.FlatChunkMax
	}
	return c
}

// perimeterCell is one interior flat cell that sits on a tile boundary.
type perimeterCell struct {
	row, col   int
	localGHigh int // -1 = unreachable within this tile
	localGLow  int
}

type crossEdge struct {
	a, b [2]int // global coords
}

type tileResult struct {
	desc       scheduler.Descriptor
	perimeter  []perimeterCell
	crossEdges []crossEdge
}

// Run resolves every code-8 cell in dirIn, writing the corrected direction
// raster to dirOut. dem supplies elevations (for classifying high/low edges
// and for same-elevation flat adjacency); dirOut receives every cell
// unchanged except code-8 cells with a route to lower terrain or nodata,
// which receive a direction in {0..7}; the other code-8 cells stay 8.
func Run(ctx context.Context, dem raster.Source, dirIn raster.ByteSource, dirOut raster.ByteSink, opt Options, progress scheduler.Progress) error {
	chunk := opt.effectiveChunk()
	plan := scheduler.BuildPlan(dem.Width(), dem.Height(), chunk, 1)
	nodata := dem.NoData()
	results := make([]tileResult, len(plan.Tiles))

	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flat.local", func(ctx context.Context, d scheduler.Descriptor) error {
		demBuf, err := dem.ReadWindow(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flat", "read dem window", err)
		}
		dirBuf, err := dirIn.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flat", "read direction window", err)
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = localFlatScan(d, demBuf, dirBuf, nodata)
		return nil
	})
	if err != nil {
		return err
	}

	globalGHigh, globalGLow := globalSolve(results)

	return scheduler.Run(ctx, plan, opt.Workers, nil, progress, "flat.finalize", func(ctx context.Context, d scheduler.Descriptor) error {
		demBuf, err := dem.ReadWindow(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flat", "read dem window", err)
		}
		dirBuf, err := dirIn.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "flat", "read direction window", err)
		}
		out := finalizeTile(d, demBuf, dirBuf, nodata, globalGHigh, globalGLow)
		if err := dirOut.WriteWindowByte(ctx, d.Interior, out); err != nil {
			return herr.New(herr.IoError, "flat", "write window", err)
		}
		return nil
	})
}

func isFlatCell(dirBuf *raster.ByteBuffer, demBuf *raster.Buffer, r, c int, nodata float64) bool {
	return dirBuf.At(r, c) == undefined && float64(demBuf.At(r, c)) != nodata
}

// classify returns, for every cell in the buffered window, whether it is a
// high-edge or low-edge flat cell (§4.5).
func classify(demBuf *raster.Buffer, dirBuf *raster.ByteBuffer, nodata float64) (flat, high, low [][]bool) {
	rows, cols := demBuf.Rows, demBuf.Cols
	flat = grid.New[bool](rows, cols)
	high = grid.New[bool](rows, cols)
	low = grid.New[bool](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !isFlatCell(dirBuf, demBuf, r, c, nodata) {
				continue
			}
			flat[r][c] = true
			z := float64(demBuf.At(r, c))
			for dir := 0; dir < 8; dir++ {
				nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
				if !grid.InBounds(nr, nc, rows, cols) {
					continue
				}
				nz := float64(demBuf.At(nr, nc))
				if nz == nodata {
					low[r][c] = true
					continue
				}
				if nz > z {
					high[r][c] = true
				} else if nz < z {
					low[r][c] = true
				} else if dirBuf.At(nr, nc) != undefined && dirBuf.At(nr, nc) != nodataDir {
					// Equal-elevation neighbor that D8 already resolved: it
					// borders lower ground itself, so this cell drains
					// through it and counts as a low edge of the flat.
					low[r][c] = true
				}
			}
		}
	}
	return flat, high, low
}

// bfsWithin computes unweighted BFS hop distance from the given sources,
// restricted to traveling through flat cells. Returns -1 for unreachable
// cells.
func bfsWithin(flat, sources [][]bool, rows, cols int) [][]int {
	dist := grid.New[int](rows, cols)
	grid.Fill(dist, -1)
	q := pqueue.NewFIFO[[2]int]()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if flat[r][c] && sources[r][c] {
				dist[r][c] = 0
				q.Push([2]int{r, c})
			}
		}
	}
	for q.Len() > 0 {
		p := q.Pop()
		r, c := p[0], p[1]
		for dir := 0; dir < 8; dir++ {
			nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
			if !grid.InBounds(nr, nc, rows, cols) || !flat[nr][nc] || dist[nr][nc] != -1 {
				continue
			}
			dist[nr][nc] = dist[r][c] + 1
			q.Push([2]int{nr, nc})
		}
	}
	return dist
}

// localFlatScan is the local phase: classify flat cells, compute within-
// tile gHigh/gLow, and extract perimeter records plus cross-tile adjacency
// edges for the global phase.
func localFlatScan(d scheduler.Descriptor, demBuf *raster.Buffer, dirBuf *raster.ByteBuffer, nodata float64) tileResult {
	rows, cols := demBuf.Rows, demBuf.Cols
	flatG, high, low := classify(demBuf, dirBuf, nodata)
	gHigh := bfsWithin(flatG, high, rows, cols)
	gLow := bfsWithin(flatG, low, rows, cols)

	res := tileResult{desc: d}
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	for r := 0; r < iRows; r++ {
		br := r + d.HaloRow
		for c := 0; c < iCols; c++ {
			bc := c + d.HaloCol
			if !flatG[br][bc] {
				continue
			}
			onBoundary := r == 0 || r == iRows-1 || c == 0 || c == iCols-1
			if !onBoundary {
				continue
			}
			gr, gc := d.Interior.Row+r, d.Interior.Col+c
			res.perimeter = append(res.perimeter, perimeterCell{row: gr, col: gc, localGHigh: gHigh[br][bc], localGLow: gLow[br][bc]})
			z := float64(demBuf.At(br, bc))
			for dir := 0; dir < 8; dir++ {
				if !isBoundaryFacing(r, c, dir, iRows, iCols) || !d.HaloPresent[dir] {
					continue
				}
				nbr, nbc := br+grid.DRow[dir], bc+grid.DCol[dir]
				if !grid.InBounds(nbr, nbc, rows, cols) || !flatG[nbr][nbc] {
					continue
				}
				if float64(demBuf.At(nbr, nbc)) != z {
					continue
				}
				ngr, ngc := gr+grid.DRow[dir], gc+grid.DCol[dir]
				res.crossEdges = append(res.crossEdges, crossEdge{a: [2]int{gr, gc}, b: [2]int{ngr, ngc}})
			}
		}
	}
	return res
}

func isBoundaryFacing(r, c, dir, rows, cols int) bool {
	switch dir {
	case 0:
		return c == cols-1
	case 2:
		return r == 0
	case 4:
		return c == 0
	case 6:
		return r == rows-1
	case 1:
		return r == 0 && c == cols-1
	case 3:
		return r == 0 && c == 0
	case 5:
		return r == rows-1 && c == 0
	case 7:
		return r == rows-1 && c == cols-1
	}
	return false
}

// globalSolve runs two independent multi-source Dijkstra relaxations (unit
// edge weight) over the perimeter flat-cell graph: one for gHigh, one for
// gLow, seeded with every perimeter cell's finite within-tile distance and
// relaxed across cross-tile adjacency edges.
func globalSolve(results []tileResult) (map[[2]int]int, map[[2]int]int) {
	adj := make(map[[2]int][][2]int)
	for _, res := range results {
		for _, e := range res.crossEdges {
			adj[e.a] = append(adj[e.a], e.b)
			adj[e.b] = append(adj[e.b], e.a)
		}
	}

	relax := func(seed func(perimeterCell) (int, bool)) map[[2]int]int {
		dist := make(map[[2]int]int)
		hq := pqueue.New[[2]int]()
		for _, res := range results {
			for _, p := range res.perimeter {
				if v, ok := seed(p); ok {
					cell := [2]int{p.row, p.col}
					if cur, ok := dist[cell]; !ok || v < cur {
						dist[cell] = v
						hq.Push(cell, float64(v))
					}
				}
			}
		}
		visited := make(map[[2]int]bool)
		for hq.Len() > 0 {
			u, pr := hq.Pop()
			if visited[u] {
				continue
			}
			visited[u] = true
			for _, v := range adj[u] {
				cand := int(pr) + 1
				if cur, ok := dist[v]; !ok || cand < cur {
					dist[v] = cand
					hq.Push(v, float64(cand))
				}
			}
		}
		return dist
	}

	gHigh := relax(func(p perimeterCell) (int, bool) { return p.localGHigh, p.localGHigh >= 0 })
	gLow := relax(func(p perimeterCell) (int, bool) { return p.localGLow, p.localGLow >= 0 })
	return gHigh, gLow
}

// dijkstraWithin recomputes a distance field over a tile's flat cells,
// seeded both by the tile-local sources (distance 0) and by any improved
// global distances discovered for its perimeter cells.
func dijkstraWithin(flat [][]bool, localSources [][]bool, rows, cols int, extraSeeds map[[2]int]int) [][]int {
	dist := grid.New[int](rows, cols)
	grid.Fill(dist, -1)
	visited := grid.New[bool](rows, cols)
	hq := pqueue.New[[2]int]()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if flat[r][c] && localSources[r][c] {
				hq.Push([2]int{r, c}, 0)
			}
		}
	}
	for cell, v := range extraSeeds {
		hq.Push(cell, float64(v))
	}
	for hq.Len() > 0 {
		p, pr := hq.Pop()
		r, c := p[0], p[1]
		if visited[r][c] {
			continue
		}
		visited[r][c] = true
		dist[r][c] = int(pr)
		for dir := 0; dir < 8; dir++ {
			nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
			if !grid.InBounds(nr, nc, rows, cols) || !flat[nr][nc] || visited[nr][nc] {
				continue
			}
			hq.Push([2]int{nr, nc}, pr+1)
		}
	}
	return dist
}

// finalizeTile recomputes the distance fields seeded with the global
// corrections and assigns a direction to every code-8 interior cell.
func finalizeTile(d scheduler.Descriptor, demBuf *raster.Buffer, dirBuf *raster.ByteBuffer, nodata float64, globalGHigh, globalGLow map[[2]int]int) *raster.ByteBuffer {
	rows, cols := demBuf.Rows, demBuf.Cols
	flatG, high, low := classify(demBuf, dirBuf, nodata)

	seeds := func(field map[[2]int]int, local [][]int) map[[2]int]int {
		extra := make(map[[2]int]int)
		for r := 0; r < rows; r++ {
			br := r - d.HaloRow
			if br < 0 || br >= d.Interior.Rows {
				continue
			}
			for c := 0; c < cols; c++ {
				bc := c - d.HaloCol
				if bc < 0 || bc >= d.Interior.Cols {
					continue
				}
				gr, gc := d.Interior.Row+br, d.Interior.Col+bc
				v, ok := field[[2]int{gr, gc}]
				if !ok {
					continue
				}
				if cur := local[r][c]; cur == -1 || v < cur {
					extra[[2]int{r, c}] = v
				}
			}
		}
		return extra
	}

	localGHigh := bfsWithin(flatG, high, rows, cols)
	localGLow := bfsWithin(flatG, low, rows, cols)
	gHigh := dijkstraWithin(flatG, high, rows, cols, seeds(globalGHigh, localGHigh))
	gLow := dijkstraWithin(flatG, low, rows, cols, seeds(globalGLow, localGLow))

	out := &raster.ByteBuffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]byte, d.Interior.Rows*d.Interior.Cols)}
	for r := 0; r < d.Interior.Rows; r++ {
		br := r + d.HaloRow
		for c := 0; c < d.Interior.Cols; c++ {
			bc := c + d.HaloCol
			code := dirBuf.At(br, bc)
			if float64(demBuf.At(br, bc)) == nodata {
				out.Set(r, c, nodataDir)
				continue
			}
			if code != undefined {
				out.Set(r, c, code)
				continue
			}
			out.Set(r, c, resolveDirection(demBuf, dirBuf, flatG, gHigh, gLow, br, bc, nodata))
		}
	}
	return out
}

// resolveDirection picks the outgoing direction for one flat cell: a
// strictly lower or nodata neighbor is taken immediately (steepest such
// neighbor, as in D8); failing that, an equal-elevation neighbor that D8
// already resolved is an immediate exit too (it necessarily drains away,
// per the low-edge rule in classify); otherwise the same-elevation flat
// neighbor minimizing M = 2*gLow+gHigh is chosen, ties broken toward the
// shorter (cardinal) step.
func resolveDirection(demBuf *raster.Buffer, dirBuf *raster.ByteBuffer, flatG [][]bool, gHigh, gLow [][]int, r, c int, nodata float64) byte {
	z := float64(demBuf.At(r, c))
	rows, cols := demBuf.Rows, demBuf.Cols

	bestSlope := -1.0
	bestDir := -1
	bestExitDist := -1.0
	exitDir := -1
	for dir := 0; dir < 8; dir++ {
		nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
		if !grid.InBounds(nr, nc, rows, cols) {
			continue
		}
		nz := float64(demBuf.At(nr, nc))
		if nz == nodata {
			if bestDir == -1 {
				bestDir = dir
			}
			continue
		}
		if nz < z {
			slope := (z - nz) / grid.Dist[dir]
			if slope > bestSlope {
				bestSlope = slope
				bestDir = dir
			}
		} else if nz == z && !flatG[nr][nc] {
			code := dirBuf.At(nr, nc)
			if code != undefined && code != nodataDir {
				if exitDir == -1 || grid.Dist[dir] < bestExitDist {
					exitDir = dir
					bestExitDist = grid.Dist[dir]
				}
			}
		}
	}
	if bestDir != -1 {
		return byte(bestDir)
	}
	if exitDir != -1 {
		return byte(exitDir)
	}

	bestM := -1
	bestDist := 0.0
	chosen := -1
	for dir := 0; dir < 8; dir++ {
		nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
		if !grid.InBounds(nr, nc, rows, cols) || !flatG[nr][nc] {
			continue
		}
		if float64(demBuf.At(nr, nc)) != z {
			continue
		}
		gh, gl := gHigh[nr][nc], gLow[nr][nc]
		if gl == -1 {
			continue
		}
		if gh == -1 {
			gh = 0 // no high edge anywhere in this flat; drop the away-from-higher term
		}
		m := 2*gl + gh
		d := grid.Dist[dir]
		if chosen == -1 || m < bestM || (m == bestM && d < bestDist) {
			bestM = m
			bestDist = d
			chosen = dir
		}
	}
	if chosen == -1 {
		return undefined
	}
	return byte(chosen)
}
