// Package fill implements the Priority-Flood depression fill of spec §4.2:
// a tile-local Barnes-Lehman-Mulla priority-flood (min-heap plus a FIFO pit
// queue that has priority over the heap) producing a per-tile watershed
// label raster and a boundary spill graph, followed by a single-threaded
// global graph solve and a parallel finalize pass.
//
// Grounded on tools/fillDepressions.go and tools/benchmarkFillDepressions.go
// (the teacher's single-pass priority-flood and its pit-queue-over-heap
// structure), generalized from one in-memory pass to the tiled local/
// global/finalize phases the spec requires, and on
// tools/breachDepressions.go's hand-rolled PQueue for the heap shape
// (consolidated into internal/pqueue).
package fill

import (
	"context"
	"math"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/internal/pqueue"
	"github.com/jblindsay/terraflow/raster"
)

// Label identifies a maximal connected watershed region found during the
// local phase. Label 1 is reserved for "edge"/off-raster (§3); real labels
// start at 2 and are namespaced by tile index so they stay unique across
// the whole raster without a global counter: (tileIndex<<32 | localSeq).
type Label int64

const EdgeLabel Label = 1

// Options configures the fill stage (§6).
type Options struct {
	ChunkSize int  // chunk_size
	FillHoles bool // fill_holes
	Workers   int
}

// spillEdge is a deduplicated (min-kept) edge of the global spill graph
// (§3 "Spill graph edge").
type spillEdge struct{ a, b Label }

// tileResult is everything the local phase needs to hand to the global
// phase.
type tileResult struct {
	desc       scheduler.Descriptor
	orig       []float64 // interior, row-major, original elevations
	filled     []float64 // interior, row-major, elevations after the local flood
	labels     []Label   // interior, row-major
	edgeTouch  map[Label]bool
	spills     map[spillEdge]float64
	perimeter  []perimRecord
}

type perimRecord struct {
	row, col int // global cell coords
	dir      int // direction facing the neighbour tile
	label    Label
	z        float64
	isNodata bool
}

// Run executes the full fill stage: local phase, global graph solve,
// finalize. src provides the conditioned-or-raw DEM; sink receives the
// filled DEM (§6 "Conditioned DEM").
func Run(ctx context.Context, src raster.Source, sink raster.Sink, opt Options, progress scheduler.Progress) error {
	plan := scheduler.BuildPlan(src.Width(), src.Height(), opt.ChunkSize, 1)
	results := make([]tileResult, len(plan.Tiles))
	nodata := src.NoData()

	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "fill.local", func(ctx context.Context, d scheduler.Descriptor) error {
		buf, err := src.ReadWindow(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "fill", "read window", err)
		}
		res := localPriorityFlood(d, buf, nodata, opt.FillHoles)
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = res
		return nil
	})
	if err != nil {
		return err
	}

	fillElev := globalSolve(plan, results)

	return scheduler.Run(ctx, plan, opt.Workers, nil, progress, "fill.finalize", func(ctx context.Context, d scheduler.Descriptor) error {
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		res := results[idx]
		out := &raster.Buffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]float32, d.Interior.Rows*d.Interior.Cols)}
		for r := 0; r < d.Interior.Rows; r++ {
			for c := 0; c < d.Interior.Cols; c++ {
				i := r*d.Interior.Cols + c
				z := res.filled[i]
				if z == nodata {
					out.Set(r, c, float32(nodata))
					continue
				}
				if fe, ok := fillElev[res.labels[i]]; ok && fe > z {
					z = fe
				}
				out.Set(r, c, float32(z))
			}
		}
		if err := sink.WriteWindow(ctx, d.Interior, out); err != nil {
			return herr.New(herr.IoError, "fill", "write window", err)
		}
		return nil
	})
}

// localPriorityFlood runs the per-tile phase described in §4.2's "Local
// phase" paragraph.
func localPriorityFlood(d scheduler.Descriptor, buf *raster.Buffer, nodata float64, fillHoles bool) tileResult {
	rows, cols := buf.Rows, buf.Cols
	work := grid.New[float64](rows, cols)
	orig := grid.New[float64](rows, cols)
	labels := grid.New[Label](rows, cols)
	seedElev := grid.New[float64](rows, cols)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			z := float64(buf.At(r, c))
			orig[r][c] = z
			work[r][c] = z
		}
	}

	if fillHoles {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if orig[r][c] != nodata {
					continue
				}
				min := math.Inf(1)
				for dir := 0; dir < 8; dir++ {
					nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
					if !grid.InBounds(nr, nc, rows, cols) {
						continue
					}
					if v := orig[nr][nc]; v != nodata && v < min {
						min = v
					}
				}
				seedElev[r][c] = min
			}
		}
	}

	h := pqueue.New[[2]int]()
	pits := pqueue.NewFIFO[[2]int]()
	tileIdx := int64(d.Origin.Row)*int64(1<<20) + int64(d.Origin.Col)
	nextSeq := int64(2)
	edgeTouch := make(map[Label]bool)

	newLabel := func() Label {
		l := Label(tileIdx<<32 | nextSeq)
		nextSeq++
		return l
	}

	isTrueBorder := func(r, c int) bool {
		return (r == 0 && !d.HaloPresent[2]) || (r == rows-1 && !d.HaloPresent[6]) ||
			(c == 0 && !d.HaloPresent[4]) || (c == cols-1 && !d.HaloPresent[0])
	}

	seedPriority := func(r, c int) (float64, bool) {
		z := work[r][c]
		if z == nodata {
			if fillHoles {
				return seedElev[r][c], false
			}
			return math.Inf(-1), true
		}
		if isTrueBorder(r, c) {
			return z, true
		}
		return z, false
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if r != 0 && r != rows-1 && c != 0 && c != cols-1 {
				continue
			}
			p, _ := seedPriority(r, c)
			h.Push([2]int{r, c}, p)
		}
	}

	edgeSeed := grid.New[bool](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if r == 0 || r == rows-1 || c == 0 || c == cols-1 {
				_, edge := seedPriority(r, c)
				edgeSeed[r][c] = edge
			}
		}
	}

	spills := make(map[spillEdge]float64)
	recordSpill := func(a, b Label, z float64) {
		if a == b {
			return
		}
		e := spillEdge{a, b}
		if a > b {
			e = spillEdge{b, a}
		}
		if cur, ok := spills[e]; !ok || z < cur {
			spills[e] = z
		}
	}

	visit := func(r, c int, fromLabel Label, fromZ float64) {
		if labels[r][c] != 0 {
			if labels[r][c] != fromLabel {
				recordSpill(fromLabel, labels[r][c], math.Max(fromZ, work[r][c]))
			}
			return
		}
		labels[r][c] = fromLabel
		if edgeSeed[r][c] {
			edgeTouch[fromLabel] = true
		}
	}

	pop := func() (int, int, bool) {
		if pits.Len() > 0 {
			p := pits.Pop()
			return p[0], p[1], true
		}
		if h.Len() > 0 {
			p, _ := h.Pop()
			return p[0], p[1], true
		}
		return 0, 0, false
	}

	for {
		r, c, ok := pop()
		if !ok {
			break
		}
		if labels[r][c] == 0 {
			labels[r][c] = newLabel()
			if edgeSeed[r][c] {
				edgeTouch[labels[r][c]] = true
			}
		}
		curLabel := labels[r][c]
		z := work[r][c]
		for dir := 0; dir < 8; dir++ {
			nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
			if !grid.InBounds(nr, nc, rows, cols) {
				continue
			}
			nz := work[nr][nc]
			if orig[nr][nc] == nodata && !fillHoles {
				visit(nr, nc, curLabel, z)
				continue
			}
			if labels[nr][nc] != 0 {
				if labels[nr][nc] != curLabel {
					recordSpill(curLabel, labels[nr][nc], math.Max(z, nz))
				}
				continue
			}
			labels[nr][nc] = curLabel
			if edgeSeed[nr][nc] {
				edgeTouch[curLabel] = true
			}
			if nz <= z {
				work[nr][nc] = z
				pits.Push([2]int{nr, nc})
			} else {
				h.Push([2]int{nr, nc}, nz)
			}
		}
	}

	// Extract interior results and perimeter stitching records.
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	res := tileResult{
		desc:      d,
		orig:      make([]float64, iRows*iCols),
		filled:    make([]float64, iRows*iCols),
		labels:    make([]Label, iRows*iCols),
		edgeTouch: edgeTouch,
		spills:    spills,
	}
	for r := 0; r < iRows; r++ {
		br := r + d.HaloRow
		for c := 0; c < iCols; c++ {
			bc := c + d.HaloCol
			i := r*iCols + c
			res.orig[i] = orig[br][bc]
			res.filled[i] = work[br][bc]
			res.labels[i] = labels[br][bc]
		}
	}

	// Perimeter records: interior cells on a border shared with an
	// existing neighbour tile (cardinal directions only; the spill graph
	// for diagonals is already captured through the 8-neighbour sweep
	// inside each tile's own halo).
	for r := 0; r < iRows; r++ {
		for c := 0; c < iCols; c++ {
			i := r*iCols + c
			for _, dir := range []int{0, 2, 4, 6} {
				if !d.HaloPresent[dir] {
					continue
				}
				onEdge := (dir == 0 && c == iCols-1) || (dir == 4 && c == 0) ||
					(dir == 2 && r == 0) || (dir == 6 && r == iRows-1)
				if !onEdge {
					continue
				}
				res.perimeter = append(res.perimeter, perimRecord{
					row: d.Interior.Row + r, col: d.Interior.Col + c, dir: dir,
					label: res.labels[i], z: res.orig[i], isNodata: res.orig[i] == nodata,
				})
			}
		}
	}

	return res
}

// globalSolve unions every tile's spill graph, stitches inter-tile edges,
// and runs a minimax priority-flood (§4.2 "Global phase") seeded at every
// edge-touching label with -inf, so fillElev[label] is the minimum over
// all paths to the raster edge of the maximum spill elevation along the
// path.
func globalSolve(plan scheduler.Plan, results []tileResult) map[Label]float64 {
	adj := make(map[Label]map[Label]float64)
	addEdge := func(a, b Label, w float64) {
		if a == b {
			return
		}
		if adj[a] == nil {
			adj[a] = make(map[Label]float64)
		}
		if cur, ok := adj[a][b]; !ok || w < cur {
			adj[a][b] = w
		}
		if adj[b] == nil {
			adj[b] = make(map[Label]float64)
		}
		if cur, ok := adj[b][a]; !ok || w < cur {
			adj[b][a] = w
		}
	}

	edgeTouch := make(map[Label]bool)
	for _, res := range results {
		for e, w := range res.spills {
			addEdge(e.a, e.b, w)
		}
		for l := range res.edgeTouch {
			edgeTouch[l] = true
		}
	}

	// Stitch inter-tile edges: each perimeter record meets the mirrored
	// record in the neighbouring tile.
	perimByCell := make(map[[2]int]perimRecord)
	for _, res := range results {
		for _, p := range res.perimeter {
			perimByCell[[2]int{p.row, p.col}] = p
		}
	}
	for _, res := range results {
		for _, p := range res.perimeter {
			nr, nc := p.row+grid.DRow[p.dir], p.col+grid.DCol[p.dir]
			if mirror, ok := perimByCell[[2]int{nr, nc}]; ok {
				if p.isNodata || mirror.isNodata {
					continue
				}
				addEdge(p.label, mirror.label, math.Max(p.z, mirror.z))
			}
		}
	}

	dist := make(map[Label]float64)
	hq := pqueue.New[Label]()
	for l := range edgeTouch {
		dist[l] = math.Inf(-1)
		hq.Push(l, math.Inf(-1))
	}
	visited := make(map[Label]bool)
	for hq.Len() > 0 {
		u, d := hq.Pop()
		if visited[u] {
			continue
		}
		visited[u] = true
		for v, w := range adj[u] {
			cand := math.Max(d, w)
			if cur, ok := dist[v]; !ok || cand < cur {
				dist[v] = cand
				hq.Push(v, cand)
			}
		}
	}
	return dist
}
