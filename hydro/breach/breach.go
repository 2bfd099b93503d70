// Package breach implements the Least-Cost Breach of spec §4.3: a
// single-cell sweep for trivial pits, followed by a bounded-window Dijkstra
// carve for anything the sweep can't resolve, tiled with a halo equal to
// the search radius.
//
// Grounded on tools/breachDepressions.go (the pit-queue-and-PQueue shape
// of the teacher's single-pass breach), generalized to the tiled local/
// finalize split the rest of the pipeline uses and to a min-heap Dijkstra
// over a bounded window instead of the teacher's full-raster pass.
package breach

import (
	"context"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/internal/pqueue"
	"github.com/jblindsay/terraflow/raster"
)

// Options configures the breach stage (§6, plus the supplemented
// MaxPathLength/MaxPathDepth/Constrained knobs of the teacher's
// BreachDepressions tool — see SPEC_FULL.md §12).
type Options struct {
	SearchRadius  int     // search_radius; also the tile halo
	MaxCost       float64 // max_cost; <=0 means unbounded
	MaxPathLength int     // cap on breach path length in cells; <=0 unbounded
	MaxPathDepth  float64 // cap on zPit-zTerm; <=0 unbounded
	Constrained   bool    // restrict Dijkstra edges to non-rising steps
	Epsilon       float64 // epsilon; <=0 defaults to 1e-5
	ChunkSize     int
	Workers       int
}

func (o Options) radius() int {
	if o.SearchRadius <= 0 {
		return 2
	}
	return o.SearchRadius
}

func (o Options) epsilon() float64 {
	if o.Epsilon <= 0 {
		return 1e-5
	}
	return o.Epsilon
}

// tileResult carries one tile's proposed elevation overrides, keyed by
// global cell coordinates: a tile's search window can extend past its own
// Interior into a neighbour's, so two tiles may independently propose a
// value for the same cell (§4.3 "Tiling").
type tileResult struct {
	overrides map[[2]int]float64
	solved    int
	unsolved  int
}

// Run executes the breach stage: local phase (sweep + bounded Dijkstra per
// tile), a trivial global merge that keeps the lowest of any competing
// proposals, and a finalize pass that never raises a cell above its input.
func Run(ctx context.Context, src raster.Source, sink raster.Sink, opt Options, progress scheduler.Progress) error {
	rad := opt.radius()
	plan := scheduler.BuildPlan(src.Width(), src.Height(), opt.ChunkSize, rad)
	results := make([]tileResult, len(plan.Tiles))
	nodata := src.NoData()

	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "breach.local", func(ctx context.Context, d scheduler.Descriptor) error {
		buf, err := src.ReadWindow(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "breach", "read window", err)
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = localBreach(d, buf, nodata, opt)
		return nil
	})
	if err != nil {
		return err
	}

	merged := mergeOverrides(results)

	return scheduler.Run(ctx, plan, opt.Workers, nil, progress, "breach.finalize", func(ctx context.Context, d scheduler.Descriptor) error {
		buf, err := src.ReadWindow(ctx, d.Interior)
		if err != nil {
			return herr.New(herr.IoError, "breach", "read interior", err)
		}
		out := &raster.Buffer{Rows: d.Interior.Rows, Cols: d.Interior.Cols, Data: make([]float32, d.Interior.Rows*d.Interior.Cols)}
		for r := 0; r < d.Interior.Rows; r++ {
			for c := 0; c < d.Interior.Cols; c++ {
				z := float64(buf.At(r, c))
				if z == nodata {
					out.Set(r, c, float32(nodata))
					continue
				}
				if ov, ok := merged[[2]int{d.Interior.Row + r, d.Interior.Col + c}]; ok && ov < z {
					z = ov
				}
				out.Set(r, c, float32(z))
			}
		}
		if err := sink.WriteWindow(ctx, d.Interior, out); err != nil {
			return herr.New(herr.IoError, "breach", "write window", err)
		}
		return nil
	})
}

func mergeOverrides(results []tileResult) map[[2]int]float64 {
	merged := make(map[[2]int]float64)
	for _, res := range results {
		for cell, z := range res.overrides {
			if cur, ok := merged[cell]; !ok || z < cur {
				merged[cell] = z
			}
		}
	}
	return merged
}

// localBreach runs Phase A then Phase B over a tile's buffered window, in
// deterministic row-major scan order (§4.3).
func localBreach(d scheduler.Descriptor, buf *raster.Buffer, nodata float64, opt Options) tileResult {
	rows, cols := buf.Rows, buf.Cols
	work := grid.New[float64](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			work[r][c] = float64(buf.At(r, c))
		}
	}

	res := tileResult{overrides: make(map[[2]int]float64)}
	rad := opt.radius()

	propose := func(r, c int, z float64) {
		cell := [2]int{d.Buffered.Row + r, d.Buffered.Col + c}
		if cur, ok := res.overrides[cell]; !ok || z < cur {
			res.overrides[cell] = z
		}
	}

	isPit := func(r, c int) bool {
		z := work[r][c]
		if z == nodata {
			return false
		}
		sawHigher := false
		for dir := 0; dir < 8; dir++ {
			nr, nc := r+grid.DRow[dir], c+grid.DCol[dir]
			if !grid.InBounds(nr, nc, rows, cols) {
				continue
			}
			nz := work[nr][nc]
			if nz == nodata {
				continue
			}
			if nz < z {
				return false
			}
			if nz > z {
				sawHigher = true
			}
		}
		return sawHigher
	}

	solvedByA := make(map[[2]int]bool)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !isPit(r, c) {
				continue
			}
			z := work[r][c]
			for dir := 0; dir < 8; dir++ {
				ir, ic := r+grid.DRow[dir], c+grid.DCol[dir]
				tr, tc := r+2*grid.DRow[dir], c+2*grid.DCol[dir]
				if !grid.InBounds(ir, ic, rows, cols) || !grid.InBounds(tr, tc, rows, cols) {
					continue
				}
				zt := work[tr][tc]
				var zTarget float64
				if zt == nodata {
					zTarget = z - 2*opt.epsilon()
				} else if zt <= z {
					zTarget = zt
				} else {
					continue
				}
				zi := (z + zTarget) / 2
				if cur := work[ir][ic]; zi < cur {
					work[ir][ic] = zi
					propose(ir, ic, zi)
				}
				solvedByA[[2]int{r, c}] = true
				res.solved++
				break
			}
		}
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if solvedByA[[2]int{r, c}] || !isPit(r, c) {
				continue
			}
			if breachDijkstra(r, c, rows, cols, work, nodata, rad, opt, propose) {
				res.solved++
			} else {
				res.unsolved++
			}
		}
	}

	return res
}

type node struct{ r, c int }

// breachDijkstra runs single-source Dijkstra from the pit at (pr,pc) over a
// (2*rad+1)x(2*rad+1) window, as described in §4.3 "Phase B". It reports
// whether the pit was solved; solved paths are fed to propose for every
// non-pit, non-terminal cell along the carved channel.
func breachDijkstra(pr, pc, rows, cols int, work [][]float64, nodata float64, rad int, opt Options, propose func(r, c int, z float64)) bool {
	zPit := work[pr][pc]
	dist := make(map[node]float64)
	prev := make(map[node]node)
	depth := make(map[node]int)
	visited := make(map[node]bool)

	start := node{pr, pc}
	dist[start] = 0
	depth[start] = 0
	hq := pqueue.New[node]()
	hq.Push(start, 0)

	var terminal node
	found := false

	for hq.Len() > 0 {
		u, du := hq.Pop()
		if visited[u] {
			continue
		}
		visited[u] = true

		uz := work[u.r][u.c]
		if u != start && (uz == nodata || uz < zPit) {
			terminal = u
			found = true
			break
		}

		if opt.MaxPathLength > 0 && depth[u] >= opt.MaxPathLength {
			continue
		}

		for dir := 0; dir < 8; dir++ {
			nr, nc := u.r+grid.DRow[dir], u.c+grid.DCol[dir]
			if nr < pr-rad || nr > pr+rad || nc < pc-rad || nc > pc+rad {
				continue
			}
			if !grid.InBounds(nr, nc, rows, cols) {
				continue
			}
			v := node{nr, nc}
			if visited[v] {
				continue
			}
			zn := work[nr][nc]
			if opt.Constrained && zn != nodata && zn > uz {
				continue
			}
			var cost float64
			if zn != nodata {
				cost = grid.Dist[dir] * (zn - zPit)
			}
			cand := du + cost
			if opt.MaxCost > 0 && cand > opt.MaxCost {
				continue
			}
			if cur, ok := dist[v]; !ok || cand < cur {
				dist[v] = cand
				prev[v] = u
				depth[v] = depth[u] + 1
				hq.Push(v, cand)
			}
		}
	}

	if !found {
		return false
	}

	path := []node{terminal}
	for cur := terminal; cur != start; {
		cur = prev[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	k := len(path) - 1
	if opt.MaxPathLength > 0 && k > opt.MaxPathLength {
		return false
	}

	zTermNode := work[terminal.r][terminal.c]
	isNodataTerm := zTermNode == nodata
	zTerm := zTermNode
	if isNodataTerm {
		zTerm = zPit - float64(k)*opt.epsilon()
	}
	if opt.MaxPathDepth > 0 && zPit-zTerm > opt.MaxPathDepth {
		return false
	}

	for i := 1; i < k; i++ {
		n := path[i]
		var zi float64
		if isNodataTerm {
			zi = zPit - float64(k-i)*opt.epsilon()
		} else {
			zi = zTerm + (zPit-zTerm)*float64(k-i)/float64(k)
		}
		if cur := work[n.r][n.c]; zi < cur {
			work[n.r][n.c] = zi
			propose(n.r, n.c, zi)
		}
	}

	return true
}
