// Package accum implements the Flow Accumulation stage of spec §4.6: a
// topological-sort accumulation driven purely by the D8 direction raster,
// with a perimeter link graph reconciling tiles in a global phase.
//
// Grounded on the inflow-count FIFO loop of tools/d8FlowAccumulation.go
// (seed cells with zero inflowing neighbours, pop, push acc downstream,
// decrement the receiver's inflow, requeue at zero) generalized to the
// local/global/finalize tiling shape shared with package fill and package
// flat. The natural-log diagnostic transform is the teacher's lnTransform
// option, kept as a side channel per SPEC_FULL.md rather than applied to
// the canonical int64 raster.
package accum

import (
	"context"
	"math"

	"github.com/jblindsay/terraflow/hydro/scheduler"
	"github.com/jblindsay/terraflow/internal/grid"
	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/internal/pqueue"
	"github.com/jblindsay/terraflow/raster"
)

const undefinedDir = 8
const nodataDir = 9

// NoData is the sentinel value written for cells whose direction raster
// cell is itself nodata.
const NoData int64 = -1

// Options configures the accumulation stage (§6).
type Options struct {
	ChunkSize    int
	Workers      int
	LogTransform bool // emit a natural-log diagnostic copy via diagOut
}

type edge struct {
	from, to [2]int
}

// tileResult is everything the global phase needs from one tile's local
// pass: the local (within-tile-only) accumulation at each of its boundary
// cells, and the two edge kinds of §4.6's perimeter graph.
type tileResult struct {
	perimeterLocalAcc map[[2]int]int64
	crossEdges        []edge // exit cell of this tile -> entry cell of the neighbour
	internalEdges     []edge // entry cell of this tile -> its own exit cell (pass-through)
}

// Run computes flow accumulation from dirSrc, writing the canonical int64
// raster to accOut. If opt.LogTransform is set and diagOut is non-nil, a
// natural-log transformed Float32 copy is also written to diagOut (§12 —
// never applied to accOut itself).
func Run(ctx context.Context, dirSrc raster.ByteSource, accOut raster.Int64Sink, diagOut raster.Sink, opt Options, progress scheduler.Progress) error {
	plan := scheduler.BuildPlan(dirSrc.Width(), dirSrc.Height(), opt.ChunkSize, 1)
	results := make([]tileResult, len(plan.Tiles))

	err := scheduler.Run(ctx, plan, opt.Workers, nil, progress, "accum.local", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "accum", "read direction window", err)
		}
		lr, err := computeLocal(d, dirBuf)
		if err != nil {
			return err
		}
		idx := d.Origin.Row*plan.Cols + d.Origin.Col
		results[idx] = tileResult{
			perimeterLocalAcc: lr.perimeterLocalAcc,
			crossEdges:        lr.crossEdges,
			internalEdges:     lr.internalEdges,
		}
		return nil
	})
	if err != nil {
		return err
	}

	offset, err := globalSolve(results)
	if err != nil {
		return err
	}

	return scheduler.Run(ctx, plan, opt.Workers, nil, progress, "accum.finalize", func(ctx context.Context, d scheduler.Descriptor) error {
		dirBuf, err := dirSrc.ReadWindowByte(ctx, d.Buffered)
		if err != nil {
			return herr.New(herr.IoError, "accum", "read direction window", err)
		}
		out, err := finalizeTile(d, dirBuf, offset)
		if err != nil {
			return err
		}
		if err := accOut.WriteWindowInt64(ctx, d.Interior, out); err != nil {
			return herr.New(herr.IoError, "accum", "write window", err)
		}
		if opt.LogTransform && diagOut != nil {
			diag := &raster.Buffer{Rows: out.Rows, Cols: out.Cols, Data: make([]float32, out.Rows*out.Cols)}
			for r := 0; r < out.Rows; r++ {
				for c := 0; c < out.Cols; c++ {
					v := out.At(r, c)
					if v == NoData {
						diag.Set(r, c, float32(NoData))
						continue
					}
					diag.Set(r, c, float32(math.Log(float64(v))))
				}
			}
			if err := diagOut.WriteWindow(ctx, d.Interior, diag); err != nil {
				return herr.New(herr.IoError, "accum", "write log-transform diagnostic window", err)
			}
		}
		return nil
	})
}

// localResult is the full output of one tile's local accumulation pass:
// the complete interior accumulation grid (needed again at finalize time)
// plus the perimeter bookkeeping the global phase consumes. Recomputed
// independently in both phases, the way package flat recomputes its
// classify()/bfsWithin() results rather than serializing them.
type localResult struct {
	acc               [][]int64
	perimeterLocalAcc map[[2]int]int64
	crossEdges        []edge
	internalEdges     []edge
}

// computeLocal runs the within-tile-only topological accumulation (§4.6
// local phase) and extracts the perimeter cell records the global phase
// needs. Precondition violations (code-8 cells, within-tile cycles, or a
// perimeter-entry trace that loops back on itself) are reported as
// herr.InvalidInput with the offending coordinate (for a within-tile
// cycle, the tile origin instead), per §4.6/§7.
func computeLocal(d scheduler.Descriptor, dirBuf *raster.ByteBuffer) (localResult, error) {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	bRows, bCols := dirBuf.Rows, dirBuf.Cols

	for r := 0; r < iRows; r++ {
		br := r + d.HaloRow
		for c := 0; c < iCols; c++ {
			bc := c + d.HaloCol
			if dirBuf.At(br, bc) == undefinedDir {
				return localResult{}, herr.New(herr.InvalidInput, "accum", "undefined flow direction (code 8) feeding accumulation", nil).
					WithCoord(d.Interior.Row+r, d.Interior.Col+c)
			}
		}
	}

	inflow := grid.New[int](iRows, iCols)
	for r := 0; r < iRows; r++ {
		br := r + d.HaloRow
		for c := 0; c < iCols; c++ {
			bc := c + d.HaloCol
			code := dirBuf.At(br, bc)
			if code == nodataDir {
				continue
			}
			nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
			nr, nc := nbr-d.HaloRow, nbc-d.HaloCol
			if nr >= 0 && nr < iRows && nc >= 0 && nc < iCols {
				inflow[nr][nc]++
			}
		}
	}

	acc := grid.New[int64](iRows, iCols)
	visited := grid.New[bool](iRows, iCols)
	valid := 0
	q := pqueue.NewFIFO[[2]int]()
	for r := 0; r < iRows; r++ {
		for c := 0; c < iCols; c++ {
			if dirBuf.At(r+d.HaloRow, c+d.HaloCol) == nodataDir {
				visited[r][c] = true
				continue
			}
			valid++
			acc[r][c] = 1
			if inflow[r][c] == 0 {
				q.Push([2]int{r, c})
			}
		}
	}

	res := localResult{acc: acc, perimeterLocalAcc: make(map[[2]int]int64)}
	processed := 0
	for q.Len() > 0 {
		p := q.Pop()
		r, c := p[0], p[1]
		if visited[r][c] {
			continue
		}
		visited[r][c] = true
		processed++

		onBoundary := r == 0 || r == iRows-1 || c == 0 || c == iCols-1
		br, bc := r+d.HaloRow, c+d.HaloCol
		code := dirBuf.At(br, bc)
		nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
		nr, nc := nbr-d.HaloRow, nbc-d.HaloCol
		interior := nr >= 0 && nr < iRows && nc >= 0 && nc < iCols

		if onBoundary {
			gr, gc := d.Interior.Row+r, d.Interior.Col+c
			res.perimeterLocalAcc[[2]int{gr, gc}] = acc[r][c]
		}
		if interior {
			acc[nr][nc] += acc[r][c]
			inflow[nr][nc]--
			if inflow[nr][nc] == 0 {
				q.Push([2]int{nr, nc})
			}
		} else if d.HaloPresent[code] && grid.InBounds(nbr, nbc, bRows, bCols) && dirBuf.At(nbr, nbc) != nodataDir {
			gr, gc := d.Interior.Row+r, d.Interior.Col+c
			ngr, ngc := gr+grid.DRow[code], gc+grid.DCol[code]
			res.crossEdges = append(res.crossEdges, edge{from: [2]int{gr, gc}, to: [2]int{ngr, ngc}})
		}
	}
	if processed != valid {
		return localResult{}, herr.New(herr.InvalidInput, "accum", "cycle detected in flow-direction graph", nil).
			WithTile(d.Origin.Row, d.Origin.Col)
	}

	entries := map[[2]int]bool{}
	for br := 0; br < bRows; br++ {
		for bc := 0; bc < bCols; bc++ {
			r, c := br-d.HaloRow, bc-d.HaloCol
			if r >= 0 && r < iRows && c >= 0 && c < iCols {
				continue // interior, not halo
			}
			code := dirBuf.At(br, bc)
			if code >= 8 {
				continue
			}
			nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
			nr, nc := nbr-d.HaloRow, nbc-d.HaloCol
			if nr >= 0 && nr < iRows && nc >= 0 && nc < iCols {
				entries[[2]int{d.Interior.Row + nr, d.Interior.Col + nc}] = true
			}
		}
	}

	for cell := range entries {
		er, ec := cell[0]-d.Interior.Row, cell[1]-d.Interior.Col
		seen := map[[2]int]bool{}
		cr, cc := er, ec
		for {
			if seen[[2]int{cr, cc}] {
				return localResult{}, herr.New(herr.InvalidInput, "accum", "cycle detected while tracing a perimeter entry link", nil).
					WithCoord(d.Interior.Row+cr, d.Interior.Col+cc)
			}
			seen[[2]int{cr, cc}] = true
			br, bc := cr+d.HaloRow, cc+d.HaloCol
			code := dirBuf.At(br, bc)
			if code == nodataDir {
				break // absorbed within the tile
			}
			nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
			nr, nc := nbr-d.HaloRow, nbc-d.HaloCol
			if nr < 0 || nr >= iRows || nc < 0 || nc >= iCols {
				if cr != er || cc != ec {
					res.internalEdges = append(res.internalEdges, edge{from: cell, to: [2]int{d.Interior.Row + cr, d.Interior.Col + cc}})
				}
				break
			}
			cr, cc = nr, nc
		}
	}

	return res, nil
}

// globalSolve builds the §4.6 perimeter link graph and topologically
// accumulates, for every perimeter cell, the global offset contributed by
// flow entering its tile from outside. Cross edges inject a fixed amount
// (the full local+external total at the contributing exit cell); internal
// edges forward only the external portion already carried by an entry
// cell, since the local portion is already baked into perimeterLocalAcc
// along the within-tile path.
func globalSolve(results []tileResult) (map[[2]int]int64, error) {
	localAcc := make(map[[2]int]int64)
	for _, res := range results {
		for k, v := range res.perimeterLocalAcc {
			localAcc[k] = v
		}
	}

	type taggedEdge struct {
		to      [2]int
		isCross bool
	}
	adj := make(map[[2]int][]taggedEdge)
	indeg := make(map[[2]int]int)
	nodes := make(map[[2]int]bool)

	addEdge := func(e edge, isCross bool) {
		adj[e.from] = append(adj[e.from], taggedEdge{to: e.to, isCross: isCross})
		nodes[e.from] = true
		nodes[e.to] = true
		indeg[e.to]++
	}
	for _, res := range results {
		for _, e := range res.crossEdges {
			addEdge(e, true)
		}
		for _, e := range res.internalEdges {
			addEdge(e, false)
		}
	}

	offset := make(map[[2]int]int64)
	q := pqueue.NewFIFO[[2]int]()
	for n := range nodes {
		if indeg[n] == 0 {
			q.Push(n)
		}
	}
	processed := 0
	for q.Len() > 0 {
		u := q.Pop()
		processed++
		total := localAcc[u] + offset[u]
		for _, te := range adj[u] {
			if te.isCross {
				offset[te.to] += total
			} else {
				offset[te.to] += offset[u]
			}
			indeg[te.to]--
			if indeg[te.to] == 0 {
				q.Push(te.to)
			}
		}
	}
	if processed != len(nodes) {
		return nil, herr.New(herr.InvalidInput, "accum", "cycle detected in the cross-tile perimeter link graph", nil)
	}
	return offset, nil
}

// finalizeTile recomputes the local accumulation grid and adds every
// applicable global offset, walking downstream from each offset-bearing
// perimeter cell until the cell where its path leaves the tile; that exit
// cell receives the forwarded offset through its own entry.
func finalizeTile(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, offset map[[2]int]int64) (*raster.Int64Buffer, error) {
	lr, err := computeLocal(d, dirBuf)
	if err != nil {
		return nil, err
	}
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	out := &raster.Int64Buffer{Rows: iRows, Cols: iCols, Data: make([]int64, iRows*iCols)}
	for r := 0; r < iRows; r++ {
		for c := 0; c < iCols; c++ {
			if dirBuf.At(r+d.HaloRow, c+d.HaloCol) == nodataDir {
				out.Set(r, c, NoData)
			} else {
				out.Set(r, c, lr.acc[r][c])
			}
		}
	}
	for cell, off := range offset {
		if off == 0 {
			continue
		}
		r, c := cell[0]-d.Interior.Row, cell[1]-d.Interior.Col
		if r < 0 || r >= iRows || c < 0 || c >= iCols {
			continue
		}
		walkAddOffset(d, dirBuf, out, r, c, off)
	}
	return out, nil
}

func walkAddOffset(d scheduler.Descriptor, dirBuf *raster.ByteBuffer, out *raster.Int64Buffer, startR, startC int, off int64) {
	iRows, iCols := d.Interior.Rows, d.Interior.Cols
	r, c := startR, startC
	for {
		br, bc := r+d.HaloRow, c+d.HaloCol
		code := dirBuf.At(br, bc)
		if code >= 8 {
			return
		}
		nbr, nbc := br+grid.DRow[code], bc+grid.DCol[code]
		nr, nc := nbr-d.HaloRow, nbc-d.HaloCol
		leaves := nr < 0 || nr >= iRows || nc < 0 || nc >= iCols
		if leaves && (r != startR || c != startC) {
			return // the tile exit carries this offset through its own internal edge
		}
		out.Set(r, c, out.At(r, c)+off)
		if leaves {
			return
		}
		r, c = nr, nc
	}
}
