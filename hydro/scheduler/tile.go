// Package scheduler implements the Tile I/O & Scheduler of spec §4.1: it
// splits a raster into tiles of side s with a halo of h, and runs a
// per-tile function over them with a bounded worker pool, preserving
// deterministic row-major tile order for algorithms that need it (§5).
//
// Grounded on the worker pool shape of
// MeKo-Christian-WaterColorMap/internal/worker/pool.go (Task/Result/
// Config/Pool, a channel-fed goroutine pool with a progress callback),
// generalized from tile-image generation to arbitrary per-tile hydrology
// work, and on the contiguous-buffer allocation style of
// structures/rectangular_array.go for the tile's own scratch grids.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

// Origin is a tile's position in the global row-major tile grid (not cell
// coordinates).
type Origin struct {
	Row, Col int
}

// Descriptor describes one tile: its interior window in global cell
// coordinates, and the halo-buffered window actually read from the source.
type Descriptor struct {
	Origin     Origin
	Interior   raster.Window // the s x s region this tile owns and may write
	Buffered   raster.Window // the (s+2h) x (s+2h) region read as context, clipped to the raster
	HaloRow    int           // rows of halo above Interior within Buffered
	HaloCol    int           // cols of halo left of Interior within Buffered
	// HaloPresent[d] is true if the neighbour in 8-direction d (grid.DRow/
	// DCol indexing) exists on the raster (false at the raster border,
	// where Buffered is clipped and holds no halo cells on that side).
	HaloPresent [8]bool
}

// Plan is the full, deterministic row-major tiling of a raster for a given
// chunk size and halo.
type Plan struct {
	ChunkSize int
	Halo      int
	Rows      int // tile rows
	Cols      int // tile columns
	Width     int // raster width in cells
	Height    int // raster height in cells
	Tiles     []Descriptor // row-major: Tiles[r*Cols+c]
}

// BuildPlan tiles a width x height raster into chunkSize x chunkSize
// interiors with the given halo. chunkSize<=1 selects in-memory
// single-tile mode (§6 chunk_size): one tile covering the whole raster
// with no halo needed.
func BuildPlan(width, height, chunkSize, halo int) Plan {
	if chunkSize <= 1 || chunkSize >= width && chunkSize >= height {
		chunkSize = max(width, height)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	cols := (width + chunkSize - 1) / chunkSize
	rows := (height + chunkSize - 1) / chunkSize
	if cols == 0 {
		cols = 1
	}
	if rows == 0 {
		rows = 1
	}
	p := Plan{ChunkSize: chunkSize, Halo: halo, Rows: rows, Cols: cols, Width: width, Height: height}
	p.Tiles = make([]Descriptor, 0, rows*cols)
	for tr := 0; tr < rows; tr++ {
		for tc := 0; tc < cols; tc++ {
			interior := raster.Window{
				Row:  tr * chunkSize,
				Col:  tc * chunkSize,
				Rows: min(chunkSize, height-tr*chunkSize),
				Cols: min(chunkSize, width-tc*chunkSize),
			}
			bufRow := interior.Row - halo
			bufCol := interior.Col - halo
			bufRows := interior.Rows + 2*halo
			bufCols := interior.Cols + 2*halo
			haloRow, haloCol := halo, halo
			if bufRow < 0 {
				haloRow += bufRow // shrink the recorded halo offset; the window is clipped, not padded
				bufRows += bufRow
				bufRow = 0
			}
			if bufCol < 0 {
				haloCol += bufCol
				bufCols += bufCol
				bufCol = 0
			}
			if bufRow+bufRows > height {
				bufRows = height - bufRow
			}
			if bufCol+bufCols > width {
				bufCols = width - bufCol
			}
			d := Descriptor{
				Origin:   Origin{Row: tr, Col: tc},
				Interior: interior,
				Buffered: raster.Window{Row: bufRow, Col: bufCol, Rows: bufRows, Cols: bufCols},
				HaloRow:  haloRow,
				HaloCol:  haloCol,
			}
			d.HaloPresent[0] = tc < cols-1
			d.HaloPresent[1] = tr > 0 && tc < cols-1
			d.HaloPresent[2] = tr > 0
			d.HaloPresent[3] = tr > 0 && tc > 0
			d.HaloPresent[4] = tc > 0
			d.HaloPresent[5] = tr < rows-1 && tc > 0
			d.HaloPresent[6] = tr < rows-1
			d.HaloPresent[7] = tr < rows-1 && tc < cols-1
			p.Tiles = append(p.Tiles, d)
		}
	}
	return p
}

// Neighbour returns the Descriptor adjacent to d in 8-direction dir (§3
// grid.DRow/DCol indexing), and ok=false if it would fall outside the
// tile grid.
func (p Plan) Neighbour(d Descriptor, dir int) (Descriptor, bool) {
	dr := [8]int{0, -1, -1, -1, 0, 1, 1, 1}[dir]
	dc := [8]int{1, 1, 0, -1, -1, -1, 0, 1}[dir]
	r, c := d.Origin.Row+dr, d.Origin.Col+dc
	if r < 0 || r >= p.Rows || c < 0 || c >= p.Cols {
		return Descriptor{}, false
	}
	return p.Tiles[r*p.Cols+c], true
}

// CancelFlag is the cooperative cancellation flag of §5: checked between
// tiles and inside long-running kernels.
type CancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (c *CancelFlag) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *CancelFlag) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Progress is the optional progress callback of §6: (stage, done, total).
type Progress func(stage string, done, total int)

// TileFunc is the per-tile work a stage supplies to Run. It receives the
// tile's Descriptor and must only write its Interior window to the sink(s)
// it was given; the Buffered window (including halo) is read-only context.
type TileFunc func(ctx context.Context, d Descriptor) error

// Run executes fn over every tile in p, concurrently, with a worker pool
// bounded by workers (<=0 picks runtime.GOMAXPROCS, matching "hardware-
// thread count by default", §5). It returns the first error encountered,
// wrapped with the offending tile's Origin per the §4.1 failure model:
// "Tile-local algorithmic errors are captured and surfaced with the
// offending tile origin." I/O errors and everything else are fatal and
// abort the remaining tiles via the errgroup's shared context.
func Run(ctx context.Context, p Plan, workers int, cancel *CancelFlag, progress Progress, stage string, fn TileFunc) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	total := len(p.Tiles)
	var done int
	var mu sync.Mutex

	for i := range p.Tiles {
		d := p.Tiles[i]
		g.Go(func() error {
			if cancel != nil && cancel.Cancelled() {
				return herr.New(herr.Cancelled, stage, "cancelled before tile start", nil).WithTile(d.Origin.Row, d.Origin.Col)
			}
			if err := fn(gctx, d); err != nil {
				if he, ok := err.(*herr.Error); ok {
					if he.Tile == nil {
						he.WithTile(d.Origin.Row, d.Origin.Col)
					}
					return he
				}
				return herr.New(herr.Internal, stage, "tile-local failure", err).WithTile(d.Origin.Row, d.Origin.Col)
			}
			if progress != nil {
				mu.Lock()
				done++
				n := done
				mu.Unlock()
				progress(stage, n, total)
			}
			return nil
		})
	}
	return g.Wait()
}

// LockedSink wraps a raster.Sink/Int64Sink/ByteSink so concurrent tile
// workers serialize their calls into the underlying driver, per §5: "a
// single coarse-grained lock serializes raster-driver calls ... all
// writes are guarded by a lock but touch non-overlapping regions."
type LockedSink struct {
	mu   sync.Mutex
	Sink any
}

func (s *LockedSink) WriteWindow(ctx context.Context, w raster.Window, buf *raster.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sink.(raster.Sink).WriteWindow(ctx, w, buf)
}

func (s *LockedSink) WriteWindowInt64(ctx context.Context, w raster.Window, buf *raster.Int64Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sink.(raster.Int64Sink).WriteWindowInt64(ctx, w, buf)
}

func (s *LockedSink) WriteWindowByte(ctx context.Context, w raster.Window, buf *raster.ByteBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sink.(raster.ByteSink).WriteWindowByte(ctx, w, buf)
}

func (s *LockedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t := s.Sink.(type) {
	case raster.Sink:
		return t.Close()
	case raster.Int64Sink:
		return t.Close()
	case raster.ByteSink:
		return t.Close()
	}
	return nil
}
