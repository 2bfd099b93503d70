// Package raster defines the RasterSource/RasterSink/VectorSource/VectorSink
// abstraction of spec §6. The hydrology stages in package hydro depend only
// on these interfaces, never on a concrete file format — the teacher's
// geospatialfiles/raster package hard-coded GeoTIFF/ArcGIS/IDRISI/Whitebox
// readers directly into each tool; here that concrete I/O moves out to
// package rasterio (an external collaborator, per §1) behind this contract.
package raster

import "context"

// DType enumerates the on-disk pixel types the core emits (§6): conditioned
// DEMs are Float32, flow direction is Byte, accumulation/basins are Int64,
// flow length is Float32.
type DType int

const (
	Float32 DType = iota
	Int64
	Byte
)

// GeoTransform is the affine mapping from (col,row) to world coordinates,
// in GDAL's (x0, dx, 0, y0, 0, dy) convention, as named in §6.
type GeoTransform struct {
	X0, DX, RotX float64
	Y0, RotY, DY float64
}

// CellCenter returns the world-space coordinate of the center of cell
// (row, col), used to build stream/junction/longest-path geometry (§4.7,
// §4.9): x = x0 + (col+0.5)*dx, y = y0 + (row+0.5)*dy.
func (gt GeoTransform) CellCenter(row, col int) (x, y float64) {
	x = gt.X0 + (float64(col)+0.5)*gt.DX
	y = gt.Y0 + (float64(row)+0.5)*gt.DY
	return x, y
}

// CellIndex is the inverse of CellCenter: it maps a world-space coordinate
// to the (row,col) of the cell containing it, used to locate user-supplied
// drainage points on the grid (§4.8).
func (gt GeoTransform) CellIndex(x, y float64) (row, col int) {
	col = int((x - gt.X0) / gt.DX)
	row = int((y - gt.Y0) / gt.DY)
	return row, col
}

// CRS carries just the one fact the core needs to decide Euclidean vs.
// Haversine distance in §4.9: whether the coordinate system is projected.
type CRS struct {
	IsProjected bool
	WKT         string
}

// Window is a rectangular region of a raster in cell coordinates, used by
// read_window/write_window (§6) and by the tile scheduler (§4.1).
type Window struct {
	Row, Col, Rows, Cols int
}

// Buffer is a row-major window of float32 elevations/values, rows*cols
// long, row-major starting at the window's (Row,Col).
type Buffer struct {
	Rows, Cols int
	Data       []float32
}

// At returns the value at the given offset within the window.
func (b *Buffer) At(r, c int) float32 { return b.Data[r*b.Cols+c] }

// Set stores a value at the given offset within the window.
func (b *Buffer) Set(r, c int, v float32) { b.Data[r*b.Cols+c] = v }

// Source is read access to an elevation/value raster (§6 RasterSource).
type Source interface {
	Width() int
	Height() int
	DType() DType
	NoData() float64
	GeoTransform() GeoTransform
	CRS() CRS
	ReadWindow(ctx context.Context, w Window) (*Buffer, error)
}

// Sink is write access to an output raster (§6 RasterSink). WriteWindow
// must be safe for concurrent, non-overlapping calls — the scheduler
// relies on this to let workers write tile interiors in parallel (§4.1,
// §5: "a single coarse-grained lock serializes raster-driver calls").
type Sink interface {
	WriteWindow(ctx context.Context, w Window, buf *Buffer) error
	Close() error
}

// Int64Buffer mirrors Buffer for int64-valued rasters (accumulation,
// basins).
type Int64Buffer struct {
	Rows, Cols int
	Data       []int64
}

func (b *Int64Buffer) At(r, c int) int64     { return b.Data[r*b.Cols+c] }
func (b *Int64Buffer) Set(r, c int, v int64) { b.Data[r*b.Cols+c] = v }

// Int64Sink is the write side for accumulation/basin rasters.
type Int64Sink interface {
	WriteWindowInt64(ctx context.Context, w Window, buf *Int64Buffer) error
	Close() error
}

// Int64Source is read access to an accumulation/basin raster, needed by
// later stages (streams, basin, flow length) that consume what an earlier
// stage wrote.
type Int64Source interface {
	Width() int
	Height() int
	NoData() float64
	ReadWindowInt64(ctx context.Context, w Window) (*Int64Buffer, error)
}

// ByteBuffer mirrors Buffer for byte-valued rasters (flow direction).
type ByteBuffer struct {
	Rows, Cols int
	Data       []byte
}

func (b *ByteBuffer) At(r, c int) byte     { return b.Data[r*b.Cols+c] }
func (b *ByteBuffer) Set(r, c int, v byte) { b.Data[r*b.Cols+c] = v }

// ByteSink is the write side for the flow-direction raster.
type ByteSink interface {
	WriteWindowByte(ctx context.Context, w Window, buf *ByteBuffer) error
	Close() error
}

// ByteSource is read access to a flow-direction raster, needed by every
// stage downstream of §4.4/§4.5.
type ByteSource interface {
	Width() int
	Height() int
	ReadWindowByte(ctx context.Context, w Window) (*ByteBuffer, error)
}
