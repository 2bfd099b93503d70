package raster

import (
	"context"
	"fmt"

	"github.com/jblindsay/terraflow/internal/herr"
)

// Mem is an in-memory Source/Sink/Int64Sink/ByteSink, used by tests and as
// the reference implementation of the §6 contract for small rasters that
// fit comfortably in RAM (chunk_size<=1's "in-memory single-tile mode",
// §6). It stores one contiguous buffer per data kind so ReadWindow/
// WriteWindow are simple slices, not real I/O.
type Mem struct {
	width, height int
	nodata        float64
	gt            GeoTransform
	crs           CRS

	f32  []float32
	i64  []int64
	byt  []byte
	kind DType
}

// NewMem allocates a Mem raster of the given dimensions and dtype. Float32
// and Int64 rasters start filled with nodata; Byte rasters start zero-filled.
func NewMem(width, height int, dtype DType, nodata float64, gt GeoTransform, crs CRS) *Mem {
	m := &Mem{width: width, height: height, nodata: nodata, gt: gt, crs: crs, kind: dtype}
	n := width * height
	switch dtype {
	case Float32:
		m.f32 = make([]float32, n)
		for i := range m.f32 {
			m.f32[i] = float32(nodata)
		}
	case Int64:
		m.i64 = make([]int64, n)
		for i := range m.i64 {
			m.i64[i] = int64(nodata)
		}
	case Byte:
		m.byt = make([]byte, n)
	}
	return m
}

func (m *Mem) Width() int             { return m.width }
func (m *Mem) Height() int            { return m.height }
func (m *Mem) DType() DType           { return m.kind }
func (m *Mem) NoData() float64        { return m.nodata }
func (m *Mem) GeoTransform() GeoTransform { return m.gt }
func (m *Mem) CRS() CRS               { return m.crs }

func (m *Mem) clampWindow(w Window) (Window, error) {
	if w.Row < 0 || w.Col < 0 || w.Row+w.Rows > m.height || w.Col+w.Cols > m.width {
		return w, herr.New(herr.IoError, "raster.Mem", fmt.Sprintf("window %+v out of bounds for %dx%d raster", w, m.width, m.height), nil)
	}
	return w, nil
}

// ReadWindow implements Source for Float32 rasters.
func (m *Mem) ReadWindow(ctx context.Context, w Window) (*Buffer, error) {
	if _, err := m.clampWindow(w); err != nil {
		return nil, err
	}
	buf := &Buffer{Rows: w.Rows, Cols: w.Cols, Data: make([]float32, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * m.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], m.f32[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// WriteWindow implements Sink for Float32 rasters.
func (m *Mem) WriteWindow(ctx context.Context, w Window, buf *Buffer) error {
	if _, err := m.clampWindow(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * m.width
		copy(m.f32[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

// ReadWindowInt64 implements Int64Source.
func (m *Mem) ReadWindowInt64(ctx context.Context, w Window) (*Int64Buffer, error) {
	if _, err := m.clampWindow(w); err != nil {
		return nil, err
	}
	buf := &Int64Buffer{Rows: w.Rows, Cols: w.Cols, Data: make([]int64, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * m.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], m.i64[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// ReadWindowByte implements ByteSource.
func (m *Mem) ReadWindowByte(ctx context.Context, w Window) (*ByteBuffer, error) {
	if _, err := m.clampWindow(w); err != nil {
		return nil, err
	}
	buf := &ByteBuffer{Rows: w.Rows, Cols: w.Cols, Data: make([]byte, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * m.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], m.byt[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// WriteWindowInt64 implements Int64Sink.
func (m *Mem) WriteWindowInt64(ctx context.Context, w Window, buf *Int64Buffer) error {
	if _, err := m.clampWindow(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * m.width
		copy(m.i64[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

// WriteWindowByte implements ByteSink.
func (m *Mem) WriteWindowByte(ctx context.Context, w Window, buf *ByteBuffer) error {
	if _, err := m.clampWindow(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * m.width
		copy(m.byt[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

func (m *Mem) Close() error { return nil }

// ValueF32 reads a single cell without the Window ceremony, used by tests.
func (m *Mem) ValueF32(row, col int) float32 { return m.f32[row*m.width+col] }
func (m *Mem) SetF32(row, col int, v float32) { m.f32[row*m.width+col] = v }
func (m *Mem) ValueI64(row, col int) int64    { return m.i64[row*m.width+col] }
func (m *Mem) ValueByte(row, col int) byte    { return m.byt[row*m.width+col] }
func (m *Mem) SetByte(row, col int, v byte)   { m.byt[row*m.width+col] = v }

// FromRows builds a Mem Float32 raster from a row-major [][]float64
// literal, the way the concrete scenarios in spec §8 are written.
func FromRows(rows [][]float64, nodata float64) *Mem {
	h := len(rows)
	w := 0
	if h > 0 {
		w = len(rows[0])
	}
	m := NewMem(w, h, Float32, nodata, GeoTransform{X0: 0, DX: 1, Y0: 0, DY: -1}, CRS{IsProjected: true})
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			m.f32[r*w+c] = float32(rows[r][c])
		}
	}
	return m
}
