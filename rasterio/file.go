// Package rasterio is the concrete, disk-backed implementation of the §6
// RasterSource/RasterSink contract (and its Int64/Byte variants): package
// raster and package hydro depend only on those interfaces, never on a
// file format, so this package is the one external collaborator that
// actually touches the filesystem.
//
// Grounded on geospatialfiles/raster/whiteboxRaster.go's on-disk layout: a
// small tab-delimited text header paired with a flat binary array of
// sample values, read and written whole, the way ReadFile/Save do there.
// whiteboxRaster.go was chosen over geotiffRaster.go because the latter's
// geospatialfiles/raster/geotiff subpackage, as captured, references tag
// and compression constants and an imageMode/buffer type that no file in
// the retrieval pack defines — see DESIGN.md. The header fields here are
// our own (GeoTransform's six affine terms and a CRS flag rather than
// Whitebox's North/South/East/West), since raster.GeoTransform is a richer
// coordinate model than the teacher's axis-aligned extent.
package rasterio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

const headerExt = ".thdr"
const dataExt = ".tdat"

// File is a disk-backed raster, holding its whole grid in memory between
// Open/Create and Close — the same shape as raster.Mem, round-tripped
// through a real file pair. A single File serves whichever of the §6
// read/write interfaces matches its DType: Float32 files implement
// Source/Sink, Int64 files Int64Source/Int64Sink, Byte files
// ByteSource/ByteSink.
type File struct {
	path          string
	width, height int
	nodata        float64
	gt            raster.GeoTransform
	crs           raster.CRS
	kind          raster.DType

	f32 []float32
	i64 []int64
	byt []byte
}

// Create allocates a new File of the given dimensions and dtype, ready for
// windowed writes; Float32 and Int64 files start filled with nodata, Byte
// files start zero-filled. Close persists it to path+".thdr"/path+".tdat".
func Create(path string, kind raster.DType, width, height int, nodata float64, gt raster.GeoTransform, crs raster.CRS) *File {
	f := &File{path: path, width: width, height: height, nodata: nodata, gt: gt, crs: crs, kind: kind}
	n := width * height
	switch kind {
	case raster.Float32:
		f.f32 = make([]float32, n)
		for i := range f.f32 {
			f.f32[i] = float32(nodata)
		}
	case raster.Int64:
		f.i64 = make([]int64, n)
		for i := range f.i64 {
			f.i64[i] = int64(nodata)
		}
	case raster.Byte:
		f.byt = make([]byte, n)
	}
	return f
}

// Open reads an existing File pair (path+".thdr", path+".tdat") from disk
// for windowed access.
func Open(path string, kind raster.DType) (*File, error) {
	h, err := readHeader(path + headerExt)
	if err != nil {
		return nil, herr.New(herr.IoError, "rasterio", "read raster header "+path+headerExt, err)
	}

	raw, err := os.ReadFile(path + dataExt)
	if err != nil {
		return nil, herr.New(herr.IoError, "rasterio", "read raster data "+path+dataExt, err)
	}

	f := &File{path: path, width: h.width, height: h.height, nodata: h.nodata, gt: h.gt, crs: h.crs, kind: kind}
	n := f.width * f.height
	buf := bytes.NewReader(raw)
	switch kind {
	case raster.Float32:
		f.f32 = make([]float32, n)
		if err := binary.Read(buf, binary.LittleEndian, &f.f32); err != nil {
			return nil, herr.New(herr.FormatError, "rasterio", "decode float32 raster data", err)
		}
	case raster.Int64:
		f.i64 = make([]int64, n)
		if err := binary.Read(buf, binary.LittleEndian, &f.i64); err != nil {
			return nil, herr.New(herr.FormatError, "rasterio", "decode int64 raster data", err)
		}
	case raster.Byte:
		f.byt = make([]byte, n)
		if _, err := buf.Read(f.byt); err != nil {
			return nil, herr.New(herr.FormatError, "rasterio", "decode byte raster data", err)
		}
	}
	return f, nil
}

func (f *File) Width() int                      { return f.width }
func (f *File) Height() int                      { return f.height }
func (f *File) DType() raster.DType              { return f.kind }
func (f *File) NoData() float64                  { return f.nodata }
func (f *File) GeoTransform() raster.GeoTransform { return f.gt }
func (f *File) CRS() raster.CRS                  { return f.crs }

func (f *File) clamp(w raster.Window) error {
	if w.Row < 0 || w.Col < 0 || w.Row+w.Rows > f.height || w.Col+w.Cols > f.width {
		return herr.New(herr.IoError, "rasterio", "window out of bounds for raster file "+f.path, nil)
	}
	return nil
}

// ReadWindow implements raster.Source.
func (f *File) ReadWindow(ctx context.Context, w raster.Window) (*raster.Buffer, error) {
	if err := f.clamp(w); err != nil {
		return nil, err
	}
	buf := &raster.Buffer{Rows: w.Rows, Cols: w.Cols, Data: make([]float32, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * f.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], f.f32[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// WriteWindow implements raster.Sink. Safe for concurrent calls whose
// windows don't overlap: each call only touches its own slice range.
func (f *File) WriteWindow(ctx context.Context, w raster.Window, buf *raster.Buffer) error {
	if err := f.clamp(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * f.width
		copy(f.f32[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

// ReadWindowInt64 implements raster.Int64Source.
func (f *File) ReadWindowInt64(ctx context.Context, w raster.Window) (*raster.Int64Buffer, error) {
	if err := f.clamp(w); err != nil {
		return nil, err
	}
	buf := &raster.Int64Buffer{Rows: w.Rows, Cols: w.Cols, Data: make([]int64, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * f.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], f.i64[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// WriteWindowInt64 implements raster.Int64Sink.
func (f *File) WriteWindowInt64(ctx context.Context, w raster.Window, buf *raster.Int64Buffer) error {
	if err := f.clamp(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * f.width
		copy(f.i64[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

// ReadWindowByte implements raster.ByteSource.
func (f *File) ReadWindowByte(ctx context.Context, w raster.Window) (*raster.ByteBuffer, error) {
	if err := f.clamp(w); err != nil {
		return nil, err
	}
	buf := &raster.ByteBuffer{Rows: w.Rows, Cols: w.Cols, Data: make([]byte, w.Rows*w.Cols)}
	for r := 0; r < w.Rows; r++ {
		srcRow := (w.Row + r) * f.width
		copy(buf.Data[r*w.Cols:(r+1)*w.Cols], f.byt[srcRow+w.Col:srcRow+w.Col+w.Cols])
	}
	return buf, nil
}

// WriteWindowByte implements raster.ByteSink.
func (f *File) WriteWindowByte(ctx context.Context, w raster.Window, buf *raster.ByteBuffer) error {
	if err := f.clamp(w); err != nil {
		return err
	}
	for r := 0; r < w.Rows; r++ {
		dstRow := (w.Row + r) * f.width
		copy(f.byt[dstRow+w.Col:dstRow+w.Col+w.Cols], buf.Data[r*w.Cols:(r+1)*w.Cols])
	}
	return nil
}

// Close writes the header and data files to disk, replacing any existing
// pair at the same path (mirroring whiteboxRaster.Save's delete-then-write
// sequence).
func (f *File) Close() error {
	if err := writeHeader(f.path+headerExt, f); err != nil {
		return herr.New(herr.IoError, "rasterio", "write raster header "+f.path+headerExt, err)
	}

	out, err := os.Create(f.path + dataExt)
	if err != nil {
		return herr.New(herr.IoError, "rasterio", "create raster data file "+f.path+dataExt, err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	var werr error
	switch f.kind {
	case raster.Float32:
		werr = binary.Write(w, binary.LittleEndian, f.f32)
	case raster.Int64:
		werr = binary.Write(w, binary.LittleEndian, f.i64)
	case raster.Byte:
		_, werr = w.Write(f.byt)
	}
	if werr != nil {
		return herr.New(herr.IoError, "rasterio", "write raster data "+f.path+dataExt, werr)
	}
	return w.Flush()
}

type header struct {
	width, height int
	nodata        float64
	gt            raster.GeoTransform
	crs           raster.CRS
}

func writeHeader(path string, f *File) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	lines := []string{
		"Width\t" + strconv.Itoa(f.width),
		"Height\t" + strconv.Itoa(f.height),
		"NoData\t" + strconv.FormatFloat(f.nodata, 'f', -1, 64),
		"X0\t" + strconv.FormatFloat(f.gt.X0, 'f', -1, 64),
		"DX\t" + strconv.FormatFloat(f.gt.DX, 'f', -1, 64),
		"RotX\t" + strconv.FormatFloat(f.gt.RotX, 'f', -1, 64),
		"Y0\t" + strconv.FormatFloat(f.gt.Y0, 'f', -1, 64),
		"RotY\t" + strconv.FormatFloat(f.gt.RotY, 'f', -1, 64),
		"DY\t" + strconv.FormatFloat(f.gt.DY, 'f', -1, 64),
		"Projected\t" + strconv.FormatBool(f.crs.IsProjected),
		"WKT\t" + f.crs.WKT,
	}
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readHeader(path string) (header, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return header{}, err
	}
	var h header
	for _, line := range strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "Width":
			h.width, err = strconv.Atoi(value)
		case "Height":
			h.height, err = strconv.Atoi(value)
		case "NoData":
			h.nodata, err = strconv.ParseFloat(value, 64)
		case "X0":
			h.gt.X0, err = strconv.ParseFloat(value, 64)
		case "DX":
			h.gt.DX, err = strconv.ParseFloat(value, 64)
		case "RotX":
			h.gt.RotX, err = strconv.ParseFloat(value, 64)
		case "Y0":
			h.gt.Y0, err = strconv.ParseFloat(value, 64)
		case "RotY":
			h.gt.RotY, err = strconv.ParseFloat(value, 64)
		case "DY":
			h.gt.DY, err = strconv.ParseFloat(value, 64)
		case "Projected":
			h.crs.IsProjected, err = strconv.ParseBool(value)
		case "WKT":
			h.crs.WKT = value
		}
		if err != nil {
			return header{}, herr.New(herr.FormatError, "rasterio", "malformed header line "+line, err)
		}
	}
	return h, nil
}
