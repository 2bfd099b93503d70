// GeoJSON vector I/O, grounded on
// MeKo-Christian-WaterColorMap/internal/geojson/converter.go's
// orb/geojson.FeatureCollection construction (NewFeatureCollection,
// NewFeature, Properties map, Append) — the only geojson-writing pattern
// in the retrieval pack, here driven by the streams/junctions/longest-path
// feature types of §6 rather than OSM layers.
package rasterio

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jblindsay/terraflow/internal/herr"
	"github.com/jblindsay/terraflow/raster"
)

// GeoJSONSink writes each §6 vector layer to its own ".geojson" file under
// a directory, one file per call to WriteStreams/WriteJunctions/
// WriteLongestPaths.
type GeoJSONSink struct {
	dir string
}

// NewGeoJSONSink returns a sink that writes streams.geojson,
// junctions.geojson and longest_paths.geojson under dir, creating it if
// necessary.
func NewGeoJSONSink(dir string) (*GeoJSONSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, herr.New(herr.IoError, "rasterio", "create vector output dir "+dir, err)
	}
	return &GeoJSONSink{dir: dir}, nil
}

func writeFeatureCollection(path string, fc *geojson.FeatureCollection) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return herr.New(herr.Internal, "rasterio", "marshal geojson for "+path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return herr.New(herr.IoError, "rasterio", "write geojson file "+path, err)
	}
	return nil
}

// WriteStreams implements raster.VectorSink.
func (s *GeoJSONSink) WriteStreams(streams []raster.StreamFeature) error {
	fc := geojson.NewFeatureCollection()
	for _, f := range streams {
		gf := geojson.NewFeature(f.Line)
		gf.Properties = map[string]interface{}{"fid": f.FID}
		fc.Append(gf)
	}
	return writeFeatureCollection(filepath.Join(s.dir, "streams.geojson"), fc)
}

// WriteJunctions implements raster.VectorSink.
func (s *GeoJSONSink) WriteJunctions(junctions []raster.JunctionFeature) error {
	fc := geojson.NewFeatureCollection()
	for _, f := range junctions {
		gf := geojson.NewFeature(f.Pt)
		gf.Properties = map[string]interface{}{"fid": f.FID, "type": f.Type.String()}
		fc.Append(gf)
	}
	return writeFeatureCollection(filepath.Join(s.dir, "junctions.geojson"), fc)
}

// WriteLongestPaths implements raster.VectorSink.
func (s *GeoJSONSink) WriteLongestPaths(paths []raster.LongestPathFeature) error {
	fc := geojson.NewFeatureCollection()
	for _, f := range paths {
		gf := geojson.NewFeature(f.Line)
		gf.Properties = map[string]interface{}{"fid": f.FID, "basin_id": f.BasinID, "length": f.Length}
		fc.Append(gf)
	}
	return writeFeatureCollection(filepath.Join(s.dir, "longest_paths.geojson"), fc)
}

// Close implements raster.VectorSink. Each Write call already flushed its
// own file, so there is nothing left to do.
func (s *GeoJSONSink) Close() error { return nil }

// GeoJSONSource reads a drainage-points layer back out of a directory of
// "<layer>.geojson" files, the read side a caller uses to supply user
// outlets to the basin labeler (§4.8).
type GeoJSONSource struct {
	dir string
}

// NewGeoJSONSource returns a source reading "<layer>.geojson" files from
// dir.
func NewGeoJSONSource(dir string) *GeoJSONSource {
	return &GeoJSONSource{dir: dir}
}

// ReadPoints implements raster.VectorSource.
func (s *GeoJSONSource) ReadPoints(layer string) ([]raster.PointFeature, error) {
	path := filepath.Join(s.dir, layer+".geojson")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herr.New(herr.IoError, "rasterio", "read vector layer "+path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, herr.New(herr.FormatError, "rasterio", "decode geojson layer "+path, err)
	}

	points := make([]raster.PointFeature, 0, len(fc.Features))
	for i, gf := range fc.Features {
		pt, ok := gf.Geometry.(orb.Point)
		if !ok {
			continue
		}
		fid := int64(i)
		if raw, ok := gf.Properties["fid"]; ok {
			if f, ok := raw.(float64); ok {
				fid = int64(f)
			}
		}
		points = append(points, raster.PointFeature{FID: fid, Pt: pt, Attributes: gf.Properties})
	}
	return points, nil
}
