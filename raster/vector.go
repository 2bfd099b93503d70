package raster

import "github.com/paulmach/orb"

// JunctionType tags a junctions-layer point feature (§4.7).
type JunctionType int

const (
	JunctionSource JunctionType = iota
	JunctionConfluence
	JunctionOutlet
)

func (t JunctionType) String() string {
	switch t {
	case JunctionSource:
		return "source"
	case JunctionConfluence:
		return "confluence"
	case JunctionOutlet:
		return "outlet"
	default:
		return "unknown"
	}
}

// StreamFeature is one row of the streams layer (§6): a directed polyline
// of cell centers, FID-tagged.
type StreamFeature struct {
	FID  int64
	Line orb.LineString
}

// JunctionFeature is one row of the junctions layer (§6).
type JunctionFeature struct {
	FID  int64
	Type JunctionType
	Pt   orb.Point
}

// LongestPathFeature is one row of the longest-flow-path layer (§6),
// attributed with the basin it belongs to and its total length.
type LongestPathFeature struct {
	FID     int64
	BasinID int64
	Length  float64
	Line    orb.LineString
}

// VectorSink receives the vector outputs of §4.7 (streams, junctions) and
// §4.9 (longest flow paths). Layers are written independently so a caller
// that only wants one needn't buffer the other.
type VectorSink interface {
	WriteStreams(streams []StreamFeature) error
	WriteJunctions(junctions []JunctionFeature) error
	WriteLongestPaths(paths []LongestPathFeature) error
	Close() error
}

// VectorSource is read access to a layered point/polyline feature source,
// used to ingest user-supplied drainage points for the basin labeler
// (§4.8). Each feature carries an FID and an optional attribute map (for
// the caller-assigned basin ID).
type VectorSource interface {
	ReadPoints(layer string) ([]PointFeature, error)
}

// PointFeature is a single point feature with attributes, the vector
// analogue of Buffer for point layers.
type PointFeature struct {
	FID        int64
	Pt         orb.Point
	Attributes map[string]any
}
