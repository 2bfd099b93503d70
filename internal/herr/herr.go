// Package herr implements the error taxonomy of spec §7, generalizing the
// sentinel-error style of geospatialfiles/raster/rasterErrors.go into a
// structured, wrappable error that carries the offending coordinate/FID
// the policy in §7 requires ("InvalidInput carries the offending
// coordinate/FID").
package herr

import "fmt"

// Kind is one of the taxonomy's six error kinds.
type Kind int

const (
	// IoError is a raster/vector read or write failure. Fatal: the
	// pipeline surfaces the first one and aborts.
	IoError Kind = iota
	// FormatError marks unreadable or invalid raster metadata.
	FormatError
	// InvalidInput marks bad input data: a code-8/cyclic direction
	// raster feeding accumulation, a drainage point outside the raster
	// or on nodata, etc.
	InvalidInput
	// PreconditionViolation marks a precondition the caller must satisfy
	// before invoking a stage, e.g. an unprojected CRS when Haversine
	// distance is required.
	PreconditionViolation
	// Cancelled marks cooperative cancellation via the scheduler's
	// cancellation flag or a context deadline.
	Cancelled
	// Internal marks a bug: an invariant the stage itself should have
	// maintained was violated.
	Internal
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case FormatError:
		return "FormatError"
	case InvalidInput:
		return "InvalidInput"
	case PreconditionViolation:
		return "PreconditionViolation"
	case Cancelled:
		return "Cancelled"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Coord is a row/column location in a raster, used to tag InvalidInput and
// Internal errors with the offending cell per §7.
type Coord struct {
	Row, Col int
}

func (c Coord) String() string { return fmt.Sprintf("(row=%d, col=%d)", c.Row, c.Col) }

// Error is the wrapped error type returned by every stage and by the
// pipeline driver.
type Error struct {
	Kind    Kind
	Stage   string
	Coord   *Coord
	FID     *int64
	Tile    *TileOrigin
	Message string
	Err     error
}

// TileOrigin identifies the tile a tile-local algorithmic error occurred
// in, so the pipeline can surface "the offending tile origin" (§4.1
// failure model).
type TileOrigin struct {
	Row, Col int
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Stage, e.Message)
	if e.Coord != nil {
		s += " at " + e.Coord.String()
	}
	if e.FID != nil {
		s += fmt.Sprintf(" (fid=%d)", *e.FID)
	}
	if e.Tile != nil {
		s += fmt.Sprintf(" (tile row=%d col=%d)", e.Tile.Row, e.Tile.Col)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Error without a coordinate or tile attached.
func New(kind Kind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Err: cause}
}

// WithCoord attaches an offending cell coordinate.
func (e *Error) WithCoord(row, col int) *Error {
	e.Coord = &Coord{Row: row, Col: col}
	return e
}

// WithFID attaches an offending vector feature id.
func (e *Error) WithFID(fid int64) *Error {
	e.FID = &fid
	return e
}

// WithTile attaches the origin of the tile the error occurred in.
func (e *Error) WithTile(row, col int) *Error {
	e.Tile = &TileOrigin{Row: row, Col: col}
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var he *Error
	if !asError(err, &he) {
		return 0, false
	}
	return he.Kind, true
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
