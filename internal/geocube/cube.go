// Package geocube implements the spatio-temporal cache structure: the
// mapping from a semantic fingerprint and a query cube to stored cache
// entries, and the coverage-query algorithm that answers whether a region
// is satisfied exactly, partially, or not at all by what is stored.
package geocube

import (
	"errors"
	"fmt"
)

// TimeType distinguishes calendar time from an unreferenced (relative) time
// axis, per the query cube's tagged time-type.
type TimeType int

const (
	// TimeNone means the query carries no meaningful time axis.
	TimeNone TimeType = iota
	// TimeCalendar means t1/t2 are Unix microseconds on the wall clock.
	TimeCalendar
	// TimeUnreferenced means t1/t2 are an arbitrary monotonic axis (e.g.
	// simulation step) with no calendar meaning.
	TimeUnreferenced
)

// ResolutionType distinguishes queries that carry no pixel resolution from
// raster queries that do.
type ResolutionType int

const (
	ResolutionNone ResolutionType = iota
	ResolutionPixels
)

// ErrInvalidCube is returned by the constructors when the rectangle or
// interval bounds are not well formed.
var ErrInvalidCube = errors.New("geocube: invalid cube bounds")

// QueryCube is a closed rectangle in projected X, a closed rectangle in Y,
// and a half-open interval in time, tagged with a projection id and a time
// type. Raster queries additionally carry a pixel resolution.
type QueryCube struct {
	X1, X2 float64
	Y1, Y2 float64
	T1, T2 float64

	EPSG     int32
	TimeKind TimeType
	ResKind  ResolutionType
	W, H     int32
}

// NewQueryCube validates and constructs a QueryCube with no pixel
// resolution (feature/plot queries).
func NewQueryCube(epsg int32, x1, x2, y1, y2, t1, t2 float64, timeKind TimeType) (QueryCube, error) {
	q := QueryCube{X1: x1, X2: x2, Y1: y1, Y2: y2, T1: t1, T2: t2, EPSG: epsg, TimeKind: timeKind, ResKind: ResolutionNone}
	return q, q.validate()
}

// NewRasterQueryCube validates and constructs a QueryCube carrying a pixel
// resolution, for raster queries.
func NewRasterQueryCube(epsg int32, x1, x2, y1, y2, t1, t2 float64, timeKind TimeType, w, h int32) (QueryCube, error) {
	q := QueryCube{X1: x1, X2: x2, Y1: y1, Y2: y2, T1: t1, T2: t2, EPSG: epsg, TimeKind: timeKind, ResKind: ResolutionPixels, W: w, H: h}
	if err := q.validate(); err != nil {
		return q, err
	}
	if w <= 0 || h <= 0 {
		return q, fmt.Errorf("%w: resolution must be positive, got %dx%d", ErrInvalidCube, w, h)
	}
	return q, nil
}

func (q QueryCube) validate() error {
	if q.X1 > q.X2 {
		return fmt.Errorf("%w: x1 (%v) > x2 (%v)", ErrInvalidCube, q.X1, q.X2)
	}
	if q.Y1 > q.Y2 {
		return fmt.Errorf("%w: y1 (%v) > y2 (%v)", ErrInvalidCube, q.Y1, q.Y2)
	}
	if q.T1 >= q.T2 {
		return fmt.Errorf("%w: t1 (%v) >= t2 (%v)", ErrInvalidCube, q.T1, q.T2)
	}
	return nil
}

// Intersects reports whether q and o overlap in all three axes. The time
// axis is half-open, so abutting intervals ([0,1) and [1,2)) do not
// intersect.
func (q QueryCube) Intersects(o QueryCube) bool {
	if q.EPSG != o.EPSG {
		return false
	}
	return q.X1 <= o.X2 && o.X1 <= q.X2 &&
		q.Y1 <= o.Y2 && o.Y1 <= q.Y2 &&
		q.T1 < o.T2 && o.T1 < q.T2
}

// Contains reports whether o is fully inside q on all three axes.
func (q QueryCube) Contains(o QueryCube) bool {
	if q.EPSG != o.EPSG {
		return false
	}
	return q.X1 <= o.X1 && o.X2 <= q.X2 &&
		q.Y1 <= o.Y1 && o.Y2 <= q.Y2 &&
		q.T1 <= o.T1 && o.T2 <= q.T2
}

// Intersection returns the overlap of q and o. Callers must check
// Intersects first; behavior is undefined (may return a degenerate or
// inverted cube) otherwise.
func (q QueryCube) Intersection(o QueryCube) QueryCube {
	return QueryCube{
		X1: max(q.X1, o.X1), X2: min(q.X2, o.X2),
		Y1: max(q.Y1, o.Y1), Y2: min(q.Y2, o.Y2),
		T1: max(q.T1, o.T1), T2: min(q.T2, o.T2),
		EPSG: q.EPSG, TimeKind: q.TimeKind, ResKind: q.ResKind, W: q.W, H: q.H,
	}
}

// degenerate reports whether the cube covers zero volume on any axis.
func (q QueryCube) degenerate() bool {
	return q.X1 >= q.X2 || q.Y1 >= q.Y2 || q.T1 >= q.T2
}

// Scale returns the implied pixel scale (projected units per pixel) for a
// raster query cube. Callers must check ResKind == ResolutionPixels first.
func (q QueryCube) Scale() (sx, sy float64) {
	return (q.X2 - q.X1) / float64(q.W), (q.Y2 - q.Y1) / float64(q.H)
}

// ScaleInterval is the resolution descriptor under which a cache cube is
// reusable: the pixel scale range [SXMin,SXMax]x[SYMin,SYMax], plus the
// actual scale at which the entry was produced.
type ScaleInterval struct {
	SXMin, SXMax float64
	SYMin, SYMax float64
	ProducedSX   float64
	ProducedSY   float64
}

// DefaultScaleWindow derives a ScaleInterval from a single produced scale
// using the policy resolved in SPEC_FULL.md's Open Question: the window is
// [scale/2, scale*2] on each axis.
func DefaultScaleWindow(sx, sy float64) ScaleInterval {
	return ScaleInterval{
		SXMin: sx / 2, SXMax: sx * 2,
		SYMin: sy / 2, SYMax: sy * 2,
		ProducedSX: sx, ProducedSY: sy,
	}
}

// Contains reports whether a query scale falls inside the interval.
func (s ScaleInterval) Contains(sx, sy float64) bool {
	return sx >= s.SXMin && sx <= s.SXMax && sy >= s.SYMin && sy <= s.SYMax
}

// CacheCube extends a QueryCube with the resolution descriptor under which
// a stored entry may be reused for a query. Feature-collection entries use
// a degenerate (zero-width) ScaleInterval; plot entries use a full cube
// with a degenerate scale too, since plots are never matched by scale.
type CacheCube struct {
	QueryCube
	Scale ScaleInterval
}

// Matches reports whether this cache cube can serve query cube q on its
// own: the cache cube contains q, the query's pixel scale lies inside the
// entry's scale interval, and the resolution-type tags agree.
func (c CacheCube) Matches(q QueryCube) bool {
	if c.ResKind != q.ResKind {
		return false
	}
	if !c.QueryCube.Contains(q) {
		return false
	}
	if q.ResKind == ResolutionPixels {
		sx, sy := q.Scale()
		if !c.Scale.Contains(sx, sy) {
			return false
		}
	}
	return true
}
