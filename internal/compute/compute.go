// Package compute defines the boundary between the cache core and the
// geospatial processing engine. Per spec.md §1, operator implementations,
// GDAL/OpenCL bindings, and the raster/feature data model itself are out of
// scope; the core only consumes an "execute operator graph over a query
// rectangle" function, which this package models as an interface so the
// rest of the module can be tested against an in-memory double.
package compute

import (
	"context"
	"fmt"

	"github.com/dreamware/geocache/internal/geocube"
)

// ResultType tags which of the five result kinds a payload is.
type ResultType int

const (
	ResultRaster ResultType = iota
	ResultPoints
	ResultLines
	ResultPolygons
	ResultPlot
)

// AllResultTypes enumerates every result kind, used to pre-create one
// cache/directory structure per type.
var AllResultTypes = []ResultType{ResultRaster, ResultPoints, ResultLines, ResultPolygons, ResultPlot}

func (t ResultType) String() string {
	switch t {
	case ResultRaster:
		return "raster"
	case ResultPoints:
		return "points"
	case ResultLines:
		return "lines"
	case ResultPolygons:
		return "polygons"
	case ResultPlot:
		return "plot"
	default:
		return "unknown"
	}
}

// Payload is the opaque output of executing an operator graph: bytes the
// core neither interprets nor validates, plus the produced scale (for
// raster results; zero for others) used to derive a ScaleInterval.
type Payload struct {
	Type      ResultType
	Bytes     []byte
	ProducedX float64
	ProducedY float64
}

// Executor runs an operator graph over a query rectangle and returns an
// opaque result. Implementations live outside the core (the processing
// engine); geocache only depends on this interface.
type Executor interface {
	Execute(ctx context.Context, graph geocube.OperatorNode, rect geocube.QueryCube) (Payload, error)
}

// SizeEstimator estimates the serialized byte size of a payload before it
// is actually serialized, so caching-strategy predicates (internal/resultcache)
// can compare compute cost against cache cost without paying for a real
// encode.
type SizeEstimator interface {
	EstimateBytes(p Payload) int64
}

// DefaultSizeEstimator estimates size as the length of the payload's raw
// bytes; a processing engine with a richer cost model can supply its own.
type DefaultSizeEstimator struct{}

func (DefaultSizeEstimator) EstimateBytes(p Payload) int64 { return int64(len(p.Bytes)) }

// StubExecutor is an in-memory stand-in for the real processing engine,
// grounded on the teacher's in-memory storage.Store (internal/storage/store.go):
// a trivial, dependency-free implementation of the boundary interface, good
// enough to let cmd/node run end-to-end without GDAL/OpenCL wired up. It
// fabricates a deterministic payload from the graph's fingerprint and the
// requested cube rather than touching any real raster/feature data, so two
// computes of the same (graph, cube) are byte-identical (spec.md P1).
type StubExecutor struct{}

func (StubExecutor) Execute(_ context.Context, graph geocube.OperatorNode, rect geocube.QueryCube) (Payload, error) {
	sf := geocube.Fingerprint(graph)
	body := fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f,%.6f,%.6f-%d", sf, rect.X1, rect.Y1, rect.X2, rect.Y2, rect.T1, rect.T2, rect.EPSG)
	sx, sy := 0.0, 0.0
	if rect.ResKind == geocube.ResolutionPixels {
		sx, sy = rect.Scale()
	}
	return Payload{Type: ResultRaster, Bytes: []byte(body), ProducedX: sx, ProducedY: sy}, nil
}
