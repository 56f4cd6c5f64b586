// Package resultcache implements the per-node, per-result-type cache
// wrapper (spec.md §4.2): storage with eviction, puzzle assembly, and
// remainder computation. One NodeCache instance exists per result type.
package resultcache

import (
	"errors"
	"sort"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
)

// ErrNotPuzzleable is returned by DoPuzzle for result types that are never
// assembled from parts (plots, per spec.md §4.2: "plots are not puzzled;
// miss => full recompute").
var ErrNotPuzzleable = errors.New("resultcache: result type does not support puzzle assembly")

// Feature is one feature-collection element: a geometry blob plus a flat
// attribute map. The geometry encoding itself is owned by the processing
// engine; the cache only needs to concatenate features and unify attribute
// keys across sources (spec.md §4.2).
type Feature struct {
	Geometry   []byte
	Attributes map[string]any
}

// FeatureCollection is the payload shape for points/lines/polygons
// results.
type FeatureCollection struct {
	Features []Feature
}

// RasterTile is the payload shape for raster results: a pixel buffer with
// a stride, blitted into a larger raster during puzzle assembly.
type RasterTile struct {
	Pixels        []byte
	Width, Height int
	BytesPerPixel int
	Bounds        geocube.QueryCube
}

// PlotPayload is an opaque, non-puzzleable rendered plot.
type PlotPayload struct {
	Bytes []byte
}

// Part is one contributing piece handed to DoPuzzle: either a cache hit
// (already-decoded payload) or a freshly computed remainder.
type Part struct {
	Bounds  geocube.QueryCube
	Raster  *RasterTile
	Feature *FeatureCollection
}

// DoPuzzle assembles parts covering bbox into a single payload, dispatched
// by result type per spec.md §4.2:
//   - raster: blit each part's pixels into a bounding raster at its offset.
//   - points/lines/polygons: concatenate features, filling missing
//     attribute columns with nil so that every feature in the assembled
//     collection carries the union of source attribute keys.
//   - plot: never puzzled; returns ErrNotPuzzleable.
func DoPuzzle(t compute.ResultType, bbox geocube.QueryCube, parts []Part) (any, error) {
	switch t {
	case compute.ResultRaster:
		return puzzleRaster(bbox, parts)
	case compute.ResultPoints, compute.ResultLines, compute.ResultPolygons:
		return puzzleFeatures(parts)
	case compute.ResultPlot:
		return nil, ErrNotPuzzleable
	default:
		return nil, errors.New("resultcache: unknown result type")
	}
}

func puzzleRaster(bbox geocube.QueryCube, parts []Part) (*RasterTile, error) {
	if bbox.ResKind != geocube.ResolutionPixels {
		return nil, errors.New("resultcache: raster puzzle requires a pixel resolution")
	}
	bpp := 0
	for _, p := range parts {
		if p.Raster != nil {
			bpp = p.Raster.BytesPerPixel
			break
		}
	}
	if bpp == 0 {
		return nil, errors.New("resultcache: no raster parts to puzzle")
	}
	out := &RasterTile{
		Width:         int(bbox.W),
		Height:        int(bbox.H),
		BytesPerPixel: bpp,
		Bounds:        bbox,
		Pixels:        make([]byte, int(bbox.W)*int(bbox.H)*bpp),
	}
	sx, sy := bbox.Scale()
	for _, p := range parts {
		if p.Raster == nil {
			continue
		}
		blit(out, p.Raster, bbox, sx, sy)
	}
	return out, nil
}

// blit copies src's pixels into dst at the pixel offset implied by src's
// bounds relative to dst's bounds and the destination's pixel scale.
func blit(dst *RasterTile, src *RasterTile, bbox geocube.QueryCube, sx, sy float64) {
	offX := int((src.Bounds.X1 - bbox.X1) / sx)
	offY := int((bbox.Y2 - src.Bounds.Y2) / sy) // raster row 0 is the top (max Y)
	for row := 0; row < src.Height; row++ {
		dy := offY + row
		if dy < 0 || dy >= dst.Height {
			continue
		}
		srcStart := row * src.Width * src.BytesPerPixel
		srcEnd := srcStart + src.Width*src.BytesPerPixel
		if srcEnd > len(src.Pixels) {
			continue
		}
		dstColStart := offX * dst.BytesPerPixel
		dstRowStart := dy * dst.Width * dst.BytesPerPixel
		dstStart := dstRowStart + dstColStart
		dstEnd := dstStart + (srcEnd - srcStart)
		if dstStart < dstRowStart || dstEnd > dstRowStart+dst.Width*dst.BytesPerPixel {
			// Clip to the destination row bounds.
			continue
		}
		copy(dst.Pixels[dstStart:dstEnd], src.Pixels[srcStart:srcEnd])
	}
}

func puzzleFeatures(parts []Part) (*FeatureCollection, error) {
	keySet := map[string]struct{}{}
	var all []Feature
	for _, p := range parts {
		if p.Feature == nil {
			continue
		}
		for _, f := range p.Feature.Features {
			for k := range f.Attributes {
				keySet[k] = struct{}{}
			}
			all = append(all, f)
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Feature, len(all))
	for i, f := range all {
		attrs := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := f.Attributes[k]; ok {
				attrs[k] = v
			} else {
				attrs[k] = nil
			}
		}
		out[i] = Feature{Geometry: f.Geometry, Attributes: attrs}
	}
	return &FeatureCollection{Features: out}, nil
}

