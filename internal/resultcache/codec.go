package resultcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// wireEnvelope is the on-disk/on-wire shape used to round-trip a Part's
// payload through encoding/gob: exactly one field is set, discriminating
// the concrete result shape without requiring callers to register their
// own types with the gob package.
type wireEnvelope struct {
	Raster  *RasterTile
	Feature *FeatureCollection
	Plot    *PlotPayload
}

// EncodeAssembled turns a DoPuzzle result (or a freshly computed payload
// from the processing engine, decoded the same way) into the bytes stored
// in a NodeCache slot and handed out over the delivery connection. This is
// the codec ProcessPuzzle's encode parameter is built from; no pack or
// teacher library owns this concern (spec.md §1 leaves per-result-type
// serialization to the external processing engine), so it is built
// directly on encoding/gob rather than invented from nothing.
func EncodeAssembled(v any) ([]byte, error) {
	var w wireEnvelope
	switch t := v.(type) {
	case *RasterTile:
		w.Raster = t
	case *FeatureCollection:
		w.Feature = t
	case *PlotPayload:
		w.Plot = t
	default:
		return nil, fmt.Errorf("resultcache: cannot encode %T", v)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("resultcache: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePart is the inverse of EncodeAssembled, used both to decode a
// fetched ref's bytes and a freshly computed remainder's bytes into the
// Part shape DoPuzzle consumes.
func DecodePart(b []byte) (Part, error) {
	var w wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return Part{}, fmt.Errorf("resultcache: decode: %w", err)
	}
	switch {
	case w.Raster != nil:
		return Part{Raster: w.Raster}, nil
	case w.Feature != nil:
		return Part{Feature: w.Feature}, nil
	case w.Plot != nil:
		return Part{}, fmt.Errorf("resultcache: %w", ErrNotPuzzleable)
	default:
		return Part{}, fmt.Errorf("resultcache: empty payload envelope")
	}
}
