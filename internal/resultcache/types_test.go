package resultcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
)

func TestDoPuzzlePlotIsNeverPuzzleable(t *testing.T) {
	_, err := DoPuzzle(compute.ResultPlot, geocube.QueryCube{}, nil)
	assert.ErrorIs(t, err, ErrNotPuzzleable)
}

func TestDoPuzzleFeaturesUnifiesAttributeKeys(t *testing.T) {
	parts := []Part{
		{Feature: &FeatureCollection{Features: []Feature{{Attributes: map[string]any{"a": 1}}}}},
		{Feature: &FeatureCollection{Features: []Feature{{Attributes: map[string]any{"b": 2}}}}},
	}
	out, err := DoPuzzle(compute.ResultPoints, geocube.QueryCube{}, parts)
	require.NoError(t, err)
	fc := out.(*FeatureCollection)
	require.Len(t, fc.Features, 2)
	for _, f := range fc.Features {
		assert.Contains(t, f.Attributes, "a")
		assert.Contains(t, f.Attributes, "b")
	}
}

func TestDoPuzzleRasterRequiresPixelResolution(t *testing.T) {
	bbox, _ := geocube.NewQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced)
	_, err := DoPuzzle(compute.ResultRaster, bbox, []Part{{Raster: &RasterTile{BytesPerPixel: 1}}})
	assert.Error(t, err)
}

func TestDoPuzzleRasterBlitsSourceIntoDestination(t *testing.T) {
	bbox, err := geocube.NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced, 10, 10)
	require.NoError(t, err)

	src := &RasterTile{
		Pixels:        []byte{7, 7},
		Width:         2,
		Height:        1,
		BytesPerPixel: 1,
		Bounds:        mustBounds(t, 0, 2, 9, 10),
	}
	out, err := DoPuzzle(compute.ResultRaster, bbox, []Part{{Raster: src}})
	require.NoError(t, err)
	tile := out.(*RasterTile)
	assert.Equal(t, 10, tile.Width)
	assert.Equal(t, 10, tile.Height)
	assert.Equal(t, byte(7), tile.Pixels[0])
	assert.Equal(t, byte(7), tile.Pixels[1])
}

func mustBounds(t *testing.T, x1, x2, y1, y2 float64) geocube.QueryCube {
	t.Helper()
	q, err := geocube.NewQueryCube(3857, x1, x2, y1, y2, 0, 1, geocube.TimeUnreferenced)
	require.NoError(t, err)
	return q
}
