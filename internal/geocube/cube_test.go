package geocube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryCubeValidation(t *testing.T) {
	_, err := NewQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced)
	require.NoError(t, err)

	_, err = NewQueryCube(3857, 10, 0, 0, 10, 0, 1, TimeUnreferenced)
	assert.ErrorIs(t, err, ErrInvalidCube, "x1 > x2 must be rejected")

	_, err = NewQueryCube(3857, 0, 10, 10, 0, 0, 1, TimeUnreferenced)
	assert.ErrorIs(t, err, ErrInvalidCube, "y1 > y2 must be rejected")

	_, err = NewQueryCube(3857, 0, 10, 0, 10, 1, 1, TimeUnreferenced)
	assert.ErrorIs(t, err, ErrInvalidCube, "t1 must be strictly less than t2")
}

func TestNewRasterQueryCubeRequiresPositiveResolution(t *testing.T) {
	_, err := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidCube)

	q, err := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 100, 100)
	require.NoError(t, err)
	sx, sy := q.Scale()
	assert.Equal(t, 0.1, sx)
	assert.Equal(t, 0.1, sy)
}

func TestQueryCubeIntersectsRespectsHalfOpenTime(t *testing.T) {
	a, _ := NewQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced)
	b, _ := NewQueryCube(3857, 0, 10, 0, 10, 1, 2, TimeUnreferenced)
	assert.False(t, a.Intersects(b), "abutting half-open time intervals must not intersect")

	c, _ := NewQueryCube(3857, 0, 10, 0, 10, 0.5, 2, TimeUnreferenced)
	assert.True(t, a.Intersects(c))
}

func TestQueryCubeIntersectsRequiresSameProjection(t *testing.T) {
	a, _ := NewQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced)
	b, _ := NewQueryCube(4326, 0, 10, 0, 10, 0, 1, TimeUnreferenced)
	assert.False(t, a.Intersects(b))
	assert.False(t, a.Contains(b))
}

func TestQueryCubeContains(t *testing.T) {
	outer, _ := NewQueryCube(3857, 0, 10, 0, 10, 0, 10, TimeUnreferenced)
	inner, _ := NewQueryCube(3857, 2, 8, 2, 8, 2, 8, TimeUnreferenced)
	assert.True(t, outer.Contains(inner))
	assert.False(t, inner.Contains(outer))
}

func TestCacheCubeMatchesChecksResolutionTypeScaleAndBounds(t *testing.T) {
	q, _ := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 100, 100)
	sx, sy := q.Scale()
	entry := CacheCube{QueryCube: mustQueryCube(t, 3857, -5, 15, -5, 15, 0, 1), Scale: DefaultScaleWindow(sx, sy)}
	entry.QueryCube.ResKind = ResolutionPixels
	entry.QueryCube.W, entry.QueryCube.H = 200, 200

	assert.True(t, entry.Matches(q), "query scale should fall within [scale/2, scale*2]")

	farScale, _ := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 100000, 100000)
	assert.False(t, entry.Matches(farScale), "a wildly different pixel scale must not match")

	nonRaster, _ := NewQueryCube(3857, 1, 2, 1, 2, 0, 1, TimeUnreferenced)
	assert.False(t, entry.Matches(nonRaster), "resolution-type tags must agree")
}

func mustQueryCube(t *testing.T, epsg int32, x1, x2, y1, y2, t1, t2 float64) QueryCube {
	t.Helper()
	q, err := NewQueryCube(epsg, x1, x2, y1, y2, t1, t2, TimeUnreferenced)
	require.NoError(t, err)
	return q
}
