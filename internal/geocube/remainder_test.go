package geocube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainderFullyCoveredIsEmpty(t *testing.T) {
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 10)
	rem := Remainder(q, []QueryCube{q})
	assert.Empty(t, rem)
}

func TestRemainderUncoveredReturnsWholeCube(t *testing.T) {
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 10)
	other := mustQueryCube(t, 3857, 100, 110, 100, 110, 100, 110)
	rem := Remainder(q, []QueryCube{other})
	require.Len(t, rem, 1)
	assert.Equal(t, q, rem[0])
}

func TestRemainderSubtractsInteriorBoxAtMostSixPieces(t *testing.T) {
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 10)
	interior := mustQueryCube(t, 3857, 4, 6, 4, 6, 4, 6)
	rem := Remainder(q, []QueryCube{interior})
	assert.LessOrEqual(t, len(rem), 6)
	assert.NotEmpty(t, rem)

	// None of the returned pieces should overlap the subtracted interior box
	// in volume. X and Y are closed, so a piece may share a face with it.
	for _, r := range rem {
		overlaps := r.Intersects(interior) && !r.Intersection(interior).degenerate()
		assert.False(t, overlaps, "remainder piece must not overlap covered cube")
	}
}

func TestRemainderIsSortedByX1Y1T1(t *testing.T) {
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 10)
	interior := mustQueryCube(t, 3857, 4, 6, 4, 6, 4, 6)
	rem := Remainder(q, []QueryCube{interior})
	for i := 1; i < len(rem); i++ {
		a, b := rem[i-1], rem[i]
		less := a.X1 < b.X1 ||
			(a.X1 == b.X1 && a.Y1 < b.Y1) ||
			(a.X1 == b.X1 && a.Y1 == b.Y1 && a.T1 <= b.T1)
		assert.True(t, less, "remainder must be sorted ascending by (X1,Y1,T1)")
	}
}

func TestRemainderIgnoresNonIntersectingCovered(t *testing.T) {
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 10)
	disjoint := mustQueryCube(t, 4326, 0, 10, 0, 10, 0, 10)
	rem := Remainder(q, []QueryCube{disjoint})
	require.Len(t, rem, 1)
	assert.Equal(t, q, rem[0])
}
