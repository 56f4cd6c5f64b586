package geocube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rasterCacheCube(t *testing.T, x1, x2, y1, y2, t1, t2 float64, w, h int32) CacheCube {
	t.Helper()
	q, err := NewRasterQueryCube(3857, x1, x2, y1, y2, t1, t2, TimeUnreferenced, w, h)
	require.NoError(t, err)
	sx, sy := q.Scale()
	return CacheCube{QueryCube: q, Scale: DefaultScaleWindow(sx, sy)}
}

func TestStorePutGetRemoveRoundTrip(t *testing.T) {
	s := NewStore()
	bounds := rasterCacheCube(t, 0, 10, 0, 10, 0, 1, 100, 100)
	id := s.Put("fp1", bounds, 1024)

	got, err := s.Get("fp1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got.SizeBytes)
	assert.Equal(t, int64(1), got.AccessCount, "Get must bump the access counter")

	peeked, err := s.Peek("fp1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), peeked.AccessCount, "Peek must not bump the access counter")

	s.Remove("fp1", id)
	_, err = s.Get("fp1", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetUnknownReturnsNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreQueryMissOnEmptyStore(t *testing.T) {
	s := NewStore()
	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 1)
	cov := s.Query("fp1", q)
	assert.Equal(t, CoverageMiss, cov.Kind)
	assert.Equal(t, []QueryCube{q}, cov.Remainder)
}

func TestStoreQueryExactHit(t *testing.T) {
	s := NewStore()
	bounds := rasterCacheCube(t, 0, 10, 0, 10, 0, 1, 100, 100)
	s.Put("fp1", bounds, 2048)

	q, err := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 100, 100)
	require.NoError(t, err)

	cov := s.Query("fp1", q)
	require.Equal(t, CoverageExact, cov.Kind)
	require.NotNil(t, cov.Exact)
	assert.Equal(t, int64(2048), cov.Exact.SizeBytes)
}

func TestStoreQueryPartialHitReturnsRemainder(t *testing.T) {
	s := NewStore()
	// Stored entry only covers half the query's X range.
	bounds := rasterCacheCube(t, 0, 5, 0, 10, 0, 1, 50, 100)
	s.Put("fp1", bounds, 512)

	q, err := NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, TimeUnreferenced, 100, 100)
	require.NoError(t, err)

	cov := s.Query("fp1", q)
	require.Equal(t, CoveragePartial, cov.Kind)
	require.Len(t, cov.Refs, 1)
	require.NotEmpty(t, cov.Remainder)
	for _, r := range cov.Remainder {
		assert.True(t, q.Contains(r), "remainder pieces must lie within the original query")
	}
}

func TestStoreQueryDifferentFingerprintIsIsolated(t *testing.T) {
	s := NewStore()
	bounds := rasterCacheCube(t, 0, 10, 0, 10, 0, 1, 100, 100)
	s.Put("fp1", bounds, 1024)

	q := mustQueryCube(t, 3857, 0, 10, 0, 10, 0, 1)
	cov := s.Query("fp2", q)
	assert.Equal(t, CoverageMiss, cov.Kind)
}

func TestStoreEntriesSnapshotsDoNotAliasInternalState(t *testing.T) {
	s := NewStore()
	bounds := rasterCacheCube(t, 0, 10, 0, 10, 0, 1, 100, 100)
	id := s.Put("fp1", bounds, 1024)

	entries := s.Entries("fp1")
	require.Len(t, entries, 1)
	entries[0].SizeBytes = 999999

	got, err := s.Peek("fp1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got.SizeBytes, "mutating a snapshot must not affect stored state")
}
