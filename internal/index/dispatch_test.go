package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/geocache/internal/geocube"
)

func TestNodeTableLeastLoadedPicksSmallestEWMA(t *testing.T) {
	nt := NewNodeTable()
	a := &NodeInfo{ID: "node-a"}
	a.UpdateLoad(0.8)
	b := &NodeInfo{ID: "node-b"}
	b.UpdateLoad(0.1)
	nt.Register(a)
	nt.Register(b)

	best, ok := nt.LeastLoaded()
	require.True(t, ok)
	assert.Equal(t, "node-b", best.ID)
}

func TestNodeTableLeastLoadedEmptyReturnsFalse(t *testing.T) {
	nt := NewNodeTable()
	_, ok := nt.LeastLoaded()
	assert.False(t, ok)
}

func TestNodeTableAllSortedByID(t *testing.T) {
	nt := NewNodeTable()
	nt.Register(&NodeInfo{ID: "node-z"})
	nt.Register(&NodeInfo{ID: "node-a"})
	all := nt.All()
	require.Len(t, all, 2)
	assert.Equal(t, "node-a", all[0].ID)
	assert.Equal(t, "node-z", all[1].ID)
}

func TestNodeTableRemove(t *testing.T) {
	nt := NewNodeTable()
	nt.Register(&NodeInfo{ID: "node-a"})
	nt.Remove("node-a")
	_, ok := nt.Get("node-a")
	assert.False(t, ok)
}

func TestDispatchMissGoesToLeastLoadedCreate(t *testing.T) {
	d := NewDirectory()
	nt := NewNodeTable()
	a := &NodeInfo{ID: "node-a"}
	a.UpdateLoad(0.9)
	b := &NodeInfo{ID: "node-b"}
	b.UpdateLoad(0.1)
	nt.Register(a)
	nt.Register(b)

	q := mustCube(t, 0, 10, 0, 10, 0, 1)
	dec, ok := Dispatch(d, nt, "fp1", q)
	require.True(t, ok)
	assert.Equal(t, DispatchCreate, dec.Kind)
	assert.Equal(t, "node-b", dec.NodeID)
	require.Len(t, dec.Remainder, 1)
}

func TestDispatchMissWithNoNodesFails(t *testing.T) {
	d := NewDirectory()
	nt := NewNodeTable()
	q := mustCube(t, 0, 10, 0, 10, 0, 1)
	_, ok := Dispatch(d, nt, "fp1", q)
	assert.False(t, ok)
}

func TestDispatchExactHitDelivers(t *testing.T) {
	d := NewDirectory()
	nt := NewNodeTable()
	nt.Register(&NodeInfo{ID: "node-a"})

	bounds := rasterBoundsForDir(t, 0, 10, 0, 10, 0, 1, 100, 100)
	d.Register("node-a", "fp1", 1, bounds, 1024)

	dec, ok := Dispatch(d, nt, "fp1", bounds.QueryCube)
	require.True(t, ok)
	assert.Equal(t, DispatchDeliver, dec.Kind)
	assert.Equal(t, "node-a", dec.NodeID)
	require.NotNil(t, dec.ExactEntry)
	assert.Equal(t, geocube.EntryID(1), dec.ExactEntry.EntryID)
}

func TestDispatchExactHitPendingMoveFallsBackToCreate(t *testing.T) {
	d := NewDirectory()
	nt := NewNodeTable()
	a := &NodeInfo{ID: "node-a"}
	a.UpdateLoad(0.9)
	b := &NodeInfo{ID: "node-b"}
	b.UpdateLoad(0.1)
	nt.Register(a)
	nt.Register(b)

	bounds := rasterBoundsForDir(t, 0, 10, 0, 10, 0, 1, 100, 100)
	d.Register("node-a", "fp1", 1, bounds, 1024)
	d.MarkMovePending("node-a", "fp1", 1)

	dec, ok := Dispatch(d, nt, "fp1", bounds.QueryCube)
	require.True(t, ok)
	assert.Equal(t, DispatchCreate, dec.Kind)
	assert.Equal(t, "node-b", dec.NodeID)
	require.Len(t, dec.Remainder, 1)
}

func TestDispatchPartialHitPuzzlesOnBestContributor(t *testing.T) {
	d := NewDirectory()
	nt := NewNodeTable()
	nodeA := &NodeInfo{ID: "node-a"}
	nodeA.UpdateLoad(0.5)
	nodeB := &NodeInfo{ID: "node-b"}
	nodeB.UpdateLoad(0.1)
	nt.Register(nodeA)
	nt.Register(nodeB)

	// node-a contributes a large overlap with the query, node-b a tiny
	// sliver, so node-a must win despite being more loaded.
	big := rasterBoundsForDir(t, 0, 8, 0, 10, 0, 1, 80, 100)
	small := rasterBoundsForDir(t, 8, 9, 0, 10, 0, 1, 10, 100)
	d.Register("node-a", "fp1", 1, big, 1024)
	d.Register("node-b", "fp1", 2, small, 1024)

	q := mustCube(t, 0, 10, 0, 10, 0, 1)
	dec, ok := Dispatch(d, nt, "fp1", q)
	require.True(t, ok)
	assert.Equal(t, DispatchPuzzle, dec.Kind)
	assert.Equal(t, "node-a", dec.NodeID)
	assert.NotEmpty(t, dec.DirRefs)
}

func TestBestContributorTiesBrokenByLeastLoaded(t *testing.T) {
	nt := NewNodeTable()
	a := &NodeInfo{ID: "node-a"}
	a.UpdateLoad(0.8)
	b := &NodeInfo{ID: "node-b"}
	b.UpdateLoad(0.2)
	nt.Register(a)
	nt.Register(b)

	contrib := map[string]float64{"node-a": 5.0, "node-b": 5.0}
	best, ok := bestContributor(contrib, nt)
	require.True(t, ok)
	assert.Equal(t, "node-b", best)
}
