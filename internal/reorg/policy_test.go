package reorg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/geocache/internal/index"
)

func TestHotScoreDecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := index.DirectoryEntry{AccessCount: 10, SizeBytes: 1000, LastAccess: now.UnixNano()}
	old := index.DirectoryEntry{AccessCount: 10, SizeBytes: 1000, LastAccess: now.Add(-10 * time.Minute).UnixNano()}

	freshScore := hotScore(fresh, now, 10*time.Minute)
	oldScore := hotScore(old, now, 10*time.Minute)

	assert.InDelta(t, 10000.0, freshScore, 0.001)
	assert.InDelta(t, 5000.0, oldScore, 0.5, "one half-life should halve the score")
	assert.Greater(t, freshScore, oldScore)
}

func TestHotScoreIgnoresFutureLastAccess(t *testing.T) {
	now := time.Now()
	e := index.DirectoryEntry{AccessCount: 1, SizeBytes: 100, LastAccess: now.Add(time.Minute).UnixNano()}
	assert.InDelta(t, 100.0, hotScore(e, now, time.Minute), 0.001)
}

func TestColocationScoreFullyConcentrated(t *testing.T) {
	entries := []index.DirectoryEntry{
		{NodeID: "a", SizeBytes: 10},
		{NodeID: "a", SizeBytes: 20},
	}
	node, score := colocationScore(entries)
	assert.Equal(t, "a", node)
	assert.Equal(t, 1.0, score)
}

func TestColocationScoreSplitEvenly(t *testing.T) {
	entries := []index.DirectoryEntry{
		{NodeID: "a", SizeBytes: 10},
		{NodeID: "b", SizeBytes: 10},
	}
	_, score := colocationScore(entries)
	assert.InDelta(t, 0.5, score, 0.001)
}

func TestColocationScoreEmpty(t *testing.T) {
	node, score := colocationScore(nil)
	assert.Equal(t, "", node)
	assert.Equal(t, 0.0, score)
}

func TestRankByHotnessAscOrdersColdestFirst(t *testing.T) {
	now := time.Now()
	entries := []index.DirectoryEntry{
		{DirectoryID: 1, AccessCount: 1, SizeBytes: 1, LastAccess: now.UnixNano()},
		{DirectoryID: 2, AccessCount: 100, SizeBytes: 100, LastAccess: now.UnixNano()},
		{DirectoryID: 3, AccessCount: 0, SizeBytes: 1, LastAccess: now.UnixNano()},
	}
	rankByHotnessAsc(entries, now, time.Minute)
	assert.Equal(t, uint64(3), entries[0].DirectoryID)
	assert.Equal(t, uint64(2), entries[len(entries)-1].DirectoryID)
}
