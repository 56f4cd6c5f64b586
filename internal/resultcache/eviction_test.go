package resultcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/geocache/internal/geocube"
)

func TestLRUReplacementVictimsReturnsOldestFirst(t *testing.T) {
	r := NewLRU()
	r.Track("fp", 1, 10)
	r.Track("fp", 2, 10)
	r.Track("fp", 3, 10)
	r.Touch("fp", 1) // bump 1 to most-recently-used

	victims := r.Victims(15, nil)
	require.NotEmpty(t, victims)
	assert.Equal(t, entryKey{"fp", 2}, victims[0], "least recently touched entry should be evicted first")
}

func TestLRUReplacementVictimsSkipsPinned(t *testing.T) {
	r := NewLRU()
	r.Track("fp", 1, 10)
	r.Track("fp", 2, 10)

	pinned := map[entryKey]struct{}{{"fp", 1}: {}}
	victims := r.Victims(10, pinned)
	for _, v := range victims {
		assert.NotEqual(t, entryKey{"fp", 1}, v)
	}
}

func TestLRUReplacementForgetRemovesFromVictims(t *testing.T) {
	r := NewLRU()
	r.Track("fp", geocube.EntryID(1), 10)
	r.Forget("fp", geocube.EntryID(1))
	victims := r.Victims(10, nil)
	assert.Empty(t, victims)
}

func TestLRUReplacementStopsOnceEnoughFreed(t *testing.T) {
	r := NewLRU()
	r.Track("fp", 1, 10)
	r.Track("fp", 2, 10)
	r.Track("fp", 3, 10)

	victims := r.Victims(10, nil)
	assert.Len(t, victims, 1, "should stop as soon as the needed bytes are freed")
}
