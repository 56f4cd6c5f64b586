package resultcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/geocache/internal/geocube"
)

// Replacement is the pluggable eviction policy a NodeCache enforces on
// insert (spec.md §4.2, §6 `cache.replacement`). At minimum the default
// must be LRU over last_access; the interface is kept narrow so a capacity
// pass can be driven without giving the policy access to payload bytes.
type Replacement interface {
	// Touch records that id (under fingerprint) was just accessed.
	Touch(fingerprint string, id geocube.EntryID)
	// Track registers a newly inserted entry with its size.
	Track(fingerprint string, id geocube.EntryID, size int64)
	// Forget removes bookkeeping for an entry that's been evicted/removed.
	Forget(fingerprint string, id geocube.EntryID)
	// Victims returns, in eviction order, entries to drop to free at least
	// needed bytes, skipping any id present in pinned.
	Victims(needed int64, pinned map[entryKey]struct{}) []entryKey
}

type entryKey struct {
	fingerprint string
	id          geocube.EntryID
}

// lruReplacement adapts hashicorp/golang-lru/v2's fixed-count recency list
// into a byte-size-aware eviction policy: the library already tracks
// least-recently-used order in O(1); we additionally track each entry's
// size so Victims can walk recency order until enough bytes are freed,
// rather than until a fixed item count is reached.
type lruReplacement struct {
	order *lru.Cache[entryKey, int64] // value is size in bytes; capacity is a large sentinel so the library itself never evicts
}

// NewLRU constructs the default eviction policy (spec.md §6
// `cache.replacement=lru`). The backing library's own capacity is set to
// a large sentinel: byte-size-driven eviction is performed explicitly by
// Victims, not by the library's own count-based eviction.
func NewLRU() Replacement {
	c, err := lru.New[entryKey, int64](1 << 20)
	if err != nil {
		// Only returns an error for size <= 0; our constant is positive.
		panic(err)
	}
	return &lruReplacement{order: c}
}

func (l *lruReplacement) Touch(fingerprint string, id geocube.EntryID) {
	k := entryKey{fingerprint, id}
	if v, ok := l.order.Get(k); ok {
		l.order.Add(k, v) // Add on an existing key refreshes recency.
	}
}

func (l *lruReplacement) Track(fingerprint string, id geocube.EntryID, size int64) {
	l.order.Add(entryKey{fingerprint, id}, size)
}

func (l *lruReplacement) Forget(fingerprint string, id geocube.EntryID) {
	l.order.Remove(entryKey{fingerprint, id})
}

func (l *lruReplacement) Victims(needed int64, pinned map[entryKey]struct{}) []entryKey {
	var victims []entryKey
	var freed int64
	// Keys() returns oldest-to-newest in this library, which is exactly the
	// eviction order LRU needs.
	for _, k := range l.order.Keys() {
		if freed >= needed {
			break
		}
		if _, isPinned := pinned[k]; isPinned {
			continue
		}
		size, ok := l.order.Peek(k)
		if !ok {
			continue
		}
		victims = append(victims, k)
		freed += size
	}
	return victims
}
