package geocube

import "time"

// EntryID is a node-local, monotonically assigned identifier for a stored
// entry. Combined with a fingerprint it is unique within one node's
// structure (invariant I4); combined with a node id it is unique
// network-wide (a CacheRef, modeled in internal/index).
type EntryID uint64

// Entry is one stored computation result: its reusable bounds, its byte
// size, and the access bookkeeping used for eviction scoring. Payload
// storage itself lives in internal/resultcache, which owns the Entry
// alongside the actual bytes; this type holds only what the coverage query
// algorithm (C1) needs to reason about.
type Entry struct {
	Bounds      CacheCube
	SizeBytes   int64
	LastAccess  int64 // UnixNano, updated under the same mutex as eviction scoring
	AccessCount int64
	ID          EntryID
}

// touch records an access, per spec.md §5's ordering guarantee that
// AccessCount and LastAccess update under the same mutex as eviction
// scoring (the caller holds Store's mutex when calling this).
func (e *Entry) touch(now time.Time) {
	e.LastAccess = now.UnixNano()
	e.AccessCount++
}
