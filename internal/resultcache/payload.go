package resultcache

import "sync/atomic"

// slot is the shared, read-only-after-write ownership unit for one
// entry's serialized payload (spec.md §9 "shared payload ownership"): the
// cache slot itself, zero or more in-flight deliveries, and at most one
// pending move may all reference it concurrently. Eviction may only free
// the bytes once refcount drops to the single reference the cache slot
// itself holds; capacity accounting counts the payload exactly once
// regardless of refcount.
type slot struct {
	bytes       []byte
	refcount    int32 // starts at 1 for the cache slot's own reference
	pendingMove int32 // atomic bool; 1 while a move holds this entry
}

func newSlot(b []byte) *slot {
	return &slot{bytes: b, refcount: 1}
}

func (s *slot) acquire() { atomic.AddInt32(&s.refcount, 1) }

// release drops a reference. It never frees bytes itself — freeing is
// implicit in letting the slot become unreachable once the cache map entry
// is deleted and refcount has fallen back to the cache's own baseline.
func (s *slot) release() { atomic.AddInt32(&s.refcount, -1) }

func (s *slot) refs() int32 { return atomic.LoadInt32(&s.refcount) }

func (s *slot) markPendingMove() bool {
	return atomic.CompareAndSwapInt32(&s.pendingMove, 0, 1)
}

func (s *slot) clearPendingMove() { atomic.StoreInt32(&s.pendingMove, 0) }

func (s *slot) isPendingMove() bool { return atomic.LoadInt32(&s.pendingMove) == 1 }

// evictable reports whether a slot may be dropped by eviction: not held by
// any delivery beyond the cache's own baseline reference, and not
// currently the source of a pending move (spec.md §4.2 eviction policy,
// §4.6 "mark the source entry pending move (not evictable...)").
func (s *slot) evictable() bool {
	return s.refs() <= 1 && !s.isPendingMove()
}

// PayloadRef is a borrowed, read-only handle to a cached payload, returned
// by NodeCache.GetRef for delivery. Callers MUST call Release when done so
// eviction can reclaim the slot.
type PayloadRef struct {
	s *slot
}

// Bytes returns the borrowed payload. The returned slice must not be
// mutated or retained past Release.
func (r *PayloadRef) Bytes() []byte { return r.s.bytes }

// Release drops this borrow's reference on the underlying slot.
func (r *PayloadRef) Release() { r.s.release() }
