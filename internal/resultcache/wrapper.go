package resultcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/metrics"
)

// ErrInsertRefused is returned by PutLocal when, per spec.md §7, even
// evicting every non-pinned entry would not free enough room for the new
// entry; the result is returned uncached rather than inserted.
var ErrInsertRefused = errors.New("resultcache: insert refused, capacity exhausted")

// NodeCache is the per-result-type cache wrapper described in spec.md
// §4.2: one instance exists per result type (raster, points, lines,
// polygons, plot). It owns a geocube.Store for coverage queries plus a
// parallel table of payload slots for shared, refcounted byte ownership.
type NodeCache struct {
	Type     compute.ResultType
	store    *geocube.Store
	repl     Replacement
	strategy Strategy
	executor compute.Executor
	estimate compute.SizeEstimator
	metrics  *metrics.Registry
	log      *zap.Logger
	enabled  bool

	mu       sync.Mutex // guards slots and used; Store has its own lock for coverage/entry bookkeeping
	slots    map[entryKey]*slot
	used     int64
	capacity int64
}

// Config bundles NodeCache construction parameters.
type Config struct {
	Type        compute.ResultType
	Capacity    int64
	Replacement Replacement
	Strategy    Strategy
	Executor    compute.Executor
	Estimator   compute.SizeEstimator
	Metrics     *metrics.Registry
	Log         *zap.Logger
	// Disabled implements spec.md §6's `cache.enabled=false`: every query
	// reports a miss and every insert is refused, without the caller (the
	// rest of the cache core) needing a separate no-op code path.
	Disabled bool
}

// New constructs a NodeCache for one result type.
func New(cfg Config) *NodeCache {
	if cfg.Replacement == nil {
		cfg.Replacement = NewLRU()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = AlwaysCache{}
	}
	if cfg.Estimator == nil {
		cfg.Estimator = compute.DefaultSizeEstimator{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &NodeCache{
		Type:     cfg.Type,
		store:    geocube.NewStore(),
		repl:     cfg.Replacement,
		strategy: cfg.Strategy,
		executor: cfg.Executor,
		estimate: cfg.Estimator,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		enabled:  !cfg.Disabled,
		slots:    make(map[entryKey]*slot),
		capacity: cfg.Capacity,
	}
}

// Query answers a coverage query directly against the local structure,
// without round-tripping through the index (spec.md §4.2 "direct mode").
func (c *NodeCache) Query(fingerprint string, q geocube.QueryCube) geocube.Coverage {
	if !c.enabled {
		return geocube.Coverage{Kind: geocube.CoverageMiss, Remainder: []geocube.QueryCube{q}}
	}
	return c.store.Query(fingerprint, q)
}

// PutLocal inserts payload into the local structure under fingerprint,
// evicting entries per policy until used+len(payload) <= capacity and
// assigns an EntryID. Per spec.md §7, if eviction cannot free enough room
// even after dropping every non-pinned entry, the insert is refused and
// ErrInsertRefused is returned; the caller still has the computed result,
// just uncached.
func (c *NodeCache) PutLocal(fingerprint string, bounds geocube.CacheCube, payload []byte) (geocube.EntryID, error) {
	if !c.enabled {
		return 0, ErrInsertRefused
	}
	size := int64(len(payload))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && c.used+size > c.capacity {
		c.evictLocked(fingerprint, c.used+size-c.capacity)
		if c.used+size > c.capacity {
			if c.metrics != nil {
				c.metrics.InsertsRefused.WithLabelValues(c.Type.String()).Inc()
			}
			return 0, ErrInsertRefused
		}
	}

	id := c.store.Put(fingerprint, bounds, size)
	k := entryKey{fingerprint, id}
	c.slots[k] = newSlot(payload)
	c.used += size
	c.repl.Track(fingerprint, id, size)

	c.log.Debug("cache insert", zap.String("fingerprint", fingerprint), zap.Uint64("entry_id", uint64(id)), zap.Int64("size", size))
	return id, nil
}

// evictLocked drops entries (LRU by default) until at least needed bytes
// are freed or no further non-pinned entry remains. Caller holds c.mu.
func (c *NodeCache) evictLocked(fingerprint string, needed int64) {
	pinned := map[entryKey]struct{}{}
	for k, s := range c.slots {
		if !s.evictable() {
			pinned[k] = struct{}{}
		}
	}
	for _, k := range c.repl.Victims(needed, pinned) {
		s, ok := c.slots[k]
		if !ok {
			continue
		}
		c.store.Remove(k.fingerprint, k.id)
		delete(c.slots, k)
		c.repl.Forget(k.fingerprint, k.id)
		c.used -= int64(len(s.bytes))
		needed -= int64(len(s.bytes))
		if c.metrics != nil {
			c.metrics.Evictions.WithLabelValues(c.Type.String()).Inc()
		}
		if needed <= 0 {
			return
		}
	}
}

// RemoveLocal drops an entry without notifying the index (spec.md §4.2:
// "used during reorg after the index confirms the move").
func (c *NodeCache) RemoveLocal(fingerprint string, id geocube.EntryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := entryKey{fingerprint, id}
	if s, ok := c.slots[k]; ok {
		c.used -= int64(len(s.bytes))
		delete(c.slots, k)
	}
	c.repl.Forget(fingerprint, id)
	c.store.Remove(fingerprint, id)
}

// GetRef borrows a payload for delivery without copying (spec.md §4.2).
// Callers must call Release on the returned ref.
func (c *NodeCache) GetRef(fingerprint string, id geocube.EntryID) (*PayloadRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[entryKey{fingerprint, id}]
	if !ok {
		return nil, geocube.ErrNotFound
	}
	if s.isPendingMove() {
		return nil, errors.New("resultcache: entry is pending a move")
	}
	s.acquire()
	c.repl.Touch(fingerprint, id)
	return &PayloadRef{s: s}, nil
}

// MarkPendingMove flags an entry as the source of an in-flight reorg move:
// not evictable, not deliverable for fresh requests, per spec.md §4.6.
// Returns false if the entry is already pending a move.
func (c *NodeCache) MarkPendingMove(fingerprint string, id geocube.EntryID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[entryKey{fingerprint, id}]
	if !ok {
		return false
	}
	return s.markPendingMove()
}

// ClearPendingMove releases the pending-move flag, used on rollback
// (spec.md §4.5 "if any step fails before MOVE_DONE... both copies MUST be
// retained").
func (c *NodeCache) ClearPendingMove(fingerprint string, id geocube.EntryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[entryKey{fingerprint, id}]; ok {
		s.clearPendingMove()
	}
}

// Bounds returns the reusable bounds of a locally stored entry, without
// affecting eviction bookkeeping, used when streaming an entry's bounds
// alongside its payload for a reorg move (spec.md §4.6 "CMD_MOVE_ITEM:
// stream payload plus entry bounds").
func (c *NodeCache) Bounds(fingerprint string, id geocube.EntryID) (geocube.CacheCube, error) {
	e, err := c.store.Peek(fingerprint, id)
	if err != nil {
		return geocube.CacheCube{}, err
	}
	return e.Bounds, nil
}

// UsedBytes reports current capacity usage, for stats reporting (spec.md
// §4.4.3, SPEC_FULL.md's supplemented per-type capacity stats).
func (c *NodeCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// CapacityBytes reports the configured capacity.
func (c *NodeCache) CapacityBytes() int64 { return c.capacity }

// Fetcher retrieves the payload for a CacheRef that is not local to this
// node, over a delivery connection to the owning node (internal/delivery).
// host/port address the owning node directly; entry ids are only unique
// per node, so the address cannot be derived from nodeID alone here.
type Fetcher func(ctx context.Context, nodeID, host string, port uint32, fingerprint string, id geocube.EntryID) ([]byte, error)

// PuzzleRequest is a local, decoded form of the wire PuzzleRequest:
// entries the index believes contribute to the query, plus the remainder
// sub-cubes that must be freshly computed.
type PuzzleRequest struct {
	Fingerprint string
	Graph       geocube.OperatorNode
	BBox        geocube.QueryCube
	Refs        []RemoteRef
	Remainder   []geocube.QueryCube
}

// RemoteRef names a contributing entry by its network-wide location.
type RemoteRef struct {
	NodeID       string
	Host         string
	DeliveryPort uint32
	Fingerprint  string
	EntryID      geocube.EntryID
	Bounds       geocube.CacheCube
}

// PuzzleResult is ProcessPuzzle's outcome: the assembled payload bytes,
// the bounds it was assembled over, and — when the caching strategy
// approved storing it — the entry id it was filed under, so the caller
// can announce RESP_NEW_CACHE_ENTRY the same way a fresh create does.
type PuzzleResult struct {
	Encoded []byte
	Bounds  geocube.CacheCube
	EntryID geocube.EntryID // zero if the strategy declined to cache
	Cached  bool
}

// ProcessPuzzle implements spec.md §4.2's process_puzzle: fetch any refs
// not already local via fetch, compute each remainder via the configured
// Executor, assemble with DoPuzzle, insert the assembled result locally,
// and return the assembled payload bytes plus its bounds.
func (c *NodeCache) ProcessPuzzle(ctx context.Context, selfNodeID string, req PuzzleRequest, fetch Fetcher, encode func(any) ([]byte, error), decode func([]byte) (Part, error)) (PuzzleResult, error) {
	var parts []Part

	for _, ref := range req.Refs {
		var raw []byte
		var err error
		if ref.NodeID == selfNodeID {
			pr, gerr := c.GetRef(ref.Fingerprint, ref.EntryID)
			if gerr != nil {
				return PuzzleResult{}, fmt.Errorf("local ref fetch: %w", gerr)
			}
			raw = append([]byte(nil), pr.Bytes()...)
			pr.Release()
		} else {
			raw, err = fetch(ctx, ref.NodeID, ref.Host, ref.DeliveryPort, ref.Fingerprint, ref.EntryID)
			if err != nil {
				return PuzzleResult{}, fmt.Errorf("remote ref fetch from %s: %w", ref.NodeID, err)
			}
		}
		part, err := decode(raw)
		if err != nil {
			return PuzzleResult{}, fmt.Errorf("decode puzzle part: %w", err)
		}
		part.Bounds = ref.Bounds.QueryCube
		parts = append(parts, part)
	}

	for _, rem := range req.Remainder {
		if c.executor == nil {
			return PuzzleResult{}, errors.New("resultcache: no executor configured for remainder compute")
		}
		payload, err := c.executor.Execute(ctx, req.Graph, rem)
		if err != nil {
			return PuzzleResult{}, fmt.Errorf("remainder compute %v: %w", rem, err)
		}
		part, err := decode(payload.Bytes)
		if err != nil {
			return PuzzleResult{}, fmt.Errorf("decode remainder compute result: %w", err)
		}
		part.Bounds = rem
		parts = append(parts, part)
	}

	assembled, err := DoPuzzle(c.Type, req.BBox, parts)
	if err != nil {
		return PuzzleResult{}, err
	}
	encoded, err := encode(assembled)
	if err != nil {
		return PuzzleResult{}, fmt.Errorf("encode assembled result: %w", err)
	}

	sx, sy := 0.0, 0.0
	if req.BBox.ResKind == geocube.ResolutionPixels {
		sx, sy = req.BBox.Scale()
	}
	bounds := geocube.CacheCube{QueryCube: req.BBox, Scale: geocube.DefaultScaleWindow(sx, sy)}

	res := PuzzleResult{Encoded: encoded, Bounds: bounds}
	if c.strategy.ShouldCache(0, int64(len(encoded))) {
		id, err := c.PutLocal(req.Fingerprint, bounds, encoded)
		if err != nil && !errors.Is(err, ErrInsertRefused) {
			return PuzzleResult{}, err
		}
		if err == nil {
			res.EntryID = id
			res.Cached = true
		}
	}
	return res, nil
}
