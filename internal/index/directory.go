// Package index implements the index server's directory and query
// manager (spec.md §4.4): the global view of entries across nodes, and
// the dispatch/de-duplication logic for concurrent client requests.
package index

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
)

// NodeInfo is a registered cache node, assigned an id by the index on its
// first control handshake (spec.md §3 "Node").
type NodeInfo struct {
	ID            string
	Host          string
	DeliveryPort  uint32
	ControlPort   uint32

	mu      sync.RWMutex
	busyEWMA  float64
	inFlight  int
	typeUsage map[compute.ResultType]typeUsage
}

type typeUsage struct {
	used, capacity int64
}

// UpdateLoad folds in a freshly observed busy ratio using an exponential
// moving average, per spec.md §4.4.3 ("least loaded... smallest EWMA of
// recent worker busy ratio").
func (n *NodeInfo) UpdateLoad(busy float64) {
	const alpha = 0.3
	n.mu.Lock()
	defer n.mu.Unlock()
	n.busyEWMA = alpha*busy + (1-alpha)*n.busyEWMA
}

func (n *NodeInfo) Load() (ewma float64, inFlight int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.busyEWMA, n.inFlight
}

func (n *NodeInfo) addInFlight(delta int) {
	n.mu.Lock()
	n.inFlight += delta
	n.mu.Unlock()
}

// SetTypeUsage records the most recently reported used/capacity bytes for
// a result type on this node (from RESP_STATS, or directly in tests).
func (n *NodeInfo) SetTypeUsage(t compute.ResultType, used, capacity int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typeUsage == nil {
		n.typeUsage = make(map[compute.ResultType]typeUsage)
	}
	n.typeUsage[t] = typeUsage{used: used, capacity: capacity}
}

// TypeUsage returns the most recently reported used/capacity bytes for a
// result type on this node, as piggybacked on RESP_STATS. ok is false if
// no stats have arrived yet for that type.
func (n *NodeInfo) TypeUsage(t compute.ResultType) (used, capacity int64, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	u, ok := n.typeUsage[t]
	return u.used, u.capacity, ok
}

// DirectoryEntry is one CacheRef the index knows about, plus the local
// directory id the index assigns on top of the node's own entry id
// (spec.md §3 "Node entry key").
type DirectoryEntry struct {
	DirectoryID uint64
	NodeID      string
	Fingerprint string
	// EntryID is the node-local id the owning node assigned (what reorg's
	// CMD_MOVE_ITEM/CMD_MOVE_DONE address). StoreEntryID is the id the
	// directory's own geocube.Store assigned when aggregating entries
	// across every node for this fingerprint (what Coverage query results
	// carry as Entry.ID) — the two counters are independent, so they must
	// not be confused when resolving a coverage hit back to a node.
	EntryID      geocube.EntryID
	StoreEntryID geocube.EntryID
	Bounds       geocube.CacheCube
	SizeBytes    int64
	LastAccess   int64
	AccessCount  int64
	// PendingMove is set while a reorg move is in flight for this entry;
	// per spec.md §4.5 the directory keeps pointing at the source until
	// RESP_REORG_ITEM_OK is sent.
	PendingMove bool
}

// Directory is the index's global view of entries for one result type: a
// geocube.Store used purely for its coverage-query algorithm (the
// "bounds" half of C1), plus a parallel table resolving directory ids to
// the node that actually holds the payload. Per invariant I3, an entry
// reported moved/removed but not yet acknowledged remains listed; stale
// entries are only pruned on next reference failure (see Directory.Remove).
type Directory struct {
	store *geocube.Store

	mu          sync.RWMutex
	byDirID     map[uint64]*DirectoryEntry
	byNodeEntry map[nodeEntryKey]*DirectoryEntry
	byStoreID   map[storeEntryKey]*DirectoryEntry
	nextDirID   uint64
}

type nodeEntryKey struct {
	nodeID      string
	fingerprint string
	entryID     geocube.EntryID
}

// storeEntryKey identifies a DirectoryEntry by the id the directory's own
// geocube.Store assigned it, which is what Coverage query results (Exact,
// Refs) carry — distinct from the owning node's own entryID numbering.
type storeEntryKey struct {
	fingerprint string
	storeID     geocube.EntryID
}

func NewDirectory() *Directory {
	return &Directory{
		store:       geocube.NewStore(),
		byDirID:     make(map[uint64]*DirectoryEntry),
		byNodeEntry: make(map[nodeEntryKey]*DirectoryEntry),
		byStoreID:   make(map[storeEntryKey]*DirectoryEntry),
	}
}

// Register records a newly announced node-local entry (worker
// RESP_NEW_CACHE_ENTRY, spec.md §4.4.1/§5) and returns the assigned
// directory id.
func (d *Directory) Register(nodeID, fingerprint string, entryID geocube.EntryID, bounds geocube.CacheCube, sizeBytes int64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := atomic.AddUint64(&d.nextDirID, 1)
	storeID := d.store.Put(fingerprint, bounds, sizeBytes)
	now := time.Now().UnixNano()
	e := &DirectoryEntry{
		DirectoryID:  id,
		NodeID:       nodeID,
		Fingerprint:  fingerprint,
		EntryID:      entryID,
		StoreEntryID: storeID,
		Bounds:       bounds,
		SizeBytes:    sizeBytes,
		LastAccess:   now,
	}
	d.byDirID[id] = e
	d.byNodeEntry[nodeEntryKey{nodeID, fingerprint, entryID}] = e
	d.byStoreID[storeEntryKey{fingerprint, storeID}] = e
	return id
}

// Query answers a coverage query against the directory's copy of entry
// bounds. Coverage.Exact/Refs carry store-internal entry ids; resolve
// them back to nodes via ResolveStoreEntry, not ResolveEntryNode.
func (d *Directory) Query(fingerprint string, q geocube.QueryCube) geocube.Coverage {
	return d.store.Query(fingerprint, q)
}

// ResolveStoreEntry returns which node holds the entry a Coverage query
// result named by its store-internal id, plus the hotness bookkeeping
// used by the reorg controller. Touch, if true, records an access.
func (d *Directory) ResolveStoreEntry(fingerprint string, storeID geocube.EntryID, touch bool) (*DirectoryEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byStoreID[storeEntryKey{fingerprint, storeID}]
	if !ok || e.PendingMove {
		return nil, false
	}
	if touch {
		e.LastAccess = time.Now().UnixNano()
		e.AccessCount++
	}
	cp := *e
	return &cp, true
}

// ResolveEntryNode returns which node holds (fingerprint, entryID), where
// entryID is the owning node's own local id (as used by reorg's
// CMD_MOVE_ITEM/CMD_MOVE_DONE), not a store-internal id.
func (d *Directory) ResolveEntryNode(fingerprint string, entryID geocube.EntryID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for k, e := range d.byNodeEntry {
		if k.fingerprint == fingerprint && k.entryID == entryID && !e.PendingMove {
			return k.nodeID, true
		}
	}
	return "", false
}

// MarkMovePending flags the directory entry for (fingerprint, entryID) on
// fromNode as mid-move. The entry stays listed under the source node, but
// ResolveEntryNode and ResolveStoreEntry do not resolve it until the move
// is completed or rolled back (spec.md §4.5, I3).
func (d *Directory) MarkMovePending(fromNode, fingerprint string, entryID geocube.EntryID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.byNodeEntry[nodeEntryKey{fromNode, fingerprint, entryID}]; ok {
		e.PendingMove = true
	}
}

// CompleteMove repoints the directory entry at the destination node and
// its new entry id, per spec.md §4.5's "index updates the directory to
// point at the new node" step. It must be called only after
// RESP_REORG_ITEM_MOVED; it does not itself wait for CMD_MOVE_DONE (the
// source removing its copy is independent of the directory update).
func (d *Directory) CompleteMove(directoryID uint64, toNode string, newEntryID geocube.EntryID, newBounds geocube.CacheCube) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byDirID[directoryID]
	if !ok {
		return false
	}
	delete(d.byNodeEntry, nodeEntryKey{e.NodeID, e.Fingerprint, e.EntryID})
	delete(d.byStoreID, storeEntryKey{e.Fingerprint, e.StoreEntryID})
	d.store.Remove(e.Fingerprint, e.StoreEntryID)

	newStoreID := d.store.Put(e.Fingerprint, newBounds, e.SizeBytes)
	e.NodeID = toNode
	e.EntryID = newEntryID
	e.StoreEntryID = newStoreID
	e.Bounds = newBounds
	e.PendingMove = false
	d.byNodeEntry[nodeEntryKey{toNode, e.Fingerprint, newEntryID}] = e
	d.byStoreID[storeEntryKey{e.Fingerprint, newStoreID}] = e
	return true
}

// RollbackMove clears the pending-move flag without changing node
// association, per spec.md §4.5 "if any step fails before MOVE_DONE...
// the directory MUST keep the original ref".
func (d *Directory) RollbackMove(fromNode, fingerprint string, entryID geocube.EntryID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.byNodeEntry[nodeEntryKey{fromNode, fingerprint, entryID}]; ok {
		e.PendingMove = false
	}
}

// Remove drops a directory entry (reorg remove, or prune-on-stale-reference
// per invariant I3).
func (d *Directory) Remove(directoryID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byDirID[directoryID]
	if !ok {
		return
	}
	delete(d.byDirID, directoryID)
	delete(d.byNodeEntry, nodeEntryKey{e.NodeID, e.Fingerprint, e.EntryID})
	delete(d.byStoreID, storeEntryKey{e.Fingerprint, e.StoreEntryID})
	d.store.Remove(e.Fingerprint, e.StoreEntryID)
}

// AllForFingerprint returns a snapshot of directory entries for a
// fingerprint, used by the reorg controller.
func (d *Directory) AllForFingerprint(fingerprint string) []DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []DirectoryEntry
	for _, e := range d.byDirID {
		if e.Fingerprint == fingerprint {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirectoryID < out[j].DirectoryID })
	return out
}

// AllEntries returns every directory entry, used by the reorg controller's
// per-interval pass.
func (d *Directory) AllEntries() []DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DirectoryEntry, 0, len(d.byDirID))
	for _, e := range d.byDirID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirectoryID < out[j].DirectoryID })
	return out
}
