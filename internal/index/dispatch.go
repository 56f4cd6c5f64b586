package index

import (
	"sort"

	"github.com/dreamware/geocache/internal/geocube"
)

// NodeTable tracks registered nodes and answers least-loaded queries
// (spec.md §4.4.3).
type NodeTable struct {
	nodes map[string]*NodeInfo
}

func NewNodeTable() *NodeTable {
	return &NodeTable{nodes: make(map[string]*NodeInfo)}
}

func (t *NodeTable) Register(n *NodeInfo) { t.nodes[n.ID] = n }

func (t *NodeTable) Get(id string) (*NodeInfo, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

func (t *NodeTable) Remove(id string) { delete(t.nodes, id) }

func (t *NodeTable) All() []*NodeInfo {
	out := make([]*NodeInfo, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeastLoaded returns the node with the smallest busy-ratio EWMA, tied
// broken by fewest in-flight jobs, per spec.md §4.4.3. Returns false if no
// nodes are registered.
func (t *NodeTable) LeastLoaded() (*NodeInfo, bool) {
	var best *NodeInfo
	var bestEWMA float64
	var bestInFlight int
	for _, n := range t.nodes {
		ewma, inFlight := n.Load()
		if best == nil || ewma < bestEWMA || (ewma == bestEWMA && inFlight < bestInFlight) {
			best, bestEWMA, bestInFlight = n, ewma, inFlight
		}
	}
	return best, best != nil
}

// DispatchKind classifies what the index decided to do for a CMD_GET,
// per spec.md §4.4.1.
type DispatchKind int

const (
	DispatchDeliver DispatchKind = iota
	DispatchPuzzle
	DispatchCreate
)

// Decision is the outcome of Dispatch: which job to run and where.
type Decision struct {
	Kind       DispatchKind
	NodeID     string
	ExactRef   *geocube.Entry
	ExactEntry *DirectoryEntry
	DirRefs    []DirectoryEntry
	Remainder  []geocube.QueryCube
}

// contributionByNode sums, per node, the volume of query Q that each
// node's refs collectively contribute, used to pick the node for a
// puzzle job per spec.md §4.4.1 ("node whose entries contribute the
// most... tie: least loaded node").
func contributionByNode(q geocube.QueryCube, refs []DirectoryEntry) map[string]float64 {
	byNode := map[string]float64{}
	for _, r := range refs {
		ix := r.Bounds.QueryCube.Intersection(q)
		byNode[r.NodeID] += (ix.X2 - ix.X1) * (ix.Y2 - ix.Y1) * (ix.T2 - ix.T1)
	}
	return byNode
}

// Dispatch implements spec.md §4.4.1's CMD_GET handling against a single
// result type's Directory: exact hit -> deliver from that node; partial
// hit -> puzzle on the node contributing most (ties broken by load);
// miss -> create on the least-loaded node. Coverage.Exact/Refs carry
// store-internal entry ids, resolved back to owning nodes (and touched
// for hotness bookkeeping) via Directory.ResolveStoreEntry.
func Dispatch(dir *Directory, nodes *NodeTable, fingerprint string, q geocube.QueryCube) (Decision, bool) {
	cov := dir.Query(fingerprint, q)
	switch cov.Kind {
	case geocube.CoverageExact:
		de, ok := dir.ResolveStoreEntry(fingerprint, cov.Exact.ID, true)
		if !ok {
			// The matching entry resolved to nothing deliverable (e.g. it is
			// mid-reorg-move, directory.go's PendingMove check). A cache is
			// advisory per spec.md §1's Non-goals: fall back to a fresh
			// compute rather than surfacing a client-visible error.
			n, ok := nodes.LeastLoaded()
			if !ok {
				return Decision{}, false
			}
			return Decision{Kind: DispatchCreate, NodeID: n.ID, Remainder: []geocube.QueryCube{q}}, true
		}
		return Decision{Kind: DispatchDeliver, NodeID: de.NodeID, ExactRef: cov.Exact, ExactEntry: de}, true

	case geocube.CoveragePartial:
		refs := make([]DirectoryEntry, 0, len(cov.Refs))
		for _, r := range cov.Refs {
			if de, ok := dir.ResolveStoreEntry(fingerprint, r.ID, true); ok {
				refs = append(refs, *de)
			}
		}
		if len(refs) == 0 {
			n, ok := nodes.LeastLoaded()
			if !ok {
				return Decision{}, false
			}
			return Decision{Kind: DispatchCreate, NodeID: n.ID, Remainder: []geocube.QueryCube{q}}, true
		}
		contrib := contributionByNode(q, refs)
		nodeID, ok := bestContributor(contrib, nodes)
		if !ok {
			return Decision{}, false
		}
		return Decision{Kind: DispatchPuzzle, NodeID: nodeID, DirRefs: refs, Remainder: cov.Remainder}, true

	default: // CoverageMiss
		n, ok := nodes.LeastLoaded()
		if !ok {
			return Decision{}, false
		}
		return Decision{Kind: DispatchCreate, NodeID: n.ID, Remainder: []geocube.QueryCube{q}}, true
	}
}

// bestContributor picks the node with the largest contribution, ties
// broken by least-loaded.
func bestContributor(contrib map[string]float64, nodes *NodeTable) (string, bool) {
	var best string
	var bestScore float64
	var bestEWMA float64
	first := true
	for nodeID, score := range contrib {
		ewma := 0.0
		if n, ok := nodes.Get(nodeID); ok {
			ewma, _ = n.Load()
		}
		if first || score > bestScore || (score == bestScore && ewma < bestEWMA) {
			best, bestScore, bestEWMA, first = nodeID, score, ewma, false
		}
	}
	return best, !first
}
