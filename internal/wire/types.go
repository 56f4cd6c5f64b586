package wire

import (
	"fmt"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
)

// EncodeQueryCube/DecodeQueryCube round-trip a geocube.QueryCube over the
// wire (spec.md §3, §8 round-trip property).
func EncodeQueryCube(e *Encoder, q geocube.QueryCube) {
	e.F64(q.X1).F64(q.X2).F64(q.Y1).F64(q.Y2).F64(q.T1).F64(q.T2)
	e.I32(q.EPSG).U8(uint8(q.TimeKind)).U8(uint8(q.ResKind)).I32(q.W).I32(q.H)
}

func DecodeQueryCube(d *Decoder) (geocube.QueryCube, error) {
	var q geocube.QueryCube
	var err error
	if q.X1, err = d.F64(); err != nil {
		return q, err
	}
	if q.X2, err = d.F64(); err != nil {
		return q, err
	}
	if q.Y1, err = d.F64(); err != nil {
		return q, err
	}
	if q.Y2, err = d.F64(); err != nil {
		return q, err
	}
	if q.T1, err = d.F64(); err != nil {
		return q, err
	}
	if q.T2, err = d.F64(); err != nil {
		return q, err
	}
	if q.EPSG, err = d.I32(); err != nil {
		return q, err
	}
	tk, err := d.U8()
	if err != nil {
		return q, err
	}
	q.TimeKind = geocube.TimeType(tk)
	rk, err := d.U8()
	if err != nil {
		return q, err
	}
	q.ResKind = geocube.ResolutionType(rk)
	if q.W, err = d.I32(); err != nil {
		return q, err
	}
	if q.H, err = d.I32(); err != nil {
		return q, err
	}
	return q, nil
}

// EncodeCacheCube/DecodeCacheCube round-trip a geocube.CacheCube.
func EncodeCacheCube(e *Encoder, c geocube.CacheCube) {
	EncodeQueryCube(e, c.QueryCube)
	e.F64(c.Scale.SXMin).F64(c.Scale.SXMax).F64(c.Scale.SYMin).F64(c.Scale.SYMax)
	e.F64(c.Scale.ProducedSX).F64(c.Scale.ProducedSY)
}

func DecodeCacheCube(d *Decoder) (geocube.CacheCube, error) {
	var c geocube.CacheCube
	q, err := DecodeQueryCube(d)
	if err != nil {
		return c, err
	}
	c.QueryCube = q
	if c.Scale.SXMin, err = d.F64(); err != nil {
		return c, err
	}
	if c.Scale.SXMax, err = d.F64(); err != nil {
		return c, err
	}
	if c.Scale.SYMin, err = d.F64(); err != nil {
		return c, err
	}
	if c.Scale.SYMax, err = d.F64(); err != nil {
		return c, err
	}
	if c.Scale.ProducedSX, err = d.F64(); err != nil {
		return c, err
	}
	if c.Scale.ProducedSY, err = d.F64(); err != nil {
		return c, err
	}
	return c, nil
}

// CacheEntry is the wire shape of geocube.Entry (spec.md §3).
type CacheEntry struct {
	Bounds      geocube.CacheCube
	SizeBytes   int64
	LastAccess  int64
	AccessCount int64
}

func EncodeCacheEntry(e *Encoder, c CacheEntry) {
	EncodeCacheCube(e, c.Bounds)
	e.I64(c.SizeBytes).I64(c.LastAccess).I64(c.AccessCount)
}

func DecodeCacheEntry(d *Decoder) (CacheEntry, error) {
	var c CacheEntry
	b, err := DecodeCacheCube(d)
	if err != nil {
		return c, err
	}
	c.Bounds = b
	if c.SizeBytes, err = d.I64(); err != nil {
		return c, err
	}
	if c.LastAccess, err = d.I64(); err != nil {
		return c, err
	}
	if c.AccessCount, err = d.I64(); err != nil {
		return c, err
	}
	return c, nil
}

// CacheRef is the index's network-wide entry identifier: (node_id,
// fingerprint, entry_id), plus the owning node's delivery address so a
// peer node assembling a puzzle can dial it directly without a separate
// directory lookup (the same reasoning as ReorgDescription's FromHost/
// FromPort).
type CacheRef struct {
	NodeID       string
	Host         string
	DeliveryPort uint32
	Fingerprint  string
	EntryID      uint64
	Bounds       geocube.CacheCube
}

func EncodeCacheRef(e *Encoder, r CacheRef) {
	e.String(r.NodeID).String(r.Host).U32(r.DeliveryPort).String(r.Fingerprint).U64(r.EntryID)
	EncodeCacheCube(e, r.Bounds)
}

func DecodeCacheRef(d *Decoder) (CacheRef, error) {
	var r CacheRef
	var err error
	if r.NodeID, err = d.String(); err != nil {
		return r, err
	}
	if r.Host, err = d.String(); err != nil {
		return r, err
	}
	if r.DeliveryPort, err = d.U32(); err != nil {
		return r, err
	}
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.EntryID, err = d.U64(); err != nil {
		return r, err
	}
	b, err := DecodeCacheCube(d)
	if err != nil {
		return r, err
	}
	r.Bounds = b
	return r, nil
}

// NodeCacheRef is a node-local entry key plus bounds, announced to the
// index via RESP_NEW_CACHE_ENTRY.
type NodeCacheRef struct {
	Fingerprint string
	EntryID     uint64
	Bounds      geocube.CacheCube
	SizeBytes   int64
}

func EncodeNodeCacheRef(e *Encoder, r NodeCacheRef) {
	e.String(r.Fingerprint).U64(r.EntryID)
	EncodeCacheCube(e, r.Bounds)
	e.I64(r.SizeBytes)
}

func DecodeNodeCacheRef(d *Decoder) (NodeCacheRef, error) {
	var r NodeCacheRef
	var err error
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.EntryID, err = d.U64(); err != nil {
		return r, err
	}
	b, err := DecodeCacheCube(d)
	if err != nil {
		return r, err
	}
	r.Bounds = b
	if r.SizeBytes, err = d.I64(); err != nil {
		return r, err
	}
	return r, nil
}

// TypedNodeCacheKey names an entry on a specific node for delivery
// commands (CMD_GET_CACHED_ITEM, CMD_MOVE_ITEM).
type TypedNodeCacheKey struct {
	ResultType  compute.ResultType
	Fingerprint string
	EntryID     uint64
}

func EncodeTypedNodeCacheKey(e *Encoder, k TypedNodeCacheKey) {
	e.U8(uint8(k.ResultType)).String(k.Fingerprint).U64(k.EntryID)
}

func DecodeTypedNodeCacheKey(d *Decoder) (TypedNodeCacheKey, error) {
	var k TypedNodeCacheKey
	t, err := d.U8()
	if err != nil {
		return k, err
	}
	k.ResultType = compute.ResultType(t)
	if k.Fingerprint, err = d.String(); err != nil {
		return k, err
	}
	if k.EntryID, err = d.U64(); err != nil {
		return k, err
	}
	return k, nil
}

// BaseRequest is a client CMD_GET or a worker CMD_CREATE/CMD_QUERY_CACHE
// payload: the result type, fingerprint, and query rectangle. The
// operator graph itself travels as a nested canonical JSON blob (it is an
// external collaborator type per spec.md §1 and has no fixed binary
// schema of its own).
type BaseRequest struct {
	ResultType  compute.ResultType
	Fingerprint string
	GraphJSON   []byte
	QueryRect   geocube.QueryCube
}

func EncodeBaseRequest(e *Encoder, r BaseRequest) {
	e.U8(uint8(r.ResultType)).String(r.Fingerprint).ByteVec(r.GraphJSON)
	EncodeQueryCube(e, r.QueryRect)
}

func DecodeBaseRequest(d *Decoder) (BaseRequest, error) {
	var r BaseRequest
	t, err := d.U8()
	if err != nil {
		return r, err
	}
	r.ResultType = compute.ResultType(t)
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.GraphJSON, err = d.Bytes(MaxFrameBytes); err != nil {
		return r, err
	}
	q, err := DecodeQueryCube(d)
	if err != nil {
		return r, err
	}
	r.QueryRect = q
	return r, nil
}

// DeliveryRequest is CMD_DELIVER's payload: which entry to stage for
// delivery. ResultType selects the node's per-type cache the entry lives
// in; a worker connection is not bound to a single result type, so every
// request naming an entry must carry it.
type DeliveryRequest struct {
	ResultType  compute.ResultType
	Fingerprint string
	EntryID     uint64
}

func EncodeDeliveryRequest(e *Encoder, r DeliveryRequest) {
	e.U8(uint8(r.ResultType)).String(r.Fingerprint).U64(r.EntryID)
}

func DecodeDeliveryRequest(d *Decoder) (DeliveryRequest, error) {
	var r DeliveryRequest
	var err error
	t, err := d.U8()
	if err != nil {
		return r, err
	}
	r.ResultType = compute.ResultType(t)
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.EntryID, err = d.U64(); err != nil {
		return r, err
	}
	return r, nil
}

// DeliveryResponse is the ticket handed back to a client or worker:
// (node, delivery_id).
type DeliveryResponse struct {
	NodeID     string
	Host       string
	Port       uint32
	DeliveryID uint64
}

func EncodeDeliveryResponse(e *Encoder, r DeliveryResponse) {
	e.String(r.NodeID).String(r.Host).U32(r.Port).U64(r.DeliveryID)
}

func DecodeDeliveryResponse(d *Decoder) (DeliveryResponse, error) {
	var r DeliveryResponse
	var err error
	if r.NodeID, err = d.String(); err != nil {
		return r, err
	}
	if r.Host, err = d.String(); err != nil {
		return r, err
	}
	if r.Port, err = d.U32(); err != nil {
		return r, err
	}
	if r.DeliveryID, err = d.U64(); err != nil {
		return r, err
	}
	return r, nil
}

// PuzzleRequest is CMD_PUZZLE's / RESP_QUERY_PARTIAL's payload: the refs
// the index believes contribute, plus the remainder sub-cubes. ResultType
// selects the node's per-type cache the assembled puzzle is inserted
// into, for the same reason DeliveryRequest carries it.
type PuzzleRequest struct {
	ResultType  compute.ResultType
	Fingerprint string
	GraphJSON   []byte
	BBox        geocube.QueryCube
	Refs        []CacheRef
	Remainder   []geocube.QueryCube
}

func EncodePuzzleRequest(e *Encoder, r PuzzleRequest) {
	e.U8(uint8(r.ResultType)).String(r.Fingerprint).ByteVec(r.GraphJSON)
	EncodeQueryCube(e, r.BBox)
	e.U64(uint64(len(r.Refs)))
	for _, ref := range r.Refs {
		EncodeCacheRef(e, ref)
	}
	e.U64(uint64(len(r.Remainder)))
	for _, rem := range r.Remainder {
		EncodeQueryCube(e, rem)
	}
}

func DecodePuzzleRequest(d *Decoder) (PuzzleRequest, error) {
	var r PuzzleRequest
	var err error
	t, err := d.U8()
	if err != nil {
		return r, err
	}
	r.ResultType = compute.ResultType(t)
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.GraphJSON, err = d.Bytes(MaxFrameBytes); err != nil {
		return r, err
	}
	b, err := DecodeQueryCube(d)
	if err != nil {
		return r, err
	}
	r.BBox = b
	n, err := d.U64()
	if err != nil {
		return r, err
	}
	if n > 4096 {
		return r, fmt.Errorf("%w: %d refs", ErrFrameTooLarge, n)
	}
	r.Refs = make([]CacheRef, n)
	for i := range r.Refs {
		if r.Refs[i], err = DecodeCacheRef(d); err != nil {
			return r, err
		}
	}
	n, err = d.U64()
	if err != nil {
		return r, err
	}
	if n > 4096 {
		return r, fmt.Errorf("%w: %d remainder cubes", ErrFrameTooLarge, n)
	}
	r.Remainder = make([]geocube.QueryCube, n)
	for i := range r.Remainder {
		if r.Remainder[i], err = DecodeQueryCube(d); err != nil {
			return r, err
		}
	}
	return r, nil
}

// ReorgDescription is a single CMD_REORG item: a move or a remove
// (spec.md §4.5).
type ReorgDescription struct {
	IsMove      bool
	FromNode    string
	FromHost    string
	FromPort    uint32
	ToNode      string
	Fingerprint string
	EntryID     uint64
	DirectoryID uint64
	ResultType  compute.ResultType
}

func EncodeReorgDescription(e *Encoder, r ReorgDescription) {
	e.Bool(r.IsMove).String(r.FromNode).String(r.FromHost).U32(r.FromPort).String(r.ToNode).String(r.Fingerprint)
	e.U64(r.EntryID).U64(r.DirectoryID).U8(uint8(r.ResultType))
}

func DecodeReorgDescription(d *Decoder) (ReorgDescription, error) {
	var r ReorgDescription
	var err error
	if r.IsMove, err = d.Bool(); err != nil {
		return r, err
	}
	if r.FromNode, err = d.String(); err != nil {
		return r, err
	}
	if r.FromHost, err = d.String(); err != nil {
		return r, err
	}
	if r.FromPort, err = d.U32(); err != nil {
		return r, err
	}
	if r.ToNode, err = d.String(); err != nil {
		return r, err
	}
	if r.Fingerprint, err = d.String(); err != nil {
		return r, err
	}
	if r.EntryID, err = d.U64(); err != nil {
		return r, err
	}
	if r.DirectoryID, err = d.U64(); err != nil {
		return r, err
	}
	t, err := d.U8()
	if err != nil {
		return r, err
	}
	r.ResultType = compute.ResultType(t)
	return r, nil
}

// ReorgResult is RESP_REORG_ITEM_MOVED's payload: the destination's new
// ref plus the directory id it should be filed under.
type ReorgResult struct {
	NewRef      CacheRef
	DirectoryID uint64
}

func EncodeReorgResult(e *Encoder, r ReorgResult) {
	EncodeCacheRef(e, r.NewRef)
	e.U64(r.DirectoryID)
}

func DecodeReorgResult(d *Decoder) (ReorgResult, error) {
	var r ReorgResult
	ref, err := DecodeCacheRef(d)
	if err != nil {
		return r, err
	}
	r.NewRef = ref
	if r.DirectoryID, err = d.U64(); err != nil {
		return r, err
	}
	return r, nil
}

// RegisterNode is CMD_REGISTER_NODE's payload: a node's control-connection
// handshake, announcing where its delivery server listens (spec.md §4.3
// "node sends MAGIC + host + port").
type RegisterNode struct {
	Host         string
	DeliveryPort uint32
}

func EncodeRegisterNode(e *Encoder, r RegisterNode) {
	e.String(r.Host).U32(r.DeliveryPort)
}

func DecodeRegisterNode(d *Decoder) (RegisterNode, error) {
	var r RegisterNode
	var err error
	if r.Host, err = d.String(); err != nil {
		return r, err
	}
	if r.DeliveryPort, err = d.U32(); err != nil {
		return r, err
	}
	return r, nil
}

// Hello is CMD_HELLO's payload: the node id the index assigns during the
// control connection handshake.
type Hello struct {
	NodeID string
}

func EncodeHello(e *Encoder, h Hello) { e.String(h.NodeID) }

func DecodeHello(d *Decoder) (Hello, error) {
	var h Hello
	var err error
	h.NodeID, err = d.String()
	return h, err
}

// NodeStats is RESP_STATS's payload, plus the per-type used/capacity bytes
// SPEC_FULL.md supplements onto it. Each node sends it on the control
// connection from its own periodic stats tick; worker responses carry no
// stats, and the index never requests them with CMD_GET_STATS.
type NodeStats struct {
	NodeID       string
	CPUBusy      float64
	GPUBusy      float64
	IOBusy       float64
	InFlightJobs uint32
	TypeUsage    []TypeUsage
}

// TypeUsage is one result type's current used/capacity bytes, the
// supplemented stats field described in SPEC_FULL.md.
type TypeUsage struct {
	ResultType compute.ResultType
	UsedBytes  int64
	Capacity   int64
}

func EncodeNodeStats(e *Encoder, s NodeStats) {
	e.String(s.NodeID).F64(s.CPUBusy).F64(s.GPUBusy).F64(s.IOBusy).U32(s.InFlightJobs)
	e.U64(uint64(len(s.TypeUsage)))
	for _, u := range s.TypeUsage {
		e.U8(uint8(u.ResultType)).I64(u.UsedBytes).I64(u.Capacity)
	}
}

func DecodeNodeStats(d *Decoder) (NodeStats, error) {
	var s NodeStats
	var err error
	if s.NodeID, err = d.String(); err != nil {
		return s, err
	}
	if s.CPUBusy, err = d.F64(); err != nil {
		return s, err
	}
	if s.GPUBusy, err = d.F64(); err != nil {
		return s, err
	}
	if s.IOBusy, err = d.F64(); err != nil {
		return s, err
	}
	if s.InFlightJobs, err = d.U32(); err != nil {
		return s, err
	}
	n, err := d.U64()
	if err != nil {
		return s, err
	}
	if n > 64 {
		return s, fmt.Errorf("%w: %d type usage entries", ErrFrameTooLarge, n)
	}
	s.TypeUsage = make([]TypeUsage, n)
	for i := range s.TypeUsage {
		t, err := d.U8()
		if err != nil {
			return s, err
		}
		s.TypeUsage[i].ResultType = compute.ResultType(t)
		if s.TypeUsage[i].UsedBytes, err = d.I64(); err != nil {
			return s, err
		}
		if s.TypeUsage[i].Capacity, err = d.I64(); err != nil {
			return s, err
		}
	}
	return s, nil
}
