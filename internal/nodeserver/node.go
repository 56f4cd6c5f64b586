// Package nodeserver is the node-side process described in spec.md §4.3/§5:
// one long-lived control connection to the index (registration, reorg
// commands, periodic stats) plus a pool of worker connections, each
// independently dialed and each owning its own blocking
// create/deliver/puzzle/query-cache loop. Grounded on cmd/node/main.go's
// Node type and its register()-then-poll lifecycle, generalized from torua's
// HTTP heartbeat to this module's binary worker protocol.
package nodeserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/delivery"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/resultcache"
	"github.com/dreamware/geocache/internal/wire"
)

// Config bundles everything a Node needs to join the cluster.
type Config struct {
	IndexAddr     string        // host:port the index listens on; the node dials its worker and control connections there
	Host          string        // this node's externally reachable host, announced in CMD_REGISTER_NODE
	DeliveryPort  uint32        // this node's delivery listener port, announced alongside Host
	Threads       int           // worker connection pool size (spec.md §5 "a pool of worker threads"); default 4
	StatsInterval time.Duration // RESP_STATS reporting cadence; default 5s
	DialTimeout   time.Duration // default 5s
}

func (c *Config) setDefaults() {
	if c.Threads <= 0 {
		c.Threads = 4
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Node is the node-side process. Caches and the executor are supplied by
// the caller (cmd/node/main.go), already wired to their own storage
// configuration; Node only drives the protocol around them.
type Node struct {
	log      *zap.Logger
	cfg      Config
	caches   map[compute.ResultType]*resultcache.NodeCache
	executor compute.Executor
	registry *delivery.Registry
	delivery *delivery.Client

	mu          sync.Mutex
	id          string
	controlConn net.Conn
	controlWr   sync.Mutex
	moveAcks    []chan struct{}
	inFlight    int
	draining    int32 // atomic bool; set by Shutdown
}

// New builds a Node. caches must have one entry per compute.AllResultTypes.
func New(log *zap.Logger, cfg Config, caches map[compute.ResultType]*resultcache.NodeCache, executor compute.Executor, registry *delivery.Registry) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Node{
		log:      log,
		cfg:      cfg,
		caches:   caches,
		executor: executor,
		registry: registry,
		delivery: delivery.NewClient(cfg.DialTimeout),
	}
}

// ID returns the node id assigned by the index during registration. Empty
// until Run has completed its handshake.
func (n *Node) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Shutdown drains the node: it stops the worker pool from accepting any
// further create/deliver/puzzle/query-cache dispatch and waits for
// in-flight jobs to finish, up to ctx's deadline. Modeled on the teacher's
// httpSrv.Shutdown(ctx) + healthMonitor.Stop() sequencing in
// cmd/coordinator/main.go. Callers should call Shutdown before cancelling
// the context passed to Run, so the control/delivery connections are only
// torn down once in-flight work has drained (or ctx expires).
func (n *Node) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&n.draining, 1)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		n.mu.Lock()
		inFlight := n.inFlight
		n.mu.Unlock()
		if inFlight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) isDraining() bool { return atomic.LoadInt32(&n.draining) == 1 }

func dialWithMagic(addr string, magic uint32, timeout time.Duration) (net.Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], magic)
	if _, err := nc.Write(b[:]); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

// Run dials the control connection, completes the registration handshake,
// then runs the control loop, the stats loop and the worker pool until ctx
// is cancelled or one of them hits an unrecoverable error.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	nc, err := dialWithMagic(n.cfg.IndexAddr, wire.MagicControl, n.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("nodeserver: dial control connection: %w", err)
	}
	r := bufio.NewReader(nc)
	if err := n.registerHandshake(nc, r); err != nil {
		nc.Close()
		return fmt.Errorf("nodeserver: register: %w", err)
	}
	n.mu.Lock()
	n.controlConn = nc
	n.mu.Unlock()
	n.log.Info("registered with index", zap.String("node_id", n.id), zap.String("index_addr", n.cfg.IndexAddr))

	go func() {
		<-ctx.Done()
		nc.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.runControl(gctx, r) })
	g.Go(func() error { return n.runStatsLoop(gctx) })
	for i := 0; i < n.cfg.Threads; i++ {
		g.Go(func() error { return n.runWorkerLoop(gctx) })
	}
	return g.Wait()
}

func (n *Node) registerHandshake(nc net.Conn, r *bufio.Reader) error {
	enc := wire.NewEncoder()
	wire.EncodeRegisterNode(enc, wire.RegisterNode{Host: n.cfg.Host, DeliveryPort: n.cfg.DeliveryPort})
	if err := wire.WriteFrame(nc, wire.CmdRegisterNode, enc.Bytes()); err != nil {
		return err
	}
	cmd, payload, err := wire.ReadFrame(r)
	if err != nil {
		return err
	}
	if cmd != wire.CmdHello {
		return fmt.Errorf("expected CMD_HELLO, got command %d", cmd)
	}
	hello, err := wire.DecodeHello(wire.NewDecoder(payload))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.id = hello.NodeID
	n.mu.Unlock()
	return nil
}

// sendControl writes one frame on the shared control connection, guarded
// against interleaving with concurrent writers (the reorg handlers and the
// stats loop both write on it).
func (n *Node) sendControl(cmd byte, payload []byte) error {
	n.mu.Lock()
	nc := n.controlConn
	n.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("nodeserver: control connection not established")
	}
	n.controlWr.Lock()
	defer n.controlWr.Unlock()
	return wire.WriteFrame(nc, cmd, payload)
}

// runControl reads CMD_REORG/CMD_MOVE_OK/CMD_REMOVE_OK off the control
// connection (spec.md §4.3/§4.5). CMD_REORG handling is dispatched to its
// own goroutine so a slow move never blocks the next control frame.
func (n *Node) runControl(ctx context.Context, r *bufio.Reader) error {
	for {
		cmd, payload, err := wire.ReadFrame(r)
		if err != nil {
			return fmt.Errorf("control connection closed: %w", err)
		}
		dec := wire.NewDecoder(payload)
		switch cmd {
		case wire.CmdReorg:
			desc, err := wire.DecodeReorgDescription(dec)
			if err != nil {
				n.log.Warn("bad CMD_REORG payload", zap.Error(err))
				continue
			}
			go n.handleReorg(ctx, desc)
		case wire.CmdMoveOK:
			n.popMoveAck()
		case wire.CmdRemoveOK:
			// acknowledgement only; RESP_REORG_DONE already completed our side.
		default:
			n.log.Warn("unrecognized control frame", zap.Uint8("cmd", cmd))
		}
	}
}

func (n *Node) pushMoveAck() chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.moveAcks = append(n.moveAcks, ch)
	n.mu.Unlock()
	return ch
}

// popMoveAck signals the oldest pending move's ack channel. CMD_MOVE_OK
// carries no payload (spec.md §6's table), so moves dispatched to this
// node's destination role are matched FIFO; this is sound because this
// node's RESP_REORG_ITEM_MOVED frames and the index's single dispatcher
// goroutine (which answers each one in turn) preserve TCP ordering on the
// control connection.
func (n *Node) popMoveAck() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.moveAcks) == 0 {
		return
	}
	ch := n.moveAcks[0]
	n.moveAcks = n.moveAcks[1:]
	close(ch)
}

func (n *Node) handleReorg(ctx context.Context, desc wire.ReorgDescription) {
	if desc.IsMove {
		n.handleReorgMove(ctx, desc)
		return
	}
	n.handleReorgRemove(desc)
}

// handleReorgRemove implements the owning node's side of a remove
// (spec.md §4.5): drop the local entry and acknowledge.
func (n *Node) handleReorgRemove(desc wire.ReorgDescription) {
	cache, ok := n.caches[desc.ResultType]
	if !ok {
		n.log.Warn("CMD_REORG remove for unknown result type", zap.Int("result_type", int(desc.ResultType)))
		return
	}
	cache.RemoveLocal(desc.Fingerprint, geocube.EntryID(desc.EntryID))
	if err := n.sendControl(wire.RespReorgDone, nil); err != nil {
		n.log.Warn("send RESP_REORG_DONE failed", zap.Error(err))
	}
}

// handleReorgMove implements the destination node's side of a move
// (spec.md §4.5/§4.6): pull the payload from the source's delivery port,
// insert locally, report the new ref, wait for CMD_MOVE_OK, then tell the
// source it may release its copy. Any failure before MOVE_DONE leaves the
// source's entry untouched, per the rollback invariant the index's stale
// move sweep relies on.
func (n *Node) handleReorgMove(ctx context.Context, desc wire.ReorgDescription) {
	cache, ok := n.caches[desc.ResultType]
	if !ok {
		n.log.Warn("CMD_REORG move for unknown result type", zap.Int("result_type", int(desc.ResultType)))
		return
	}
	sourceAddr := net.JoinHostPort(desc.FromHost, fmt.Sprintf("%d", desc.FromPort))
	srcConn, result, err := n.delivery.PullMoveItem(sourceAddr, desc.ResultType, desc.Fingerprint, geocube.EntryID(desc.EntryID))
	if err != nil {
		n.log.Warn("reorg move: pull from source failed", zap.String("source", sourceAddr), zap.Error(err))
		return
	}

	newID, err := cache.PutLocal(desc.Fingerprint, result.Bounds, result.Payload)
	if err != nil {
		srcConn.Close() // no MOVE_DONE sent: source keeps its copy, per the rollback invariant
		n.log.Warn("reorg move: local insert failed", zap.Error(err))
		return
	}

	ack := n.pushMoveAck()
	enc := wire.NewEncoder()
	wire.EncodeReorgResult(enc, wire.ReorgResult{
		NewRef: wire.CacheRef{
			NodeID:      n.ID(),
			Fingerprint: desc.Fingerprint,
			EntryID:     uint64(newID),
			Bounds:      result.Bounds,
		},
		DirectoryID: desc.DirectoryID,
	})
	if err := n.sendControl(wire.RespReorgItemMoved, enc.Bytes()); err != nil {
		srcConn.Close()
		n.log.Warn("send RESP_REORG_ITEM_MOVED failed", zap.Error(err))
		return
	}

	select {
	case <-ack:
	case <-ctx.Done():
		srcConn.Close()
		return
	}
	if err := delivery.SendMoveDone(srcConn); err != nil {
		n.log.Warn("send CMD_MOVE_DONE failed", zap.Error(err))
	}
}

// runStatsLoop periodically reports RESP_STATS on the control connection
// (spec.md §4.4.3). Busy fractions come from inFlight as a crude proxy —
// the real processing engine's load signal is an external collaborator
// this module never sees.
func (n *Node) runStatsLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.reportStats()
		}
	}
}

func (n *Node) reportStats() {
	n.mu.Lock()
	inFlight := n.inFlight
	id := n.id
	n.mu.Unlock()

	busy := 0.0
	if n.cfg.Threads > 0 {
		busy = float64(inFlight) / float64(n.cfg.Threads)
		if busy > 1 {
			busy = 1
		}
	}

	stats := wire.NodeStats{
		NodeID:       id,
		CPUBusy:      busy,
		GPUBusy:      busy,
		IOBusy:       busy,
		InFlightJobs: uint32(inFlight),
	}
	for _, t := range compute.AllResultTypes {
		c, ok := n.caches[t]
		if !ok {
			continue
		}
		stats.TypeUsage = append(stats.TypeUsage, wire.TypeUsage{
			ResultType: t,
			UsedBytes:  c.UsedBytes(),
			Capacity:   c.CapacityBytes(),
		})
	}
	enc := wire.NewEncoder()
	wire.EncodeNodeStats(enc, stats)
	if err := n.sendControl(wire.RespStats, enc.Bytes()); err != nil {
		n.log.Warn("send RESP_STATS failed", zap.Error(err))
	}
}

func (n *Node) trackJobStart() { n.mu.Lock(); n.inFlight++; n.mu.Unlock() }
func (n *Node) trackJobDone()  { n.mu.Lock(); n.inFlight--; n.mu.Unlock() }

// runWorkerLoop owns one worker connection to the index for the node's
// lifetime, redialing on failure (spec.md §5: "a worker owns one worker
// connection to the index for its lifetime"). Unlike the index's single
// dispatcher, each worker connection handles exactly one request at a time
// synchronously — there is no shared per-connection state to race on.
func (n *Node) runWorkerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.isDraining() {
			return nil
		}
		if err := n.workerSession(ctx); err != nil {
			n.log.Warn("worker connection failed, retrying", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (n *Node) workerSession(ctx context.Context) error {
	nc, err := dialWithMagic(n.cfg.IndexAddr, wire.MagicWorker, n.cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer nc.Close()

	enc := wire.NewEncoder()
	enc.String(n.ID())
	if err := wire.WriteFrame(nc, wire.WorkerCmdHello, enc.Bytes()); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			nc.Close()
		case <-stop:
		}
	}()

	r := bufio.NewReader(nc)
	for {
		cmd, payload, err := wire.ReadFrame(r)
		if err != nil {
			return err
		}
		if n.isDraining() {
			// Draining began while this connection was idle: take no new
			// command, close instead.
			return nil
		}
		n.handleWorkerCommand(ctx, nc, r, cmd, wire.NewDecoder(payload))
		if n.isDraining() {
			// Finish this job, then close so the index redistributes any
			// further dispatch to a worker connection that isn't draining.
			return nil
		}
	}
}

// handleWorkerCommand dispatches one request. r is the same buffered
// reader workerSession reads frames with — finishJob's RESP_DELIVERY_QTY
// read must share it, since a second bufio.Reader wrapping nc would miss
// bytes the first already buffered ahead.
func (n *Node) handleWorkerCommand(ctx context.Context, nc net.Conn, r *bufio.Reader, cmd byte, dec *wire.Decoder) {
	n.trackJobStart()
	defer n.trackJobDone()

	switch cmd {
	case wire.CmdCreate:
		n.handleCreate(ctx, nc, r, dec)
	case wire.CmdDeliver:
		n.handleDeliver(nc, r, dec)
	case wire.CmdPuzzle:
		n.handlePuzzle(ctx, nc, r, dec)
	case wire.CmdQueryCache:
		n.handleQueryCache(nc, dec)
	default:
		n.log.Warn("unrecognized worker command", zap.Uint8("cmd", cmd))
	}
}

// handleCreate runs a full compute over the requested rectangle, caches
// the result and stages it for delivery (spec.md §4.4.1's "create" path).
func (n *Node) handleCreate(ctx context.Context, nc net.Conn, r *bufio.Reader, dec *wire.Decoder) {
	req, err := wire.DecodeBaseRequest(dec)
	if err != nil {
		n.sendWorkerError(nc, "bad CMD_CREATE payload")
		return
	}
	cache, ok := n.caches[req.ResultType]
	if !ok {
		n.sendWorkerError(nc, "unknown result type")
		return
	}
	var graph geocube.OperatorNode
	if err := json.Unmarshal(req.GraphJSON, &graph); err != nil {
		n.sendWorkerError(nc, "bad operator graph")
		return
	}
	if n.executor == nil {
		n.sendWorkerError(nc, "no executor configured")
		return
	}
	payload, err := n.executor.Execute(ctx, graph, req.QueryRect)
	if err != nil {
		n.sendWorkerError(nc, err.Error())
		return
	}

	sx, sy := 0.0, 0.0
	if req.QueryRect.ResKind == geocube.ResolutionPixels {
		sx, sy = req.QueryRect.Scale()
	}
	bounds := geocube.CacheCube{QueryCube: req.QueryRect, Scale: geocube.DefaultScaleWindow(sx, sy)}

	id, err := cache.PutLocal(req.Fingerprint, bounds, payload.Bytes)
	if err != nil && err != resultcache.ErrInsertRefused {
		n.sendWorkerError(nc, err.Error())
		return
	}
	if err == nil {
		n.announceNewEntry(nc, req.ResultType, req.Fingerprint, id, bounds, int64(len(payload.Bytes)))
	}
	n.finishJob(nc, r, payload.Bytes)
}

// handlePuzzle assembles a result from local/remote refs plus freshly
// computed remainders (spec.md §4.2/§4.4.1's "puzzle" path).
func (n *Node) handlePuzzle(ctx context.Context, nc net.Conn, r *bufio.Reader, dec *wire.Decoder) {
	pr, err := wire.DecodePuzzleRequest(dec)
	if err != nil {
		n.sendWorkerError(nc, "bad CMD_PUZZLE payload")
		return
	}
	cache, ok := n.caches[pr.ResultType]
	if !ok {
		n.sendWorkerError(nc, "unknown result type")
		return
	}
	var graph geocube.OperatorNode
	if err := json.Unmarshal(pr.GraphJSON, &graph); err != nil {
		n.sendWorkerError(nc, "bad operator graph")
		return
	}

	refs := make([]resultcache.RemoteRef, len(pr.Refs))
	for i, ref := range pr.Refs {
		refs[i] = resultcache.RemoteRef{
			NodeID:       ref.NodeID,
			Host:         ref.Host,
			DeliveryPort: ref.DeliveryPort,
			Fingerprint:  ref.Fingerprint,
			EntryID:      geocube.EntryID(ref.EntryID),
			Bounds:       ref.Bounds,
		}
	}
	req := resultcache.PuzzleRequest{
		Fingerprint: pr.Fingerprint,
		Graph:       graph,
		BBox:        pr.BBox,
		Refs:        refs,
		Remainder:   pr.Remainder,
	}

	fetch := func(fctx context.Context, nodeID, host string, port uint32, fingerprint string, id geocube.EntryID) ([]byte, error) {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		return n.delivery.FetchCachedItem(addr, pr.ResultType, fingerprint, id)
	}
	res, err := cache.ProcessPuzzle(ctx, n.ID(), req, fetch, resultcache.EncodeAssembled, resultcache.DecodePart)
	if err != nil {
		n.sendWorkerError(nc, err.Error())
		return
	}
	if res.Cached {
		n.announceNewEntry(nc, pr.ResultType, pr.Fingerprint, res.EntryID, res.Bounds, int64(len(res.Encoded)))
	}
	n.finishJob(nc, r, res.Encoded)
}

// handleDeliver stages an already-cached entry for delivery without
// recomputing it (spec.md §4.4.1's exact-hit path).
func (n *Node) handleDeliver(nc net.Conn, r *bufio.Reader, dec *wire.Decoder) {
	req, err := wire.DecodeDeliveryRequest(dec)
	if err != nil {
		n.sendWorkerError(nc, "bad CMD_DELIVER payload")
		return
	}
	cache, ok := n.caches[req.ResultType]
	if !ok {
		n.sendWorkerError(nc, "unknown result type")
		return
	}
	ref, err := cache.GetRef(req.Fingerprint, geocube.EntryID(req.EntryID))
	if err != nil {
		n.sendWorkerError(nc, err.Error())
		return
	}
	body := append([]byte(nil), ref.Bytes()...)
	ref.Release()
	n.finishJob(nc, r, body)
}

// handleQueryCache answers a direct, index-initiated local coverage check
// (spec.md §4.2's "direct mode", surfaced here on the worker connection so
// the index can consult a node's local structure without round-tripping
// the whole dispatch decision through the directory).
func (n *Node) handleQueryCache(nc net.Conn, dec *wire.Decoder) {
	req, err := wire.DecodeBaseRequest(dec)
	if err != nil {
		n.log.Warn("bad CMD_QUERY_CACHE payload", zap.Error(err))
		return
	}
	cache, ok := n.caches[req.ResultType]
	if !ok {
		wire.WriteFrame(nc, wire.RespQueryMiss, nil)
		return
	}
	cov := cache.Query(req.Fingerprint, req.QueryRect)
	switch cov.Kind {
	case geocube.CoverageExact:
		enc := wire.NewEncoder()
		wire.EncodeCacheEntry(enc, wire.CacheEntry{
			Bounds:      cov.Exact.Bounds,
			SizeBytes:   cov.Exact.SizeBytes,
			LastAccess:  cov.Exact.LastAccess,
			AccessCount: cov.Exact.AccessCount,
		})
		wire.WriteFrame(nc, wire.RespQueryHit, enc.Bytes())
	case geocube.CoveragePartial:
		enc := wire.NewEncoder()
		enc.U64(uint64(len(cov.Refs)))
		for _, e := range cov.Refs {
			wire.EncodeCacheRef(enc, wire.CacheRef{
				NodeID: n.ID(), Host: n.cfg.Host, DeliveryPort: n.cfg.DeliveryPort,
				Fingerprint: req.Fingerprint, EntryID: uint64(e.ID), Bounds: e.Bounds,
			})
		}
		enc.U64(uint64(len(cov.Remainder)))
		for _, rem := range cov.Remainder {
			wire.EncodeQueryCube(enc, rem)
		}
		wire.WriteFrame(nc, wire.RespQueryPartial, enc.Bytes())
	default:
		wire.WriteFrame(nc, wire.RespQueryMiss, nil)
	}
}

// announceNewEntry sends RESP_NEW_CACHE_ENTRY on the worker connection
// before the job's completion handshake: the index must learn of the
// entry before it can be dispatched to.
func (n *Node) announceNewEntry(nc net.Conn, t compute.ResultType, fingerprint string, id geocube.EntryID, bounds geocube.CacheCube, size int64) {
	enc := wire.NewEncoder()
	enc.U8(uint8(t))
	wire.EncodeNodeCacheRef(enc, wire.NodeCacheRef{Fingerprint: fingerprint, EntryID: uint64(id), Bounds: bounds, SizeBytes: size})
	if err := wire.WriteFrame(nc, wire.RespNewCacheEntry, enc.Bytes()); err != nil {
		n.log.Warn("send RESP_NEW_CACHE_ENTRY failed", zap.Error(err))
	}
}

// finishJob runs the two-phase completion handshake (spec.md §6):
// announce compute-done, learn how many delivery copies are needed, stage
// them, then hand back the ticket. r is workerSession's buffered reader —
// reused here rather than wrapped fresh, since a new bufio.Reader over nc
// would drop any bytes r already buffered ahead of RESP_DELIVERY_QTY.
func (n *Node) finishJob(nc net.Conn, r *bufio.Reader, payload []byte) {
	if err := wire.WriteFrame(nc, wire.RespResultReady, nil); err != nil {
		n.log.Warn("send RESP_RESULT_READY failed", zap.Error(err))
		return
	}

	cmd, qtyPayload, err := wire.ReadFrame(r)
	if err != nil {
		n.log.Warn("read RESP_DELIVERY_QTY failed", zap.Error(err))
		return
	}
	if cmd != wire.RespDeliveryQty {
		n.log.Warn("expected RESP_DELIVERY_QTY", zap.Uint8("cmd", cmd))
		return
	}
	qty, err := wire.NewDecoder(qtyPayload).U64()
	if err != nil || qty == 0 {
		qty = 1
	}

	id := n.registry.Register(payload, int(qty))
	resp := wire.DeliveryResponse{NodeID: n.ID(), Host: n.cfg.Host, Port: n.cfg.DeliveryPort, DeliveryID: id}
	enc := wire.NewEncoder()
	wire.EncodeDeliveryResponse(enc, resp)
	if err := wire.WriteFrame(nc, wire.RespDeliveryReady, enc.Bytes()); err != nil {
		n.log.Warn("send RESP_DELIVERY_READY failed", zap.Error(err))
	}
}

func (n *Node) sendWorkerError(nc net.Conn, msg string) {
	if err := wire.WriteFrame(nc, wire.WorkerRespError, []byte(msg)); err != nil {
		n.log.Warn("send WORKER_RESP_ERROR failed", zap.Error(err))
	}
}
