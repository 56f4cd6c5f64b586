// Package index implements the index server's directory, query manager,
// and dispatch logic (spec.md §4.4): the global view of entries across
// nodes, de-duplication of concurrent requests, and the event-loop
// dispatcher that drives client/worker/control connections.
package index

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/metrics"
	"github.com/dreamware/geocache/internal/wire"
)

// Server is the index server's dispatcher: the single goroutine-safe
// owner of every Directory, the NodeTable, and each result type's
// QueryManager. It is driven by draining a wire.Server's Events channel, so
// frames from every connection are handled on one goroutine (spec.md §5) —
// see internal/wire's package doc for why a channel funnel stands in for a
// literal select(2)/poll(2) loop. Its tables are still guarded by mutexes,
// since the reorg controller and awaitDependent goroutines reach them too.
type Server struct {
	log     *zap.Logger
	metrics *metrics.Registry
	wireSrv *wire.Server

	dirs  map[compute.ResultType]*Directory
	qms   map[compute.ResultType]*QueryManager
	nodes *NodeTable

	mu           sync.Mutex
	conns        map[uint64]*wire.Conn
	nodeOf       map[uint64]string   // any conn id -> node id, once known
	controlConn  map[string]uint64   // node id -> its one control conn id
	workerConns  map[string][]uint64 // node id -> its worker conn ids
	nextWorker   map[string]int      // node id -> round-robin cursor into workerConns
	clientConns   map[uint64]*wire.Conn
	pendingMoves  map[uint64]pendingMove        // directory id -> the move awaiting RESP_REORG_ITEM_MOVED
	pendingRemove map[string][]wire.ReorgDescription // node id -> removes awaiting RESP_REORG_DONE, FIFO (one control conn per node processes in order)
	pendingWorkerJobs map[uint64][]pendingWorkerJob // worker conn id -> jobs dispatched on it awaiting RESP_RESULT_READY/RESP_DELIVERY_READY, FIFO

	nextNodeSeq uint64
}

// pendingWorkerJob is what the index needs to remember about a request it
// sent down a worker connection, so that the worker's later, job-id-less
// RESP_RESULT_READY/RESP_DELIVERY_READY/WORKER_RESP_ERROR frames can be
// matched back to the right client(s). One worker connection carries its
// jobs strictly in request order (spec.md §5: a worker thread handles one
// job at a time), so a FIFO queue per connection is sufficient.
type pendingWorkerJob struct {
	deliverOnly bool
	clientConn  *wire.Conn // set only when deliverOnly: CMD_DELIVER is never deduplicated

	kind        JobKind
	resultType  compute.ResultType
	fingerprint string
	cube        geocube.QueryCube
}

// errNoWorkerConn is returned internally when a node has no live worker
// connection to dispatch a job to.
var errNoWorkerConn = errors.New("index: selected node has no worker connection")

// pendingMove tracks when a move was dispatched so a stuck move (peer
// crashed before RESP_REORG_ITEM_MOVED, spec.md scenario 6) can be rolled
// back and retried at a later reorg tick rather than leaving the
// directory entry wedged in PendingMove forever.
type pendingMove struct {
	desc   wire.ReorgDescription
	sentAt time.Time
}

// allocateNodeID assigns a short, stable node id on the control handshake
// (spec.md §4.3: "index replies CMD_HELLO + node_id"). A sequential counter
// is enough since ids only need to be unique for the life of the index
// process; the directory itself keys everything by this string.
func (s *Server) allocateNodeID() string {
	n := atomic.AddUint64(&s.nextNodeSeq, 1)
	return fmt.Sprintf("node-%d", n)
}

// NewServer constructs a Server with an empty directory/query-manager per
// result type and wires it to ws, whose Events channel it will drain in
// Run.
func NewServer(log *zap.Logger, reg *metrics.Registry, ws *wire.Server) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:          log,
		metrics:      reg,
		wireSrv:      ws,
		dirs:         make(map[compute.ResultType]*Directory),
		qms:          make(map[compute.ResultType]*QueryManager),
		nodes:        NewNodeTable(),
		conns:        make(map[uint64]*wire.Conn),
		nodeOf:       make(map[uint64]string),
		controlConn:  make(map[string]uint64),
		workerConns:  make(map[string][]uint64),
		nextWorker:   make(map[string]int),
		clientConns:   make(map[uint64]*wire.Conn),
		pendingMoves:  make(map[uint64]pendingMove),
		pendingRemove: make(map[string][]wire.ReorgDescription),
		pendingWorkerJobs: make(map[uint64][]pendingWorkerJob),
	}
	for _, t := range compute.AllResultTypes {
		s.dirs[t] = NewDirectory()
		s.qms[t] = NewQueryManager()
	}
	return s
}

func (s *Server) directoryFor(t compute.ResultType) *Directory   { return s.dirs[t] }
func (s *Server) queryManagerFor(t compute.ResultType) *QueryManager { return s.qms[t] }

// refreshInFlightGauge recomputes geocache_inflight_jobs from every result
// type's QueryManager, called whenever a job is attached or completed.
func (s *Server) refreshInFlightGauge() {
	total := 0
	for _, qm := range s.qms {
		total += qm.InFlight()
	}
	s.metrics.InFlightJobs.Set(float64(total))
}

// Nodes exposes the node table, e.g. for the reorg controller.
func (s *Server) Nodes() *NodeTable { return s.nodes }

// Directories exposes the per-type directories, e.g. for the reorg
// controller's scan pass.
func (s *Server) Directories() map[compute.ResultType]*Directory { return s.dirs }

// Run drains the wire server's Events channel until it is closed,
// advancing connection state per spec.md §4.3/§5. It is meant to run in
// its own goroutine for the lifetime of the process.
func (s *Server) Run() {
	for ev := range s.wireSrv.Events {
		switch e := ev.(type) {
		case *wire.ConnAccepted:
			s.onAccept(e.Conn)
		case *wire.Frame:
			s.onFrame(e)
		case *wire.ConnClosed:
			s.onClosed(e)
		}
	}
}

func (s *Server) onAccept(c *wire.Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	s.log.Debug("connection accepted", zap.Uint64("conn_id", c.ID), zap.String("kind", c.Kind.String()))
}

func (s *Server) onClosed(e *wire.ConnClosed) {
	s.mu.Lock()
	delete(s.conns, e.Conn.ID)
	nodeID, hadNode := s.nodeOf[e.Conn.ID]
	delete(s.nodeOf, e.Conn.ID)
	delete(s.clientConns, e.Conn.ID)
	orphaned := s.pendingWorkerJobs[e.Conn.ID]
	delete(s.pendingWorkerJobs, e.Conn.ID)
	if hadNode {
		if e.Conn.Kind == wire.KindWorker {
			kept := s.workerConns[nodeID][:0]
			for _, id := range s.workerConns[nodeID] {
				if id != e.Conn.ID {
					kept = append(kept, id)
				}
			}
			s.workerConns[nodeID] = kept
		}
		if e.Conn.Kind == wire.KindControl {
			delete(s.controlConn, nodeID)
		}
	}
	s.mu.Unlock()
	for _, job := range orphaned {
		if job.deliverOnly {
			job.clientConn.Send(wire.RespError, []byte("worker connection lost before completing request"))
			continue
		}
		s.queryManagerFor(job.resultType).Complete(job.kind, job.fingerprint, job.cube,
			JobResult{Err: errors.New("worker connection lost before completing request")})
		s.refreshInFlightGauge()
	}
	if hadNode && e.Conn.Kind == wire.KindControl {
		// Per spec.md §4.3 the control connection is long-lived, one per
		// node; a worker connection closing is just one fewer worker
		// thread, not the node leaving the cluster.
		s.nodes.Remove(nodeID)
		s.log.Info("node control connection lost", zap.String("node_id", nodeID), zap.Error(e.Err))
	}
}

func (s *Server) onFrame(f *wire.Frame) {
	switch f.Conn.Kind {
	case wire.KindClient:
		s.handleClientFrame(f)
	case wire.KindWorker:
		s.handleWorkerFrame(f)
	case wire.KindControl:
		s.handleControlFrame(f)
	default:
		s.log.Warn("frame on unexpected connection kind", zap.String("kind", f.Conn.Kind.String()))
	}
}

// handleClientFrame implements the client connection's single command,
// CMD_GET (spec.md §4.3 "client: one in-flight request").
func (s *Server) handleClientFrame(f *wire.Frame) {
	if f.Cmd != wire.CmdGet {
		f.Conn.Send(wire.RespError, []byte("unexpected command on client connection"))
		return
	}
	dec := wire.NewDecoder(f.Payload)
	req, err := wire.DecodeBaseRequest(dec)
	if err != nil {
		f.Conn.Send(wire.RespError, []byte(err.Error()))
		return
	}
	s.mu.Lock()
	s.clientConns[f.Conn.ID] = f.Conn
	s.mu.Unlock()
	s.dispatchGet(f.Conn, req)
}

// dispatchGet implements spec.md §4.4.1/§4.4.2: resolve coverage, dedup
// against in-flight jobs for the same (fingerprint, cube), and either
// answer immediately (exact hit) or kick off a create/puzzle job.
func (s *Server) dispatchGet(conn *wire.Conn, req wire.BaseRequest) {
	dir := s.directoryFor(req.ResultType)
	qm := s.queryManagerFor(req.ResultType)

	decision, ok := Dispatch(dir, s.nodes, req.Fingerprint, req.QueryRect)
	if !ok {
		conn.Send(wire.RespError, []byte("no cache nodes available"))
		return
	}

	log := s.log.With(
		zap.String("result_type", req.ResultType.String()),
		zap.String("fingerprint", req.Fingerprint),
		zap.String("node_id", decision.NodeID),
	)

	switch decision.Kind {
	case DispatchDeliver:
		s.metrics.CacheHits.WithLabelValues(req.ResultType.String()).Inc()
		log.Info("exact hit, forwarding to delivery")
		wc, ok := s.sendDeliverRequest(decision.NodeID, req.ResultType, req.Fingerprint, uint64(decision.ExactEntry.EntryID))
		if !ok {
			conn.Send(wire.RespError, []byte("selected node has no worker connection"))
			return
		}
		s.pushPendingWorkerJob(wc.ID, pendingWorkerJob{deliverOnly: true, clientConn: conn})

	case DispatchPuzzle:
		s.metrics.CachePartials.WithLabelValues(req.ResultType.String()).Inc()
		kind := JobPuzzle
		dep, isFirst := qm.Attach(kind, req.Fingerprint, req.QueryRect, conn.ID)
		s.refreshInFlightGauge()
		go s.awaitDependent(dep)
		if !isFirst {
			s.metrics.JobsDedupedAs.Inc()
			log.Info("attached to in-flight puzzle job")
			return
		}
		s.metrics.JobsPuzzled.WithLabelValues(req.ResultType.String()).Inc()
		log.Info("dispatching puzzle job", zap.Int("refs", len(decision.DirRefs)), zap.Int("remainder", len(decision.Remainder)))
		wc, ok := s.sendPuzzleRequest(decision.NodeID, req, decision)
		if !ok {
			qm.Complete(kind, req.Fingerprint, req.QueryRect, JobResult{Err: errNoWorkerConn})
			s.refreshInFlightGauge()
			return
		}
		s.pushPendingWorkerJob(wc.ID, pendingWorkerJob{kind: kind, resultType: req.ResultType, fingerprint: req.Fingerprint, cube: req.QueryRect})

	default: // DispatchCreate
		s.metrics.CacheMisses.WithLabelValues(req.ResultType.String()).Inc()
		kind := JobCreate
		dep, isFirst := qm.Attach(kind, req.Fingerprint, req.QueryRect, conn.ID)
		s.refreshInFlightGauge()
		go s.awaitDependent(dep)
		if !isFirst {
			s.metrics.JobsDedupedAs.Inc()
			log.Info("attached to in-flight create job")
			return
		}
		s.metrics.JobsCreated.WithLabelValues(req.ResultType.String()).Inc()
		log.Info("dispatching create job")
		wc, ok := s.sendCreateRequest(decision.NodeID, req)
		if !ok {
			qm.Complete(kind, req.Fingerprint, req.QueryRect, JobResult{Err: errNoWorkerConn})
			s.refreshInFlightGauge()
			return
		}
		s.pushPendingWorkerJob(wc.ID, pendingWorkerJob{kind: kind, resultType: req.ResultType, fingerprint: req.Fingerprint, cube: req.QueryRect})
	}
}

// awaitDependent blocks for one dependent's job result and forwards it to
// its client connection, or does nothing if that connection has since
// closed (spec.md §5's cancellation rule: a result for a connection the
// dispatcher has already erased is simply dropped).
func (s *Server) awaitDependent(dep *Dependent) {
	res := <-dep.Done
	s.mu.Lock()
	c, ok := s.conns[dep.ClientConnID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if res.Err != nil {
		c.Send(wire.RespError, []byte(res.Err.Error()))
		return
	}
	enc := wire.NewEncoder()
	wire.EncodeDeliveryResponse(enc, res.Ticket)
	c.Send(wire.RespOK, enc.Bytes())
}

// pushPendingWorkerJob records a job dispatched on a worker connection so
// the worker's later reply can be matched back to it.
func (s *Server) pushPendingWorkerJob(connID uint64, j pendingWorkerJob) {
	s.mu.Lock()
	s.pendingWorkerJobs[connID] = append(s.pendingWorkerJobs[connID], j)
	s.mu.Unlock()
}

// peekPendingWorkerJob returns the oldest job on connID's queue without
// removing it, for RESP_RESULT_READY (which precedes RESP_DELIVERY_READY
// on the same job).
func (s *Server) peekPendingWorkerJob(connID uint64) (pendingWorkerJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pendingWorkerJobs[connID]
	if len(q) == 0 {
		return pendingWorkerJob{}, false
	}
	return q[0], true
}

// popPendingWorkerJob removes and returns the oldest job on connID's
// queue, for the frame that terminates it (RESP_DELIVERY_READY or
// WORKER_RESP_ERROR).
func (s *Server) popPendingWorkerJob(connID uint64) (pendingWorkerJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pendingWorkerJobs[connID]
	if len(q) == 0 {
		return pendingWorkerJob{}, false
	}
	j := q[0]
	s.pendingWorkerJobs[connID] = q[1:]
	return j, true
}

// workerConnFor picks a worker connection for nodeID, round-robin across
// its registered worker threads (spec.md §5: "a pool of worker threads...
// a worker owns one worker connection to the index for its lifetime").
func (s *Server) workerConnFor(nodeID string) (*wire.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.workerConns[nodeID]
	if len(ids) == 0 {
		return nil, false
	}
	cursor := s.nextWorker[nodeID] % len(ids)
	s.nextWorker[nodeID] = cursor + 1
	c, ok := s.conns[ids[cursor]]
	return c, ok
}

// controlConnFor returns nodeID's long-lived control connection, used by
// SendReorg to send CMD_REORG.
func (s *Server) controlConnFor(nodeID string) (*wire.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connID, ok := s.controlConn[nodeID]
	if !ok {
		return nil, false
	}
	c, ok := s.conns[connID]
	return c, ok
}

// SendReorg dispatches one ReorgDescription to its destination (move) or
// owning (remove) node's control connection, per spec.md §4.5 "index sends
// CMD_REORG to the destination node". The directory entry is flagged
// pending and the description stashed so the eventual
// RESP_REORG_ITEM_MOVED can be matched back to it.
func (s *Server) SendReorg(dir *Directory, desc wire.ReorgDescription) bool {
	target := desc.ToNode
	if !desc.IsMove {
		target = desc.FromNode
	}
	cc, ok := s.controlConnFor(target)
	if !ok {
		return false
	}
	if desc.IsMove {
		if from, ok := s.nodes.Get(desc.FromNode); ok {
			desc.FromHost = from.Host
			desc.FromPort = from.DeliveryPort
		}
	}
	s.mu.Lock()
	if desc.IsMove {
		s.pendingMoves[desc.DirectoryID] = pendingMove{desc: desc, sentAt: time.Now()}
	} else {
		s.pendingRemove[desc.FromNode] = append(s.pendingRemove[desc.FromNode], desc)
	}
	s.mu.Unlock()
	if desc.IsMove {
		dir.MarkMovePending(desc.FromNode, desc.Fingerprint, geocube.EntryID(desc.EntryID))
	}
	enc := wire.NewEncoder()
	wire.EncodeReorgDescription(enc, desc)
	cc.Send(wire.CmdReorg, enc.Bytes())
	return true
}

func (s *Server) sendCreateRequest(nodeID string, req wire.BaseRequest) (*wire.Conn, bool) {
	wc, ok := s.workerConnFor(nodeID)
	if !ok {
		return nil, false
	}
	enc := wire.NewEncoder()
	wire.EncodeBaseRequest(enc, req)
	wc.Send(wire.CmdCreate, enc.Bytes())
	return wc, true
}

func (s *Server) sendPuzzleRequest(nodeID string, req wire.BaseRequest, decision Decision) (*wire.Conn, bool) {
	wc, ok := s.workerConnFor(nodeID)
	if !ok {
		return nil, false
	}
	refs := make([]wire.CacheRef, 0, len(decision.DirRefs))
	for _, r := range decision.DirRefs {
		ref := wire.CacheRef{
			NodeID:      r.NodeID,
			Fingerprint: req.Fingerprint,
			EntryID:     uint64(r.EntryID),
			Bounds:      r.Bounds,
		}
		if ni, ok := s.nodes.Get(r.NodeID); ok {
			ref.Host = ni.Host
			ref.DeliveryPort = ni.DeliveryPort
		}
		refs = append(refs, ref)
	}
	pr := wire.PuzzleRequest{
		ResultType:  req.ResultType,
		Fingerprint: req.Fingerprint,
		GraphJSON:   req.GraphJSON,
		BBox:        req.QueryRect,
		Refs:        refs,
		Remainder:   decision.Remainder,
	}
	enc := wire.NewEncoder()
	wire.EncodePuzzleRequest(enc, pr)
	wc.Send(wire.CmdPuzzle, enc.Bytes())
	return wc, true
}

func (s *Server) sendDeliverRequest(nodeID string, resultType compute.ResultType, fingerprint string, entryID uint64) (*wire.Conn, bool) {
	wc, ok := s.workerConnFor(nodeID)
	if !ok {
		return nil, false
	}
	enc := wire.NewEncoder()
	wire.EncodeDeliveryRequest(enc, wire.DeliveryRequest{ResultType: resultType, Fingerprint: fingerprint, EntryID: entryID})
	wc.Send(wire.CmdDeliver, enc.Bytes())
	return wc, true
}

// handleWorkerFrame implements the index side of the worker connection
// state machine (spec.md §4.3): results, new-entry announcements and
// delivery tickets flow back here and are relayed to whichever client
// requests are attached as dependents.
func (s *Server) handleWorkerFrame(f *wire.Frame) {
	dec := wire.NewDecoder(f.Payload)
	switch f.Cmd {
	case wire.WorkerCmdHello:
		nodeID, err := dec.String()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.nodeOf[f.Conn.ID] = nodeID
		s.workerConns[nodeID] = append(s.workerConns[nodeID], f.Conn.ID)
		s.mu.Unlock()
		s.log.Info("worker connection identified", zap.String("node_id", nodeID), zap.Uint64("conn_id", f.Conn.ID))
	case wire.RespNewCacheEntry:
		s.handleNewCacheEntry(f.Conn, dec)
	case wire.RespResultReady:
		s.handleResultReady(f.Conn)
	case wire.RespDeliveryReady:
		s.handleDeliveryReady(f.Conn, dec)
	case wire.WorkerRespError:
		s.handleWorkerError(f.Conn, dec)
	default:
		s.log.Warn("unrecognized worker frame", zap.Uint8("cmd", f.Cmd))
	}
}

func (s *Server) handleNewCacheEntry(wc *wire.Conn, dec *wire.Decoder) {
	t, err := dec.U8()
	if err != nil {
		return
	}
	resultType := compute.ResultType(t)
	ref, err := wire.DecodeNodeCacheRef(dec)
	if err != nil {
		return
	}
	s.mu.Lock()
	nodeID := s.nodeOf[wc.ID]
	s.mu.Unlock()
	if nodeID == "" {
		return
	}
	dirID := s.directoryFor(resultType).Register(nodeID, ref.Fingerprint, geocube.EntryID(ref.EntryID), ref.Bounds, ref.SizeBytes)
	s.log.Info("new cache entry registered",
		zap.String("node_id", nodeID), zap.String("fingerprint", ref.Fingerprint), zap.Uint64("directory_id", dirID))
}

// handleResultReady answers a worker's RESP_RESULT_READY (spec.md §6: the
// worker has finished computing but not yet staged a delivery ticket) by
// telling it how many copies to stage: 1 for a deliver-only job, or the
// current dependent count for a create/puzzle job that other clients may
// have piled onto while the compute was running.
func (s *Server) handleResultReady(wc *wire.Conn) {
	job, ok := s.peekPendingWorkerJob(wc.ID)
	if !ok {
		s.log.Warn("RESP_RESULT_READY with no pending worker job", zap.Uint64("conn_id", wc.ID))
		return
	}
	qty := 1
	if !job.deliverOnly {
		if n := s.queryManagerFor(job.resultType).CountPending(job.kind, job.fingerprint, job.cube); n > 0 {
			qty = n
		}
	}
	enc := wire.NewEncoder()
	enc.U64(uint64(qty))
	wc.Send(wire.RespDeliveryQty, enc.Bytes())
}

// handleDeliveryReady completes whichever deliver/create/puzzle job this
// worker connection's oldest pending entry corresponds to, forwarding the
// staged DeliveryResponse ticket to the single waiting client (deliver) or
// fanning it out to every dependent of the now-complete job via the query
// manager (create/puzzle; spec.md §4.4.2).
func (s *Server) handleDeliveryReady(wc *wire.Conn, dec *wire.Decoder) {
	resp, err := wire.DecodeDeliveryResponse(dec)
	if err != nil {
		return
	}
	job, ok := s.popPendingWorkerJob(wc.ID)
	if !ok {
		s.log.Warn("RESP_DELIVERY_READY with no pending worker job", zap.Uint64("conn_id", wc.ID))
		return
	}
	if job.deliverOnly {
		enc := wire.NewEncoder()
		wire.EncodeDeliveryResponse(enc, resp)
		job.clientConn.Send(wire.RespOK, enc.Bytes())
		return
	}
	s.queryManagerFor(job.resultType).Complete(job.kind, job.fingerprint, job.cube, JobResult{NodeID: resp.NodeID, Ticket: resp})
	s.refreshInFlightGauge()
}

// handleWorkerError propagates a worker's compute failure to whoever is
// waiting on the job it was working on (spec.md §5): the single client for
// a deliver-only job, or every dependent of a create/puzzle job.
func (s *Server) handleWorkerError(wc *wire.Conn, dec *wire.Decoder) {
	msg, err := dec.String()
	if err != nil {
		msg = "worker reported an error"
	}
	job, ok := s.popPendingWorkerJob(wc.ID)
	if !ok {
		s.log.Warn("WORKER_RESP_ERROR with no pending worker job", zap.Uint64("conn_id", wc.ID))
		return
	}
	if job.deliverOnly {
		job.clientConn.Send(wire.RespError, []byte(msg))
		return
	}
	s.queryManagerFor(job.resultType).Complete(job.kind, job.fingerprint, job.cube, JobResult{Err: errors.New(msg)})
	s.refreshInFlightGauge()
}

// handleControlFrame implements the index side of the control connection
// state machine (spec.md §4.3): CMD_REGISTER_NODE registers the node and is
// answered with CMD_HELLO carrying its assigned id, RESP_STATS
// updates its load, RESP_REORG_ITEM_MOVED/RESP_REORG_DONE feed back into
// the reorg controller via the Directory.
func (s *Server) handleControlFrame(f *wire.Frame) {
	dec := wire.NewDecoder(f.Payload)
	switch f.Cmd {
	case wire.CmdRegisterNode:
		reg, err := wire.DecodeRegisterNode(dec)
		if err != nil {
			return
		}
		nodeID := s.allocateNodeID()
		s.mu.Lock()
		s.nodeOf[f.Conn.ID] = nodeID
		s.controlConn[nodeID] = f.Conn.ID
		s.mu.Unlock()
		s.nodes.Register(&NodeInfo{ID: nodeID, Host: reg.Host, DeliveryPort: reg.DeliveryPort})
		s.log.Info("node registered", zap.String("node_id", nodeID), zap.String("host", reg.Host))

		enc := wire.NewEncoder()
		wire.EncodeHello(enc, wire.Hello{NodeID: nodeID})
		f.Conn.Send(wire.CmdHello, enc.Bytes())

	case wire.RespStats:
		stats, err := wire.DecodeNodeStats(dec)
		if err != nil {
			return
		}
		n, ok := s.nodes.Get(stats.NodeID)
		if !ok {
			return
		}
		busy := (stats.CPUBusy + stats.GPUBusy + stats.IOBusy) / 3
		n.UpdateLoad(busy)
		for _, u := range stats.TypeUsage {
			n.SetTypeUsage(u.ResultType, u.UsedBytes, u.Capacity)
		}

	case wire.RespReorgItemMoved:
		s.handleReorgItemMoved(f.Conn, dec)

	case wire.RespReorgDone:
		s.handleReorgDone(f.Conn)
	}
}

// handleReorgDone completes the oldest outstanding remove for the node
// that sent it. RESP_REORG_DONE carries no payload (spec.md §6's table),
// so it is matched FIFO against that node's queue of dispatched removes —
// sound because each node has exactly one control connection processing
// CMD_REORG commands in order.
func (s *Server) handleReorgDone(nodeConn *wire.Conn) {
	s.mu.Lock()
	nodeID := s.nodeOf[nodeConn.ID]
	var desc wire.ReorgDescription
	var ok bool
	if q := s.pendingRemove[nodeID]; len(q) > 0 {
		desc, q = q[0], q[1:]
		s.pendingRemove[nodeID] = q
		ok = true
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("RESP_REORG_DONE with no pending remove", zap.String("node_id", nodeID))
		return
	}
	s.directoryFor(desc.ResultType).Remove(desc.DirectoryID)
	s.metrics.ReorgRemoves.Inc()
	s.log.Info("reorg remove completed", zap.String("fingerprint", desc.Fingerprint), zap.String("node_id", nodeID))
	nodeConn.Send(wire.CmdRemoveOK, nil)
}

// handleReorgItemMoved implements spec.md §4.5's third step: "index
// updates the directory to point at the new node, replies
// RESP_REORG_ITEM_OK" (carried as CMD_MOVE_OK, the only index->node code
// reserved for this purpose). The source node is told only after this
// point that it may eventually observe CMD_MOVE_DONE; until then invariant
// I3 keeps both copies live.
func (s *Server) handleReorgItemMoved(destConn *wire.Conn, dec *wire.Decoder) {
	result, err := wire.DecodeReorgResult(dec)
	if err != nil {
		return
	}
	s.mu.Lock()
	pm, ok := s.pendingMoves[result.DirectoryID]
	delete(s.pendingMoves, result.DirectoryID)
	s.mu.Unlock()
	if !ok {
		s.log.Warn("RESP_REORG_ITEM_MOVED for unknown pending move", zap.Uint64("directory_id", result.DirectoryID))
		return
	}
	desc := pm.desc

	dir := s.directoryFor(desc.ResultType)
	newBounds := result.NewRef.Bounds
	if !dir.CompleteMove(result.DirectoryID, result.NewRef.NodeID, geocube.EntryID(result.NewRef.EntryID), newBounds) {
		s.log.Warn("move completed for unknown directory entry", zap.Uint64("directory_id", result.DirectoryID))
		return
	}
	s.metrics.ReorgMoves.Inc()
	s.log.Info("reorg move completed",
		zap.String("fingerprint", desc.Fingerprint), zap.String("from", desc.FromNode), zap.String("to", desc.ToNode))

	destConn.Send(wire.CmdMoveOK, nil)
}

// ExpireStaleMoves rolls back any move dispatched more than maxAge ago
// that never received RESP_REORG_ITEM_MOVED (spec.md scenario 6: "B closes
// the delivery connection... before sending RESP_REORG_ITEM_MOVED.
// Directory still points at A... reorg controller retries at next tick").
// Called at the start of every reorg tick before computing new moves, so a
// wedged PendingMove flag is cleared at the first tick after it has been
// pending longer than maxAge (the controller passes twice its interval).
func (s *Server) ExpireStaleMoves(maxAge time.Duration) int {
	now := time.Now()
	s.mu.Lock()
	var stale []pendingMove
	for id, pm := range s.pendingMoves {
		if now.Sub(pm.sentAt) > maxAge {
			stale = append(stale, pm)
			delete(s.pendingMoves, id)
		}
	}
	s.mu.Unlock()
	for _, pm := range stale {
		dir := s.directoryFor(pm.desc.ResultType)
		dir.RollbackMove(pm.desc.FromNode, pm.desc.Fingerprint, geocube.EntryID(pm.desc.EntryID))
		s.metrics.ReorgFailures.Inc()
		s.log.Warn("reorg move rolled back after timeout",
			zap.String("fingerprint", pm.desc.Fingerprint), zap.String("from", pm.desc.FromNode), zap.String("to", pm.desc.ToNode))
	}
	return len(stale)
}
