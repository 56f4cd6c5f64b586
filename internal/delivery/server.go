package delivery

import (
	"bufio"
	"net"

	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/resultcache"
	"github.com/dreamware/geocache/internal/wire"
)

// Server is the node-side delivery connection handler (spec.md §4.6): one
// short request/response cycle per accepted connection, so unlike the
// client/worker/control servers in internal/wire it does not need a
// shared single-dispatcher Events funnel — each connection's state is
// entirely local to the goroutine handling it, and the only shared state
// it touches (the Registry, the per-type caches) is already safe for
// concurrent use.
type Server struct {
	log      *zap.Logger
	registry *Registry
	caches   map[compute.ResultType]*resultcache.NodeCache
}

// NewServer builds a delivery Server over the node's per-type caches.
func NewServer(log *zap.Logger, reg *Registry, caches map[compute.ResultType]*resultcache.NodeCache) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, registry: reg, caches: caches}
}

// Accept runs the accept loop on l until it is closed.
func (s *Server) Accept(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			s.log.Info("delivery accept loop stopped", zap.Error(err))
			return
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	kind, err := wire.ReadMagicAndClassify(nc)
	if err != nil {
		s.log.Debug("delivery: rejecting unknown magic", zap.Error(err))
		return
	}
	if kind != wire.KindDelivery {
		s.log.Debug("delivery: non-delivery magic on delivery port", zap.Stringer("kind", kind))
		return
	}

	r := bufio.NewReader(nc)
	cmd, payload, err := wire.ReadFrame(r)
	if err != nil {
		return
	}

	switch cmd {
	case wire.DeliveryCmdGet:
		s.handleGet(nc, payload)
	case wire.CmdGetCachedItem:
		s.handleGetCachedItem(nc, payload)
	case wire.CmdMoveItem:
		s.handleMoveItem(nc, r, payload)
	default:
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: unexpected command"))
	}
}

func (s *Server) handleGet(nc net.Conn, payload []byte) {
	d := wire.NewDecoder(payload)
	id, err := d.U64()
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: bad CMD_GET payload"))
		return
	}
	body, ok := s.registry.Pull(id)
	if !ok {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: unknown or expired delivery id"))
		return
	}
	wire.WriteFrame(nc, wire.DeliveryRespOK, body)
}

func (s *Server) handleGetCachedItem(nc net.Conn, payload []byte) {
	d := wire.NewDecoder(payload)
	key, err := wire.DecodeTypedNodeCacheKey(d)
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: bad CMD_GET_CACHED_ITEM payload"))
		return
	}
	cache, ok := s.caches[key.ResultType]
	if !ok {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: unknown result type"))
		return
	}
	ref, err := cache.GetRef(key.Fingerprint, geocube.EntryID(key.EntryID))
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte(err.Error()))
		return
	}
	defer ref.Release()
	wire.WriteFrame(nc, wire.DeliveryRespOK, ref.Bytes())
}

// handleMoveItem serves the source side of a reorg move (spec.md §4.5,
// §4.6): stream the payload plus bounds, mark the entry pending so it is
// neither evicted nor delivered fresh while the move is in flight, then
// block for CMD_MOVE_DONE on this same connection before releasing it.
// If the write fails, the connection drops, or anything other than
// CMD_MOVE_DONE arrives, the pending mark is cleared and the entry stays
// stored.
func (s *Server) handleMoveItem(nc net.Conn, r *bufio.Reader, payload []byte) {
	d := wire.NewDecoder(payload)
	key, err := wire.DecodeTypedNodeCacheKey(d)
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: bad CMD_MOVE_ITEM payload"))
		return
	}
	cache, ok := s.caches[key.ResultType]
	if !ok {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte("delivery: unknown result type"))
		return
	}
	entryID := geocube.EntryID(key.EntryID)
	bounds, err := cache.Bounds(key.Fingerprint, entryID)
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte(err.Error()))
		return
	}
	ref, err := cache.GetRef(key.Fingerprint, entryID)
	if err != nil {
		wire.WriteFrame(nc, wire.DeliveryRespErr, []byte(err.Error()))
		return
	}
	cache.MarkPendingMove(key.Fingerprint, entryID)

	enc := wire.NewEncoder()
	wire.EncodeCacheCube(enc, bounds)
	enc.ByteVec(ref.Bytes())
	err = wire.WriteFrame(nc, wire.DeliveryRespOK, enc.Bytes())
	ref.Release()
	if err != nil {
		cache.ClearPendingMove(key.Fingerprint, entryID)
		return
	}

	doneCmd, _, err := wire.ReadFrame(r)
	if err != nil || doneCmd != wire.CmdMoveDone {
		// Connection dropped or something unexpected arrived before
		// MOVE_DONE: per spec.md's rollback rule, keep the entry.
		cache.ClearPendingMove(key.Fingerprint, entryID)
		return
	}
	cache.RemoveLocal(key.Fingerprint, entryID)
}
