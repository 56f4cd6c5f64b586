package wire

import (
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Server owns one net.Listener and the single Events channel its
// dispatcher goroutine drains. Accept is run in its own goroutine per
// spec.md §5 ("each server... runs one dedicated event-loop thread"); the
// accept goroutine only classifies magic numbers and spawns a Conn, it
// never touches application state.
type Server struct {
	Events chan any
	log    *zap.Logger
	nextID uint64
}

// NewServer constructs a Server with a buffered Events channel. The
// buffer lets bursts of frames from many connections queue briefly
// without blocking their reader goroutines; the dispatcher is expected to
// drain it promptly (spec.md §5: "event loops never block... for more
// than the select timeout").
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Events: make(chan any, 1024), log: log}
}

// Accept runs the accept loop on l until it is closed, classifying each
// connection's magic number and starting its reader/writer goroutines.
// Connections with an unrecognized magic are closed immediately per
// spec.md §6.
func (s *Server) Accept(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			s.log.Info("accept loop stopped", zap.Error(err))
			return
		}
		go s.handleAccept(nc)
	}
}

func (s *Server) handleAccept(nc net.Conn) {
	kind, err := ReadMagicAndClassify(nc)
	if err != nil {
		s.log.Debug("rejecting connection with unknown magic", zap.Error(err))
		nc.Close()
		return
	}
	id := atomic.AddUint64(&s.nextID, 1)
	c := NewConn(id, kind, nc, s.Events)
	c.Start()
	s.Events <- &ConnAccepted{Conn: c}
}

// ConnAccepted is posted once a connection's kind has been classified and
// its goroutines started, so the dispatcher can register it in the
// appropriate per-kind table before any Frame for it arrives.
type ConnAccepted struct {
	Conn *Conn
}
