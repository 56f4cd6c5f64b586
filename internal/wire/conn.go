package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// State is the outcome of advancing a connection's state machine by one
// frame, per spec.md §9: "transition functions returning Continue |
// WantWrite | Faulty".
type State int

const (
	Continue State = iota
	WantWrite
	Faulty
)

// Kind identifies which of the four connection state machines a Conn is
// running, selected by the magic number read immediately after accept.
type Kind int

const (
	KindClient Kind = iota
	KindWorker
	KindControl
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindWorker:
		return "worker"
	case KindControl:
		return "control"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound frame, posted by a connection's reader
// goroutine onto the server's single Events channel so that exactly one
// dispatcher goroutine ever advances connection state (spec.md §4.3, §5 —
// see DESIGN.md's C3 entry for why a channel funnel stands in for raw
// select(2)/poll(2) readiness multiplexing).
type Frame struct {
	Conn    *Conn
	Cmd     byte
	Payload []byte
}

// ConnClosed is posted when a connection's reader goroutine observes EOF,
// a protocol error, or Close being called, so the dispatcher can release
// associated resources (spec.md §4.3 "faulty-connection policy").
type ConnClosed struct {
	Conn *Conn
	Err  error
}

// Conn wraps one accepted socket for one of the four connection kinds. Its
// state machine is advanced only by the single dispatcher goroutine that
// owns the shared server state; the reader and writer goroutines below
// only ever decode/encode frames and never touch application state.
type Conn struct {
	ID     uint64
	Kind   Kind
	NetRaw net.Conn

	faulty int32 // atomic bool

	out chan []byte // outbound frame bytes, drained by the writer goroutine
	events chan<- any // shared server Events channel: *Frame or *ConnClosed
}

// NewConn constructs a Conn around an already-accepted socket whose magic
// number has already been read and classified as kind. events is the
// single shared channel the server's dispatcher goroutine reads from.
func NewConn(id uint64, kind Kind, nc net.Conn, events chan<- any) *Conn {
	c := &Conn{
		ID:     id,
		Kind:   kind,
		NetRaw: nc,
		out:    make(chan []byte, 64),
		events: events,
	}
	return c
}

// Start launches the reader and writer goroutines. Must be called once,
// after NewConn.
func (c *Conn) Start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.NetRaw)
	for {
		cmd, payload, err := ReadFrame(r)
		if err != nil {
			c.markFaulty()
			c.events <- &ConnClosed{Conn: c, Err: err}
			return
		}
		c.events <- &Frame{Conn: c, Cmd: cmd, Payload: payload}
	}
}

func (c *Conn) writeLoop() {
	for b := range c.out {
		if _, err := c.NetRaw.Write(b); err != nil {
			c.markFaulty()
			return
		}
	}
}

// Send enqueues a frame for asynchronous write. It never blocks the
// dispatcher goroutine: if the outbound buffer is full the connection is
// marked faulty rather than backpressuring the caller (spec.md §4.3
// "writers MUST NOT block the event loop").
func (c *Conn) Send(cmd byte, payload []byte) State {
	if c.isFaulty() {
		return Faulty
	}
	buf := make([]byte, 0, 5+len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(1+len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, cmd)
	buf = append(buf, payload...)
	select {
	case c.out <- buf:
		return WantWrite
	default:
		c.markFaulty()
		return Faulty
	}
}

func (c *Conn) markFaulty() { atomic.StoreInt32(&c.faulty, 1) }
func (c *Conn) isFaulty() bool { return atomic.LoadInt32(&c.faulty) == 1 }

// Close tears down the connection's socket and outbound channel. Safe to
// call once the dispatcher has erased the connection from its tables,
// per spec.md §4.3's faulty-connection policy ("erases it at the start of
// the next iteration, releasing all associated resources").
func (c *Conn) Close() error {
	close(c.out)
	return c.NetRaw.Close()
}

// ReadMagicAndClassify reads the 4-byte magic number immediately following
// accept and returns the connection kind, per spec.md §6. An unknown magic
// is a protocol error; the caller must close the connection.
func ReadMagicAndClassify(nc net.Conn) (Kind, error) {
	var b [4]byte
	if _, err := io.ReadFull(nc, b[:]); err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint32(b[:])
	switch magic {
	case MagicClient:
		return KindClient, nil
	case MagicWorker:
		return KindWorker, nil
	case MagicControl:
		return KindControl, nil
	case MagicDelivery:
		return KindDelivery, nil
	default:
		return 0, fmt.Errorf("wire: unknown magic 0x%x", magic)
	}
}
