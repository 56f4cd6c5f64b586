package delivery

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/wire"
)

// Client dials a peer node's delivery port to pull bytes: a cached item
// by key (for puzzle assembly, spec.md §4.2), a staged delivery by ticket
// (for a client pulling its result), or a move source's payload (reorg,
// spec.md §4.5). No teacher/pack repo dials a raw framed TCP connection
// as a client (torua's equivalent traffic is plain HTTP); this is built
// directly against internal/wire's own frame codec, which is the only
// definition of the wire format to ground it on.
type Client struct {
	dialTimeout time.Duration
}

// NewClient builds a delivery Client with the given dial timeout.
func NewClient(dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Client{dialTimeout: dialTimeout}
}

func (c *Client) dial(addr string) (net.Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], wire.MagicDelivery)
	if _, err := nc.Write(magic[:]); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

// FetchTicket pulls a staged delivery's payload given its ticket, per
// CMD_GET/RESP_OK (spec.md §4.6).
func (c *Client) FetchTicket(addr string, deliveryID uint64) ([]byte, error) {
	nc, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	enc := wire.NewEncoder()
	enc.U64(deliveryID)
	if err := wire.WriteFrame(nc, wire.DeliveryCmdGet, enc.Bytes()); err != nil {
		return nil, err
	}
	return readOKPayload(nc)
}

// FetchCachedItem pulls a cached entry by key without consuming a
// ticket, per CMD_GET_CACHED_ITEM/RESP_OK; used by a worker assembling a
// puzzle from refs on other nodes (spec.md §4.2).
func (c *Client) FetchCachedItem(addr string, t compute.ResultType, fingerprint string, entryID geocube.EntryID) ([]byte, error) {
	nc, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	enc := wire.NewEncoder()
	wire.EncodeTypedNodeCacheKey(enc, wire.TypedNodeCacheKey{
		ResultType: t, Fingerprint: fingerprint, EntryID: uint64(entryID),
	})
	if err := wire.WriteFrame(nc, wire.CmdGetCachedItem, enc.Bytes()); err != nil {
		return nil, err
	}
	return readOKPayload(nc)
}

// MoveItemResult is what the source node returns for a CMD_MOVE_ITEM
// request: the payload bytes plus the bounds it was stored under.
type MoveItemResult struct {
	Payload []byte
	Bounds  geocube.CacheCube
}

// PullMoveItem opens the reorg move's delivery connection to the source
// node, requests the entry, and keeps the connection open so the caller
// can later send MOVE_DONE (spec.md §4.5: "a move's CMD_MOVE_DONE is
// ordered after the index's RESP_REORG_ITEM_OK; the source node MUST NOT
// drop the entry before observing MOVE_DONE"). The caller owns nc and
// MUST eventually call either SendMoveDone (success) or nc.Close()
// (abort, which rolls the source back per the same invariant).
func (c *Client) PullMoveItem(addr string, t compute.ResultType, fingerprint string, entryID geocube.EntryID) (net.Conn, MoveItemResult, error) {
	nc, err := c.dial(addr)
	if err != nil {
		return nil, MoveItemResult{}, err
	}

	enc := wire.NewEncoder()
	wire.EncodeTypedNodeCacheKey(enc, wire.TypedNodeCacheKey{
		ResultType: t, Fingerprint: fingerprint, EntryID: uint64(entryID),
	})
	if err := wire.WriteFrame(nc, wire.CmdMoveItem, enc.Bytes()); err != nil {
		nc.Close()
		return nil, MoveItemResult{}, err
	}

	r := bufio.NewReader(nc)
	cmd, payload, err := wire.ReadFrame(r)
	if err != nil {
		nc.Close()
		return nil, MoveItemResult{}, err
	}
	if cmd != wire.DeliveryRespOK {
		nc.Close()
		return nil, MoveItemResult{}, fmt.Errorf("delivery: CMD_MOVE_ITEM failed: %s", string(payload))
	}

	d := wire.NewDecoder(payload)
	bounds, err := wire.DecodeCacheCube(d)
	if err != nil {
		nc.Close()
		return nil, MoveItemResult{}, err
	}
	body, err := d.Bytes(0)
	if err != nil {
		nc.Close()
		return nil, MoveItemResult{}, err
	}
	return nc, MoveItemResult{Payload: body, Bounds: bounds}, nil
}

// SendMoveDone sends CMD_MOVE_DONE on a connection returned by
// PullMoveItem and closes it, releasing the source's entry.
func SendMoveDone(nc net.Conn) error {
	defer nc.Close()
	return wire.WriteFrame(nc, wire.CmdMoveDone, nil)
}

func readOKPayload(nc net.Conn) ([]byte, error) {
	r := bufio.NewReader(nc)
	cmd, payload, err := wire.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if cmd != wire.DeliveryRespOK {
		return nil, fmt.Errorf("delivery: request failed: %s", string(payload))
	}
	return payload, nil
}
