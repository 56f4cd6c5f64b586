// Package wire implements the connection state machines described in
// spec.md §4.3: length-prefixed, typed binary frames over TCP streams,
// one finite state machine per connection kind (client, worker, control,
// delivery), keyed by a magic number in the first four bytes after accept.
//
// Real select(2)/poll(2) readiness multiplexing has no portable idiomatic
// Go rendering — see DESIGN.md's C3 entry for why this package instead
// funnels every connection's decoded frames through a single dispatcher
// goroutine per server. The shared tables that goroutine uses
// (directories, job registries) still carry their own locks, since other
// goroutines (the reorg controller, per-request waiters) reach them too.
package wire

// Magic numbers identify the four connection kinds, per spec.md §6.
const (
	MagicClient   uint32 = 0x22345678
	MagicWorker   uint32 = 0x32345678
	MagicControl  uint32 = 0x42345678
	MagicDelivery uint32 = 0x52345678
)

// Command codes, stable per spec.md §6.
const (
	CmdGet             byte = 1  // Client C->I
	RespOK             byte = 10 // Client I->C
	RespError          byte = 19 // Client I->C

	WorkerCmdHello    byte = 29 // Worker W->I, first frame: announces the node_id assigned over the control connection
	CmdCreate         byte = 20 // Worker I->W
	CmdDeliver        byte = 21 // Worker I->W
	CmdPuzzle         byte = 22 // Worker I->W
	CmdQueryCache     byte = 23 // Worker I->W
	RespResultReady   byte = 30 // Worker W->I
	RespDeliveryReady byte = 31 // Worker W->I
	RespNewCacheEntry byte = 32 // Worker W->I
	RespQueryHit      byte = 33 // Worker I->W
	RespQueryMiss     byte = 34 // Worker I->W
	RespQueryPartial  byte = 36 // Worker I->W
	RespDeliveryQty   byte = 37 // Worker I->W
	WorkerRespError   byte = 39 // Worker W->I

	CmdReorg           byte = 40 // Control I->N
	CmdGetStats        byte = 41 // Control I->N
	CmdMoveOK          byte = 42 // Control I->N
	CmdRemoveOK        byte = 43 // Control I->N
	CmdHello           byte = 44 // Control I->N, reply to CmdRegisterNode: assigns node_id
	RespReorgItemMoved byte = 51 // Control N->I
	RespReorgDone      byte = 52 // Control N->I
	RespStats          byte = 53 // Control N->I
	CmdRegisterNode    byte = 54 // Control N->I, handshake: host+port, answered by CmdHello

	DeliveryCmdGet   byte = 60 // Delivery ->N
	CmdGetCachedItem byte = 61 // Delivery ->N
	CmdMoveItem      byte = 62 // Delivery ->N
	CmdMoveDone      byte = 63 // Delivery ->N
	DeliveryRespOK   byte = 79 // Delivery N->
	DeliveryRespErr  byte = 80 // Delivery N->
)
