package wire

// ClientState models the client connection state machine (spec.md §4.3):
// one in-flight request per connection.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientAwaitResponse
	ClientWritingResponse
)

// WorkerState models the worker connection state machine (spec.md §4.3).
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerSendingRequest
	WorkerProcessing
	WorkerNewEntry
	WorkerQueryRequested
	WorkerDone
	WorkerSendingDeliveryQty
	WorkerWaitingDelivery
	WorkerDeliveryReady
)

// ControlState models the control connection state machine (spec.md
// §4.3): a handshake followed by a long-lived command/response loop.
type ControlState int

const (
	ControlAwaitHello ControlState = iota
	ControlReady
)

// DeliveryState models the delivery connection state machine (spec.md
// §4.3).
type DeliveryState int

const (
	DeliveryIdle DeliveryState = iota
	DeliveryRequestRead
	CacheRequestRead
	MoveRequestRead
	DeliverySendingResult
	DeliveryAwaitingMoveDone
)
