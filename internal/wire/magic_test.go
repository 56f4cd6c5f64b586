package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMagicNumbersAreDistinct(t *testing.T) {
	magics := []uint32{MagicClient, MagicWorker, MagicControl, MagicDelivery}
	seen := map[uint32]struct{}{}
	for _, m := range magics {
		_, dup := seen[m]
		assert.False(t, dup, "magic numbers must be pairwise distinct")
		seen[m] = struct{}{}
	}
}

func TestCommandCodesAreDistinct(t *testing.T) {
	codes := []byte{
		CmdGet, RespOK, RespError,
		WorkerCmdHello, CmdCreate, CmdDeliver, CmdPuzzle, CmdQueryCache,
		RespResultReady, RespDeliveryReady, RespNewCacheEntry, RespQueryHit,
		RespQueryMiss, RespQueryPartial, RespDeliveryQty, WorkerRespError,
		CmdReorg, CmdGetStats, CmdMoveOK, CmdRemoveOK, CmdHello,
		RespReorgItemMoved, RespReorgDone, RespStats, CmdRegisterNode,
		DeliveryCmdGet, CmdGetCachedItem, CmdMoveItem, CmdMoveDone,
		DeliveryRespOK, DeliveryRespErr,
	}
	seen := map[byte]struct{}{}
	for _, c := range codes {
		_, dup := seen[c]
		assert.False(t, dup, "command code %d reused", c)
		seen[c] = struct{}{}
	}
}
