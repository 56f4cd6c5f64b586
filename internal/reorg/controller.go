// Package reorg implements the reorganisation controller (spec.md §4.5):
// a periodic pass over the index's directories that corrects capacity
// overruns, balances hot entries across nodes, and nudges a fingerprint's
// entries toward a single node to raise the puzzle local-hit rate.
//
// Grounded on internal/coordinator/health_monitor.go's Start(ctx, provider)
// shape: a ticker-driven background goroutine reading live state through
// injected accessors rather than owning it, with a sync.WaitGroup for
// graceful Stop.
package reorg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/index"
	"github.com/dreamware/geocache/internal/metrics"
	"github.com/dreamware/geocache/internal/wire"
)

// Controller runs the reorganisation pass on a fixed interval.
type Controller struct {
	log     *zap.Logger
	metrics *metrics.Registry
	srv     *index.Server

	interval         time.Duration
	colocationWeight float64
	staleMoveAge     time.Duration
	hotHalfLife      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller. colocationWeight is spec.md §6's
// reorg.colocation_weight, in [0, 1]: colocate moves a stray entry only for
// a fingerprint whose colocationScore is at least this value and below 1,
// so 0 runs balance only and at 1 no fingerprint qualifies. It is not
// weighed against balance's target pick; the two steps move independently.
func New(log *zap.Logger, reg *metrics.Registry, srv *index.Server, interval time.Duration, colocationWeight float64) *Controller {
	return &Controller{
		log:              log,
		metrics:          reg,
		srv:              srv,
		interval:         interval,
		colocationWeight: colocationWeight,
		staleMoveAge:     2 * interval,
		hotHalfLife:      10 * time.Minute,
	}
}

// Start runs the reorg loop until ctx is cancelled. Blocks; call in its
// own goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("reorg controller started", zap.Duration("interval", c.interval))

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-ctx.Done():
			c.log.Info("reorg controller stopping")
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// tick runs one full pass: expire stuck moves, then correct capacity,
// balance, and co-locate for every result type's directory, in that order
// per spec.md §4.5.
func (c *Controller) tick() {
	if n := c.srv.ExpireStaleMoves(c.staleMoveAge); n > 0 {
		c.log.Warn("reorg: rolled back stale moves", zap.Int("count", n))
	}

	now := time.Now()
	for rt, dir := range c.srv.Directories() {
		c.metrics.DirectorySize.WithLabelValues(rt.String()).Set(float64(len(dir.AllEntries())))
		c.correctCapacity(rt, dir, now)
		c.balance(rt, dir, now)
		c.colocate(rt, dir, now)
	}
}

// correctCapacity proposes LRU removes for any node over its configured
// cap for this result type, per spec.md §4.5 step 1.
func (c *Controller) correctCapacity(rt compute.ResultType, dir *index.Directory, now time.Time) {
	entries := dir.AllEntries()
	byNode := map[string][]index.DirectoryEntry{}
	for _, e := range entries {
		byNode[e.NodeID] = append(byNode[e.NodeID], e)
	}
	for _, n := range c.srv.Nodes().All() {
		used, capacity, ok := n.TypeUsage(rt)
		if !ok || capacity <= 0 || used <= capacity {
			continue
		}
		owned := byNode[n.ID]
		rankByHotnessAsc(owned, now, c.hotHalfLife)
		over := used - capacity
		for _, e := range owned {
			if over <= 0 {
				break
			}
			c.srv.SendReorg(dir, wire.ReorgDescription{
				IsMove:      false,
				FromNode:    n.ID,
				Fingerprint: e.Fingerprint,
				EntryID:     uint64(e.EntryID),
				DirectoryID: e.DirectoryID,
				ResultType:  rt,
			})
			over -= e.SizeBytes
		}
	}
}

// balance moves hot entries from the most loaded node to the least loaded
// node, per spec.md §4.5 step 2. One candidate move per (overloaded,
// underloaded) pair per tick; the next tick will continue if the
// imbalance persists.
func (c *Controller) balance(rt compute.ResultType, dir *index.Directory, now time.Time) {
	type load struct {
		node  *index.NodeInfo
		ratio float64
	}
	var loads []load
	for _, n := range c.srv.Nodes().All() {
		used, capacity, ok := n.TypeUsage(rt)
		if !ok || capacity <= 0 {
			continue
		}
		loads = append(loads, load{n, float64(used) / float64(capacity)})
	}
	if len(loads) < 2 {
		return
	}
	hi, lo := loads[0], loads[0]
	for _, l := range loads[1:] {
		if l.ratio > hi.ratio {
			hi = l
		}
		if l.ratio < lo.ratio {
			lo = l
		}
	}
	const imbalanceThreshold = 0.15
	if hi.ratio-lo.ratio < imbalanceThreshold {
		return
	}
	entries := dir.AllEntries()
	var candidates []index.DirectoryEntry
	for _, e := range entries {
		if e.NodeID == hi.node.ID && !e.PendingMove {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return
	}
	rankByHotnessAsc(candidates, now, c.hotHalfLife)
	hottest := candidates[len(candidates)-1]
	c.srv.SendReorg(dir, wire.ReorgDescription{
		IsMove:      true,
		FromNode:    hi.node.ID,
		ToNode:      lo.node.ID,
		Fingerprint: hottest.Fingerprint,
		EntryID:     uint64(hottest.EntryID),
		DirectoryID: hottest.DirectoryID,
		ResultType:  rt,
	})
}

// colocate nudges each fingerprint's entries toward a single node to
// raise the puzzle local-hit rate, per spec.md §4.5 step 3. Only acts on a
// fingerprint that is already mostly (colocationScore at least
// colocationWeight) but not fully concentrated on one node.
func (c *Controller) colocate(rt compute.ResultType, dir *index.Directory, now time.Time) {
	if c.colocationWeight <= 0 {
		return
	}
	entries := dir.AllEntries()
	byFingerprint := map[string][]index.DirectoryEntry{}
	for _, e := range entries {
		byFingerprint[e.Fingerprint] = append(byFingerprint[e.Fingerprint], e)
	}
	for fp, es := range byFingerprint {
		if len(es) < 2 {
			continue
		}
		target, score := colocationScore(es)
		if target == "" || score >= 1.0 || score < c.colocationWeight {
			continue
		}
		var stray index.DirectoryEntry
		found := false
		for _, e := range es {
			if e.NodeID != target && !e.PendingMove {
				stray = e
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if n, ok := c.srv.Nodes().Get(target); ok {
			if used, capacity, ok := n.TypeUsage(rt); ok && capacity > 0 && used+stray.SizeBytes > capacity {
				continue
			}
		}
		c.srv.SendReorg(dir, wire.ReorgDescription{
			IsMove:      true,
			FromNode:    stray.NodeID,
			ToNode:      target,
			Fingerprint: fp,
			EntryID:     uint64(stray.EntryID),
			DirectoryID: stray.DirectoryID,
			ResultType:  rt,
		})
	}
}
