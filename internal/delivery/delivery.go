// Package delivery implements the staged transfer subsystem (spec.md
// §4.6): a per-node registry of short-lived tickets that let a client or
// a peer node pull a large result payload over a dedicated connection,
// plus that connection's own accept loop and command handling.
//
// Grounded on internal/coordinator/health_monitor.go's ticker-sweep shape
// for TTL expiry (New/Start/Stop), generalized from "poll every node's
// health" to "reap every expired ticket".
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/metrics"
)

// Delivery is a staged transfer: a worker registers one after producing a
// result for N clients, and it is handed out bytes until remaining hits
// zero (spec.md §4.6).
type Delivery struct {
	ID        uint64
	Payload   []byte
	Remaining int
	ExpiresAt time.Time
}

// Registry tracks every Delivery live on one node, keyed by the 64-bit id
// handed out in DeliveryResponse tickets.
type Registry struct {
	log     *zap.Logger
	metrics *metrics.Registry
	ttl     time.Duration

	mu    sync.Mutex
	items map[uint64]*Delivery

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds a Registry with the configured ticket TTL (spec.md
// §6 delivery.ttl_seconds, default 30s).
func NewRegistry(log *zap.Logger, reg *metrics.Registry, ttl time.Duration) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log, metrics: reg, ttl: ttl, items: make(map[uint64]*Delivery)}
}

// nextID draws a fresh random 64-bit delivery id. A random id (rather
// than a counter) means no coordination is needed across worker threads
// registering deliveries concurrently.
func nextID() uint64 {
	u := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i])
	}
	return v
}

// Register stages payload for remaining pulls and returns its ticket id.
func (r *Registry) Register(payload []byte, remaining int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := nextID()
	for r.items[id] != nil {
		id = nextID()
	}
	r.items[id] = &Delivery{
		ID:        id,
		Payload:   payload,
		Remaining: remaining,
		ExpiresAt: time.Now().Add(r.ttl),
	}
	if r.metrics != nil {
		r.metrics.DeliveriesOpen.Inc()
	}
	return id
}

// Pull returns the payload for id and decrements its remaining count,
// erasing the delivery once it reaches zero (spec.md §4.6, property P7:
// "a delivery with remaining = 0 is removed within one delivery-loop
// tick"). ok is false for an unknown or expired id.
func (r *Registry) Pull(id uint64) (payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, exists := r.items[id]
	if !exists || time.Now().After(d.ExpiresAt) {
		return nil, false
	}
	d.Remaining--
	payload = d.Payload
	if d.Remaining <= 0 {
		delete(r.items, id)
		if r.metrics != nil {
			r.metrics.DeliveriesOpen.Dec()
		}
	}
	return payload, true
}

// Start runs the TTL sweep loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	r.wg.Add(1)
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, d := range r.items {
		if now.After(d.ExpiresAt) {
			delete(r.items, id)
			if r.metrics != nil {
				r.metrics.DeliveriesOpen.Dec()
				r.metrics.DeliveriesExpired.Inc()
			}
			r.log.Debug("delivery expired", zap.Uint64("delivery_id", id))
		}
	}
}
