// Package metrics defines geocache's prometheus instrumentation, grounded
// on Voskan-arena-cache's pkg/metrics.go: a small struct of pre-registered
// counters/gauges built around a private registry, rather than the global
// default registry, so multiple node/index instances in one test process
// don't collide on registration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter and gauge geocache exports, covering the
// index (directory/query-manager/reorg) and node (cache/delivery) sides.
type Registry struct {
	reg *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CachePartials  *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
	InsertsRefused *prometheus.CounterVec

	JobsCreated   *prometheus.CounterVec
	JobsPuzzled   *prometheus.CounterVec
	JobsDedupedAs prometheus.Counter

	ReorgMoves     prometheus.Counter
	ReorgRemoves   prometheus.Counter
	ReorgFailures  prometheus.Counter
	DirectorySize  *prometheus.GaugeVec
	InFlightJobs   prometheus.Gauge

	DeliveriesOpen    prometheus.Gauge
	DeliveriesExpired prometheus.Counter
}

// New constructs a Registry with all metrics registered against a fresh
// prometheus.Registry (not prometheus.DefaultRegisterer), so callers can
// run several instances (e.g. in tests) without global state collisions.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_cache_hits_total", Help: "Exact cache hits by result type.",
		}, []string{"result_type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_cache_misses_total", Help: "Cache misses by result type.",
		}, []string{"result_type"}),
		CachePartials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_cache_partial_hits_total", Help: "Partial (puzzle) hits by result type.",
		}, []string{"result_type"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_evictions_total", Help: "Entries evicted by result type.",
		}, []string{"result_type"}),
		InsertsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_insert_refused_total", Help: "Inserts refused due to exhausted capacity.",
		}, []string{"result_type"}),
		JobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_jobs_created_total", Help: "Create jobs dispatched by result type.",
		}, []string{"result_type"}),
		JobsPuzzled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocache_jobs_puzzled_total", Help: "Puzzle jobs dispatched by result type.",
		}, []string{"result_type"}),
		JobsDedupedAs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocache_jobs_deduped_total", Help: "Client requests attached as dependents of an in-flight job.",
		}),
		ReorgMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocache_reorg_moves_total", Help: "Successful reorg moves.",
		}),
		ReorgRemoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocache_reorg_removes_total", Help: "Reorg-triggered removes.",
		}),
		ReorgFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocache_reorg_failures_total", Help: "Reorg moves rolled back before MOVE_DONE.",
		}),
		DirectorySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geocache_directory_entries", Help: "Entries currently tracked by the index directory.",
		}, []string{"result_type"}),
		InFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocache_inflight_jobs", Help: "Jobs currently awaiting completion in the query manager.",
		}),
		DeliveriesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocache_deliveries_open", Help: "Deliveries currently registered on a node.",
		}),
		DeliveriesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocache_deliveries_expired_total", Help: "Deliveries reaped by TTL before being fully pulled.",
		}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CachePartials, m.Evictions, m.InsertsRefused,
		m.JobsCreated, m.JobsPuzzled, m.JobsDedupedAs,
		m.ReorgMoves, m.ReorgRemoves, m.ReorgFailures,
		m.DirectorySize, m.InFlightJobs,
		m.DeliveriesOpen, m.DeliveriesExpired,
	)
	return m
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
