// Command node runs one geocache cache node (spec.md §4.2, §4.3, §4.6): a
// control connection registering with the index, a pool of worker
// connections executing create/deliver/puzzle/query-cache jobs, and a
// delivery listener streaming staged results to clients and peer nodes.
//
// Each result type (raster, points, lines, polygons, plot) gets its own
// resultcache.NodeCache with its own capacity, per spec.md §6's
// cache.<type>.size options. The actual operator-graph execution is
// delegated to compute.Executor; by default this binary wires in
// compute.StubExecutor, an in-memory stand-in grounded on the teacher's
// in-memory storage.Store (the real processing engine is an external
// collaborator per spec.md §1 and is wired in by whoever embeds this
// module against it).
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/config"
	"github.com/dreamware/geocache/internal/delivery"
	"github.com/dreamware/geocache/internal/metrics"
	"github.com/dreamware/geocache/internal/nodeserver"
	"github.com/dreamware/geocache/internal/resultcache"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (optional, GEOCACHE_* env vars always apply)")
	indexAddr := flag.String("index-addr", "127.0.0.1:9401", "host:port the index listens on")
	host := flag.String("host", "127.0.0.1", "this node's externally reachable host")
	deliveryListen := flag.String("delivery-listen", ":9403", "address this node's delivery server listens on")
	metricsAddr := flag.String("metrics-addr", ":9404", "address to serve /metrics on")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	reg := metrics.New()

	deliveryLis, err := net.Listen("tcp", *deliveryListen)
	if err != nil {
		log.Fatal("delivery listen", zap.String("addr", *deliveryListen), zap.Error(err))
	}
	_, portStr, err := net.SplitHostPort(deliveryLis.Addr().String())
	if err != nil {
		log.Fatal("parse delivery listener address", zap.Error(err))
	}
	deliveryPort, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		log.Fatal("parse delivery port", zap.Error(err))
	}

	registry := delivery.NewRegistry(log.Named("delivery"), reg, time.Duration(cfg.Delivery.TTLSeconds)*time.Second)
	go registry.Start(context.Background(), time.Second)

	executor := compute.Executor(compute.StubExecutor{})
	caches := buildCaches(log, reg, cfg, executor)

	deliverySrv := delivery.NewServer(log.Named("delivery"), registry, caches)
	go deliverySrv.Accept(deliveryLis)
	log.Info("node delivery listening", zap.String("addr", deliveryLis.Addr().String()))

	n := nodeserver.New(log.Named("nodeserver"), nodeserver.Config{
		IndexAddr:    *indexAddr,
		Host:         *host,
		DeliveryPort: uint32(deliveryPort),
		Threads:      cfg.NodeServer.Threads,
	}, caches, executor, registry)

	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("node metrics listening", zap.String("addr", *metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("node shutting down")
	case err := <-runErr:
		log.Error("node run loop exited", zap.Error(err))
	}

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		log.Warn("node drain did not finish before deadline", zap.Error(err))
	}
	cancel()
	registry.Stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = deliveryLis.Close()
}

// buildCaches constructs one resultcache.NodeCache per result type with the
// capacity and strategy from cfg (spec.md §6 cache.* options). Entry
// announcement (RESP_NEW_CACHE_ENTRY) is handled by nodeserver.Node calling
// announceNewEntry directly after PutLocal succeeds, since it needs the
// specific worker connection a job ran on; NodeCache itself only reports
// evictions and insert refusals through reg.
func buildCaches(log *zap.Logger, reg *metrics.Registry, cfg config.Config, executor compute.Executor) map[compute.ResultType]*resultcache.NodeCache {
	strategy := resultcache.Strategy(resultcache.AlwaysCache{})
	if cfg.Cache.Strategy == config.StrategyCostly {
		strategy = resultcache.CostlyOnly{Threshold: cfg.Cache.CostlyThreshold}
	}

	capacities := map[compute.ResultType]int64{
		compute.ResultRaster:   cfg.Cache.RasterBytes,
		compute.ResultPoints:   cfg.Cache.PointsBytes,
		compute.ResultLines:    cfg.Cache.LinesBytes,
		compute.ResultPolygons: cfg.Cache.PolygonsBytes,
		compute.ResultPlot:     cfg.Cache.PlotsBytes,
	}

	caches := make(map[compute.ResultType]*resultcache.NodeCache, len(compute.AllResultTypes))
	for _, t := range compute.AllResultTypes {
		caches[t] = resultcache.New(resultcache.Config{
			Type:     t,
			Capacity: capacities[t],
			Strategy: strategy,
			Executor: executor,
			Metrics:  reg,
			Log:      log.Named("resultcache").With(zap.String("result_type", t.String())),
			Disabled: !cfg.Cache.Enabled,
		})
	}
	return caches
}
