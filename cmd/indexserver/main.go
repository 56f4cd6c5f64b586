// Command indexserver runs geocache's index: the global directory of
// cached entries across nodes, the query manager that de-duplicates
// concurrent client requests, and the reorganisation controller that
// rebalances entries between nodes (spec.md §4.4, §4.5).
//
// The index listens once and classifies every accepted connection by its
// magic number (spec.md §6). Client, worker and control connections are
// driven by a single dispatcher goroutine (internal/index.Server.Run), with
// the reorg controller running on its own ticker alongside it; a connection
// with the delivery magic is accepted, but its frames are only logged as
// unexpected. Configuration is a YAML file plus GEOCACHE_*
// env var overrides (internal/config), mirroring the teacher's getenv
// helper generalized to a struct (cmd/coordinator/main.go).
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

	"github.com/dreamware/geocache/internal/config"
	"github.com/dreamware/geocache/internal/index"
	"github.com/dreamware/geocache/internal/metrics"
	"github.com/dreamware/geocache/internal/reorg"
	"github.com/dreamware/geocache/internal/wire"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (optional, GEOCACHE_* env vars always apply)")
	metricsAddr := flag.String("metrics-addr", ":9402", "address to serve /metrics on")
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
	ws := wire.NewServer(log.Named("wire"))
	srv := index.NewServer(log.Named("index"), reg, ws)

	addr := net.JoinHostPort(cfg.IndexServer.Host, strconv.Itoa(cfg.IndexServer.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}
	log.Info("indexserver listening", zap.String("addr", addr))

	go ws.Accept(l)
	go srv.Run()

	ctrl := reorg.New(log.Named("reorg"), reg, srv,
		time.Duration(cfg.Reorg.IntervalSeconds)*time.Second, cfg.Reorg.ColocationWeight)
	go ctrl.Start(context.Background())

	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("indexserver metrics listening", zap.String("addr", *metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("indexserver shutting down")
	ctrl.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = l.Close()
}

