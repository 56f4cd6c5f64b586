package reorg

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/compute"
	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/index"
	"github.com/dreamware/geocache/internal/metrics"
	"github.com/dreamware/geocache/internal/wire"
)

func newTestServer(t *testing.T) *index.Server {
	t.Helper()
	return index.NewServer(zap.NewNop(), metrics.New(), wire.NewServer(zap.NewNop()))
}

func cube(x1, y1, t1, x2, y2, t2 float64) geocube.CacheCube {
	return geocube.CacheCube{
		QueryCube: geocube.QueryCube{X1: x1, Y1: y1, T1: t1, X2: x2, Y2: y2, T2: t2},
	}
}

func TestControllerNewDefaults(t *testing.T) {
	srv := newTestServer(t)
	c := New(zap.NewNop(), metrics.New(), srv, 60*time.Second, 0.5)
	assert.Equal(t, 60*time.Second, c.interval)
	assert.Equal(t, 0.5, c.colocationWeight)
	assert.Equal(t, 120*time.Second, c.staleMoveAge)
}

func TestControllerStartStop(t *testing.T) {
	srv := newTestServer(t)
	c := New(zap.NewNop(), metrics.New(), srv, 20*time.Millisecond, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	c.Stop()
}

// TestCorrectCapacityOverCapDoesNotPanic runs spec.md §4.5 step 1 on a
// node reported over its configured cap. SendReorg silently no-ops without
// a control connection registered, so this only checks that the pass does
// not panic.
func TestCorrectCapacityOverCapDoesNotPanic(t *testing.T) {
	srv := newTestServer(t)
	dir := srv.Directories()[compute.ResultRaster]

	srv.Nodes().Register(&index.NodeInfo{ID: "node-1"})
	node, ok := srv.Nodes().Get("node-1")
	require.True(t, ok)
	node.SetTypeUsage(compute.ResultRaster, 100, 64)

	dirID := dir.Register("node-1", "fp1", geocube.EntryID(1), cube(0, 0, 0, 10, 10, 1), 100)
	require.NotZero(t, dirID)

	c := New(zap.NewNop(), metrics.New(), srv, time.Second, 0.5)
	assert.NotPanics(t, func() { c.correctCapacity(compute.ResultRaster, dir, time.Now()) })
}

func TestBalanceWithOverloadedNodeDoesNotPanic(t *testing.T) {
	srv := newTestServer(t)
	dir := srv.Directories()[compute.ResultRaster]

	srv.Nodes().Register(&index.NodeInfo{ID: "hot"})
	srv.Nodes().Register(&index.NodeInfo{ID: "cold"})
	hot, _ := srv.Nodes().Get("hot")
	cold, _ := srv.Nodes().Get("cold")
	hot.SetTypeUsage(compute.ResultRaster, 90, 100)
	cold.SetTypeUsage(compute.ResultRaster, 10, 100)

	dir.Register("hot", "fp1", geocube.EntryID(1), cube(0, 0, 0, 10, 10, 1), 1000)

	c := New(zap.NewNop(), metrics.New(), srv, time.Second, 0.5)
	assert.NotPanics(t, func() { c.balance(compute.ResultRaster, dir, time.Now()) })
}

// TestTickUpdatesDirectorySizeGauge exercises the periodic sampling tick
// does of every directory's size, per SPEC_FULL.md's ambient gauges for
// directory size.
func TestTickUpdatesDirectorySizeGauge(t *testing.T) {
	srv := newTestServer(t)
	dir := srv.Directories()[compute.ResultRaster]
	dir.Register("node-1", "fp1", geocube.EntryID(1), cube(0, 0, 0, 10, 10, 1), 10)
	dir.Register("node-1", "fp1", geocube.EntryID(2), cube(20, 20, 0, 30, 30, 1), 10)

	reg := metrics.New()
	c := New(zap.NewNop(), reg, srv, time.Second, 0.5)
	c.tick()

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.DirectorySize.WithLabelValues(compute.ResultRaster.String())))
}

func TestColocateSkippedWhenWeightZero(t *testing.T) {
	srv := newTestServer(t)
	dir := srv.Directories()[compute.ResultRaster]
	dir.Register("a", "fp1", geocube.EntryID(1), cube(0, 0, 0, 10, 10, 1), 10)
	dir.Register("b", "fp1", geocube.EntryID(2), cube(20, 20, 0, 30, 30, 1), 90)

	c := New(zap.NewNop(), metrics.New(), srv, time.Second, 0)
	assert.NotPanics(t, func() { c.colocate(compute.ResultRaster, dir, time.Now()) })
}
