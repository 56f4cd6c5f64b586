package nodeserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/geocache/internal/delivery"
	"github.com/dreamware/geocache/internal/metrics"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	reg := delivery.NewRegistry(nil, metrics.New(), time.Minute)
	return New(nil, Config{IndexAddr: "127.0.0.1:0", Host: "127.0.0.1"}, nil, nil, reg)
}

func TestShutdownReturnsImmediatelyWithNoInFlightWork(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, n.Shutdown(ctx))
	assert.True(t, n.isDraining())
}

func TestShutdownWaitsForInFlightJobsToFinish(t *testing.T) {
	n := newTestNode(t)
	n.trackJobStart()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- n.Shutdown(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Shutdown must not return while a job is still in flight")
	default:
	}

	n.trackJobDone()
	assert.NoError(t, <-done)
}

func TestShutdownRespectsContextDeadlineWhenJobsNeverFinish(t *testing.T) {
	n := newTestNode(t)
	n.trackJobStart()
	defer n.trackJobDone()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Shutdown(ctx), context.DeadlineExceeded)
}
