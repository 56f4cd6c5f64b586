package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/geocache/internal/metrics"
)

func TestRegisterAndPullDecrementsRemaining(t *testing.T) {
	r := NewRegistry(zap.NewNop(), metrics.New(), 30*time.Second)
	id := r.Register([]byte("hello"), 2)

	body, ok := r.Pull(id)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), body)

	_, ok = r.Pull(id)
	assert.True(t, ok, "second pull should still succeed, remaining was 2")

	_, ok = r.Pull(id)
	assert.False(t, ok, "third pull should fail: delivery erased at remaining=0")
}

func TestPullUnknownIDFails(t *testing.T) {
	r := NewRegistry(zap.NewNop(), metrics.New(), 30*time.Second)
	_, ok := r.Pull(12345)
	assert.False(t, ok)
}

func TestSweepExpiresStaleDeliveries(t *testing.T) {
	r := NewRegistry(zap.NewNop(), metrics.New(), 10*time.Millisecond)
	id := r.Register([]byte("x"), 1)

	time.Sleep(30 * time.Millisecond)
	r.sweep()

	_, ok := r.Pull(id)
	assert.False(t, ok, "expired delivery should be reaped before being pulled")
}

func TestStartStopLifecycle(t *testing.T) {
	r := NewRegistry(zap.NewNop(), metrics.New(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx, 5*time.Millisecond)

	id := r.Register([]byte("y"), 1)
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	_, ok := r.Pull(id)
	assert.False(t, ok, "registry's own sweep loop should have expired the entry")
}
