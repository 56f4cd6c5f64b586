package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersDistinctInstancesWithoutCollision(t *testing.T) {
	a := New()
	b := New()
	a.CacheHits.WithLabelValues("raster").Inc()
	b.CacheHits.WithLabelValues("raster").Inc()
	b.CacheHits.WithLabelValues("raster").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHits.WithLabelValues("raster")))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.CacheHits.WithLabelValues("raster")))
}

func TestGathererExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ReorgMoves.Inc()

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "geocache_reorg_moves_total" {
			found = true
		}
	}
	assert.True(t, found, "gatherer must expose metrics registered in New")
}
