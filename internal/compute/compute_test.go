package compute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/geocache/internal/geocube"
)

func TestStubExecutorIsDeterministicForSameGraphAndCube(t *testing.T) {
	graph := geocube.OperatorNode{Type: "ndvi", Params: map[string]any{"red": "B4"}}
	rect, err := geocube.NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced, 100, 100)
	require.NoError(t, err)

	p1, err := StubExecutor{}.Execute(context.Background(), graph, rect)
	require.NoError(t, err)
	p2, err := StubExecutor{}.Execute(context.Background(), graph, rect)
	require.NoError(t, err)

	assert.Equal(t, p1.Bytes, p2.Bytes, "identical (graph, cube) pairs must produce byte-identical payloads")
	assert.Equal(t, p1.ProducedX, p2.ProducedX)
	assert.Equal(t, p1.ProducedY, p2.ProducedY)
}

func TestStubExecutorDiffersOnDifferentGraph(t *testing.T) {
	rect, err := geocube.NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced, 100, 100)
	require.NoError(t, err)

	p1, _ := StubExecutor{}.Execute(context.Background(), geocube.OperatorNode{Type: "ndvi"}, rect)
	p2, _ := StubExecutor{}.Execute(context.Background(), geocube.OperatorNode{Type: "evi"}, rect)
	assert.NotEqual(t, p1.Bytes, p2.Bytes)
}

func TestStubExecutorReportsProducedScaleForRasterOnly(t *testing.T) {
	rasterRect, err := geocube.NewRasterQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced, 100, 100)
	require.NoError(t, err)
	p, err := StubExecutor{}.Execute(context.Background(), geocube.OperatorNode{Type: "ndvi"}, rasterRect)
	require.NoError(t, err)
	assert.Equal(t, 0.1, p.ProducedX)
	assert.Equal(t, 0.1, p.ProducedY)

	nonRaster, err := geocube.NewQueryCube(3857, 0, 10, 0, 10, 0, 1, geocube.TimeUnreferenced)
	require.NoError(t, err)
	p2, err := StubExecutor{}.Execute(context.Background(), geocube.OperatorNode{Type: "points"}, nonRaster)
	require.NoError(t, err)
	assert.Zero(t, p2.ProducedX)
	assert.Zero(t, p2.ProducedY)
}

func TestDefaultSizeEstimatorCountsBytes(t *testing.T) {
	est := DefaultSizeEstimator{}
	assert.Equal(t, int64(5), est.EstimateBytes(Payload{Bytes: []byte("hello")}))
}
