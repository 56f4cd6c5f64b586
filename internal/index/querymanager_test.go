package index

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/geocache/internal/geocube"
)

func mustCube(t *testing.T, x1, x2, y1, y2, t1, t2 float64) geocube.QueryCube {
	t.Helper()
	q, err := geocube.NewQueryCube(3857, x1, x2, y1, y2, t1, t2, geocube.TimeUnreferenced)
	require.NoError(t, err)
	return q
}

func TestQueryManagerFirstAttachIsLeader(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	_, isLeader := qm.Attach(JobCreate, "fp1", cube, 1)
	assert.True(t, isLeader)
}

func TestQueryManagerSecondAttachWithinSameCubeIsDependent(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	qm.Attach(JobCreate, "fp1", cube, 1)
	_, isLeader := qm.Attach(JobCreate, "fp1", cube, 2)
	assert.False(t, isLeader)
	assert.Equal(t, 2, qm.CountPending(JobCreate, "fp1", cube))
}

func TestQueryManagerDifferentKindDoesNotDedup(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	qm.Attach(JobCreate, "fp1", cube, 1)
	_, isLeader := qm.Attach(JobPuzzle, "fp1", cube, 2)
	assert.True(t, isLeader, "different job kinds must not be deduplicated against each other")
}

func TestQueryManagerCompleteFansOutToAllDependents(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	dep1, _ := qm.Attach(JobCreate, "fp1", cube, 1)
	dep2, _ := qm.Attach(JobCreate, "fp1", cube, 2)

	qm.Complete(JobCreate, "fp1", cube, JobResult{NodeID: "node-a"})

	r1 := <-dep1.Done
	r2 := <-dep2.Done
	assert.Equal(t, "node-a", r1.NodeID)
	assert.Equal(t, "node-a", r2.NodeID)
	assert.Zero(t, qm.CountPending(JobCreate, "fp1", cube))
}

func TestQueryManagerCompletePropagatesError(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	dep, _ := qm.Attach(JobCreate, "fp1", cube, 1)

	wantErr := errors.New("compute failed")
	qm.Complete(JobCreate, "fp1", cube, JobResult{Err: wantErr})
	res := <-dep.Done
	assert.ErrorIs(t, res.Err, wantErr)
}

func TestQueryManagerDetachRemovesOnlyThatDependent(t *testing.T) {
	qm := NewQueryManager()
	cube := mustCube(t, 0, 10, 0, 10, 0, 1)
	qm.Attach(JobCreate, "fp1", cube, 1)
	qm.Attach(JobCreate, "fp1", cube, 2)

	qm.Detach(JobCreate, "fp1", cube, 1)
	assert.Equal(t, 1, qm.CountPending(JobCreate, "fp1", cube))
}

func TestQueryManagerInFlightCountsDistinctJobs(t *testing.T) {
	qm := NewQueryManager()
	cubeA := mustCube(t, 0, 10, 0, 10, 0, 1)
	cubeB := mustCube(t, 20, 30, 20, 30, 0, 1)
	qm.Attach(JobCreate, "fp1", cubeA, 1)
	qm.Attach(JobCreate, "fp2", cubeB, 2)
	assert.Equal(t, 2, qm.InFlight())
}
