package index

import (
	"sync"

	"github.com/dreamware/geocache/internal/geocube"
	"github.com/dreamware/geocache/internal/wire"
)

// JobKind distinguishes the two job kinds the query manager de-duplicates,
// per spec.md §4.4.2 ("this applies to create and puzzle jobs; delivery
// jobs are not deduplicated").
type JobKind int

const (
	JobCreate JobKind = iota
	JobPuzzle
)

// Dependent is one client awaiting the outcome of a pending job.
type Dependent struct {
	ClientConnID uint64
	Done         chan JobResult
}

// JobResult is delivered to every dependent once a job completes. Ticket
// is the delivery ticket the dependent pulls its payload with; it is the
// zero value when Err is set.
type JobResult struct {
	DirectoryID uint64
	NodeID      string
	Ticket      wire.DeliveryResponse
	Err         error
}

// job is one outstanding compute registered with the query manager,
// keyed by (fingerprint, query cube).
type job struct {
	kind       JobKind
	fingerprint string
	cube       geocube.QueryCube
	dependents []*Dependent
}

// QueryManager guarantees at-most-one concurrent compute per
// (fingerprint, query-cube), per spec.md §4.4.2: a second request whose
// cube is contained in an already-pending cube is attached as a dependent
// rather than triggering a second compute.
type QueryManager struct {
	mu   sync.Mutex
	jobs map[string][]*job // keyed by fingerprint; small per-fingerprint slice scanned for a containing cube
}

func NewQueryManager() *QueryManager {
	return &QueryManager{jobs: make(map[string][]*job)}
}

// Attach either registers a brand-new job for (fingerprint, cube) and
// returns (dependent, true) meaning "you are the first, go dispatch the
// compute", or finds an already-pending job whose cube contains cube and
// attaches a new dependent to it, returning (dependent, false) meaning
// "wait, someone else is computing this".
func (qm *QueryManager) Attach(kind JobKind, fingerprint string, cube geocube.QueryCube, clientConnID uint64) (*Dependent, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	dep := &Dependent{ClientConnID: clientConnID, Done: make(chan JobResult, 1)}

	for _, j := range qm.jobs[fingerprint] {
		if j.kind == kind && j.cube.Contains(cube) {
			j.dependents = append(j.dependents, dep)
			return dep, false
		}
	}

	j := &job{kind: kind, fingerprint: fingerprint, cube: cube, dependents: []*Dependent{dep}}
	qm.jobs[fingerprint] = append(qm.jobs[fingerprint], j)
	return dep, true
}

// Complete fans JobResult out to every dependent attached to the job for
// (fingerprint, cube) and removes the job from the registry. Per spec.md
// §5's cancellation rule, a dependent that already disconnected still
// receives (a buffered, best-effort) result; it is the dispatcher's job to
// ignore results for connections it has already erased.
func (qm *QueryManager) Complete(kind JobKind, fingerprint string, cube geocube.QueryCube, result JobResult) {
	qm.mu.Lock()
	jobs := qm.jobs[fingerprint]
	var found *job
	var rest []*job
	for _, j := range jobs {
		if found == nil && j.kind == kind && j.cube == cube {
			found = j
			continue
		}
		rest = append(rest, j)
	}
	if len(rest) > 0 {
		qm.jobs[fingerprint] = rest
	} else {
		delete(qm.jobs, fingerprint)
	}
	qm.mu.Unlock()

	if found == nil {
		return
	}
	for _, dep := range found.dependents {
		dep.Done <- result
	}
}

// Detach removes one dependent (e.g. because its client connection went
// faulty before the job completed). Per spec.md §5's cancellation rule,
// if it was the last dependent the job's compute still proceeds to
// completion and the resulting entry is still cached — Detach never
// cancels the underlying job, it only stops tracking who to notify.
func (qm *QueryManager) Detach(kind JobKind, fingerprint string, cube geocube.QueryCube, clientConnID uint64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	for _, j := range qm.jobs[fingerprint] {
		if j.kind != kind || j.cube != cube {
			continue
		}
		kept := j.dependents[:0]
		for _, dep := range j.dependents {
			if dep.ClientConnID != clientConnID {
				kept = append(kept, dep)
			}
		}
		j.dependents = kept
		return
	}
}

// CountPending returns the number of dependents currently attached to the
// job for (fingerprint, cube), or 0 if no such job is pending. Used to tell
// a worker how many delivery copies to stage once its compute finishes
// (spec.md §4.4.2/§6, RESP_DELIVERY_QTY).
func (qm *QueryManager) CountPending(kind JobKind, fingerprint string, cube geocube.QueryCube) int {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	for _, j := range qm.jobs[fingerprint] {
		if j.kind == kind && j.cube == cube {
			return len(j.dependents)
		}
	}
	return 0
}

// InFlight returns the number of distinct pending jobs, for stats/metrics.
func (qm *QueryManager) InFlight() int {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	n := 0
	for _, js := range qm.jobs {
		n += len(js)
	}
	return n
}
