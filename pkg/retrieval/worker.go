package retrieval

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kittclouds/lorekit/pkg/logger"
)

// DefaultOffloadTimeout bounds how long a caller waits for a worker before
// falling back to inline ranking.
const DefaultOffloadTimeout = 2 * time.Second

type rankJob struct {
	id         uint64
	query      []float32
	candidates []Candidate
	topK       int
	result     chan rankDone
}

type rankDone struct {
	id      uint64
	results []Result
}

// Offloader dispatches ranking to a worker pool so large candidate sets
// stay off the caller's thread. Ranking is pure, so the worker path and
// the inline fallback produce identical output.
type Offloader struct {
	workers int
	timeout time.Duration

	once   sync.Once
	jobs   chan rankJob
	nextID atomic.Uint64
}

// NewOffloader creates an Offloader with the given worker count and wait
// timeout; zero values default to GOMAXPROCS workers and
// DefaultOffloadTimeout.
func NewOffloader(workers int, timeout time.Duration) *Offloader {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if timeout <= 0 {
		timeout = DefaultOffloadTimeout
	}
	return &Offloader{workers: workers, timeout: timeout}
}

func (o *Offloader) start() {
	o.jobs = make(chan rankJob)
	for i := 0; i < o.workers; i++ {
		go func() {
			for job := range o.jobs {
				job.result <- rankDone{id: job.id, results: Rank(job.query, job.candidates, job.topK)}
			}
		}()
	}
}

// Rank dispatches to the pool and waits for the correlated result. If no
// worker picks the job up or finishes within the timeout, it falls back to
// ranking inline; the answer is the same either way.
func (o *Offloader) Rank(query []float32, candidates []Candidate, topK int) []Result {
	o.once.Do(o.start)

	job := rankJob{
		id:         o.nextID.Add(1),
		query:      query,
		candidates: candidates,
		topK:       topK,
		result:     make(chan rankDone, 1),
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case o.jobs <- job:
	case <-timer.C:
		logger.Debug("rank offload: no free worker for request %d, running inline", job.id)
		return Rank(query, candidates, topK)
	}

	select {
	case done := <-job.result:
		if done.id != job.id {
			// Correlated channel per job makes this unreachable; rank
			// inline rather than trust a misrouted result.
			logger.Warn("rank offload: result id mismatch (%d != %d)", done.id, job.id)
			return Rank(query, candidates, topK)
		}
		return done.results
	case <-timer.C:
		logger.Debug("rank offload: request %d timed out, running inline", job.id)
		return Rank(query, candidates, topK)
	}
}
