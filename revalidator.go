package httpcache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/chanx"
)

// backgroundRevalidationTimeout bounds how long a single background
// stale-while-revalidate refetch may run before it is abandoned.
const backgroundRevalidationTimeout = 30 * time.Second

// revalidationJob is one queued unit of work: the fingerprint it refreshes
// (for dedup bookkeeping) and the closure that performs the refetch-and-store
// sequence, supplied by the executor so this type stays ignorant of cache
// policy.
type revalidationJob struct {
	key string
	run func(ctx context.Context)
}

// AsyncRevalidator runs stale-while-revalidate refetches on a bounded pool
// of background workers. It feeds the pool from a chanx.UnboundedChan: an
// unbounded intake queue so a slow-draining worker pool never blocks the
// request path, with a fixed-size worker pool doing the actual draining.
type AsyncRevalidator struct {
	queue   *chanx.UnboundedChan[revalidationJob]
	log     *logrus.Logger
	workers int

	mu       sync.Mutex
	inFlight map[string]bool

	wg sync.WaitGroup
}

// NewAsyncRevalidator builds an AsyncRevalidator with the given worker pool
// size. Call Start to launch its workers and Stop to drain and shut it down.
func NewAsyncRevalidator(workers int, log *logrus.Logger) *AsyncRevalidator {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AsyncRevalidator{
		queue:    chanx.NewUnboundedChan[revalidationJob](context.Background(), 64),
		log:      log,
		workers:  workers,
		inFlight: make(map[string]bool),
	}
}

// Start launches the worker pool. It is not safe to call more than once.
func (a *AsyncRevalidator) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
}

// Stop closes the intake queue and waits for in-flight jobs to drain.
func (a *AsyncRevalidator) Stop() {
	close(a.queue.In)
	a.wg.Wait()
}

// Schedule enqueues run under key, deduping so a burst of concurrent stale
// hits against the same fingerprint triggers at most one outstanding
// refetch. run is invoked on a worker goroutine with a bounded context; the
// executor supplies it already closed over the request, stale entry and
// Proceed it needs.
func (a *AsyncRevalidator) Schedule(key string, run func(ctx context.Context)) {
	a.mu.Lock()
	if a.inFlight[key] {
		a.mu.Unlock()
		return
	}
	a.inFlight[key] = true
	a.mu.Unlock()

	select {
	case a.queue.In <- revalidationJob{key: key, run: run}:
	default:
		a.log.WithField("fingerprint", key).Warn("revalidation queue full, dropping background refresh")
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
	}
}

func (a *AsyncRevalidator) worker() {
	defer a.wg.Done()
	for job, ok := <-a.queue.Out; ok; job, ok = <-a.queue.Out {
		a.runJob(job)
	}
}

// runJob executes one job's closure under a bounded timeout. Panics and
// errors inside run are the executor's responsibility to handle/log; this
// pool only guarantees the in-flight bookkeeping is cleared afterward so a
// later request can schedule another attempt.
func (a *AsyncRevalidator) runJob(job revalidationJob) {
	defer func() {
		a.mu.Lock()
		delete(a.inFlight, job.key)
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), backgroundRevalidationTimeout)
	defer cancel()

	job.run(ctx)
}
