package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/loader"
	"github.com/ajitpratap0/nebula-target/pkg/metrics"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// Parallelism modes.
const (
	ParallelismPerStream = 0
	ParallelismPerCPU    = -1
)

// PoolSize returns the worker count for a parallelism setting. Per-stream
// mode sizes the pool at maxParallelism; the per-stream gate already bounds concurrency
// by the number of streams.
func PoolSize(parallelism, maxParallelism int) (int, error) {
	if maxParallelism < 1 {
		return 0, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "max_parallelism must be at least 1").
			WithDetail("max_parallelism", maxParallelism)
	}
	switch {
	case parallelism == ParallelismPerStream:
		return maxParallelism, nil
	case parallelism == ParallelismPerCPU:
		n, err := cpu.Counts(true)
		if err != nil || n < 1 {
			n = runtime.NumCPU()
		}
		return minInt(n, maxParallelism), nil
	case parallelism > 0:
		return minInt(parallelism, maxParallelism), nil
	default:
		return 0, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "parallelism must be -1, 0 or positive").
			WithDetail("parallelism", parallelism)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Executor commits one job.
type Executor interface {
	Commit(ctx context.Context, job *loader.Job) (loader.Result, error)
}

type task struct {
	seq  uint64
	job  *loader.Job
	gate chan struct{}
}

// Scheduler runs flush jobs on a bounded worker pool. At most one job per
// stream is in flight; enqueuing a second one blocks until the first is
// done. The first failed job stops the scheduler: queued jobs are skipped and
// Enqueue refuses new work.
type Scheduler struct {
	exec    Executor
	log     *zap.Logger
	workers int
	onDone  func(seq uint64)

	jobs   chan *task
	gates  map[string]chan struct{}
	seq    uint64
	closed bool

	failed   chan struct{}
	failOnce sync.Once
	err      error

	wg sync.WaitGroup
}

// NewScheduler starts workers goroutines. onDone is called from a worker
// with the sequence number of every successfully committed job.
func NewScheduler(ctx context.Context, exec Executor, workers int, onDone func(seq uint64), log *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		exec:    exec,
		log:     log.With(zap.String("component", "flush_scheduler")),
		workers: workers,
		onDone:  onDone,
		jobs:    make(chan *task, workers),
		gates:   make(map[string]chan struct{}),
		failed:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.log.Debug("flush scheduler started", zap.Int("workers", workers))
	return s
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Enqueue submits job and returns its sequence number. Sequence numbers
// start at 1 and follow enqueue order. Enqueue must be called from a single
// goroutine.
func (s *Scheduler) Enqueue(ctx context.Context, job *loader.Job) (uint64, error) {
	if s.closed {
		return 0, nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "scheduler is closed")
	}
	if err := s.Err(); err != nil {
		return 0, err
	}

	gate, ok := s.gates[job.Stream]
	if !ok {
		gate = make(chan struct{}, 1)
		s.gates[job.Stream] = gate
	}

	select {
	case gate <- struct{}{}:
	case <-s.failed:
		return 0, s.Err()
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.seq++
	t := &task{seq: s.seq, job: job, gate: gate}
	metrics.InflightJobs.Inc()
	select {
	case s.jobs <- t:
	case <-s.failed:
		<-gate
		metrics.InflightJobs.Dec()
		return 0, s.Err()
	case <-ctx.Done():
		<-gate
		metrics.InflightJobs.Dec()
		return 0, ctx.Err()
	}

	s.log.Debug("flush job enqueued",
		zap.String("stream", job.Stream),
		zap.String("job_id", job.ID),
		zap.Uint64("seq", t.seq),
		zap.Int("rows", len(job.Rows)))
	return t.seq, nil
}

// Close stops accepting jobs, waits for queued ones and returns the first
// failure.
func (s *Scheduler) Close() error {
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.wg.Wait()
	return s.Err()
}

// Err returns the failure that stopped the scheduler, or nil.
func (s *Scheduler) Err() error {
	select {
	case <-s.failed:
		return s.err
	default:
		return nil
	}
}

// Failed is closed when a job fails.
func (s *Scheduler) Failed() <-chan struct{} {
	return s.failed
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for t := range s.jobs {
		s.run(ctx, id, t)
	}
}

func (s *Scheduler) run(ctx context.Context, id int, t *task) {
	defer func() {
		<-t.gate
		metrics.InflightJobs.Dec()
	}()

	log := s.log.With(zap.Int("worker", id), zap.String("stream", t.job.Stream), zap.String("job_id", t.job.ID))
	if s.Err() != nil {
		log.Debug("skipping job after failure", zap.Uint64("seq", t.seq))
		return
	}

	start := time.Now()
	res, err := s.exec.Commit(ctx, t.job)
	if err != nil {
		s.fail(err)
		log.Error("flush job failed, stopping",
			zap.Uint64("seq", t.seq),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	log.Debug("flush job done",
		zap.Uint64("seq", t.seq),
		zap.String("mode", res.Mode),
		zap.Duration("duration", res.Duration))
	if s.onDone != nil {
		s.onDone(t.seq)
	}
}

func (s *Scheduler) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}
