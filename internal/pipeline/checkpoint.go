package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/metrics"
)

// Emitter writes checkpoint tokens.
type Emitter interface {
	Emit(token []byte) error
}

type pendingCheckpoint struct {
	token []byte
	// upTo is the last job the checkpoint depends on.
	upTo uint64
	// waiting holds streams whose rows were buffered when the checkpoint
	// arrived and have not been handed to a job yet.
	waiting map[string]bool
}

// checkpointTracker emits checkpoint tokens in arrival order once every job
// enqueued before them, and every job carrying rows buffered before them, is
// committed.
type checkpointTracker struct {
	mu      sync.Mutex
	emitter Emitter
	log     *zap.Logger

	lastSeq   uint64
	watermark uint64
	done      map[uint64]bool
	pending   []*pendingCheckpoint
	emitted   int
	err       error
}

func newCheckpointTracker(emitter Emitter, log *zap.Logger) *checkpointTracker {
	return &checkpointTracker{
		emitter: emitter,
		log:     log.With(zap.String("component", "checkpoints")),
		done:    make(map[uint64]bool),
	}
}

// Add registers a checkpoint that depends on the jobs enqueued so far and on
// the rows currently buffered for the waiting streams.
func (t *checkpointTracker) Add(token []byte, waiting []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &pendingCheckpoint{
		token:   append([]byte(nil), token...),
		upTo:    t.lastSeq,
		waiting: make(map[string]bool, len(waiting)),
	}
	for _, s := range waiting {
		p.waiting[s] = true
	}
	t.pending = append(t.pending, p)
	t.emitReady()
	return t.err
}

// Enqueued records job seq of stream. The job carries every row buffered
// for the stream so far.
func (t *checkpointTracker) Enqueued(stream string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSeq = seq
	for _, p := range t.pending {
		if p.waiting[stream] {
			delete(p.waiting, stream)
			if seq > p.upTo {
				p.upTo = seq
			}
		}
	}
	t.emitReady()
}

// Done records a committed job.
func (t *checkpointTracker) Done(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[seq] = true
	for t.done[t.watermark+1] {
		delete(t.done, t.watermark+1)
		t.watermark++
	}
	t.emitReady()
}

// Err returns the first emission failure.
func (t *checkpointTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending returns the number of checkpoints not yet emitted.
func (t *checkpointTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *checkpointTracker) emitReady() {
	for len(t.pending) > 0 && t.err == nil {
		p := t.pending[0]
		if len(p.waiting) > 0 || t.watermark < p.upTo {
			return
		}
		if err := t.emitter.Emit(p.token); err != nil {
			t.err = err
			t.log.Error("failed to emit checkpoint", zap.Error(err))
			return
		}
		t.pending = t.pending[1:]
		t.emitted++
		metrics.CheckpointsEmitted.Inc()
		t.log.Debug("checkpoint emitted", zap.Uint64("up_to", p.upTo), zap.Int("emitted", t.emitted))
	}
}
