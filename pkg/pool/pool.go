// Package pool provides typed object pools. Staged files and serialised JSON
// are built in pooled buffers so steady-state flushing does not allocate a
// new buffer per batch.
//
//	buf := pool.Buffers.Get()
//	defer pool.Buffers.Put(buf)
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// MaxPooledBuffer is the largest buffer capacity kept for reuse. Larger
// buffers are dropped on Put so one huge batch does not pin its memory.
const MaxPooledBuffer = 64 << 20

// Pool is a type-safe wrapper around sync.Pool that tracks usage. It is safe
// for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) bool
	stats struct {
		allocated int64
		inUse     int64
		dropped   int64
	}
}

// New creates a pool. reset prepares an object for reuse and reports whether
// it should be kept; a nil reset keeps every object as is.
func New[T any](newFn func() T, reset func(T) bool) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get returns a pooled object or a new one.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool.
func (p *Pool[T]) Put(obj T) {
	atomic.AddInt64(&p.stats.inUse, -1)
	if p.reset != nil && !p.reset(obj) {
		atomic.AddInt64(&p.stats.dropped, 1)
		return
	}
	p.pool.Put(obj)
}

// Stats returns the number of objects allocated, currently checked out and
// dropped on Put.
func (p *Pool[T]) Stats() (allocated, inUse, dropped int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.dropped)
}

// NewBufferPool returns a pool of empty buffers with the given initial
// capacity. Buffers grown past maxCap are not reused.
func NewBufferPool(initial, maxCap int) *Pool[*bytes.Buffer] {
	return New(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, initial)) },
		func(b *bytes.Buffer) bool {
			if b.Cap() > maxCap {
				return false
			}
			b.Reset()
			return true
		},
	)
}

// Buffers is the shared pool for staged file encoding.
var Buffers = NewBufferPool(1<<20, MaxPooledBuffer)
