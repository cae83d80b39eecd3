package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-target/pkg/loader"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/testutil"
)

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name        string
		parallelism int
		max         int
		want        int
		wantErr     bool
	}{
		{name: "per stream uses max", parallelism: 0, max: 16, want: 16},
		{name: "explicit", parallelism: 4, max: 16, want: 4},
		{name: "explicit clipped", parallelism: 40, max: 16, want: 16},
		{name: "per cpu clipped", parallelism: -1, max: 1, want: 1},
		{name: "invalid parallelism", parallelism: -2, max: 16, wantErr: true},
		{name: "invalid max", parallelism: 1, max: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PoolSize(tt.parallelism, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("per cpu", func(t *testing.T) {
		got, err := PoolSize(-1, 1024)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, 1)
		assert.LessOrEqual(t, got, 1024)
	})
}

// gatedExecutor blocks each job until a result is sent on its stream's
// channel.
type gatedExecutor struct {
	mu      sync.Mutex
	started []string
	release map[string]chan error
}

func newGatedExecutor(streams ...string) *gatedExecutor {
	g := &gatedExecutor{release: make(map[string]chan error)}
	for _, s := range streams {
		g.release[s] = make(chan error, 1)
	}
	return g
}

func (g *gatedExecutor) Commit(ctx context.Context, job *loader.Job) (loader.Result, error) {
	g.mu.Lock()
	g.started = append(g.started, job.ID)
	ch := g.release[job.Stream]
	g.mu.Unlock()

	select {
	case err := <-ch:
		return loader.Result{Mode: "upsert"}, err
	case <-ctx.Done():
		return loader.Result{}, ctx.Err()
	}
}

func (g *gatedExecutor) Started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func TestScheduler_OneJobPerStreamInFlight(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	exec := newGatedExecutor("users", "orders")
	var mu sync.Mutex
	var done []uint64
	s := NewScheduler(ctx, exec, 4, func(seq uint64) {
		mu.Lock()
		done = append(done, seq)
		mu.Unlock()
	}, testutil.TestLogger(t))

	seq, err := s.Enqueue(ctx, &loader.Job{ID: "u1", Stream: "users"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	testutil.AssertEventually(t, func() bool { return len(exec.Started()) == 1 }, time.Second, "first job started")

	// A second job of the same stream blocks the caller.
	enqueued := make(chan uint64)
	go func() {
		seq, err := s.Enqueue(ctx, &loader.Job{ID: "u2", Stream: "users"})
		assert.NoError(t, err)
		enqueued <- seq
	}()
	select {
	case <-enqueued:
		t.Fatal("second job of a stream was admitted while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Other streams are not held back.
	exec.release["orders"] <- nil
	_, err = s.Enqueue(ctx, &loader.Job{ID: "o1", Stream: "orders"})
	require.NoError(t, err)
	testutil.AssertEventually(t, func() bool {
		for _, id := range exec.Started() {
			if id == "o1" {
				return true
			}
		}
		return false
	}, time.Second, "orders job started")

	exec.release["users"] <- nil
	select {
	case seq := <-enqueued:
		assert.Equal(t, uint64(3), seq)
	case <-time.After(time.Second):
		t.Fatal("second job was not admitted after the first finished")
	}
	exec.release["users"] <- nil

	require.NoError(t, s.Close())
	assert.ElementsMatch(t, []uint64{1, 2, 3}, done)
	assert.Equal(t, []string{"u1", "o1", "u2"}, exec.Started())
}

func TestScheduler_FailStop(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	exec := newGatedExecutor("users")
	var done []uint64
	s := NewScheduler(ctx, exec, 1, func(seq uint64) { done = append(done, seq) }, testutil.TestLogger(t))

	_, err := s.Enqueue(ctx, &loader.Job{ID: "u1", Stream: "users"})
	require.NoError(t, err)

	boom := nebulaerrors.New(nebulaerrors.ErrorTypeLoad, "commit failed")
	exec.release["users"] <- boom
	select {
	case <-s.Failed():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	_, err = s.Enqueue(ctx, &loader.Job{ID: "u2", Stream: "users"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	err = s.Close()
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, done)
	assert.Equal(t, []string{"u1"}, exec.Started())
}

func TestScheduler_EnqueueHonoursContext(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	exec := newGatedExecutor("users")
	s := NewScheduler(ctx, exec, 1, nil, testutil.TestLogger(t))
	_, err := s.Enqueue(ctx, &loader.Job{ID: "u1", Stream: "users"})
	require.NoError(t, err)

	short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	_, err = s.Enqueue(short, &loader.Job{ID: "u2", Stream: "users"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	exec.release["users"] <- nil
	require.NoError(t, s.Close())
}
