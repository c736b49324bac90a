package pool

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamaly87/embedplane/internal/compute/worker"
)

// TestMain re-execs this test binary as a stub worker process when
// GO_WANT_POOL_WORKER_HELPER is set, the same trick worker's own tests use,
// so pool tests can spawn real OS processes without a prebuilt embedworker
// binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_POOL_WORKER_HELPER") == "1" {
		runPoolWorkerHelper()
		return
	}
	os.Exit(m.Run())
}

func runPoolWorkerHelper() {
	dim := 2
	err := worker.Run(worker.RunConfig{
		In:       os.Stdin,
		Out:      os.Stdout,
		Embedder: stubEmbedder{dim: dim},
		CacheDim: dim,
	})
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// stubEmbedder is a minimal worker.Embedder so the re-exec'd helper process
// never needs a real model backend.
type stubEmbedder struct{ dim int }

func (s stubEmbedder) GenerateEmbeddings(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

// fakeQueue lets tests drive QueueDepth() directly without a real
// dispatcher.
type fakeQueue struct {
	depth atomic.Int64
}

func (q *fakeQueue) QueueDepth() int64 { return q.depth.Load() }

// fakeFactory hands out real worker.Handle values backed by the
// GO_WANT_POOL_WORKER_HELPER re-exec trick above, so pool tests exercise
// real process spawn/IPC without a prebuilt embedworker binary.
type fakeFactory struct {
	spawned atomic.Int64
}

func (f *fakeFactory) Spawn(ctx context.Context, id string) (*worker.Handle, error) {
	f.spawned.Add(1)
	h := worker.New(id, os.Args[0], nil, 2)
	h.Env = []string{"GO_WANT_POOL_WORKER_HELPER=1"}
	if err := h.Start(ctx, ""); err != nil {
		return nil, err
	}
	return h, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeQueue, *fakeFactory) {
	f := &fakeFactory{}
	q := &fakeQueue{}
	p := New(cfg, f, q)
	return p, q, f
}

func TestPoolStartSpawnsMinWorkers(t *testing.T) {
	p, _, f := newTestPool(t, Config{Min: 2, Max: 4, TickInterval: time.Hour})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	require.EqualValues(t, 2, f.spawned.Load())
	counts := p.Counts()
	require.Equal(t, 2, counts.Ready)
	require.Equal(t, 2, counts.Total)
}

func TestPoolAcquireReleaseCycle(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Min: 1, Max: 2, TickInterval: time.Hour})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Counts().Busy)

	p.Release(w)
	require.Equal(t, 1, p.Counts().Ready)
	require.Equal(t, 0, p.Counts().Busy)
}

func TestPoolAcquireFailsWhenNoneReady(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Min: 1, Max: 2, TickInterval: time.Hour})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	p.Release(w)
}

func TestPoolScalesUpUnderQueuePressure(t *testing.T) {
	p, q, _ := newTestPool(t, Config{Min: 1, Max: 3, TickInterval: 20 * time.Millisecond, BatchSize: 10})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	q.depth.Store(1000) // >> B * current_workers, should trigger scale-up

	require.Eventually(t, func() bool {
		return p.Counts().Total >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPoolNeverScalesUpWhilePaused(t *testing.T) {
	p, q, _ := newTestPool(t, Config{Min: 1, Max: 3, TickInterval: 20 * time.Millisecond, BatchSize: 10})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	p.SetPaused(true)
	q.depth.Store(1000)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, p.Counts().Total)
}

func TestPoolScalesDownIdleWorkerAboveMin(t *testing.T) {
	p, q, _ := newTestPool(t, Config{
		Min: 1, Max: 3, TickInterval: 20 * time.Millisecond, BatchSize: 10,
		IdleTimeout: time.Millisecond, MinLifetime: time.Millisecond,
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	q.depth.Store(1000)
	require.Eventually(t, func() bool { return p.Counts().Total >= 2 }, 2*time.Second, 20*time.Millisecond)

	q.depth.Store(0)
	require.Eventually(t, func() bool { return p.Counts().Total == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestPoolNeverScalesDownBelowMin(t *testing.T) {
	p, q, _ := newTestPool(t, Config{
		Min: 1, Max: 1, TickInterval: 20 * time.Millisecond,
		IdleTimeout: time.Millisecond, MinLifetime: time.Millisecond,
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop("test done")

	q.depth.Store(0)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, p.Counts().Total)
}
