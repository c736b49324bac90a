package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	calls    atomic.Int64
	aborts   atomic.Int64
	failN    int // fail the first failN Embed calls
	failErr  error
	embedDur time.Duration // simulated time each Embed call takes
}

func (h *fakeHandle) Embed(ctx context.Context, batchID uint64, texts []string, hashes [][32]byte) ([][]float32, error) {
	n := h.calls.Add(1)
	if h.embedDur > 0 {
		select {
		case <-time.After(h.embedDur):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if int(n) <= h.failN {
		return nil, h.failErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (h *fakeHandle) Abort(ctx context.Context, batchID uint64) error {
	h.aborts.Add(1)
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	handles []*fakeHandle
	acquire int
}

func (s *fakeSource) Acquire(ctx context.Context) (WorkerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquire++
	if len(s.handles) == 0 {
		return nil, ErrNoWorkerAvailable
	}
	h := s.handles[0]
	s.handles = s.handles[1:]
	return h, nil
}

func (s *fakeSource) Release(w WorkerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, w.(*fakeHandle))
}

func TestDispatcherSubmitSingle(t *testing.T) {
	src := &fakeSource{handles: []*fakeHandle{{}}}
	d := New(Config{BatchSize: 4, FlushInterval: 10 * time.Millisecond}, src)
	defer d.Close()

	res, err := d.Submit(context.Background(), Chunk{ChunkID: "a", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "a", res.ChunkID)
	require.Equal(t, []float32{5}, res.Vector)
}

func TestDispatcherSubmitManyPreservesOrder(t *testing.T) {
	src := &fakeSource{handles: []*fakeHandle{{}}}
	d := New(Config{BatchSize: 10, FlushInterval: 5 * time.Millisecond}, src)
	defer d.Close()

	chunks := []Chunk{
		{ChunkID: "1", Content: "a"},
		{ChunkID: "2", Content: "bb"},
		{ChunkID: "3", Content: "ccc"},
	}
	results, err := d.SubmitMany(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, chunks[i].ChunkID, r.ChunkID)
		require.NoError(t, r.Err)
	}
}

func TestDispatcherRetriesOnWorkerFailure(t *testing.T) {
	failOnce := &fakeHandle{failN: 1, failErr: errBoom{}}
	healthy := &fakeHandle{}
	src := &fakeSource{handles: []*fakeHandle{failOnce, healthy}}

	d := New(Config{BatchSize: 4, FlushInterval: 5 * time.Millisecond, MaxAttempts: 2}, src)
	defer d.Close()

	res, err := d.Submit(context.Background(), Chunk{ChunkID: "x", Content: "abcd"})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, []float32{4}, res.Vector)
}

func TestDispatcherFailsAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{} // never has a worker
	d := New(Config{BatchSize: 4, FlushInterval: 5 * time.Millisecond, MaxAttempts: 2}, src)
	defer d.Close()

	_, err := d.Submit(context.Background(), Chunk{ChunkID: "x", Content: "abcd"})
	require.Error(t, err)
}

func TestDispatcherQueueDepthTracksInFlight(t *testing.T) {
	src := &fakeSource{handles: []*fakeHandle{{}}}
	d := New(Config{BatchSize: 1, FlushInterval: time.Hour}, src)
	defer d.Close()

	require.EqualValues(t, 0, d.QueueDepth())
	res, err := d.Submit(context.Background(), Chunk{ChunkID: "a", Content: "x"})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.EqualValues(t, 0, d.QueueDepth())
}

func TestDispatcherTimesOutSlowWorkerAndDoesNotRetry(t *testing.T) {
	slow := &fakeHandle{embedDur: time.Second}
	src := &fakeSource{handles: []*fakeHandle{slow}}

	d := New(Config{
		BatchSize: 4, FlushInterval: 5 * time.Millisecond, MaxAttempts: 3,
		InitialBatchBudget: 20 * time.Millisecond, // deadline = 2x this = 40ms, well under embedDur
	}, src)
	defer d.Close()

	_, err := d.Submit(context.Background(), Chunk{ChunkID: "x", Content: "abcd"})
	require.ErrorIs(t, err, ErrEmbedTimeout)
	require.EqualValues(t, 1, slow.calls.Load(), "a timed-out batch must not be retried")
	require.EqualValues(t, 1, slow.aborts.Load(), "the dispatcher must abort a worker it gave up waiting on")
}

func TestDispatcherBudgetTracksSuccessfulBatches(t *testing.T) {
	b := newBatchBudget(2*time.Second, 8)
	require.Equal(t, 2*time.Second, b.p95(), "seeded default until enough samples accumulate")

	for i := 0; i < 8; i++ {
		b.observe(10 * time.Millisecond)
	}
	require.InDelta(t, float64(10*time.Millisecond), float64(b.p95()), float64(2*time.Millisecond))
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
