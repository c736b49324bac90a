package compute

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamaly87/embedplane/internal/compute/cache"
	"github.com/jamaly87/embedplane/internal/compute/degrade"
	"github.com/jamaly87/embedplane/internal/compute/dispatch"
	"github.com/jamaly87/embedplane/internal/compute/monitor"
	"github.com/jamaly87/embedplane/internal/compute/pool"
	"github.com/jamaly87/embedplane/internal/compute/worker"
)

const testDim = 4

// TestMain re-execs this test binary as a stub worker process, the same
// trick pool's and worker's own tests use, so the facade can be exercised
// against real OS processes without a prebuilt embedworker binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_COMPUTE_WORKER_HELPER") == "1" {
		runComputeWorkerHelper()
		return
	}
	os.Exit(m.Run())
}

func runComputeWorkerHelper() {
	err := worker.Run(worker.RunConfig{
		In:       os.Stdin,
		Out:      os.Stdout,
		Embedder: countingEmbedder{dim: testDim},
		CacheDim: testDim,
	})
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// countingEmbedder records how many texts it was asked to embed. It runs in
// the re-exec'd helper process, so helperEmbedCalls counts inside that
// process only and is not visible to the test process.
var helperEmbedCalls atomic.Int64

type countingEmbedder struct{ dim int }

func (e countingEmbedder) GenerateEmbeddings(texts []string) ([][]float32, error) {
	helperEmbedCalls.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.dim)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

type fakeSpawnFactory struct{}

func (fakeSpawnFactory) Spawn(ctx context.Context, id string) (*worker.Handle, error) {
	h := worker.New(id, os.Args[0], nil, testDim)
	h.Env = []string{"GO_WANT_COMPUTE_WORKER_HELPER=1"}
	if err := h.Start(ctx, ""); err != nil {
		return nil, err
	}
	return h, nil
}

// newTestAPI wires C1-C6 together the same way NewFromConfig does, but
// with a fake worker factory (the re-exec'd test binary) and no real
// config file, and without starting the monitor (its Current() stays OK
// at the zero value, which is all these tests need).
func newTestAPI(t *testing.T) *API {
	t.Helper()
	dir := t.TempDir()

	a := &API{
		dim:  testDim,
		down: make(chan struct{}),
	}
	a.cache = cache.OpenOrUnavailable(filepath.Join(dir, "emb.cache"), 1024, testDim)
	a.mon = monitor.New(monitor.Config{})

	qProxy := &queueDepthProxy{}
	a.pl = pool.New(pool.Config{Min: 1, Max: 2, TickInterval: time.Hour}, fakeSpawnFactory{}, qProxy)

	a.disp = dispatch.New(dispatch.Config{BatchSize: 400, FlushInterval: 10 * time.Millisecond, MaxAttempts: 2}, a.pl)
	qProxy.d = a.disp

	a.deg = degrade.New(degrade.Config{}, degrade.SinkFunc(func(ctx context.Context, e degrade.Entry) error {
		_, err := a.disp.Submit(ctx, dispatch.Chunk{ChunkID: e.ChunkID, Content: e.Content, ContentHash: e.ContentHash})
		return err
	}))

	require.NoError(t, a.pl.Start(context.Background()))
	t.Cleanup(func() { a.Drain("test done") })

	return a
}

func TestEmbedReturnsVectorsForFreshChunks(t *testing.T) {
	a := newTestAPI(t)

	results, err := a.Embed(context.Background(), []Chunk{
		{ChunkID: "a", Content: "hello"},
		{ChunkID: "b", Content: "goodbye"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.False(t, r.Degraded)
		require.Len(t, r.Embedding, testDim)
	}
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	a := newTestAPI(t)

	chunks := make([]Chunk, 10)
	for i := range chunks {
		chunks[i] = Chunk{ChunkID: string(rune('a' + i)), Content: string(rune('a' + i))}
	}
	results, err := a.Embed(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, results, len(chunks))
	for i, r := range results {
		require.Equal(t, chunks[i].ChunkID, r.ChunkID)
	}
}

func TestEmbedCacheHitSkipsDispatch(t *testing.T) {
	a := newTestAPI(t)
	before := a.cache.Stats()

	chunk := Chunk{ChunkID: "repeat", Content: "same content every time"}
	first, err := a.Embed(context.Background(), []Chunk{chunk})
	require.NoError(t, err)
	require.False(t, first[0].Degraded)
	// the first call misses and writes the worker's vector back to the cache.
	afterFirst := a.cache.Stats()
	require.Equal(t, before.Writes+1, afterFirst.Writes)

	second, err := a.Embed(context.Background(), []Chunk{chunk})
	require.NoError(t, err)
	require.Equal(t, first[0].Embedding, second[0].Embedding)
	// the second call must be served entirely from the cache: one more hit
	// and no further vector written back from a worker.
	afterSecond := a.cache.Stats()
	require.Equal(t, afterFirst.Hits+1, afterSecond.Hits)
	require.Equal(t, afterFirst.Writes, afterSecond.Writes)
}

func TestLookupIsCacheOnly(t *testing.T) {
	a := newTestAPI(t)

	chunk := Chunk{ChunkID: "x", Content: "lookup me"}
	results, err := a.Embed(context.Background(), []Chunk{chunk})
	require.NoError(t, err)

	hash := contentHash(chunk.Content)
	found := a.Lookup([]string{hash, "does-not-exist"})
	require.Contains(t, found, hash)
	require.Equal(t, results[0].Embedding, found[hash])
	require.NotContains(t, found, "does-not-exist")
}

func TestStatsReportsWorkerAndCacheCounts(t *testing.T) {
	a := newTestAPI(t)

	_, err := a.Embed(context.Background(), []Chunk{{ChunkID: "a", Content: "stats"}})
	require.NoError(t, err)

	stats := a.Stats()
	require.Equal(t, 1, stats.Workers.Total)
	require.False(t, stats.Cache.Unavailable)
	require.GreaterOrEqual(t, stats.Cache.Writes, uint64(1))
}

func TestEmbedAfterDrainReturnsShuttingDown(t *testing.T) {
	a := newTestAPI(t)
	a.Drain("shutdown test")

	_, err := a.Embed(context.Background(), []Chunk{{ChunkID: "a", Content: "too late"}})
	require.ErrorIs(t, err, ErrShuttingDown)
}
