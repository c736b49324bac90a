package worker

import (
	"bufio"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamaly87/embedplane/internal/compute/cache"
	"github.com/jamaly87/embedplane/pkg/ipc"
)

type fakeEmbedder struct {
	dim  int
	err  error
	seen []string
}

func (f *fakeEmbedder) GenerateEmbeddings(texts []string) ([][]float32, error) {
	f.seen = append(f.seen, texts...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(len(texts[i]))
		}
		out[i] = v
	}
	return out, nil
}

// harness wires Run() to an in-process pipe pair so tests can drive it like
// a real parent process without spawning a subprocess.
type harness struct {
	t        *testing.T
	toWorker *io.PipeWriter
	fromW    *bufio.Reader
	embedder *fakeEmbedder
	done     chan error
}

func newHarness(t *testing.T, dim int) *harness {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	emb := &fakeEmbedder{dim: dim}
	h := &harness{t: t, toWorker: reqW, fromW: bufio.NewReader(respR), embedder: emb, done: make(chan error, 1)}

	go func() {
		h.done <- Run(RunConfig{In: reqR, Out: respW, Embedder: emb, CacheDim: dim})
	}()
	return h
}

func (h *harness) send(f ipc.Frame) {
	require.NoError(h.t, ipc.WriteFrame(h.toWorker, f))
}

func (h *harness) recv() ipc.Frame {
	f, err := ipc.ReadFrame(h.fromW)
	require.NoError(h.t, err)
	return f
}

func TestWorkerInitHandshake(t *testing.T) {
	h := newHarness(t, 4)
	h.send(ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")})
	got := h.recv()
	require.Equal(t, ipc.MsgInitOK, got.Type)
}

func TestWorkerEmbedRoundTrip(t *testing.T) {
	h := newHarness(t, 3)
	h.send(ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")})
	require.Equal(t, ipc.MsgInitOK, h.recv().Type)

	texts := []string{"ab", "cde"}
	h.send(ipc.Frame{Type: ipc.MsgEmbed, Payload: ipc.EncodeEmbed(7, texts, nil)})

	got := h.recv()
	require.Equal(t, ipc.MsgEmbedOK, got.Type)
	batchID, vectors, err := ipc.DecodeEmbedOK(got.Payload, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(7), batchID)
	require.Len(t, vectors, 2)
	require.EqualValues(t, 2, vectors[0][0])
	require.EqualValues(t, 3, vectors[1][0])
}

func TestWorkerEmbedModelError(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	emb := &fakeEmbedder{dim: 2, err: errBoom{}}

	done := make(chan error, 1)
	go func() { done <- Run(RunConfig{In: reqR, Out: respW, Embedder: emb, CacheDim: 2}) }()

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")}))
	reader := bufio.NewReader(respR)
	f, err := ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgInitOK, f.Type)

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgEmbed, Payload: ipc.EncodeEmbed(1, []string{"x"}, nil)}))
	f, err = ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgEmbedErr, f.Type)
	_, code, _, err := ipc.DecodeAck(f.Payload)
	require.NoError(t, err)
	require.Equal(t, ipc.ErrCodeModelError, code)
}

func TestWorkerAbortAcksImmediately(t *testing.T) {
	h := newHarness(t, 2)
	h.send(ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")})
	require.Equal(t, ipc.MsgInitOK, h.recv().Type)

	h.send(ipc.Frame{Type: ipc.MsgAbort, Payload: ipc.EncodeAbort(42)})
	got := h.recv()
	require.Equal(t, ipc.MsgAbortAck, got.Type)
	batchID, _, _, err := ipc.DecodeAck(got.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(42), batchID)
}

func TestWorkerShutdownRepliesExiting(t *testing.T) {
	h := newHarness(t, 2)
	h.send(ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")})
	require.Equal(t, ipc.MsgInitOK, h.recv().Type)

	h.send(ipc.Frame{Type: ipc.MsgShutdown})
	got := h.recv()
	require.Equal(t, ipc.MsgExiting, got.Type)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after SHUTDOWN")
	}
}

func TestWorkerEmbedHitsAttachedCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emb.cache")

	seed, err := cache.Open(path, 8, 2)
	require.NoError(t, err)
	var hash [32]byte
	hash[0] = 0xAB
	hexHash := hexHash(hash)
	require.True(t, seed.Put(hexHash, []float32{9, 9}))
	require.NoError(t, seed.Close())

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	emb := &fakeEmbedder{dim: 2}
	done := make(chan error, 1)
	go func() { done <- Run(RunConfig{In: reqR, Out: respW, Embedder: emb, CacheDim: 2}) }()
	reader := bufio.NewReader(respR)

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, path)}))
	f, err := ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgInitOK, f.Type)

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{
		Type:    ipc.MsgEmbed,
		Payload: ipc.EncodeEmbed(5, []string{"whatever"}, [][32]byte{hash}),
	}))
	f, err = ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgEmbedOK, f.Type)
	_, vectors, err := ipc.DecodeEmbedOK(f.Payload, 2)
	require.NoError(t, err)
	require.Equal(t, []float32{9, 9}, vectors[0])
	require.Empty(t, emb.seen, "cache hit must not call the model")
}

// blockingEmbedder lets a test hold a model call open until it chooses to
// release it, so an ABORT can be sent while the invocation is genuinely
// still running rather than already finished.
type blockingEmbedder struct {
	dim     int
	started chan struct{}
	release chan struct{}
}

func (b *blockingEmbedder) GenerateEmbeddings(texts []string) ([][]float32, error) {
	close(b.started)
	<-b.release
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, b.dim)
	}
	return out, nil
}

func TestWorkerAbortDuringInFlightBatchDefersAck(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	emb := &blockingEmbedder{dim: 2, started: make(chan struct{}), release: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- Run(RunConfig{In: reqR, Out: respW, Embedder: emb, CacheDim: 2}) }()
	reader := bufio.NewReader(respR)

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(1, "")}))
	f, err := ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgInitOK, f.Type)

	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgEmbed, Payload: ipc.EncodeEmbed(9, []string{"x"}, nil)}))

	select {
	case <-emb.started:
	case <-time.After(time.Second):
		t.Fatal("model call never started")
	}

	// ABORT is sent — and must be readable by the worker — while
	// GenerateEmbeddings is genuinely still blocked, not merely before the
	// EMBED frame was processed.
	require.NoError(t, ipc.WriteFrame(reqW, ipc.Frame{Type: ipc.MsgAbort, Payload: ipc.EncodeAbort(9)}))

	// Give the worker a moment to have read and recorded the ABORT (it
	// must not respond yet — the invocation is still blocked on release).
	time.Sleep(50 * time.Millisecond)
	close(emb.release)

	f, err = ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgEmbedErr, f.Type)
	batchID, code, _, err := ipc.DecodeAck(f.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(9), batchID)
	require.Equal(t, ipc.ErrCodeAborted, code)

	f, err = ipc.ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgAbortAck, f.Type)
	batchID, _, _, err = ipc.DecodeAck(f.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(9), batchID)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
