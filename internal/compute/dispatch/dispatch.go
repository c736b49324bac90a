// Package dispatch implements the Batch Dispatcher (C4): it groups
// individual embed requests into small batches (grounded on
// joeycumines/go-microbatch's ping/pong Submit pattern, which avoids a
// shared mutable pending-batch map by handing each caller its own
// JobResult), hands each batch to a worker acquired from a WorkerSource,
// and retries a batch against a different worker up to MaxAttempts times
// before failing every job still in it.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/rs/zerolog/log"
)

// Chunk is the minimal unit dispatch operates on; compute.go converts to
// and from its own Chunk type at the API boundary.
type Chunk struct {
	ChunkID     string
	Content     string
	ContentHash string // 64-char hex sha256, may be empty
}

// Result is one chunk's outcome.
type Result struct {
	ChunkID string
	Vector  []float32
	Err     error
}

// WorkerHandle is the subset of worker.Handle that dispatch depends on.
type WorkerHandle interface {
	Embed(ctx context.Context, batchID uint64, texts []string, hashes [][32]byte) ([][]float32, error)
	Abort(ctx context.Context, batchID uint64) error
}

// WorkerSource supplies a ready worker for one batch and takes it back
// afterwards. The pool scheduler (C5) implements this; dispatch never
// imports pool directly, avoiding a dependency cycle and keeping the two
// components independently testable.
type WorkerSource interface {
	Acquire(ctx context.Context) (WorkerHandle, error)
	Release(w WorkerHandle)
}

// ErrNoWorkerAvailable is returned by a WorkerSource with nothing ready;
// dispatch treats it like any other per-attempt failure.
var ErrNoWorkerAvailable = errors.New("dispatch: no worker available")

// ErrEmbedTimeout is returned for every chunk in a batch whose worker
// attempt exceeded the dispatcher-level deadline (spec §5). It is
// terminal: unlike other per-attempt failures, a timed-out batch is never
// retried or re-enqueued.
var ErrEmbedTimeout = errors.New("dispatch: embed timed out")

// Config configures the dispatcher. Zero values fall back to spec
// defaults.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	MaxConcurrency int
	MaxAttempts    int

	// InitialBatchBudget seeds the rolling P95 batch-service-time estimate
	// before enough samples have been observed. Spec default: 2s.
	InitialBatchBudget time.Duration

	// BudgetWindow bounds how many recent batch durations feed the rolling
	// P95 estimate.
	BudgetWindow int

	// AbortGrace bounds how long the dispatcher waits for a timed-out
	// worker's deferred ABORT_ACK before giving up on reclaiming it. The
	// worker itself never aborts mid-invocation regardless of this value.
	AbortGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 400
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.InitialBatchBudget <= 0 {
		c.InitialBatchBudget = 2 * time.Second
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = 64
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = 30 * time.Second
	}
}

// batchBudget tracks a rolling P95 of observed batch-service durations
// (T_batch_budget, per spec §5), seeded with a default until enough
// samples accumulate.
type batchBudget struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	initial time.Duration
}

func newBatchBudget(initial time.Duration, window int) *batchBudget {
	return &batchBudget{samples: make([]time.Duration, 0, window), initial: initial}
}

func (b *batchBudget) observe(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) < cap(b.samples) {
		b.samples = append(b.samples, d)
		return
	}
	b.samples[b.next] = d
	b.next = (b.next + 1) % cap(b.samples)
}

// p95 returns the current rolling P95 estimate, or the seeded initial
// value until at least a few samples have been observed.
func (b *batchBudget) p95() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) < 5 {
		return b.initial
	}
	sorted := append([]time.Duration(nil), b.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type job struct {
	chunk  Chunk
	result Result
}

// Dispatcher batches Submit calls and drives them through a WorkerSource.
type Dispatcher struct {
	workers     WorkerSource
	maxAttempts int
	abortGrace  time.Duration
	budget      *batchBudget
	batcher     *microbatch.Batcher[*job]

	nextBatchID atomic.Uint64
	queueDepth  atomic.Int64
}

// New constructs a Dispatcher. Call Close when done.
func New(cfg Config, workers WorkerSource) *Dispatcher {
	cfg.applyDefaults()

	d := &Dispatcher{
		workers:     workers,
		maxAttempts: cfg.MaxAttempts,
		abortGrace:  cfg.AbortGrace,
		budget:      newBatchBudget(cfg.InitialBatchBudget, cfg.BudgetWindow),
	}
	d.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: cfg.MaxConcurrency,
	}, d.process)
	return d
}

// Close stops accepting new jobs and waits for in-flight batches to drain.
func (d *Dispatcher) Close() error {
	return d.batcher.Close()
}

// QueueDepth reports the number of chunks currently submitted but not yet
// resolved — the signal the pool scheduler (C5) polls for scaling. The
// degradation controller (C6) does not read it.
func (d *Dispatcher) QueueDepth() int64 {
	return d.queueDepth.Load()
}

// Submit enqueues one chunk and blocks until its batch has been processed
// (successfully or not).
func (d *Dispatcher) Submit(ctx context.Context, c Chunk) (Result, error) {
	d.queueDepth.Add(1)
	defer d.queueDepth.Add(-1)

	j := &job{chunk: c}
	jr, err := d.batcher.Submit(ctx, j)
	if err != nil {
		return Result{}, err
	}
	if err := jr.Wait(ctx); err != nil {
		return Result{}, err
	}
	return j.result, j.result.Err
}

// SubmitMany submits chunks and returns their results in the same order,
// preserving the per-call ordering guarantee regardless of how the
// dispatcher happens to group them into batches underneath.
func (d *Dispatcher) SubmitMany(ctx context.Context, chunks []Chunk) ([]Result, error) {
	results := make([]Result, len(chunks))
	type pending struct {
		idx int
		jr  *microbatch.JobResult[*job]
		j   *job
	}
	waiting := make([]pending, 0, len(chunks))

	for i, c := range chunks {
		d.queueDepth.Add(1)
		j := &job{chunk: c}
		jr, err := d.batcher.Submit(ctx, j)
		if err != nil {
			d.queueDepth.Add(-1)
			return nil, fmt.Errorf("dispatch: submit chunk %d: %w", i, err)
		}
		waiting = append(waiting, pending{idx: i, jr: jr, j: j})
	}

	for _, p := range waiting {
		err := p.jr.Wait(ctx)
		d.queueDepth.Add(-1)
		if err != nil {
			results[p.idx] = Result{ChunkID: p.j.chunk.ChunkID, Err: err}
			continue
		}
		results[p.idx] = p.j.result
	}
	return results, nil
}

// process is the microbatch.BatchProcessor: it tries up to maxAttempts
// workers for the whole batch, narrowing to only the jobs still
// unresolved on each retry. Each attempt is bounded by a dispatcher-level
// deadline (spec §5, default 2×T_batch_budget where T_batch_budget is a
// rolling P95 of observed batch durations); an attempt that exceeds it
// fails the whole batch with ErrEmbedTimeout immediately, without
// retrying or re-enqueueing — distinct from the ordinary retry-on-failure
// path below.
func (d *Dispatcher) process(ctx context.Context, jobs []*job) error {
	batchID := d.nextBatchID.Add(1)
	remaining := jobs
	deadline := 2 * d.budget.p95()

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts && len(remaining) > 0; attempt++ {
		w, err := d.workers.Acquire(ctx)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Uint64("batch_id", batchID).Int("attempt", attempt).Msg("dispatch: no worker available")
			continue
		}

		texts := make([]string, len(remaining))
		hashes := make([][32]byte, len(remaining))
		for i, j := range remaining {
			texts[i] = j.chunk.Content
			hashes[i] = rawHash(j.chunk.ContentHash)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, deadline)
		start := time.Now()
		vectors, embedErr := w.Embed(attemptCtx, batchID, texts, hashes)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if timedOut {
			log.Warn().Uint64("batch_id", batchID).Int("attempt", attempt).Dur("deadline", deadline).
				Int("batch_len", len(remaining)).Msg("dispatch: batch attempt exceeded deadline, aborting")

			// The worker never tears down mid-invocation: wait out the
			// deferred ABORT_ACK before releasing it back to the pool, so
			// it is never handed a new batch while still finishing this one.
			abortCtx, abortCancel := context.WithTimeout(context.Background(), d.abortGrace)
			if abortErr := w.Abort(abortCtx, batchID); abortErr != nil {
				log.Warn().Err(abortErr).Uint64("batch_id", batchID).Msg("dispatch: abort after timeout did not complete cleanly")
			}
			abortCancel()
			d.workers.Release(w)

			for _, j := range remaining {
				j.result = Result{ChunkID: j.chunk.ChunkID, Err: ErrEmbedTimeout}
			}
			return ErrEmbedTimeout
		}

		d.workers.Release(w)

		if embedErr != nil {
			lastErr = embedErr
			log.Warn().Err(embedErr).Uint64("batch_id", batchID).Int("attempt", attempt).Int("batch_len", len(remaining)).Msg("dispatch: batch attempt failed")
			continue
		}

		d.budget.observe(time.Since(start))
		for i, j := range remaining {
			j.result = Result{ChunkID: j.chunk.ChunkID, Vector: vectors[i]}
		}
		remaining = nil
	}

	if len(remaining) > 0 {
		if lastErr == nil {
			lastErr = ErrNoWorkerAvailable
		}
		for _, j := range remaining {
			j.result = Result{ChunkID: j.chunk.ChunkID, Err: lastErr}
		}
		return lastErr
	}
	return nil
}

func rawHash(hash string) [32]byte {
	var out [32]byte
	if len(hash) == 64 {
		if b, err := hex.DecodeString(hash); err == nil {
			copy(out[:], b)
			return out
		}
	}
	copy(out[:], hash)
	return out
}
