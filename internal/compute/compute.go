package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jamaly87/embedplane/internal/compute/cache"
	"github.com/jamaly87/embedplane/internal/compute/degrade"
	"github.com/jamaly87/embedplane/internal/compute/dispatch"
	"github.com/jamaly87/embedplane/internal/compute/monitor"
	"github.com/jamaly87/embedplane/internal/compute/pool"
	"github.com/jamaly87/embedplane/internal/compute/worker"
	"github.com/jamaly87/embedplane/pkg/config"
)

// API is the Embedding API facade (C7): the only entry point the rest of
// the system uses to get chunks embedded.
type API struct {
	dim   int
	cache *cache.Cache

	mon  *monitor.Monitor
	pl   *pool.Pool
	disp *dispatch.Dispatcher
	deg  *degrade.Controller

	shuttingDown sync.Once
	down         chan struct{}
}

// NewFromConfig builds an API from the on-disk configuration, wiring a
// worker factory that spawns cfg.Compute.EmbedWorkerBinPath and attaches
// each worker to the shared cache file.
func NewFromConfig(cfg *config.Config) (*API, error) {
	cc := cfg.Compute

	a := &API{
		dim:  cc.EmbeddingDim,
		down: make(chan struct{}),
	}
	a.cache = cache.OpenOrUnavailable(cc.CacheFilePath, cc.CacheCapacity, cc.EmbeddingDim)

	a.mon = monitor.New(monitor.Config{
		SampleInterval: time.Duration(cc.SampleIntervalMs) * time.Millisecond,
		MemStopPct:     cc.MemStopPct,
		MemResumePct:   cc.MemResumePct,
		CPUStopPct:     cc.CPUStopPct,
		CPUResumePct:   cc.CPUResumePct,
	})

	factory := pool.FactoryFunc(func(ctx context.Context, id string) (*worker.Handle, error) {
		h := worker.New(id, cc.EmbedWorkerBinPath, nil, cc.EmbeddingDim)
		if err := h.Start(ctx, cc.CacheFilePath); err != nil {
			return nil, fmt.Errorf("compute: spawn worker %s: %w", id, err)
		}
		return h, nil
	})

	// pool.New needs a QueueDepther before the dispatcher exists, and
	// dispatch.New needs a WorkerSource that is exactly a.pl: break the
	// cycle with a thin proxy, wired to the real dispatcher once built.
	qProxy := &queueDepthProxy{}
	a.pl = pool.New(pool.Config{
		Min:            cc.WorkerMin,
		Max:            cc.WorkerMax,
		IdleTimeout:    time.Duration(cc.WorkerIdleMs) * time.Millisecond,
		MinLifetime:    time.Duration(cc.WorkerMinLifeMs) * time.Millisecond,
		SampleInterval: time.Duration(cc.SampleIntervalMs) * time.Millisecond,
		BatchSize:      cc.BatchSize,
		ShutdownGrace:  time.Duration(cc.DrainGraceMs) * time.Millisecond,
	}, factory, qProxy)

	a.disp = dispatch.New(dispatch.Config{
		BatchSize:     cc.BatchSize,
		FlushInterval: time.Duration(cc.BatchFlushMs) * time.Millisecond,
		MaxAttempts:   cc.MaxAttempts,
	}, a.pl)
	qProxy.d = a.disp

	a.deg = degrade.New(degrade.Config{}, degrade.SinkFunc(func(ctx context.Context, e degrade.Entry) error {
		_, err := a.disp.Submit(ctx, dispatch.Chunk{ChunkID: e.ChunkID, Content: e.Content, ContentHash: e.ContentHash})
		return err
	}))

	a.mon.Subscribe(func(from, to monitor.State, sample monitor.Sample) {
		paused := to == monitor.StatePause
		a.pl.SetPaused(paused)
		if from == monitor.StatePause && to == monitor.StateOK {
			log.Info().Int("deferred", a.deg.Len()).Msg("compute: resuming, draining deferred chunks")
			go a.deg.Drain(context.Background())
		}
	})

	return a, nil
}

// Start begins the monitor and pool control loops. Call once at startup.
func (a *API) Start(ctx context.Context) error {
	go a.mon.Start(ctx)
	return a.pl.Start(ctx)
}

// Drain gracefully shuts the compute plane down: stops accepting new work,
// drains the dispatcher, and terminates every worker.
func (a *API) Drain(reason string) {
	a.shuttingDown.Do(func() {
		close(a.down)
		_ = a.disp.Close()
		a.pl.Stop(reason)
		a.mon.Stop()
		if a.cache != nil {
			_ = a.cache.Sync()
			_ = a.cache.Close()
		}
	})
}

// queueDepthProxy breaks the pool/dispatch construction cycle: pool.New
// needs a QueueDepther before the dispatcher it will eventually front can
// be built, since the dispatcher itself needs the pool as its WorkerSource.
type queueDepthProxy struct{ d *dispatch.Dispatcher }

func (p *queueDepthProxy) QueueDepth() int64 {
	if p.d == nil {
		return 0
	}
	return p.d.QueueDepth()
}

// mapDispatchErr translates dispatch's own sentinel errors onto this
// package's public error taxonomy at the API boundary, so callers only
// ever see compute's sentinels regardless of which internal component
// produced the failure.
func mapDispatchErr(err error) error {
	if errors.Is(err, dispatch.ErrEmbedTimeout) {
		return ErrEmbedTimeout
	}
	return err
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Embed embeds chunks, preserving input order and never dropping an entry:
// each input chunk appears exactly once in the output, either with an
// embedding, tagged degraded, or carrying a terminal error.
func (a *API) Embed(ctx context.Context, chunks []Chunk) ([]EmbeddedChunk, error) {
	select {
	case <-a.down:
		return nil, ErrShuttingDown
	default:
	}

	out := make([]EmbeddedChunk, len(chunks))
	var toSubmit []int // indices of chunks needing dispatch
	var dchunks []dispatch.Chunk

	paused := a.mon.Current().State == monitor.StatePause

	for i, c := range chunks {
		hash := c.ContentHash
		if hash == "" {
			hash = contentHash(c.Content)
		}

		if a.cache != nil {
			if v, ok := a.cache.Get(hash); ok {
				out[i] = EmbeddedChunk{ChunkID: c.ChunkID, Embedding: v, IndexedAt: time.Now()}
				continue
			}
		}

		if paused {
			a.deg.Defer(degrade.Entry{ChunkID: c.ChunkID, Content: c.Content, ContentHash: hash})
			out[i] = EmbeddedChunk{ChunkID: c.ChunkID, Degraded: true}
			continue
		}

		toSubmit = append(toSubmit, i)
		dchunks = append(dchunks, dispatch.Chunk{ChunkID: c.ChunkID, Content: c.Content, ContentHash: hash})
	}

	if len(dchunks) == 0 {
		return out, nil
	}

	results, err := a.disp.SubmitMany(ctx, dchunks)
	if err != nil {
		mapped := mapDispatchErr(err)
		for _, idx := range toSubmit {
			out[idx] = EmbeddedChunk{ChunkID: chunks[idx].ChunkID, Err: mapped}
		}
		return out, nil
	}

	now := time.Now()
	for j, idx := range toSubmit {
		r := results[j]
		if r.Err != nil {
			out[idx] = EmbeddedChunk{ChunkID: r.ChunkID, Err: mapDispatchErr(r.Err)}
			continue
		}
		if a.cache != nil {
			a.cache.Put(dchunks[j].ContentHash, r.Vector)
		}
		out[idx] = EmbeddedChunk{ChunkID: r.ChunkID, Embedding: r.Vector, IndexedAt: now}
	}
	return out, nil
}

// Lookup probes the cache only; it never blocks on the dispatch queue.
func (a *API) Lookup(hashes []string) map[string][]float32 {
	out := make(map[string][]float32, len(hashes))
	if a.cache == nil {
		return out
	}
	for _, h := range hashes {
		if v, ok := a.cache.Get(h); ok {
			out[h] = v
		}
	}
	return out
}

// Stats reports a snapshot of every sub-component's state.
func (a *API) Stats() Stats {
	counts := a.pl.Counts()
	s := Stats{
		QueueDepth: int(a.disp.QueueDepth()),
		Workers: WorkerCounts{
			Ready: counts.Ready,
			Busy:  counts.Busy,
			Total: counts.Total,
		},
		Monitor:  MonitorState(a.mon.Current().State),
		Degraded: a.deg.Len() > 0,
	}
	if a.cache != nil {
		cs := a.cache.Stats()
		s.Cache = CacheStats{
			Hits:      cs.Hits,
			Misses:    cs.Misses,
			Writes:    cs.Writes,
			Evictions: cs.Evictions,
			SlotsUsed: cs.SlotsUsed,
			Capacity:  cs.Capacity,
		}
	} else {
		s.Cache = CacheStats{Unavailable: true}
	}
	return s
}
