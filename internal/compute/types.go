// Package compute implements the adaptive embedding compute plane: a
// Process Pool Scheduler, Resource Monitor, Batch Dispatcher,
// memory-mapped embedding cache and Graceful Degradation Controller,
// fronted by a single Embedding API facade (API).
package compute

import (
	"errors"
	"time"
)

// Chunk is the narrow view of an indexer chunk that the compute plane
// reads. Everything else on the caller's original record passes through
// untouched, keyed by ChunkID.
type Chunk struct {
	ChunkID     string
	Content     string
	ContentHash string // hex-encoded sha256, 64 chars; computed if empty
}

// EmbeddedChunk is the per-chunk result of Embed: either Embedding is set
// with exactly Dim floats, or Degraded is true and Err is nil, or Err is
// set and both are absent.
type EmbeddedChunk struct {
	ChunkID   string
	Embedding []float32
	IndexedAt time.Time
	Degraded  bool
	Err       error
}

// Sentinel errors surfaced to callers, per the error taxonomy.
var (
	// ErrCacheUnavailable is recoverable: the core proceeds without a cache.
	ErrCacheUnavailable = errors.New("compute: cache unavailable")

	// ErrEmbedAborted is transient and retried internally; it should never
	// reach a caller unless max attempts are exceeded.
	ErrEmbedAborted = errors.New("compute: embedding aborted")

	// ErrEmbedFailed is terminal for the chunk.
	ErrEmbedFailed = errors.New("compute: embedding failed")

	// ErrEmbedTimeout is terminal for the chunk.
	ErrEmbedTimeout = errors.New("compute: embedding timed out")

	// ErrShuttingDown rejects all new work during drain.
	ErrShuttingDown = errors.New("compute: shutting down")

	// errWorkerDied drives scheduler restart; not surfaced directly to
	// callers unless it causes a terminal ErrEmbedFailed.
	errWorkerDied = errors.New("compute: worker died")
)

// MonitorState is the aggregate state the Resource Monitor broadcasts.
type MonitorState int

const (
	StateOK MonitorState = iota
	StatePause
)

func (s MonitorState) String() string {
	if s == StatePause {
		return "PAUSE"
	}
	return "OK"
}

// Stats is the snapshot returned by API.Stats.
type Stats struct {
	QueueDepth int
	Workers    WorkerCounts
	Cache      CacheStats
	Monitor    MonitorState
	Degraded   bool
}

// WorkerCounts summarizes the pool by state.
type WorkerCounts struct {
	Ready int
	Busy  int
	Total int
}

// CacheStats mirrors compute/cache.Stats without importing it here, to
// keep this file import-light; API.Stats converts from the concrete type.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Writes     uint64
	Evictions  uint64
	SlotsUsed  uint64
	Capacity   uint64
	Unavailable bool
}
