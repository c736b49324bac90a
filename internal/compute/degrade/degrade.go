// Package degrade implements the Graceful Degradation Controller (C6):
// while the resource monitor reports PAUSE, it short-circuits embedding
// work into a bounded deferred set instead of dropping it, then drains
// that set back into the dispatcher at a capped rate once the monitor
// returns to OK.
package degrade

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog/log"
)

// Entry is one chunk held in the deferred set.
type Entry struct {
	ChunkID     string
	Content     string
	ContentHash string
}

// Sink is where drained entries are resubmitted — normally a thin adapter
// around dispatch.Dispatcher.Submit.
type Sink interface {
	Submit(ctx context.Context, e Entry) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Submit(ctx context.Context, e Entry) error { return f(ctx, e) }

const (
	defaultCapacity = 100000
	drainCategory   = "drain"
)

// Config configures the deferred set's capacity and drain rate.
type Config struct {
	Capacity int
	// DrainRate is handed straight to catrate.NewLimiter; nil picks a
	// conservative default of 200 resubmissions/sec.
	DrainRate map[time.Duration]int
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.DrainRate == nil {
		c.DrainRate = map[time.Duration]int{time.Second: 200}
	}
}

// Controller holds chunks accepted during PAUSE and drains them into Sink
// on the monitor's PAUSE→OK edge.
type Controller struct {
	cap int

	mu      sync.Mutex
	order   *list.List // of chunk_id strings, oldest first
	elems   map[string]*list.Element
	entries map[string]Entry
	dropped uint64

	limiter *catrate.Limiter
	sink    Sink
}

// New constructs a Controller. sink is where Drain resubmits entries.
func New(cfg Config, sink Sink) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cap:     cfg.Capacity,
		order:   list.New(),
		elems:   make(map[string]*list.Element),
		entries: make(map[string]Entry),
		limiter: catrate.NewLimiter(cfg.DrainRate),
		sink:    sink,
	}
}

// Defer records e for later submission. Re-deferring an already-pending
// chunk_id collapses to a single entry with the latest content, keeping
// its original FIFO position (spec §4.6 idempotence). Returns false if the
// set is full and e was dropped, which callers should surface as a warning.
func (c *Controller) Defer(e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.elems[e.ChunkID]; ok {
		c.entries[e.ChunkID] = e
		return true
	}
	if c.order.Len() >= c.cap {
		c.dropped++
		log.Warn().Str("chunk_id", e.ChunkID).Int("capacity", c.cap).Msg("degrade: deferred set full, dropping chunk")
		return false
	}
	el := c.order.PushBack(e.ChunkID)
	c.elems[e.ChunkID] = el
	c.entries[e.ChunkID] = e
	return true
}

// Len reports how many chunks are currently deferred.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Dropped reports how many chunks have been dropped for capacity overflow.
func (c *Controller) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Drain resubmits every deferred chunk, oldest first, at the configured
// capped rate, blocking until the set is empty or ctx is done. Call this
// once per PAUSE→OK transition; re-entrant calls interleave safely since
// every mutation of order happens under c.mu.
func (c *Controller) Drain(ctx context.Context) {
	for {
		e, ok := c.popFront()
		if !ok {
			return
		}
		if err := c.waitForSlot(ctx); err != nil {
			// ctx done: put e back at the front so nothing is lost.
			c.pushFront(e)
			return
		}
		if err := c.sink.Submit(ctx, e); err != nil {
			log.Warn().Err(err).Str("chunk_id", e.ChunkID).Msg("degrade: drain resubmission failed")
		}
	}
}

func (c *Controller) waitForSlot(ctx context.Context) error {
	for {
		next, allowed := c.limiter.Allow(drainCategory)
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
	}
}

func (c *Controller) popFront() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.order.Front()
	if el == nil {
		return Entry{}, false
	}
	id := el.Value.(string)
	c.order.Remove(el)
	delete(c.elems, id)
	e := c.entries[id]
	delete(c.entries, id)
	return e, true
}

func (c *Controller) pushFront(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.elems[e.ChunkID]; ok {
		// re-deferred while e was popped: the pending entry is newer.
		return
	}
	el := c.order.PushFront(e.ChunkID)
	c.elems[e.ChunkID] = el
	c.entries[e.ChunkID] = e
}
