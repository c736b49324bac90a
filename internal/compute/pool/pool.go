// Package pool implements the Process Pool Scheduler (C5): the sole
// mutator of worker lifecycle state, applying the scale-up/scale-down
// policy and its safety rules over a set of worker.Handle processes.
//
// No third-party library fits this better than plain state-machine logic
// over channels and a mutex — the pack has nothing purpose-built for
// worker-pool scaling policy, and C5 is explicitly the sole writer of
// worker state, which argues against pulling in a generic pool/scheduler
// abstraction that would diffuse that ownership.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jamaly87/embedplane/internal/compute/dispatch"
	"github.com/jamaly87/embedplane/internal/compute/worker"
)

// Factory spawns and initializes one worker process, returning only once
// it has completed the INIT handshake (or failed).
type Factory interface {
	Spawn(ctx context.Context, id string) (*worker.Handle, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, id string) (*worker.Handle, error)

func (f FactoryFunc) Spawn(ctx context.Context, id string) (*worker.Handle, error) {
	return f(ctx, id)
}

// QueueDepther reports the dispatcher's current in-flight chunk count, the
// signal the scaling policy reacts to.
type QueueDepther interface {
	QueueDepth() int64
}

// Config holds the scaling policy's tunables. Zero values fall back to
// spec defaults.
type Config struct {
	Min                int
	Max                int
	WarmupTimeout      time.Duration // T_warmup: a starting worker stuck longer than this is presumed dead
	IdleTimeout        time.Duration // T_idle
	MinLifetime        time.Duration // T_min_life
	TickInterval       time.Duration
	SampleInterval     time.Duration // monitor's T_sample, for heartbeat staleness (3x)
	BatchSize          int           // B, the scale-up queue-depth multiplier
	ShutdownGrace      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max <= 0 {
		c.Max = runtime.NumCPU()
		if c.Max > 8 {
			c.Max = 8
		}
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MinLifetime <= 0 {
		c.MinLifetime = 10 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 400
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

type entry struct {
	h             *worker.Handle
	state         worker.State
	spawnedAt     time.Time
	lastBusyAt    time.Time
	startingSince time.Time
}

// Pool owns every worker.Handle's lifecycle state; C4 (dispatch) only ever
// sees workers through Acquire/Release, never mutating state directly.
type Pool struct {
	cfg     Config
	factory Factory
	queue   QueueDepther

	mu      sync.Mutex
	entries map[string]*entry
	nextID  atomic.Uint64
	paused  atomic.Bool

	prevDepth int64
	prevTick  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pool. Call Start to spawn the minimum worker count and
// begin the scaling control loop.
func New(cfg Config, factory Factory, queue QueueDepther) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:     cfg,
		factory: factory,
		queue:   queue,
		entries: make(map[string]*entry),
	}
}

// Start spawns N_MIN workers (one at a time, per the never-start-while-
// one-is-starting rule) and begins the periodic control loop.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.Min; i++ {
		if err := p.startOne(ctx); err != nil {
			return fmt.Errorf("pool: start initial worker %d/%d: %w", i+1, p.cfg.Min, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
	return nil
}

// Stop cancels the control loop and drains every worker.
func (p *Pool) Stop(reason string) {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.Drain(reason)
}

// SetPaused mirrors the resource monitor's OK/PAUSE state. The compute
// facade calls this from the monitor's subscribe callback; pool itself
// never imports monitor; see safety rule 4 and the
// "pause on pressure" policy.
func (p *Pool) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Acquire returns the least-recently-busy ready worker and marks it busy.
// It is dispatch.WorkerSource.Acquire.
func (p *Pool) Acquire(ctx context.Context) (dispatch.WorkerHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entry
	for _, e := range p.entries {
		if e.state != worker.StateReady {
			continue
		}
		if best == nil || e.lastBusyAt.Before(best.lastBusyAt) {
			best = e
		}
	}
	if best == nil {
		return nil, dispatch.ErrNoWorkerAvailable
	}
	best.state = worker.StateBusy
	return best.h, nil
}

// Release marks a worker ready again. It is dispatch.WorkerSource.Release.
func (p *Pool) Release(w dispatch.WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.h == w {
			if e.state == worker.StateBusy {
				e.state = worker.StateReady
			}
			e.lastBusyAt = time.Now()
			return
		}
	}
}

// GetWorkers returns a snapshot of every worker's bookkeeping record.
func (p *Pool) GetWorkers() []worker.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]worker.Record, 0, len(p.entries))
	for id, e := range p.entries {
		out = append(out, worker.Record{
			WorkerID:       id,
			OSPid:          e.h.Pid(),
			State:          e.state,
			SpawnedAt:      e.spawnedAt,
			LastBusyAt:     e.lastBusyAt,
			HealthLastOkAt: e.h.HealthLastOkAt(),
		})
	}
	return out
}

// Counts summarizes worker states for Stats reporting.
type Counts struct {
	Starting, Ready, Busy, Draining, Dead, Total int
}

func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Counts
	for _, e := range p.entries {
		c.Total++
		switch e.state {
		case worker.StateStarting:
			c.Starting++
		case worker.StateReady:
			c.Ready++
		case worker.StateBusy:
			c.Busy++
		case worker.StateDraining:
			c.Draining++
		case worker.StateDead:
			c.Dead++
		}
	}
	return c
}

// Drain shuts down every non-dead worker gracefully.
func (p *Pool) Drain(reason string) {
	p.mu.Lock()
	handles := make([]*worker.Handle, 0, len(p.entries))
	for id, e := range p.entries {
		if e.state == worker.StateDead {
			continue
		}
		e.state = worker.StateDraining
		handles = append(handles, e.h)
		log.Info().Str("worker_id", id).Str("reason", reason).Msg("pool: draining worker")
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			_ = h.Shutdown(p.cfg.ShutdownGrace)
		}(h)
	}
	wg.Wait()

	p.mu.Lock()
	for _, e := range p.entries {
		e.state = worker.StateDead
	}
	p.mu.Unlock()
}

func (p *Pool) startOne(ctx context.Context) error {
	p.mu.Lock()
	for _, e := range p.entries {
		if e.state == worker.StateStarting {
			p.mu.Unlock()
			return fmt.Errorf("pool: a worker is already starting")
		}
	}
	id := fmt.Sprintf("w-%d", p.nextID.Add(1))
	p.entries[id] = &entry{state: worker.StateStarting, startingSince: time.Now()}
	p.mu.Unlock()

	h, err := p.factory.Spawn(ctx, id)
	if err != nil {
		p.mu.Lock()
		delete(p.entries, id)
		p.mu.Unlock()
		return err
	}

	now := time.Now()
	p.mu.Lock()
	p.entries[id] = &entry{h: h, state: worker.StateReady, spawnedAt: now, lastBusyAt: now}
	p.mu.Unlock()

	log.Info().Str("worker_id", id).Int("pid", h.Pid()).Msg("pool: worker ready")
	return nil
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	p.reapStuckStarts()
	p.reapDeadWorkers(ctx)

	depth := p.queue.QueueDepth()
	now := time.Now()

	var elapsed time.Duration
	if !p.prevTick.IsZero() {
		elapsed = now.Sub(p.prevTick)
	}
	rate := 0.0 // chunks/sec drained, positive means queue is shrinking
	if elapsed > 0 {
		rate = float64(p.prevDepth-depth) / elapsed.Seconds()
	}
	projected := depth
	if elapsed > 0 {
		projected = depth - int64(rate*2*p.cfg.TickInterval.Seconds())
		if projected < 0 {
			projected = 0
		}
	}
	p.prevDepth = depth
	p.prevTick = now

	paused := p.paused.Load()
	counts := p.Counts()

	if !paused && counts.Starting == 0 && counts.Total < p.cfg.Max &&
		depth >= int64(p.cfg.BatchSize*maxInt(counts.Total, 1)) &&
		projected >= int64(p.cfg.BatchSize*maxInt(counts.Total, 1)) {
		log.Info().Int64("queue_depth", depth).Int("workers", counts.Total).Msg("pool: scaling up")
		go func() {
			if err := p.startOne(ctx); err != nil {
				log.Warn().Err(err).Msg("pool: scale-up failed")
			}
		}()
		return
	}

	// draining workers are already on their way out and do not count
	// toward the N_MIN lower bound.
	if !paused && depth == 0 && projected == 0 && counts.Total-counts.Draining > p.cfg.Min {
		p.scaleDownOne()
	}
}

// scaleDownOne picks the least-recently-used idle-long-enough worker and
// drains it, re-checking busyness immediately before sending SHUTDOWN
// (safety rule 3).
func (p *Pool) scaleDownOne() {
	now := time.Now()

	p.mu.Lock()
	var victimID string
	var victim *entry
	for id, e := range p.entries {
		if e.state != worker.StateReady {
			continue
		}
		if now.Sub(e.lastBusyAt) < p.cfg.IdleTimeout {
			continue
		}
		if now.Sub(e.spawnedAt) < p.cfg.MinLifetime {
			continue
		}
		if victim == nil || e.lastBusyAt.Before(victim.lastBusyAt) {
			victimID, victim = id, e
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return
	}
	// re-check busyness right before committing to termination
	if victim.state != worker.StateReady {
		p.mu.Unlock()
		return
	}
	victim.state = worker.StateDraining
	p.mu.Unlock()

	log.Info().Str("worker_id", victimID).Msg("pool: scaling down idle worker")
	go func() {
		_ = victim.h.Shutdown(p.cfg.ShutdownGrace)
		p.mu.Lock()
		victim.state = worker.StateDead
		delete(p.entries, victimID)
		p.mu.Unlock()
	}()
}

// reapStuckStarts kills a worker that has been "starting" longer than
// T_warmup: the INIT handshake failed to complete in a reasonable time, so
// it's presumed dead and cleared to unblock future scale-ups (safety rule
// 2 otherwise wedges the pool indefinitely on one bad start).
func (p *Pool) reapStuckStarts() {
	now := time.Now()
	p.mu.Lock()
	var stuck []string
	for id, e := range p.entries {
		if e.state == worker.StateStarting && now.Sub(e.startingSince) > p.cfg.WarmupTimeout {
			stuck = append(stuck, id)
		}
	}
	for _, id := range stuck {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, id := range stuck {
		log.Warn().Str("worker_id", id).Msg("pool: worker stuck starting past warmup timeout, reaped")
	}
}

// reapDeadWorkers marks a worker dead if its health heartbeat has been
// absent for 3x the monitor's sample interval, per spec failure
// semantics, and replaces it (subject to the normal scale-up gate on the
// following ticks).
func (p *Pool) reapDeadWorkers(ctx context.Context) {
	staleAfter := 3 * p.cfg.SampleInterval
	now := time.Now()

	p.mu.Lock()
	var dead []struct {
		id string
		e  *entry
	}
	for id, e := range p.entries {
		if e.h == nil || e.state == worker.StateDead || e.state == worker.StateStarting {
			continue
		}
		if now.Sub(e.h.HealthLastOkAt()) > staleAfter {
			dead = append(dead, struct {
				id string
				e  *entry
			}{id, e})
		}
	}
	for _, d := range dead {
		delete(p.entries, d.id)
	}
	p.mu.Unlock()

	for _, d := range dead {
		log.Warn().Str("worker_id", d.id).Msg("pool: worker heartbeat stale, marking dead")
		d.e.h.Kill()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
