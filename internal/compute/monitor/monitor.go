// Package monitor implements the Resource Monitor (C1): periodic host
// memory/CPU sampling with hysteretic PAUSE/OK classification and
// coalesced event broadcast.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// State mirrors compute.MonitorState without importing the parent package
// (monitor is a leaf).
type State int

const (
	StateOK State = iota
	StatePause
)

func (s State) String() string {
	if s == StatePause {
		return "PAUSE"
	}
	return "OK"
}

// Sample is one observation of host resource usage.
type Sample struct {
	Ts         time.Time
	MemUsedPct float64
	CPUPct     float64
	State      State
	Stale      bool
}

// Config holds the hysteresis thresholds and sampling interval. Zero
// values are replaced by spec defaults in New.
type Config struct {
	SampleInterval time.Duration
	MemStopPct     float64
	MemResumePct   float64
	CPUStopPct     float64
	CPUResumePct   float64
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 15 * time.Second
	}
	if c.MemStopPct <= 0 {
		c.MemStopPct = 78
	}
	if c.MemResumePct <= 0 {
		c.MemResumePct = 69
	}
	if c.CPUStopPct <= 0 {
		c.CPUStopPct = 69
	}
	if c.CPUResumePct <= 0 {
		c.CPUResumePct = 49
	}
}

// Listener is invoked on every coalesced state transition.
type Listener func(from, to State, sample Sample)

// source abstracts host sampling so tests can substitute a fake.
type source interface {
	MemUsedPct() (float64, error)
	CPUPct() (float64, error)
}

// Monitor samples host resources at a fixed interval and classifies
// PAUSE/OK state with hysteresis, per spec §4.1.
type Monitor struct {
	cfg    Config
	src    source
	mu     sync.RWMutex
	last   Sample
	memSt  State // memory-only classifier state
	cpuSt  State // cpu-only classifier state
	listeners []Listener
	staleRun  int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. The Monitor does not sample until Start is called.
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:  cfg,
		src:  gopsutilSource{},
		last: Sample{State: StateOK},
		done: make(chan struct{}),
	}
}

// Subscribe registers a listener invoked on every PAUSE/OK transition.
// Must be called before Start to avoid racing the sampling loop.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current returns the most recent sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start begins periodic sampling. It returns once the context is
// cancelled or Stop is called; call it in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
		<-m.done
	}
}

func (m *Monitor) tick() {
	memPct, memErr := m.src.MemUsedPct()
	cpuPct, cpuErr := m.src.CPUPct()

	m.mu.Lock()
	stale := memErr != nil || cpuErr != nil
	if stale {
		m.staleRun++
		memPct = m.last.MemUsedPct
		cpuPct = m.last.CPUPct
		log.Warn().Err(errOf(memErr, cpuErr)).Int("stale_run", m.staleRun).Msg("monitor: sample failed, reusing previous")
	} else {
		m.staleRun = 0
	}

	forcedPause := m.staleRun >= 3

	newMemSt := classify(m.memSt, memPct, m.cfg.MemStopPct, m.cfg.MemResumePct)
	newCPUSt := classify(m.cpuSt, cpuPct, m.cfg.CPUStopPct, m.cfg.CPUResumePct)

	overall := StateOK
	if forcedPause || newMemSt == StatePause || newCPUSt == StatePause {
		overall = StatePause
	}

	sample := Sample{
		Ts:         time.Now(),
		MemUsedPct: memPct,
		CPUPct:     cpuPct,
		State:      overall,
		Stale:      stale,
	}

	prevOverall := m.last.State
	m.memSt, m.cpuSt = newMemSt, newCPUSt
	m.last = sample
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	// Emit only on a genuine edge, never twice in the same state.
	if overall != prevOverall {
		log.Info().Str("from", prevOverall.String()).Str("to", overall.String()).
			Float64("mem_pct", memPct).Float64("cpu_pct", cpuPct).Msg("monitor: state transition")
		for _, l := range listeners {
			l(prevOverall, overall, sample)
		}
	}
}

// classify applies one hysteretic classifier: enter PAUSE at >= stop,
// return to OK at <= resume, otherwise hold the previous state.
func classify(prev State, pct, stop, resume float64) State {
	switch prev {
	case StatePause:
		if pct <= resume {
			return StateOK
		}
		return StatePause
	default:
		if pct >= stop {
			return StatePause
		}
		return StateOK
	}
}

func errOf(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// gopsutilSource samples memory and CPU via gopsutil, falling back to
// pbnjay/memory for total-memory when gopsutil can't read /proc (e.g. a
// restricted container).
type gopsutilSource struct{}

func (gopsutilSource) MemUsedPct() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		total := memory.TotalMemory()
		free := memory.FreeMemory()
		if total == 0 {
			return 0, err
		}
		used := total - free
		return float64(used) / float64(total) * 100, nil
	}
	return vm.UsedPercent, nil
}

func (gopsutilSource) CPUPct() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}
