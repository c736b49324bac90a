package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	mem   []float64
	cpu   []float64
	idx   int
	memErr bool
}

func (f *fakeSource) MemUsedPct() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memErr {
		return 0, errors.New("fake sample error")
	}
	v := f.mem[min(f.idx, len(f.mem)-1)]
	return v, nil
}

func (f *fakeSource) CPUPct() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.cpu[min(f.idx, len(f.cpu)-1)]
	f.idx++
	return v, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func newTestMonitor(src source) *Monitor {
	m := New(Config{SampleInterval: time.Hour}) // we call tick() manually
	m.src = src
	return m
}

func TestClassifyHysteresis(t *testing.T) {
	// Enter PAUSE at stop, stay PAUSE until resume is reached.
	require.Equal(t, StateOK, classify(StateOK, 50, 78, 69))
	require.Equal(t, StatePause, classify(StateOK, 78, 78, 69))
	require.Equal(t, StatePause, classify(StatePause, 70, 78, 69))
	require.Equal(t, StateOK, classify(StatePause, 69, 78, 69))
}

func TestMonitorEmitsOnlyOnTransition(t *testing.T) {
	src := &fakeSource{mem: []float64{50, 50, 90, 90, 90, 50}, cpu: []float64{10, 10, 10, 10, 10, 10}}
	m := newTestMonitor(src)

	var transitions []State
	m.Subscribe(func(from, to State, s Sample) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 6; i++ {
		m.tick()
	}

	require.Equal(t, []State{StatePause, StateOK}, transitions)
}

func TestMonitorStaleForcesPause(t *testing.T) {
	src := &fakeSource{mem: []float64{50}, cpu: []float64{10}}
	m := newTestMonitor(src)
	src.memErr = true

	for i := 0; i < 3; i++ {
		m.tick()
	}

	require.Equal(t, StatePause, m.Current().State)
	require.True(t, m.Current().Stale)
}

func TestMonitorStartStop(t *testing.T) {
	src := &fakeSource{mem: []float64{10}, cpu: []float64{10}}
	m := New(Config{SampleInterval: 5 * time.Millisecond})
	m.src = src

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	require.Equal(t, StateOK, m.Current().State)
}
