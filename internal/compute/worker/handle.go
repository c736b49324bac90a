// Package worker implements the Worker Process (C3): both the parent-side
// handle that spawns and drives an embedworker OS process over framed
// stdio, and (in run.go) the worker binary's own main loop.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jamaly87/embedplane/pkg/ipc"
)

// State is a worker's lifecycle state. Only the pool scheduler (C5) may
// mutate a Record's State; Handle only reports observations.
type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Record is a point-in-time snapshot of a worker's bookkeeping fields.
type Record struct {
	WorkerID       string
	OSPid          int
	State          State
	SpawnedAt      time.Time
	LastBusyAt     time.Time
	CurrentBatchID uint64 // 0 means none in flight
	HealthLastOkAt time.Time
}

// embedResult is delivered by the reader goroutine for an in-flight batch.
type embedResult struct {
	vectors [][]float32
	errCode uint16
	errMsg  string
	err     error
}

// Handle drives one embedworker OS process: spawning it, performing the
// INIT handshake, and exchanging EMBED/ABORT/SHUTDOWN frames. A worker
// processes at most one batch at a time (spec §4.3): Handle serializes
// Embed calls with a mutex rather than attempting to pipeline batches.
type Handle struct {
	id      string
	binPath string
	args    []string
	dim     int

	// Env, when non-nil, is appended to the spawned process's environment
	// (os.Environ() plus these). Tests use it to re-exec the test binary
	// itself as the embedworker; production callers leave it nil.
	Env []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex

	embedMu  sync.Mutex // serializes Embed calls: one batch in flight
	resultCh chan embedResult
	abortCh  chan struct{}
	exitCh   chan struct{}

	spawnedAt time.Time
	healthOK  atomic.Int64 // unix nanos of last observed health

	readerDone chan struct{}
	readerErr  atomic.Value // error
}

// New constructs a Handle for workerID, not yet started.
func New(workerID, binPath string, args []string, dim int) *Handle {
	return &Handle{
		id:      workerID,
		binPath: binPath,
		args:    args,
		dim:     dim,

		resultCh: make(chan embedResult, 1),
		abortCh:  make(chan struct{}, 1),
		exitCh:   make(chan struct{}, 1),
	}
}

// ID returns the worker's identifier.
func (h *Handle) ID() string { return h.id }

// Start spawns the worker process and performs the INIT handshake,
// blocking until INIT_OK arrives or ctx is done.
func (h *Handle) Start(ctx context.Context, cachePath string) error {
	cmd := exec.CommandContext(context.Background(), h.binPath, h.args...) // process outlives a single request ctx
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker %s: stdin pipe: %w", h.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker %s: stdout pipe: %w", h.id, err)
	}
	cmd.Stderr = nil
	if h.Env != nil {
		cmd.Env = append(os.Environ(), h.Env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker %s: start: %w", h.id, err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.stdout = bufio.NewReader(stdout)
	h.spawnedAt = time.Now()
	h.healthOK.Store(time.Now().UnixNano())
	h.readerDone = make(chan struct{})

	go h.readLoop()

	if err := h.writeFrame(ipc.Frame{Type: ipc.MsgInit, Payload: ipc.EncodeInit(0, cachePath)}); err != nil {
		return fmt.Errorf("worker %s: send INIT: %w", h.id, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-h.resultCh:
		if res.err != nil {
			return fmt.Errorf("worker %s: INIT failed: %w", h.id, res.err)
		}
		return nil
	}
}

// readLoop is the single reader of the worker's stdout. It never blocks a
// caller on IPC: it demultiplexes frames onto channels that Embed/Abort/
// Shutdown wait on.
func (h *Handle) readLoop() {
	defer close(h.readerDone)
	for {
		f, err := ipc.ReadFrame(h.stdout)
		if err != nil {
			h.readerErr.Store(err)
			// an IPC read failure is fatal to the worker (spec §4.3):
			// wake up any waiter with a synthetic error result.
			select {
			case h.resultCh <- embedResult{err: fmt.Errorf("worker %s: ipc read failed: %w", h.id, err)}:
			default:
			}
			return
		}

		switch f.Type {
		case ipc.MsgInitOK:
			h.resultCh <- embedResult{}
		case ipc.MsgEmbedOK:
			_, vectors, derr := ipc.DecodeEmbedOK(f.Payload, h.dim)
			h.resultCh <- embedResult{vectors: vectors, err: derr}
		case ipc.MsgEmbedErr:
			_, code, msg, derr := ipc.DecodeAck(f.Payload)
			if derr != nil {
				h.resultCh <- embedResult{err: derr}
				continue
			}
			h.resultCh <- embedResult{errCode: code, errMsg: msg}
		case ipc.MsgAbortAck:
			select {
			case h.abortCh <- struct{}{}:
			default:
			}
		case ipc.MsgExiting:
			select {
			case h.exitCh <- struct{}{}:
			default:
			}
			return
		default:
			log.Warn().Str("worker_id", h.id).Stringer("type", f.Type).Msg("worker: unexpected frame type")
		}
	}
}

func (h *Handle) writeFrame(f ipc.Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return ipc.WriteFrame(h.stdin, f)
}

// Embed sends one batch and blocks for its result. Only one Embed call may
// be in flight per Handle at a time (a worker is a single-batch actor).
// hashes lets the worker consult and populate its attached cache directly;
// pass nil when the caller has none to offer.
func (h *Handle) Embed(ctx context.Context, batchID uint64, texts []string, hashes [][32]byte) ([][]float32, error) {
	h.embedMu.Lock()
	defer h.embedMu.Unlock()

	if err := h.writeFrame(ipc.Frame{Type: ipc.MsgEmbed, Payload: ipc.EncodeEmbed(batchID, texts, hashes)}); err != nil {
		return nil, fmt.Errorf("worker %s: send EMBED: %w", h.id, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-h.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.errCode != ipc.ErrCodeNone {
			return nil, &EmbedError{Code: res.errCode, Message: res.errMsg}
		}
		h.healthOK.Store(time.Now().UnixNano())
		return res.vectors, nil
	}
}

// Abort requests that the worker abort its in-flight batch (or no-ops if
// idle), per spec §4.3: the worker finishes the current model invocation
// atomically, then responds ABORT_ACK. Never aborts mid-invocation.
func (h *Handle) Abort(ctx context.Context, batchID uint64) error {
	if err := h.writeFrame(ipc.Frame{Type: ipc.MsgAbort, Payload: ipc.EncodeAbort(batchID)}); err != nil {
		return fmt.Errorf("worker %s: send ABORT: %w", h.id, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.abortCh:
		// A timed-out Embed call returns as soon as ctx.Done() fires, but
		// the worker still finishes its invocation and sends EMBED_ERR
		// (aborted) before ABORT_ACK. That result was never collected by
		// Embed and would otherwise be read by the *next* Embed call on
		// this Handle; drain it here so the next batch starts clean.
		select {
		case <-h.resultCh:
		default:
		}
		return nil
	}
}

// Shutdown sends SHUTDOWN and waits up to grace for EXITING, then escalates
// to OS termination.
func (h *Handle) Shutdown(grace time.Duration) error {
	if h.stdin != nil {
		_ = h.writeFrame(ipc.Frame{Type: ipc.MsgShutdown})
	}

	select {
	case <-h.exitCh:
	case <-h.readerDone:
	case <-time.After(grace):
		log.Warn().Str("worker_id", h.id).Msg("worker: shutdown grace exceeded, killing process")
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	}

	if h.cmd != nil {
		_ = h.cmd.Wait()
	}
	return nil
}

// Kill forcibly terminates the process without a graceful handshake.
func (h *Handle) Kill() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		_ = h.cmd.Wait()
	}
}

// Pid returns the OS process id, or 0 if not started.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// SpawnedAt returns when Start was called.
func (h *Handle) SpawnedAt() time.Time { return h.spawnedAt }

// HealthLastOkAt returns the last time a successful exchange was observed.
func (h *Handle) HealthLastOkAt() time.Time {
	return time.Unix(0, h.healthOK.Load())
}

// EmbedError reports a worker-side embedding failure (EMBED_ERR).
type EmbedError struct {
	Code    uint16
	Message string
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embed error (code=%d): %s", e.Code, e.Message)
}

// Aborted reports whether this EmbedError represents an abort, per the
// ipc.ErrCodeAborted code.
func (e *EmbedError) Aborted() bool {
	return e.Code == ipc.ErrCodeAborted
}
