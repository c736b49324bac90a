package worker

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/jamaly87/embedplane/internal/compute/cache"
	"github.com/jamaly87/embedplane/internal/embeddings"
	"github.com/jamaly87/embedplane/pkg/config"
	"github.com/jamaly87/embedplane/pkg/ipc"
)

// Embedder is the model-calling dependency the worker loop drives. The
// production implementation is *embeddings.Client; tests substitute a fake.
type Embedder interface {
	GenerateEmbeddings(texts []string) ([][]float32, error)
}

// RunConfig configures the worker binary's main loop.
type RunConfig struct {
	In  io.Reader
	Out io.Writer

	Embedder Embedder
	CacheDim int
}

// embedOutcome is delivered by runEmbed once the model call (and any cache
// writes) for one batch complete.
type embedOutcome struct {
	vectors [][]float32
	err     error
}

// Run is the embedworker binary's body: it performs the INIT handshake,
// then serves EMBED/ABORT/SHUTDOWN requests until SHUTDOWN or the OS
// signals it to stop.
//
// Frame reading happens on its own goroutine (frameCh) and each EMBED's
// model call runs on its own goroutine (embedDone), so the main loop below
// can still read and react to an ABORT frame while a batch's model
// invocation is genuinely in flight — a worker never processes more than
// one batch concurrently (spec §4.3), but it must still be able to
// *observe* an abort request arriving mid-invocation, not only once the
// invocation has already finished. The invocation itself is never torn
// down early: its result is simply recast as EMBED_ERR{aborted} instead of
// EMBED_OK once it completes, then ABORT_ACK follows.
func Run(rc RunConfig) error {
	reader := bufio.NewReader(rc.In)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	stop := make(chan struct{})
	go func() {
		select {
		case s := <-sigCh:
			log.Warn().Stringer("signal", s).Msg("embedworker: received OS signal, shutting down")
			close(stop)
		case <-stop:
		}
	}()

	type frameMsg struct {
		f   ipc.Frame
		err error
	}
	frameCh := make(chan frameMsg)
	go func() {
		for {
			f, err := ipc.ReadFrame(reader)
			frameCh <- frameMsg{f: f, err: err}
			if err != nil {
				return
			}
		}
	}()

	var c *cache.Cache
	var embedDone chan embedOutcome // non-nil while a batch's model call is in flight
	var currentBatchID uint64
	var abortRequested bool

	// exit waits out any in-flight invocation (never torn down early),
	// answers it best-effort, closes the cache, and emits EXITING.
	exit := func(causeErr error) error {
		if embedDone != nil {
			o := <-embedDone
			_ = finishEmbed(rc, o, currentBatchID, &abortRequested)
		}
		if c != nil {
			_ = c.Close()
		}
		if causeErr != nil {
			return causeErr
		}
		return ipc.WriteFrame(rc.Out, ipc.Frame{Type: ipc.MsgExiting})
	}

	for {
		select {
		case <-stop:
			return exit(nil)

		case o := <-embedDone:
			batchID := currentBatchID
			embedDone = nil
			if err := finishEmbed(rc, o, batchID, &abortRequested); err != nil {
				return err
			}

		case fm := <-frameCh:
			if fm.err != nil {
				if fm.err == io.EOF {
					log.Info().Msg("embedworker: parent closed stdin, exiting")
					return exit(nil)
				}
				return exit(fm.err)
			}
			f := fm.f

			switch f.Type {
			case ipc.MsgInit:
				if err := handleInit(rc, f, &c); err != nil {
					return err
				}

			case ipc.MsgEmbed:
				if embedDone != nil {
					return fmt.Errorf("embedworker: received EMBED while batch %d is still in flight", currentBatchID)
				}
				batchID, hashes, texts, err := ipc.DecodeEmbed(f.Payload)
				if err != nil {
					return err
				}
				currentBatchID = batchID
				abortRequested = false
				ch := make(chan embedOutcome, 1)
				embedDone = ch
				go runEmbed(rc.Embedder, c, batchID, hashes, texts, ch)

			case ipc.MsgAbort:
				batchID, err := ipc.DecodeAbort(f.Payload)
				if err != nil {
					return err
				}
				if embedDone != nil && batchID == currentBatchID {
					// Defer ABORT_ACK until the in-flight invocation
					// finishes (spec §4.3: never abort mid-invocation).
					abortRequested = true
				} else if werr := ipc.WriteFrame(rc.Out, ipc.Frame{
					Type:    ipc.MsgAbortAck,
					Payload: ipc.EncodeAck(batchID, ipc.ErrCodeNone, ""),
				}); werr != nil {
					return werr
				}

			case ipc.MsgShutdown:
				return exit(nil)

			default:
				log.Warn().Stringer("type", f.Type).Msg("embedworker: unexpected frame type, ignoring")
			}
		}
	}
}

func handleInit(rc RunConfig, f ipc.Frame, c **cache.Cache) error {
	_, cachePath, err := ipc.DecodeInit(f.Payload)
	if err != nil {
		return err
	}
	if cachePath != "" {
		*c = cache.AttachOrUnavailable(cachePath, rc.CacheDim)
	}
	return ipc.WriteFrame(rc.Out, ipc.Frame{Type: ipc.MsgInitOK})
}

// runEmbed is the per-batch model-call goroutine: cache hits short-circuit
// the model call, misses go to the embedder and are written back through
// the cache. It never touches the wire — only finishEmbed, running on the
// main loop goroutine, writes response frames, so rc.Out always has a
// single writer.
func runEmbed(embedder Embedder, c *cache.Cache, batchID uint64, hashes [][32]byte, texts []string, out chan<- embedOutcome) {
	vectors := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i := range texts {
		if c != nil && hashes[i] != ([32]byte{}) {
			if v, ok := c.Get(hexHash(hashes[i])); ok {
				vectors[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}

	if len(missTexts) > 0 {
		got, genErr := embedder.GenerateEmbeddings(missTexts)
		if genErr != nil {
			log.Error().Err(genErr).Uint64("batch_id", batchID).Msg("embedworker: model call failed")
			out <- embedOutcome{err: genErr}
			return
		}
		for j, idx := range missIdx {
			vectors[idx] = got[j]
			if c != nil && hashes[idx] != ([32]byte{}) {
				c.Put(hexHash(hashes[idx]), got[j])
			}
		}
	}

	out <- embedOutcome{vectors: vectors}
}

// finishEmbed writes the response for one completed batch: EMBED_OK on
// success, EMBED_ERR{model_error} on a failed model call, or — if an
// ABORT for this batch arrived while it was in flight — EMBED_ERR{aborted}
// followed by the deferred ABORT_ACK (spec §4.3: the invocation always
// finishes before an abort is acknowledged, and an abort racing a
// just-finished invocation still surfaces as an abort rather than a stale
// success).
func finishEmbed(rc RunConfig, o embedOutcome, batchID uint64, aborted *bool) error {
	wasAborted := *aborted
	*aborted = false

	switch {
	case o.err != nil:
		if err := ipc.WriteFrame(rc.Out, ipc.Frame{
			Type:    ipc.MsgEmbedErr,
			Payload: ipc.EncodeAck(batchID, ipc.ErrCodeModelError, o.err.Error()),
		}); err != nil {
			return err
		}
	case wasAborted:
		if err := ipc.WriteFrame(rc.Out, ipc.Frame{
			Type:    ipc.MsgEmbedErr,
			Payload: ipc.EncodeAck(batchID, ipc.ErrCodeAborted, "aborted after completion"),
		}); err != nil {
			return err
		}
	default:
		if err := ipc.WriteFrame(rc.Out, ipc.Frame{
			Type:    ipc.MsgEmbedOK,
			Payload: ipc.EncodeEmbedOK(batchID, o.vectors),
		}); err != nil {
			return err
		}
	}

	if wasAborted {
		return ipc.WriteFrame(rc.Out, ipc.Frame{
			Type:    ipc.MsgAbortAck,
			Payload: ipc.EncodeAck(batchID, ipc.ErrCodeNone, ""),
		})
	}
	return nil
}

func hexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// NewEmbedderFromConfig builds the production Embedder from the shared
// embeddings config, matching the indexer's own client construction.
func NewEmbedderFromConfig(cfg *config.EmbeddingsConfig) Embedder {
	return embeddings.NewClient(cfg)
}
