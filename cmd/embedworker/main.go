// Command embedworker is the isolated worker process (C3): it is spawned
// by the process pool scheduler, reads framed INIT/EMBED/ABORT/SHUTDOWN
// messages on stdin, and writes framed responses on stdout.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jamaly87/embedplane/internal/compute/worker"
	"github.com/jamaly87/embedplane/pkg/config"
)

func main() {
	// stdout is reserved for the IPC wire protocol; logs go to stderr.
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "embedworker").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("embedworker: failed to load configuration")
	}

	err = worker.Run(worker.RunConfig{
		In:       os.Stdin,
		Out:      os.Stdout,
		Embedder: worker.NewEmbedderFromConfig(&cfg.Embeddings),
		CacheDim: cfg.Compute.EmbeddingDim,
	})
	if err != nil {
		log.Error().Err(err).Msg("embedworker: exited with error")
		os.Exit(1)
	}
}
