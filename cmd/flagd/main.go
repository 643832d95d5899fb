// Command flagd runs a reference flag authority: the HTTP lookup API that
// flagcheck clients query, backed by an in-memory, Redis, or Firestore
// registry.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "flagd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("flagd exited with error.")
		os.Exit(1)
	}
}
