// Command ingester bridges the exchange websocket feed to the processor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/mercurylabs/mercurystream/internal/app/ingest"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitBadConfig = 2
)

func main() { os.Exit(run()) }

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadIngest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingester: %v\n", err)
		return exitBadConfig
	}

	logger := config.NewLogger("ingester", cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Strs("symbols", cfg.Symbols).
		Str("processor", cfg.ProcessorAddr()).
		Str("feed", cfg.WSURL).
		Msg("starting ingester")

	client := ingest.New(cfg, logger)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("ingester stopped")
		return exitFailure
	}

	logger.Info().
		Uint64("forwarded", client.Forwarded()).
		Uint64("skipped", client.Skipped()).
		Msg("ingester stopped")
	return exitOK
}
