// Command processor runs the MercuryStream TCP listener, fan-out bus, and
// consumer set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	_ "go.uber.org/automaxprocs"

	"github.com/mercurylabs/mercurystream/internal/app/pipeline"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
	"github.com/mercurylabs/mercurystream/internal/infra/server"
	"github.com/mercurylabs/mercurystream/internal/infra/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

const (
	exitOK          = 0
	exitBindFailure = 1
	exitBadConfig   = 2
)

func main() { os.Exit(run()) }

func run() int {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, fromFile, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processor: %v\n", err)
		return exitBadConfig
	}

	logger := config.NewLogger("processor", cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Bool("config_file", fromFile).
		Str("addr", cfg.Addr()).
		Str("metrics_addr", cfg.MetricsAddr()).
		Bool("forensics", cfg.Forensics).
		Bool("record", cfg.Record).
		Msg("configuration initialised")

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Error().Err(err).Msg("initialise telemetry")
		return exitBadConfig
	}

	var lifecycle conc.WaitGroup

	metricsSrv := metrics.NewServer(cfg.MetricsAddr(), logger)
	metricsErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := metricsSrv.ListenAndServe(); err != nil {
			metricsErr <- err
		}
	})

	// Consumers run on a background context so they can drain their queues
	// after the signal arrives; the drain is bounded by pipeline.Close.
	pipe := pipeline.New(cfg, logger)
	pipe.Start(context.Background())

	srv := server.New(pipe.Bus(), logger)
	if err := srv.Start(ctx, cfg.Addr()); err != nil {
		logger.Error().Err(err).Msg("start ingest listener")
		_ = pipe.Close(pipelineShutdownTimeout)
		return exitBindFailure
	}

	logger.Info().Msg("processor started; awaiting shutdown signal")

	exit := exitOK
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, initiating graceful shutdown")
	case err := <-metricsErr:
		logger.Error().Err(err).Msg("metrics endpoint failed")
		exit = exitBindFailure
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     srv,
		pipeline:   pipe,
		metricsSrv: metricsSrv,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})

	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
	return exit
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to YAML configuration file (optional; environment variables override)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type gracefulShutdownConfig struct {
	server     *server.Server
	pipeline   *pipeline.Pipeline
	metricsSrv *metrics.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info().Str("step", name).Msg("shutdown step starting")
		if err := fn(stepCtx); err != nil {
			logger.Warn().Str("step", name).Err(err).Msg("shutdown step failed")
		} else {
			logger.Info().Str("step", name).Msg("shutdown step completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ingest listener", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.server.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.pipeline != nil {
		shutdownStep("draining pipeline", pipelineShutdownTimeout, func(context.Context) error {
			return cfg.pipeline.Close(pipelineShutdownTimeout)
		})

		if det := cfg.pipeline.Forensics(); det != nil {
			c := det.Counters()
			logger.Info().
				Uint64("processed", c.Processed).
				Uint64("drift", c.Drift).
				Uint64("dup", c.Dup).
				Uint64("ooo", c.OOO).
				Uint64("gaps", c.Gaps).
				Uint64("spikes", c.Spikes).
				Uint64("incidents", c.Incidents).
				Msg("final forensics counters")
		}
	}

	if cfg.metricsSrv != nil {
		shutdownStep("stopping metrics endpoint", metricsShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.metricsSrv.Shutdown(stepCtx)
		})
	}

	logger.Info().Msg("cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
