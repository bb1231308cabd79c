// Package pipeline assembles the processor: the bus, the analytic
// consumers, forensics, the optional tape recorder, and the metrics
// flusher, with an ordered drain on shutdown.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/mercurylabs/mercurystream/errs"
	"github.com/mercurylabs/mercurystream/internal/app/consumer"
	"github.com/mercurylabs/mercurystream/internal/app/flightrec"
	"github.com/mercurylabs/mercurystream/internal/app/forensics"
	"github.com/mercurylabs/mercurystream/internal/app/recorder"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

const flushInterval = time.Second

// Pipeline owns every in-process task between the TCP server and the
// operator surfaces.
type Pipeline struct {
	cfg config.Config
	log zerolog.Logger
	bus *bus.Bus

	detector *forensics.Detector

	cancel    context.CancelFunc
	consumers conc.WaitGroup
	aux       conc.WaitGroup
}

// New builds the pipeline around a fresh bus. Nothing runs until Start.
func New(cfg config.Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		log: log.With().Str("component", "pipeline").Logger(),
		bus: bus.New(cfg.BusQueueCapacity, log),
	}
}

// Bus exposes the fan-out point for the TCP server.
func (p *Pipeline) Bus() *bus.Bus { return p.bus }

// Forensics exposes the detector for exit summaries, nil when the
// forensics consumer is disabled.
func (p *Pipeline) Forensics() *forensics.Detector { return p.detector }

// Start subscribes and launches every consumer plus the metrics flusher.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.spawn(runCtx, "vwap", consumer.NewVWAP(p.log).Run)
	p.spawn(runCtx, "volatility", consumer.NewVolatility(p.log).Run)
	p.spawn(runCtx, "volume", consumer.NewVolume(p.log).Run)
	p.spawn(runCtx, "health", consumer.NewHealth(p.bus, p.log).Run)

	if p.cfg.Forensics {
		flight := flightrec.New(p.cfg.IncidentsDir(), p.cfg.FlightPreEvents, p.cfg.FlightPostEvents, p.cfg.FlightCooldown(), p.log)
		p.detector = forensics.New(forensics.Config{
			SpikeThresholdMS: p.cfg.LatencySpikeThresholdMS,
			DuplicateLRUMax:  p.cfg.DuplicateLRUMax,
			DriftSampleFile:  p.cfg.DriftSampleFile(),
		}, flight, p.log)
		p.spawn(runCtx, "forensics", p.detector.Run)
	}
	if p.cfg.Record {
		p.spawn(runCtx, "recorder", recorder.New(p.cfg.RecordFile, p.log).Run)
		p.log.Info().Str("file", p.cfg.RecordFile).Msg("recording enabled")
	}

	p.aux.Go(func() { p.flushMetrics(runCtx) })

	p.log.Info().
		Int("subscriptions", len(p.bus.Subscriptions())).
		Bool("forensics", p.cfg.Forensics).
		Bool("record", p.cfg.Record).
		Msg("pipeline started")
}

func (p *Pipeline) spawn(ctx context.Context, name string, run func(context.Context, *bus.Subscription)) {
	sub := p.bus.Subscribe(name)
	p.consumers.Go(func() { run(ctx, sub) })
}

// Close shuts the bus so consumers drain their queues and exit, then stops
// the flusher. Consumers that fail to drain within timeout are cut loose
// via context cancellation and reported.
func (p *Pipeline) Close(timeout time.Duration) error {
	if p.cancel == nil {
		p.bus.Close()
		return nil
	}
	p.bus.Close()

	done := make(chan struct{})
	go func() {
		p.consumers.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(timeout):
		drainErr = errs.New(errs.StageBus, errs.CodeClosed,
			errs.WithMessage("consumers did not drain before timeout"),
			errs.WithField("timeout", timeout.String()))
		p.cancel()
		<-done
	}

	p.cancel()
	p.aux.Wait()
	return drainErr
}

// flushMetrics publishes the events-per-second gauge and per-subscription
// queue depths once a second.
func (p *Pipeline) flushMetrics(ctx context.Context) {
	rate := metrics.NewRate()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rate.Update()
			for _, sub := range p.bus.Subscriptions() {
				metrics.QueueDepth.WithLabelValues(sub.Name()).Set(float64(sub.Depth()))
			}
		}
	}
}
