// Package forensics runs the anomaly detectors over the event stream and
// drives incident capture.
//
// Five detectors run in a fixed order per event: schema drift, duplicate
// trade ids, out-of-order timestamps, sequence gaps, and latency spikes.
// Drift is evidence-only; duplicates, gaps, and sustained spikes trigger
// the flight recorder. All detector state is owned by the single
// forensics task, so none of it is locked.
package forensics

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/internal/app/flightrec"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

// Detection defaults.
const (
	DefaultSpikeThresholdMS = 100
	DefaultDuplicateLRUMax  = 50000
	defaultLogEvery         = 10 * time.Second
)

// Config tunes the detectors.
type Config struct {
	SpikeThresholdMS int
	DuplicateLRUMax  int
	DriftSampleFile  string
	LogEvery         time.Duration
}

// Counters are the per-process forensics tallies. Incidents mirrors the
// flight recorder's committed bundle count.
type Counters struct {
	Processed uint64
	Drift     uint64
	Dup       uint64
	OOO       uint64
	Gaps      uint64
	Spikes    uint64
	Incidents uint64
}

// Detector owns all forensics state. Process must only be called from the
// consumer goroutine.
type Detector struct {
	log      zerolog.Logger
	flight   *flightrec.Recorder
	sampler  *sampler
	symbols  *integrity
	spikes   *spikeDetector
	logEvery time.Duration

	counters Counters
}

// New wires a detector to the flight recorder. Bundle metadata snapshots
// these counters at finalize time.
func New(cfg Config, flight *flightrec.Recorder, log zerolog.Logger) *Detector {
	if cfg.SpikeThresholdMS <= 0 {
		cfg.SpikeThresholdMS = DefaultSpikeThresholdMS
	}
	if cfg.DuplicateLRUMax <= 0 {
		cfg.DuplicateLRUMax = DefaultDuplicateLRUMax
	}
	if cfg.DriftSampleFile == "" {
		cfg.DriftSampleFile = filepath.Join("data", "drift_samples.jsonl")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = defaultLogEvery
	}

	logger := log.With().Str("component", "forensics").Logger()
	d := &Detector{
		log:      logger,
		flight:   flight,
		sampler:  newSampler(cfg.DriftSampleFile, logger),
		symbols:  newIntegrity(cfg.DuplicateLRUMax),
		spikes:   newSpikeDetector(cfg.SpikeThresholdMS),
		logEvery: cfg.LogEvery,
	}
	flight.SetStatsFunc(d.snapshot)
	return d
}

// Run consumes the subscription until it closes or the context is
// cancelled, then finalizes any partial incident capture.
func (d *Detector) Run(ctx context.Context, sub *bus.Subscription) {
	defer d.close()

	ticker := time.NewTicker(d.logEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			d.Process(evt)
		case <-ticker.C:
			d.logCounters()
		}
	}
}

// Process runs the detector chain over one event.
func (d *Detector) Process(evt *schema.Event) {
	d.counters.Processed++

	// The ring sees every event before detection so a capture includes
	// the offending event as the last pre-window line.
	d.flight.Record(evt)

	if reason, drifted := checkDrift(evt.Fields()); drifted {
		d.counters.Drift++
		metrics.AnomaliesTotal.WithLabelValues(metrics.AnomalyDrift).Inc()
		d.sampler.Write(evt, reason)
	}

	dup, ooo, gapSize := d.symbols.Check(evt)
	if dup {
		d.counters.Dup++
		evt.Dup = true
		metrics.AnomaliesTotal.WithLabelValues(metrics.AnomalyDup).Inc()
	}
	if ooo {
		d.counters.OOO++
		metrics.AnomaliesTotal.WithLabelValues(metrics.AnomalyOOO).Inc()
	}
	if gapSize > 0 {
		d.counters.Gaps += uint64(gapSize)
		metrics.AnomaliesTotal.WithLabelValues(metrics.AnomalyGaps).Inc()
	}

	spike := false
	if age, ok := evt.Age(); ok {
		if d.spikes.Add(age) {
			spike = true
			d.counters.Spikes++
			metrics.AnomaliesTotal.WithLabelValues(metrics.AnomalySpikes).Inc()
		}
	}

	if spike {
		if d.flight.Trigger(flightrec.TriggerLatencySpike, evt) {
			d.log.Warn().Float64("p99_ms", d.spikes.P99()).Str("symbol", evt.ProductID).Msg("latency spike incident")
		}
	}
	if dup {
		d.flight.Trigger(flightrec.TriggerDuplicate, evt)
	}
	if gapSize > 0 {
		d.flight.Trigger(flightrec.TriggerSequenceGap, evt)
	}

	d.counters.Incidents = d.flight.Incidents()
}

// Counters returns the current tallies.
func (d *Detector) Counters() Counters { return d.counters }

func (d *Detector) snapshot() flightrec.Stats {
	return flightrec.Stats{
		Processed: d.counters.Processed,
		Drift:     d.counters.Drift,
		Dup:       d.counters.Dup,
		OOO:       d.counters.OOO,
		Gaps:      d.counters.Gaps,
		Spikes:    d.counters.Spikes,
		Incidents: d.flight.Incidents(),
	}
}

func (d *Detector) close() {
	if err := d.flight.Close(); err != nil {
		d.log.Warn().Err(err).Msg("flight recorder close failed")
	}
	if err := d.sampler.Close(); err != nil {
		d.log.Warn().Err(err).Msg("drift sampler close failed")
	}
	d.logCounters()
}

func (d *Detector) logCounters() {
	c := d.counters
	d.log.Info().
		Uint64("processed", c.Processed).
		Uint64("drift", c.Drift).
		Uint64("dup", c.Dup).
		Uint64("ooo", c.OOO).
		Uint64("gaps", c.Gaps).
		Uint64("spikes", c.Spikes).
		Uint64("incidents", c.Incidents).
		Msg("forensics counters")
}
