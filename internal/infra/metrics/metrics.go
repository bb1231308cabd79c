// Package metrics exposes the Prometheus surface for the processor:
// package-level instruments updated by the pipeline plus the HTTP endpoint
// they are scraped from.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Anomaly label values for AnomaliesTotal.
const (
	AnomalyDrift  = "drift"
	AnomalyDup    = "dup"
	AnomalyOOO    = "ooo"
	AnomalyGaps   = "gaps"
	AnomalySpikes = "spikes"
)

var (
	// EventsTotal counts every event published to the bus.
	EventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercurystream_events_total",
		Help: "Total events processed",
	})

	// EventsPerSecond is the published-event rate over the last flush window.
	EventsPerSecond = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mercurystream_events_per_second",
		Help: "Current events per second",
	})

	// DropsTotal counts queued events evicted by drop-oldest overflow.
	DropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercurystream_drops_total",
		Help: "Total dropped events",
	})

	// AnomaliesTotal counts forensics detections by type.
	AnomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercurystream_anomalies_total",
		Help: "Total anomalies detected by type",
	}, []string{"type"})

	// IncidentsTotal counts finalized incident bundles.
	IncidentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercurystream_incidents_total",
		Help: "Total incidents captured",
	})

	// CaptureFailures counts incident bundles abandoned on filesystem errors.
	CaptureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercurystream_incident_capture_failures_total",
		Help: "Total incident captures abandoned due to filesystem errors",
	})

	// LatencyMS is the pipeline age latency (recv - ingest) distribution.
	LatencyMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mercurystream_latency_ms",
		Help:    "Event latency histogram",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// QueueDepth is the per-subscription queue occupancy.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mercurystream_queue_depth",
		Help: "Current queue depth per subscription",
	}, []string{"sub"})

	// eventCount mirrors EventsTotal for rate computation; Prometheus
	// counters cannot be read back cheaply.
	eventCount atomic.Uint64
)

func init() {
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EventsPerSecond)
	prometheus.MustRegister(DropsTotal)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(IncidentsTotal)
	prometheus.MustRegister(CaptureFailures)
	prometheus.MustRegister(LatencyMS)
	prometheus.MustRegister(QueueDepth)
}

// RecordEvent counts one published event.
func RecordEvent() {
	EventsTotal.Inc()
	eventCount.Add(1)
}

// EventCount reports the number of events recorded so far.
func EventCount() uint64 { return eventCount.Load() }

// Rate turns the event counter into an events-per-second gauge using
// monotonic deltas. Owned by the single metrics flusher task.
type Rate struct {
	lastTotal uint64
	lastTime  time.Time
}

// NewRate starts a rate tracker from the current counter value.
func NewRate() *Rate {
	return &Rate{lastTotal: eventCount.Load(), lastTime: time.Now()}
}

// Update recomputes the rate when at least a second elapsed since the last
// computation and publishes it to EventsPerSecond. The second return is
// false when the window was too short to recompute.
func (r *Rate) Update() (float64, bool) {
	now := time.Now()
	elapsed := now.Sub(r.lastTime).Seconds()
	if elapsed < 1.0 {
		return 0, false
	}
	total := eventCount.Load()
	rate := float64(total-r.lastTotal) / elapsed
	r.lastTotal = total
	r.lastTime = now
	EventsPerSecond.Set(rate)
	return rate, true
}
