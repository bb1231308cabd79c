package forensics

import "github.com/mercurylabs/mercurystream/internal/stats"

// Latency spike tuning. The window and cadence are fixed; the threshold
// comes from configuration.
const (
	latencyWindowSize = 1000
	spikeEvalEvery    = 100
	spikeMinSamples   = 100
	spikeConsecutive  = 2
)

// spikeDetector watches the rolling p99 of event age. It evaluates every
// spikeEvalEvery samples once a baseline exists and fires only after two
// consecutive evaluations above the threshold, so a single outlier batch
// cannot trigger an incident.
type spikeDetector struct {
	window    *stats.Window
	threshold float64

	samples     uint64
	consecutive int
	lastP99     float64
}

func newSpikeDetector(thresholdMS int) *spikeDetector {
	return &spikeDetector{
		window:    stats.NewWindow(latencyWindowSize),
		threshold: float64(thresholdMS),
	}
}

// Add feeds one age sample and reports whether a sustained spike fired.
func (d *spikeDetector) Add(ageMS int64) bool {
	d.window.Push(float64(ageMS))
	d.samples++

	if d.samples%spikeEvalEvery != 0 || d.window.Len() < spikeMinSamples {
		return false
	}

	d.lastP99 = d.window.Percentile(99)
	if d.lastP99 > d.threshold {
		d.consecutive++
		if d.consecutive >= spikeConsecutive {
			d.consecutive = 0
			return true
		}
		return false
	}
	d.consecutive = 0
	return false
}

// P99 returns the most recently evaluated p99, for log context.
func (d *spikeDetector) P99() float64 { return d.lastP99 }
