package forensics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(d *spikeDetector, ageMS int64, n int) int {
	fired := 0
	for i := 0; i < n; i++ {
		if d.Add(ageMS) {
			fired++
		}
	}
	return fired
}

func TestSpikeRequiresTwoConsecutiveHotEvaluations(t *testing.T) {
	d := newSpikeDetector(100)

	require.Zero(t, feed(d, 10, 200), "cold regime never fires")

	// First hot evaluation (sample 300) crosses the threshold but only
	// arms; the second consecutive one (sample 400) fires.
	require.Zero(t, feed(d, 500, 100))
	require.Equal(t, 1, feed(d, 500, 100))
	require.InDelta(t, 500, d.P99(), 0.001)
}

func TestSpikeAllHotFiresOnSecondEvaluation(t *testing.T) {
	d := newSpikeDetector(100)

	require.Zero(t, feed(d, 500, 99), "below the evaluation cadence")
	require.Zero(t, feed(d, 500, 1), "first evaluation arms only")
	require.Zero(t, feed(d, 500, 99))
	require.Equal(t, 1, feed(d, 500, 1), "second evaluation fires")
}

func TestSpikeColdEvaluationResetsTheStreak(t *testing.T) {
	d := newSpikeDetector(100)

	feed(d, 10, 99)
	require.Zero(t, feed(d, 500, 1), "single outlier arms at the first evaluation")
	require.Zero(t, feed(d, 10, 100), "cold evaluation resets the streak")
	require.Zero(t, feed(d, 500, 100), "hot evaluation after the reset arms again")
	require.Equal(t, 1, feed(d, 500, 100), "second consecutive hot evaluation fires")
}

func TestSpikeStreakRestartsAfterFiring(t *testing.T) {
	d := newSpikeDetector(100)

	require.Equal(t, 1, feed(d, 500, 200), "fires at the second evaluation")
	require.Zero(t, feed(d, 500, 100), "streak restarts after firing")
	require.Equal(t, 1, feed(d, 500, 100), "fires again two evaluations later")
}

func TestSpikeNoEvaluationBelowMinimumSamples(t *testing.T) {
	d := newSpikeDetector(1)

	require.Zero(t, feed(d, 1000, 99))
	require.Zero(t, d.P99(), "no evaluation happened yet")
}
