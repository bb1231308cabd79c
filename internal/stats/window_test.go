package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowEvictsOldestAtCapacity(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}

	require.Equal(t, 3, w.Len())
	// Only 3,4,5 remain; the minimum percentile must not see evicted samples.
	require.Equal(t, float64(3), w.Percentile(0))
	require.Equal(t, float64(5), w.Percentile(100))
}

func TestPercentileNearestRank(t *testing.T) {
	w := NewWindow(100)
	for i := 1; i <= 100; i++ {
		w.Push(float64(i))
	}

	require.Equal(t, float64(51), w.Percentile(50))
	require.Equal(t, float64(100), w.Percentile(99))
}

func TestPercentileCrossesAfterRegimeShift(t *testing.T) {
	// 200 low-latency samples then 100 high-latency ones: p99 of the mixed
	// window must already sit in the high regime.
	w := NewWindow(1000)
	for i := 0; i < 200; i++ {
		w.Push(10)
	}
	for i := 0; i < 100; i++ {
		w.Push(500)
	}

	require.Equal(t, float64(500), w.Percentile(99))
	require.Equal(t, float64(10), w.Percentile(50))
}

func TestPercentilesSingleSort(t *testing.T) {
	w := NewWindow(10)
	for _, v := range []float64{9, 1, 7, 3, 5} {
		w.Push(v)
	}

	got := w.Percentiles(0, 50, 100)
	require.Equal(t, []float64{1, 5, 9}, got)
}

func TestEmptyWindowQueries(t *testing.T) {
	w := NewWindow(5)
	require.Zero(t, w.Percentile(99))
	require.Zero(t, w.Mean())
	require.Zero(t, w.Std())
	require.Equal(t, []float64{0, 0}, w.Percentiles(50, 99))
}

func TestStdSampleVariance(t *testing.T) {
	w := NewWindow(10)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Push(v)
	}

	require.InDelta(t, 2.138, w.Std(), 0.001)
	require.InDelta(t, 5.0, w.Mean(), 0.0001)
}
