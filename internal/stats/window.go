// Package stats provides fixed-capacity rolling sample windows with
// percentile and dispersion queries.
package stats

import (
	"math"
	"sort"
)

// Window keeps the most recent samples up to a fixed capacity, overwriting
// the oldest on insert. Queries operate on whatever the window currently
// holds. Not safe for concurrent use; every window has a single owner.
type Window struct {
	samples []float64
	next    int
	full    bool
}

// NewWindow returns a window holding at most capacity samples.
// Capacity values below 1 are raised to 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{samples: make([]float64, 0, capacity)}
}

// Push inserts a sample, evicting the oldest once the window is full.
func (w *Window) Push(v float64) {
	if !w.full && len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, v)
		if len(w.samples) == cap(w.samples) {
			w.full = true
			w.next = 0
		}
		return
	}
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
}

// Len reports how many samples the window currently holds.
func (w *Window) Len() int { return len(w.samples) }

// Percentile returns the nearest-rank percentile (p in [0,100]) of the
// current samples, or 0 when the window is empty.
func (w *Window) Percentile(p float64) float64 {
	if len(w.samples) == 0 {
		return 0
	}
	sorted := w.sortedCopy()
	return pick(sorted, p)
}

// Percentiles evaluates several percentile points over one sorted copy.
func (w *Window) Percentiles(ps ...float64) []float64 {
	out := make([]float64, len(ps))
	if len(w.samples) == 0 {
		return out
	}
	sorted := w.sortedCopy()
	for i, p := range ps {
		out[i] = pick(sorted, p)
	}
	return out
}

// Mean returns the arithmetic mean of the current samples.
func (w *Window) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples))
}

// Std returns the sample standard deviation (n-1) of the current samples,
// or 0 with fewer than two samples.
func (w *Window) Std() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	mean := w.Mean()
	var ss float64
	for _, v := range w.samples {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

func (w *Window) sortedCopy() []float64 {
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	sort.Float64s(sorted)
	return sorted
}

func pick(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
