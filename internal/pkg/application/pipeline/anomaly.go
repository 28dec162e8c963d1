package pipeline

import (
	"math"
	"sort"
)

// rollingWindow keeps the last capacity values for robust statistics.
type rollingWindow struct {
	values   []float64
	capacity int
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{capacity: capacity}
}

func (w *rollingWindow) push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.capacity {
		w.values = w.values[1:]
	}
}

func (w *rollingWindow) size() int {
	return len(w.values)
}

// mad returns the median absolute deviation of the window.
func (w *rollingWindow) mad() float64 {
	n := len(w.values)
	if n == 0 {
		return 0
	}

	med := median(w.values)

	deviations := make([]float64, n)
	for i, v := range w.values {
		deviations[i] = math.Abs(v - med)
	}

	return median(deviations)
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// madScale converts a MAD into an estimate of the standard deviation
// for normally distributed data.
const madScale = 1.4826

// minWindowForZScore gates the z-score predicate until the window holds
// enough samples for the MAD to mean anything.
const minWindowForZScore = 5

// robustZScore scores a residual against the window. A zero MAD (flat
// signal) yields zero rather than infinity: the hard residual limits
// catch genuine jumps in that regime.
func robustZScore(residual float64, w *rollingWindow) float64 {
	if w.size() < minWindowForZScore {
		return 0
	}

	mad := w.mad()
	if mad <= 0 {
		return 0
	}

	return math.Abs(residual) / (mad * madScale)
}
