package train

import (
	"math"

	"github.com/gomlx/exceptions"
)

// RunningLoss keeps a windowed mean of recent training losses, the value
// progress reporting shows so the displayed loss is smooth but current.
type RunningLoss struct {
	window []float64
	next   int
	filled int
}

// NewRunningLoss creates an accumulator over the last window losses.
func NewRunningLoss(window int) *RunningLoss {
	if window < 1 {
		exceptions.Panicf("NewRunningLoss: window must be >= 1, got %d", window)
	}
	return &RunningLoss{window: make([]float64, window)}
}

// Add records one loss value.
func (r *RunningLoss) Add(loss float64) {
	r.window[r.next] = loss
	r.next = (r.next + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
}

// Mean returns the mean of the recorded window, or NaN before the first
// Add.
func (r *RunningLoss) Mean() float64 {
	if r.filled == 0 {
		return math.NaN()
	}
	var sum float64
	for ii := 0; ii < r.filled; ii++ {
		sum += r.window[ii]
	}
	return sum / float64(r.filled)
}

// Reset forgets all recorded values.
func (r *RunningLoss) Reset() {
	r.next = 0
	r.filled = 0
}
