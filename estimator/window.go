package estimator

// MovingWindowFilter smooths a scalar signal by averaging its most recent
// samples. A running sum keeps each call O(1). The window size is fixed at
// construction; discarding history means constructing a new filter.
type MovingWindowFilter struct {
	samples []float64
	next    int
	full    bool
	sum     float64
}

// NewMovingWindowFilter returns an empty filter holding at most windowSize
// samples. windowSize must be positive.
func NewMovingWindowFilter(windowSize int) *MovingWindowFilter {
	return &MovingWindowFilter{samples: make([]float64, windowSize)}
}

// AddValue appends a sample, evicting the oldest one once the window is
// full, and returns the mean over the samples currently held. During
// warm-up the mean covers only what has been observed so far.
func (f *MovingWindowFilter) AddValue(value float64) float64 {
	if f.full {
		f.sum -= f.samples[f.next]
	}
	f.samples[f.next] = value
	f.sum += value
	f.next++
	if f.next == len(f.samples) {
		f.next = 0
		f.full = true
	}
	return f.sum / float64(f.count())
}

// Size returns the configured window size.
func (f *MovingWindowFilter) Size() int {
	return len(f.samples)
}

func (f *MovingWindowFilter) count() int {
	if f.full {
		return len(f.samples)
	}
	return f.next
}
