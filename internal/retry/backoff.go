package retry

import "time"

// Backoff manages exponential backoff between attempts
type Backoff struct {
	currentInterval time.Duration
	maxInterval     time.Duration
}

// NewBackoff initializes a new Backoff with the given intervals.
func NewBackoff(initialInterval, maxInterval time.Duration) *Backoff {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &Backoff{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
	}
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *Backoff) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// Next returns the interval to wait now and advances the backoff
func (b *Backoff) Next() time.Duration {
	d := b.currentInterval
	b.IncreaseInterval()
	return d
}
