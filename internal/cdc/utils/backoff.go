package utils

import "time"

// BackoffManager doubles the polling interval while there is nothing to do
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// A maxInterval below initialInterval disables backoff.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	b.currentInterval = min(b.currentInterval*2, b.maxInterval)
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}
