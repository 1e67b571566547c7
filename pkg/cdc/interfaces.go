package cdc

import "context"

// ClaimRequest holds the parameters of a batch claim
type ClaimRequest struct {
	MaxQuerySize         int
	ContinueWithDataLoss bool
}

// BatchStore claims and completes batches of change data for a single entity.
//
// Both operations must be atomic: a claim either returns an Open tracker together with its rows
// or nothing, and a completion either records every tracker and completes the batch or does nothing.
type BatchStore interface {
	// ClaimBatch returns the next batch and its rows ordered by log sequence.
	// A nil tracker means there is no outstanding change data.
	ClaimBatch(ctx context.Context, req ClaimRequest) (*BatchTracker, []ChangeRow, error)

	// CompleteBatch records the version trackers and marks the batch as completed.
	CompleteBatch(ctx context.Context, batchID int64, trackers []VersionTracker) (*BatchTracker, error)
}

// EventPublisher publishes CDC events
type EventPublisher interface {
	// SendBatch publishes the events; the batch succeeds or fails as a whole.
	SendBatch(ctx context.Context, events []EventEnvelope) error

	// Close releases any resources used by the publisher
	Close() error
}
