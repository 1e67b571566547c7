package cdc

import (
	"context"
	"errors"
	"fmt"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

var (
	// ErrPublish marks a failed SendBatch; the batch is left open and retried on the next run.
	ErrPublish = errors.New("event publish failed")
	// ErrCompletion marks a failed CompleteBatch.
	ErrCompletion = errors.New("batch completion failed")
)

// UnexpectedError wraps a failure that is neither cancellation, data loss nor a database error
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// ExecuteStatus holds the counts of each stage; nil means the stage was not reached.
type ExecuteStatus struct {
	InitialCount      int
	ConsolidatedCount *int
	PublishCount      *int
}

// Result is the outcome of an orchestrator execution. Failures are captured in Err rather than
// returned, so a scheduler can decide when to retry.
type Result struct {
	ExecutionID string
	Batch       *api.BatchTracker
	Status      ExecuteStatus
	Events      []api.EventEnvelope
	Published   bool
	Completed   bool
	Err         error
}

// IsSuccessful reports whether the execution finished without error
func (r Result) IsSuccessful() bool {
	return r.Err == nil
}

// IsCancelled reports whether the execution stopped because its context was cancelled
func (r Result) IsCancelled() bool {
	return errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded)
}

// Outcome returns a short label for logging and metrics
func (r Result) Outcome() string {
	var dbErr *api.DatabaseError
	switch {
	case r.Err == nil && r.Batch == nil:
		return "none"
	case r.Err == nil:
		return "completed"
	case r.IsCancelled():
		return "cancelled"
	case errors.Is(r.Err, api.ErrDataLoss):
		return "data_loss"
	case errors.Is(r.Err, ErrPublish):
		return "publish_error"
	case errors.As(r.Err, &dbErr):
		return "database_error"
	default:
		return "unexpected"
	}
}
