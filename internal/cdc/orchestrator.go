package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/katasec/dstream-orchestrator/internal/telemetry"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

const (
	defaultMaxQuerySize       = 100
	defaultCompleteRetryDelay = 100 * time.Millisecond
)

// ProcessingFunc enriches the consolidated entities in place before versioning.
// It must not add or remove entities.
type ProcessingFunc func(ctx context.Context, entities []*api.Entity) error

// Options configures an Orchestrator for one entity
type Options struct {
	Mapping              api.EntityMapping
	MaxQuerySize         int
	ContinueWithDataLoss bool
	ExcludeFromETag      []string
	Event                EventOptions
	AdditionalProcessing ProcessingFunc
	// CompleteAttempts is the number of times a failing completion is attempted.
	CompleteAttempts   int
	CompleteRetryDelay time.Duration
	BatchSizer         *BatchSizer
	Clock              clock.Clock
}

// Orchestrator runs the claim → consolidate → version → publish → complete cycle for one entity.
type Orchestrator struct {
	store     api.BatchStore
	publisher api.EventPublisher
	logger    hclog.Logger
	opts      Options
	gate      *VersionGate
	formatter EventFormatter
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(store api.BatchStore, publisher api.EventPublisher, logger hclog.Logger, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if err := opts.Mapping.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if opts.MaxQuerySize < 1 {
		opts.MaxQuerySize = defaultMaxQuerySize
	}
	if opts.CompleteAttempts < 1 {
		opts.CompleteAttempts = 1
	}
	if opts.CompleteRetryDelay <= 0 {
		opts.CompleteRetryDelay = defaultCompleteRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Event.Subject == "" {
		opts.Event.Subject = opts.Mapping.Name
	}
	if len(opts.Event.KeyColumns) == 0 {
		opts.Event.KeyColumns = opts.Mapping.KeyColumns
	}

	return &Orchestrator{
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		gate:      NewVersionGate(opts.ExcludeFromETag),
		formatter: NewEventFormatter(opts.Event),
	}, nil
}

// Name returns the entity name
func (o *Orchestrator) Name() string {
	return o.opts.Mapping.Name
}

// MaxQuerySize returns the claim size for the next execution
func (o *Orchestrator) MaxQuerySize() int {
	size := o.opts.MaxQuerySize
	if o.opts.BatchSizer != nil {
		if s := int(o.opts.BatchSizer.GetBatchSize()); s < size {
			size = s
		}
	}
	return size
}

// Execute claims the next batch and processes it to completion. It never panics; every failure is
// reported through the Result.
//
// Cancellation of ctx is honoured until publishing starts. From then on the publish and the
// completion run to the end, so that published events are recorded and not sent again.
func (o *Orchestrator) Execute(ctx context.Context) (result Result) {
	start := time.Now()
	result.ExecutionID = uuid.NewString()
	log := o.logger.With("service", o.Name(), "executionId", result.ExecutionID)

	defer func() {
		if r := recover(); r != nil {
			result.Err = &UnexpectedError{Err: fmt.Errorf("panic: %v", r)}
			log.Error("Unexpected error encountered", "error", result.Err, "critical", true)
		}
		o.observe(result, time.Since(start))
	}()

	maxQuerySize := o.MaxQuerySize()
	log.Trace("Query for next change data capture batch", "maxQuerySize", maxQuerySize, "continueWithDataLoss", o.opts.ContinueWithDataLoss)

	if err := ctx.Err(); err != nil {
		result.Err = err
		log.Warn("Execution cancelled before claim")
		return result
	}

	batch, rows, err := o.store.ClaimBatch(ctx, api.ClaimRequest{
		MaxQuerySize:         maxQuerySize,
		ContinueWithDataLoss: o.opts.ContinueWithDataLoss,
	})
	if err != nil {
		result.Err = o.classify(ctx, err, log)
		return result
	}

	result.Status.InitialCount = len(rows)
	if batch == nil {
		log.Trace("Batch 'none': no new change data capture data was found")
		return result
	}

	result.Batch = batch
	log = log.With("batchId", batch.ID, "correlationId", batch.CorrelationID)
	log.Info("Batch claimed", "rows", len(rows), "maxQuerySize", maxQuerySize, "elapsed", time.Since(start))
	if batch.HasDataLoss {
		log.Warn("Batch continued with change data loss")
	}

	if o.cancelled(ctx, &result, log) {
		return result
	}

	entities := Consolidate(rows, o.opts.Mapping)
	if o.cancelled(ctx, &result, log) {
		return result
	}

	if o.opts.AdditionalProcessing != nil {
		if err := o.process(ctx, entities); err != nil {
			result.Err = o.classify(ctx, err, log)
			return result
		}
	}
	consolidated := len(entities)
	result.Status.ConsolidatedCount = &consolidated

	survivors, trackers, err := o.gate.Filter(entities)
	if err != nil {
		result.Err = o.classify(ctx, err, log)
		return result
	}
	telemetry.DuplicatesSuppressedTotal.With(o.Name()).Add(float64(len(entities) - len(survivors)))

	if o.cancelled(ctx, &result, log) {
		return result
	}

	// Cancellation is ignored from here on.
	uctx := context.WithoutCancel(ctx)

	published := 0
	if len(survivors) == 0 {
		log.Info("No events were published; no unique version tracking hash found")
	} else {
		events := o.formatter.MakeEvents(survivors, batch.CorrelationID)
		sendStart := time.Now()
		if err := o.publisher.SendBatch(uctx, events); err != nil {
			result.Err = fmt.Errorf("%w: %w", ErrPublish, err)
			log.Error("Failed to publish events; batch left open for retry", "events", len(events), "error", err)
			return result
		}
		published = len(events)
		result.Events = events
		result.Published = true
		if o.opts.BatchSizer != nil {
			o.opts.BatchSizer.Observe(events)
		}
		log.Info("Events published", "events", published, "elapsed", time.Since(sendStart))
	}
	result.Status.PublishCount = &published

	completeStart := time.Now()
	completed, err := o.complete(uctx, batch.ID, trackers, log)
	if err != nil {
		result.Err = fmt.Errorf("%w: %w", ErrCompletion, err)
		if result.Published {
			log.Warn("Events were published but the batch could not be completed; they will be republished on retry", "error", err)
		} else {
			log.Error("Failed to complete batch", "error", err)
		}
		return result
	}

	if completed != nil {
		result.Batch = completed
	}
	result.Completed = true
	log.Info("Batch marked as completed", "versions", len(trackers), "elapsed", time.Since(completeStart))
	return result
}

// Complete completes an existing batch, recording the given version trackers.
func (o *Orchestrator) Complete(ctx context.Context, batchID int64, trackers []api.VersionTracker) Result {
	result := Result{ExecutionID: uuid.NewString()}
	log := o.logger.With("service", o.Name(), "executionId", result.ExecutionID, "batchId", batchID)

	completed, err := o.complete(ctx, batchID, trackers, log)
	if err != nil {
		result.Err = o.classify(ctx, err, log)
		return result
	}
	result.Batch = completed
	result.Completed = true
	return result
}

func (o *Orchestrator) complete(ctx context.Context, batchID int64, trackers []api.VersionTracker, log hclog.Logger) (*api.BatchTracker, error) {
	var completed *api.BatchTracker
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			completed, err = o.store.CompleteBatch(ctx, batchID, trackers)
			return err
		},
		IsFatalError: func(err error) bool {
			var dbErr *api.DatabaseError
			return !errors.As(err, &dbErr) || ctx.Err() != nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			log.Warn("Batch completion attempt failed", "attempt", attempt, "error", lastError)
		},
		Attempts:    o.opts.CompleteAttempts,
		Delay:       o.opts.CompleteRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       o.opts.Clock,
	})
	if err != nil {
		return nil, retry.LastError(err)
	}
	return completed, nil
}

// process runs the additional processing hook and verifies it kept the entity set intact.
func (o *Orchestrator) process(ctx context.Context, entities []*api.Entity) error {
	keys := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		keys[e.Key.String()] = struct{}{}
	}

	if err := o.opts.AdditionalProcessing(ctx, entities); err != nil {
		return err
	}

	if len(entities) != len(keys) {
		return fmt.Errorf("additional processing changed the number of entities")
	}
	for _, e := range entities {
		if _, ok := keys[e.Key.String()]; !ok {
			return fmt.Errorf("additional processing changed entity key %s", e.Key)
		}
	}
	return nil
}

func (o *Orchestrator) cancelled(ctx context.Context, result *Result, log hclog.Logger) bool {
	if err := ctx.Err(); err != nil {
		result.Err = err
		log.Warn("Batch incomplete as a result of cancellation")
		return true
	}
	return false
}

// classify maps err onto the error taxonomy and logs it at the matching level.
func (o *Orchestrator) classify(ctx context.Context, err error, log hclog.Logger) error {
	var dbErr *api.DatabaseError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Warn("Execution cancelled")
		return err
	case ctx.Err() != nil:
		log.Warn("Execution cancelled", "error", err)
		return ctx.Err()
	case errors.Is(err, api.ErrDataLoss):
		log.Error("Change data loss detected; set continue_with_data_loss to proceed with the data available", "error", err)
		return err
	case errors.As(err, &dbErr):
		log.Error(dbErr.Error())
		return err
	default:
		var unexpected *UnexpectedError
		if !errors.As(err, &unexpected) {
			err = &UnexpectedError{Err: err}
		}
		log.Error("Unexpected error encountered", "error", err, "critical", true)
		return err
	}
}

func (o *Orchestrator) observe(result Result, elapsed time.Duration) {
	name := o.Name()
	telemetry.BatchesTotal.With(name, result.Outcome()).Inc()
	telemetry.ExecutionDurationSeconds.With(name).Observe(elapsed.Seconds())
	telemetry.RowsClaimedTotal.With(name).Add(float64(result.Status.InitialCount))
	if result.Status.ConsolidatedCount != nil {
		telemetry.EntitiesConsolidatedTotal.With(name).Add(float64(*result.Status.ConsolidatedCount))
	}
	if result.Status.PublishCount != nil {
		telemetry.EventsPublishedTotal.With(name).Add(float64(*result.Status.PublishCount))
	}
}
