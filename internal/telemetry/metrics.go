package telemetry

// ExecutionBuckets for a full claim → publish → complete run
var ExecutionBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// BatchesTotal counts orchestrator executions by entity and outcome
	// (none, completed, cancelled, data_loss, database_error, publish_error, unexpected)
	BatchesTotal CounterVec = noopCounterVec{}

	// RowsClaimedTotal counts raw change rows claimed by entity
	RowsClaimedTotal CounterVec = noopCounterVec{}

	// EntitiesConsolidatedTotal counts entities surviving consolidation by entity
	EntitiesConsolidatedTotal CounterVec = noopCounterVec{}

	// DuplicatesSuppressedTotal counts entity versions dropped by the version gate
	DuplicatesSuppressedTotal CounterVec = noopCounterVec{}

	// EventsPublishedTotal counts events sent by entity
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// ExecutionDurationSeconds measures orchestrator execution latency by entity
	ExecutionDurationSeconds HistogramVec = noopHistogramVec{}
)

func registerMetrics() {
	BatchesTotal = newCounterVec("batches_total", "Orchestrator executions by outcome", []string{"entity", "outcome"})
	RowsClaimedTotal = newCounterVec("rows_claimed_total", "Raw change rows claimed", []string{"entity"})
	EntitiesConsolidatedTotal = newCounterVec("entities_consolidated_total", "Entities surviving consolidation", []string{"entity"})
	DuplicatesSuppressedTotal = newCounterVec("duplicates_suppressed_total", "Entity versions already published", []string{"entity"})
	EventsPublishedTotal = newCounterVec("events_published_total", "Events published", []string{"entity"})
	ExecutionDurationSeconds = newHistogramVec("execution_duration_seconds", "Orchestrator execution latency", []string{"entity"}, ExecutionBuckets)
}
