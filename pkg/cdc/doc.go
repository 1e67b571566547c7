// Package cdc provides the public types and interfaces for entity-level Change Data Capture (CDC)
// orchestration.
//
// Raw row changes claimed from a database are consolidated into one decision per entity key,
// deduplicated against the last published version of each entity and published as events.
//
// Key Components:
//   - ChangeRow / Entity: a captured row change and the per-entity value derived from it
//   - BatchTracker / VersionTracker: the only state persisted by the database
//   - EventEnvelope: the event produced for each surviving entity
//   - BatchStore: claims and completes batches atomically
//   - EventPublisher: sends a batch of events, all-or-nothing
package cdc
