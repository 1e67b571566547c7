package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// memoryStore is an in-memory BatchStore. Pending rows stay pending until the batch that
// claimed them is completed, and an open batch is re-surfaced by the next claim.
type memoryStore struct {
	mu sync.Mutex

	pending []api.ChangeRow
	open    *api.BatchTracker
	claimed []api.ChangeRow
	ledger  map[string]string
	nextID  int64

	claimErr     error
	completeErrs []error
	claims       int
	completes    int
	completedIDs []int64
}

func newMemoryStore(rows ...api.ChangeRow) *memoryStore {
	return &memoryStore{pending: rows, ledger: map[string]string{}}
}

func (s *memoryStore) add(rows ...api.ChangeRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rows...)
}

func (s *memoryStore) ClaimBatch(ctx context.Context, req api.ClaimRequest) (*api.BatchTracker, []api.ChangeRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++

	if s.claimErr != nil {
		return nil, nil, s.claimErr
	}
	if s.open != nil {
		b := *s.open
		return &b, s.withHashes(s.claimed), nil
	}
	if len(s.pending) == 0 {
		return nil, nil, nil
	}

	n := min(req.MaxQuerySize, len(s.pending))
	s.claimed = append([]api.ChangeRow(nil), s.pending[:n]...)
	s.nextID++
	s.open = &api.BatchTracker{
		ID:            s.nextID,
		EntityName:    "customer",
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
		State:         api.BatchOpen,
	}
	b := *s.open
	return &b, s.withHashes(s.claimed), nil
}

func (s *memoryStore) withHashes(rows []api.ChangeRow) []api.ChangeRow {
	out := make([]api.ChangeRow, len(rows))
	for i, r := range rows {
		r.TrackingHash = s.ledger[r.Key.String()]
		out[i] = r
	}
	return out
}

func (s *memoryStore) CompleteBatch(ctx context.Context, batchID int64, trackers []api.VersionTracker) (*api.BatchTracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes++

	if len(s.completeErrs) > 0 {
		err := s.completeErrs[0]
		s.completeErrs = s.completeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.open == nil || s.open.ID != batchID {
		return nil, api.NewDatabaseError("complete", context.DeadlineExceeded)
	}

	for _, t := range trackers {
		s.ledger[t.Key] = t.Hash
	}
	now := time.Now()
	b := *s.open
	b.State = api.BatchCompleted
	b.CompletedAt = &now

	s.pending = s.pending[len(s.claimed):]
	s.claimed = nil
	s.open = nil
	s.completedIDs = append(s.completedIDs, batchID)
	return &b, nil
}

// recordingPublisher records every batch it is asked to send.
type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]api.EventEnvelope
	err     error
	onSend  func(ctx context.Context)
}

func (p *recordingPublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	if p.onSend != nil {
		p.onSend(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func customerMapping() api.EntityMapping {
	return api.EntityMapping{
		Name:            "customer",
		Schema:          "Legacy",
		Table:           "Customer",
		KeyColumns:      []string{"CustomerId"},
		IsDeletedColumn: "IsDeleted",
	}
}

func customerRow(id int64, op api.OperationType, name string) api.ChangeRow {
	r := api.ChangeRow{
		Key:       api.NewCompositeKey(id),
		TableKey:  api.NewCompositeKey(id),
		Operation: op,
		Data:      map[string]any{"CustomerId": id, "Name": name, "RowVersion": []byte{0x01}},
	}
	if op == api.Delete {
		r.TableKey = api.NewCompositeKey(nil)
		r.Data = map[string]any{"CustomerId": id, "Name": nil, "RowVersion": nil}
	}
	return r
}
