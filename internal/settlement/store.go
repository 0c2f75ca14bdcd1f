package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists outcome verifications. The tracker exclusively owns writes.
type Store interface {
	Create(ctx context.Context, v Verification) error
	ByRef(ctx context.Context, externalRef string) (*Verification, error)
	ByID(ctx context.Context, id uuid.UUID) (*Verification, error)
	Update(ctx context.Context, v Verification) error

	// InPeriod returns verifications for a customer and outcome key whose
	// occurrence falls in [start, end), in deterministic order.
	InPeriod(ctx context.Context, customerID uuid.UUID, outcomeKey string, start, end time.Time) ([]Verification, error)

	// ReversedBilled returns verifications that were billed, then reversed,
	// and have not yet been credited.
	ReversedBilled(ctx context.Context, customerID uuid.UUID) ([]Verification, error)

	// Pending returns verifications awaiting external confirmation,
	// optionally filtered by external system.
	Pending(ctx context.Context, externalSystem string) ([]Verification, error)
}

// MemoryStore is an in-memory Store used by tests and previews.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]Verification
}

// NewMemoryStore creates an empty in-memory verification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]Verification)}
}

// Create stores a new verification.
func (s *MemoryStore) Create(_ context.Context, v Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[v.ID] = v
	return nil
}

// ByRef finds a verification by external reference.
func (s *MemoryStore) ByRef(_ context.Context, externalRef string) (*Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.rows {
		if v.ExternalRef == externalRef {
			out := v
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// ByID finds a verification by id.
func (s *MemoryStore) ByID(_ context.Context, id uuid.UUID) (*Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.rows[id]; ok {
		out := v
		return &out, nil
	}
	return nil, ErrNotFound
}

// Update replaces a stored verification.
func (s *MemoryStore) Update(_ context.Context, v Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[v.ID]; !ok {
		return ErrNotFound
	}
	s.rows[v.ID] = v
	return nil
}

// InPeriod returns verifications occurring in [start, end).
func (s *MemoryStore) InPeriod(_ context.Context, customerID uuid.UUID, outcomeKey string, start, end time.Time) ([]Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Verification
	for _, v := range s.rows {
		if v.CustomerID != customerID || v.OutcomeKey != outcomeKey {
			continue
		}
		if v.OccurredAt.Before(start) || !v.OccurredAt.Before(end) {
			continue
		}
		out = append(out, v)
	}
	sortVerifications(out)
	return out, nil
}

// ReversedBilled returns billed-then-reversed verifications pending a credit.
func (s *MemoryStore) ReversedBilled(_ context.Context, customerID uuid.UUID) ([]Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Verification
	for _, v := range s.rows {
		if v.CustomerID != customerID {
			continue
		}
		if v.Status == StatusReversed && v.BilledPeriodStart != nil && v.CreditedPeriodStart == nil {
			out = append(out, v)
		}
	}
	sortVerifications(out)
	return out, nil
}

// Pending returns pending verifications, optionally for one external system.
func (s *MemoryStore) Pending(_ context.Context, externalSystem string) ([]Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Verification
	for _, v := range s.rows {
		if v.Status != StatusPending {
			continue
		}
		if externalSystem != "" && v.ExternalSystem != externalSystem {
			continue
		}
		out = append(out, v)
	}
	sortVerifications(out)
	return out, nil
}

func sortVerifications(vs []Verification) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].OccurredAt.Equal(vs[j].OccurredAt) {
			return vs[i].OccurredAt.Before(vs[j].OccurredAt)
		}
		return vs[i].ExternalRef < vs[j].ExternalRef
	})
}
