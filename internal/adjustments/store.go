package adjustments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists adjustments.
type Store interface {
	Create(ctx context.Context, a Adjustment) error

	// Unapplied returns adjustments not yet consumed by a rating run, in
	// creation order.
	Unapplied(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error)

	// MarkApplied records the period whose rating run consumed the
	// adjustment.
	MarkApplied(ctx context.Context, id uuid.UUID, periodStart time.Time) error

	// ByCustomer lists all adjustments for a customer, newest first.
	ByCustomer(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error)
}

// MemoryStore is an in-memory Store used by tests and previews.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]Adjustment
}

// NewMemoryStore creates an empty in-memory adjustment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]Adjustment)}
}

// Create stores a new adjustment.
func (s *MemoryStore) Create(_ context.Context, a Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.ID] = a
	return nil
}

// Unapplied returns unconsumed adjustments in creation order.
func (s *MemoryStore) Unapplied(_ context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Adjustment
	for _, a := range s.rows {
		if a.CustomerID == customerID && a.AppliedPeriodStart == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// MarkApplied records the consuming period.
func (s *MemoryStore) MarkApplied(_ context.Context, id uuid.UUID, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	ps := periodStart.UTC()
	a.AppliedPeriodStart = &ps
	s.rows[id] = a
	return nil
}

// ByCustomer lists all adjustments for a customer, newest first.
func (s *MemoryStore) ByCustomer(_ context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Adjustment
	for _, a := range s.rows {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
