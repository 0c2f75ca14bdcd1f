package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded administrative or settlement action. Audit entries
// are append-only and never blocking; a lost entry is logged, not fatal.
type Entry struct {
	ID         uuid.UUID
	CustomerID string
	Actor      string
	Action     string
	Subject    string
	Detail     map[string]string
	OccurredAt time.Time
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error

	// ByCustomer lists a customer's audit trail, newest first.
	ByCustomer(ctx context.Context, customerID string) ([]Entry, error)
}

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores an entry.
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// ByCustomer lists a customer's audit trail, newest first.
func (s *MemoryStore) ByCustomer(_ context.Context, customerID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.CustomerID == customerID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}
