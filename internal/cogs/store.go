package cogs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists cost records.
type Store interface {
	Record(ctx context.Context, c CostRecord) error

	// ByRunIDs returns cost records attributed to any of the given runs.
	ByRunIDs(ctx context.Context, runIDs []string) ([]CostRecord, error)

	// UnattributedInWindow returns records with no run id incurred in
	// [start, end).
	UnattributedInWindow(ctx context.Context, start, end time.Time) ([]CostRecord, error)
}

// MemoryStore is an in-memory Store used by tests and previews.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []CostRecord
}

// NewMemoryStore creates an empty in-memory cost store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record stores a cost record.
func (s *MemoryStore) Record(_ context.Context, c CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, c)
	return nil
}

// ByRunIDs returns cost records attributed to any of the given runs.
func (s *MemoryStore) ByRunIDs(_ context.Context, runIDs []string) ([]CostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		wanted[id] = true
	}

	var out []CostRecord
	for _, c := range s.rows {
		if c.RunID != "" && wanted[c.RunID] {
			out = append(out, c)
		}
	}
	sortRecords(out)
	return out, nil
}

// UnattributedInWindow returns run-less records incurred in [start, end).
func (s *MemoryStore) UnattributedInWindow(_ context.Context, start, end time.Time) ([]CostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CostRecord
	for _, c := range s.rows {
		if c.RunID != "" {
			continue
		}
		if c.IncurredAt.Before(start) || !c.IncurredAt.Before(end) {
			continue
		}
		out = append(out, c)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(cs []CostRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].IncurredAt.Equal(cs[j].IncurredAt) {
			return cs[i].IncurredAt.Before(cs[j].IncurredAt)
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}
