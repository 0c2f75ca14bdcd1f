package facts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the append-only, deduplicated record of raw facts. The fact store
// is write-once by ingestion and shared-read by every downstream stage.
type Store interface {
	// Append stores facts, ignoring any whose dedup key is already present.
	// Returns the number accepted and the number ignored as duplicates.
	Append(ctx context.Context, batch []RawFact) (accepted, duplicates int, err error)

	// FactsInWindow returns facts for a customer with timestamp in
	// [start, end), ordered by (timestamp, trace id, span id, type) so
	// re-derivation is deterministic.
	FactsInWindow(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]RawFact, error)

	// FactsByTrace returns every fact of one run regardless of window,
	// in the same deterministic order. Per-run constraint checks need the
	// whole run even when its facts straddle a window boundary.
	FactsByTrace(ctx context.Context, customerID uuid.UUID, traceID string) ([]RawFact, error)

	// RunIDsInPeriod returns the distinct trace ids seen for a customer in
	// [start, end), used for cost attribution.
	RunIDsInPeriod(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]string, error)

	// CustomersWithFactsIn returns the distinct customers with at least one
	// fact in [start, end), used to schedule re-derivation.
	CustomersWithFactsIn(ctx context.Context, start, end time.Time) ([]uuid.UUID, error)

	// Quarantine holds aside a fact that failed validation.
	Quarantine(ctx context.Context, qf QuarantinedFact) error

	// Quarantined lists quarantined facts for a customer.
	Quarantined(ctx context.Context, customerID uuid.UUID) ([]QuarantinedFact, error)
}

// MemoryStore is an in-memory Store used by tests and usage previews.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	facts       []RawFact
	seen        map[DedupKey]struct{}
	quarantined []QuarantinedFact
}

// NewMemoryStore creates an empty in-memory fact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		seen:   make(map[DedupKey]struct{}),
	}
}

// Append stores facts, ignoring duplicates by dedup key.
func (s *MemoryStore) Append(_ context.Context, batch []RawFact) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted, duplicates := 0, 0
	for _, f := range batch {
		key := f.Key()
		if _, ok := s.seen[key]; ok {
			duplicates++
			continue
		}
		f.ID = s.nextID
		s.nextID++
		s.seen[key] = struct{}{}
		s.facts = append(s.facts, f)
		accepted++
	}
	return accepted, duplicates, nil
}

// FactsInWindow returns facts in [start, end) in deterministic order.
func (s *MemoryStore) FactsInWindow(_ context.Context, customerID uuid.UUID, start, end time.Time) ([]RawFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RawFact
	for _, f := range s.facts {
		if f.CustomerID != customerID {
			continue
		}
		if f.Timestamp.Before(start) || !f.Timestamp.Before(end) {
			continue
		}
		out = append(out, f)
	}
	sortFacts(out)
	return out, nil
}

// FactsByTrace returns every fact of one run in deterministic order.
func (s *MemoryStore) FactsByTrace(_ context.Context, customerID uuid.UUID, traceID string) ([]RawFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RawFact
	for _, f := range s.facts {
		if f.CustomerID == customerID && f.TraceID == traceID {
			out = append(out, f)
		}
	}
	sortFacts(out)
	return out, nil
}

// RunIDsInPeriod returns distinct trace ids for the customer in [start, end).
func (s *MemoryStore) RunIDsInPeriod(_ context.Context, customerID uuid.UUID, start, end time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, f := range s.facts {
		if f.CustomerID != customerID || f.TraceID == "" {
			continue
		}
		if f.Timestamp.Before(start) || !f.Timestamp.Before(end) {
			continue
		}
		set[f.TraceID] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// CustomersWithFactsIn returns distinct customers with facts in [start, end).
func (s *MemoryStore) CustomersWithFactsIn(_ context.Context, start, end time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[uuid.UUID]struct{})
	for _, f := range s.facts {
		if f.Timestamp.Before(start) || !f.Timestamp.Before(end) {
			continue
		}
		set[f.CustomerID] = struct{}{}
	}

	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Quarantine holds aside an invalid fact.
func (s *MemoryStore) Quarantine(_ context.Context, qf QuarantinedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined = append(s.quarantined, qf)
	return nil
}

// Quarantined lists quarantined facts for a customer.
func (s *MemoryStore) Quarantined(_ context.Context, customerID uuid.UUID) ([]QuarantinedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []QuarantinedFact
	for _, qf := range s.quarantined {
		if qf.Fact.CustomerID == customerID {
			out = append(out, qf)
		}
	}
	return out, nil
}

func sortFacts(fs []RawFact) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].Timestamp.Equal(fs[j].Timestamp) {
			return fs[i].Timestamp.Before(fs[j].Timestamp)
		}
		if fs[i].TraceID != fs[j].TraceID {
			return fs[i].TraceID < fs[j].TraceID
		}
		if fs[i].SpanID != fs[j].SpanID {
			return fs[i].SpanID < fs[j].SpanID
		}
		return fs[i].Type < fs[j].Type
	})
}
