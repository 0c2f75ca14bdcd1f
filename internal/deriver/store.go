package deriver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReadingStore persists meter readings and the per-period input version. The
// deriver exclusively owns writes; ReplaceWindow carries the single-writer
// discipline per (customer, window).
type ReadingStore interface {
	// ReplaceWindow atomically replaces every reading for the customer and
	// window with the given set. Meters absent from the set are removed,
	// so re-derivation overwrites rather than accumulates.
	ReplaceWindow(ctx context.Context, customerID uuid.UUID, w Window, readings []MeterReading) error

	// ReadingsInWindow returns the stored readings for one window, ordered
	// by meter key.
	ReadingsInWindow(ctx context.Context, customerID uuid.UUID, w Window) ([]MeterReading, error)

	// ReadingsInPeriod returns readings whose window start falls in
	// [start, end), ordered by (window start, meter key).
	ReadingsInPeriod(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]MeterReading, error)

	// InputVersion returns the current input version for the billing period
	// starting at periodStart, zero if the period was never touched.
	InputVersion(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error)

	// BumpInputVersion increments and returns the period's input version.
	// Any rated usage computed under an earlier version is stale.
	BumpInputVersion(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error)
}

type versionKey struct {
	customerID  uuid.UUID
	periodStart time.Time
}

type windowKey struct {
	customerID  uuid.UUID
	windowStart time.Time
}

// MemoryStore is an in-memory ReadingStore used by tests and previews.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[windowKey][]MeterReading
	versions map[versionKey]int64
}

// NewMemoryStore creates an empty in-memory reading store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[windowKey][]MeterReading),
		versions: make(map[versionKey]int64),
	}
}

// ReplaceWindow atomically replaces the window's readings.
func (s *MemoryStore) ReplaceWindow(_ context.Context, customerID uuid.UUID, w Window, readings []MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey{customerID: customerID, windowStart: w.Start.UTC()}
	if len(readings) == 0 {
		delete(s.readings, key)
		return nil
	}
	stored := make([]MeterReading, len(readings))
	copy(stored, readings)
	sortReadings(stored)
	s.readings[key] = stored
	return nil
}

// ReadingsInWindow returns the stored readings for one window.
func (s *MemoryStore) ReadingsInWindow(_ context.Context, customerID uuid.UUID, w Window) ([]MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := windowKey{customerID: customerID, windowStart: w.Start.UTC()}
	stored := s.readings[key]
	out := make([]MeterReading, len(stored))
	copy(out, stored)
	return out, nil
}

// ReadingsInPeriod returns readings with window start in [start, end).
func (s *MemoryStore) ReadingsInPeriod(_ context.Context, customerID uuid.UUID, start, end time.Time) ([]MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MeterReading
	for key, stored := range s.readings {
		if key.customerID != customerID {
			continue
		}
		if key.windowStart.Before(start) || !key.windowStart.Before(end) {
			continue
		}
		out = append(out, stored...)
	}
	sortReadings(out)
	return out, nil
}

// InputVersion returns the period's current input version.
func (s *MemoryStore) InputVersion(_ context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[versionKey{customerID: customerID, periodStart: periodStart.UTC()}], nil
}

// BumpInputVersion increments and returns the period's input version.
func (s *MemoryStore) BumpInputVersion(_ context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey{customerID: customerID, periodStart: periodStart.UTC()}
	s.versions[key]++
	return s.versions[key], nil
}

func sortReadings(rs []MeterReading) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].WindowStart.Equal(rs[j].WindowStart) {
			return rs[i].WindowStart.Before(rs[j].WindowStart)
		}
		return rs[i].MeterKey < rs[j].MeterKey
	})
}
