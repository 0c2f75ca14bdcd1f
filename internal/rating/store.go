package rating

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoRatedUsage is returned when no rating run exists for the period.
var ErrNoRatedUsage = errors.New("no rated usage for this customer and period")

// Store persists rated usage. Each save supersedes rather than mutates: the
// store assigns the next version for the (customer, period) and keeps every
// prior run for audit.
type Store interface {
	// Save persists the run and assigns its Version.
	Save(ctx context.Context, r *RatedUsage) error

	// Latest returns the highest-version run for the period.
	Latest(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (*RatedUsage, error)

	// Unsynced returns latest-version runs not yet pushed to the billing
	// backend.
	Unsynced(ctx context.Context) ([]RatedUsage, error)

	// MarkSynced records a successful billing backend push.
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error

	// AnnotateInvoice attaches the external invoice reference to the
	// period's latest run. Amounts are never altered.
	AnnotateInvoice(ctx context.Context, customerID uuid.UUID, periodStart time.Time, invoiceRef string) error
}

type periodKey struct {
	customerID  uuid.UUID
	periodStart time.Time
}

// MemoryStore is an in-memory Store used by tests and previews.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[periodKey][]*RatedUsage
}

// NewMemoryStore creates an empty in-memory rated usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[periodKey][]*RatedUsage)}
}

// Save persists the run and assigns the next version for its period.
func (s *MemoryStore) Save(_ context.Context, r *RatedUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodKey{customerID: r.CustomerID, periodStart: r.PeriodStart.UTC()}
	r.Version = int64(len(s.runs[key])) + 1
	stored := *r
	s.runs[key] = append(s.runs[key], &stored)
	return nil
}

// Latest returns the highest-version run for the period.
func (s *MemoryStore) Latest(_ context.Context, customerID uuid.UUID, periodStart time.Time) (*RatedUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[periodKey{customerID: customerID, periodStart: periodStart.UTC()}]
	if len(runs) == 0 {
		return nil, ErrNoRatedUsage
	}
	out := *runs[len(runs)-1]
	return &out, nil
}

// Unsynced returns latest-version runs awaiting a billing backend push.
func (s *MemoryStore) Unsynced(_ context.Context) ([]RatedUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RatedUsage
	for _, runs := range s.runs {
		latest := runs[len(runs)-1]
		if !latest.Synced {
			out = append(out, *latest)
		}
	}
	return out, nil
}

// MarkSynced records a successful billing backend push.
func (s *MemoryStore) MarkSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, runs := range s.runs {
		for _, r := range runs {
			if r.ID == id {
				at := at.UTC()
				r.Synced = true
				r.SyncedAt = &at
				return nil
			}
		}
	}
	return ErrNoRatedUsage
}

// AnnotateInvoice attaches the invoice reference to the period's latest run.
func (s *MemoryStore) AnnotateInvoice(_ context.Context, customerID uuid.UUID, periodStart time.Time, invoiceRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[periodKey{customerID: customerID, periodStart: periodStart.UTC()}]
	if len(runs) == 0 {
		return ErrNoRatedUsage
	}
	runs[len(runs)-1].InvoiceRef = invoiceRef
	return nil
}
