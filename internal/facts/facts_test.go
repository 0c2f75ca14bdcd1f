package facts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func validFact(customerID uuid.UUID) RawFact {
	return RawFact{
		CustomerID: customerID,
		Type:       TypeSpanEnded,
		Timestamp:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		TraceID:    "run-1",
		SpanID:     "span-1",
		Quantities: map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(1500)},
		Attributes: map[string]string{AttrWorkflowDefinition: "intake", AttrStatus: StatusOK},
	}
}

func TestRawFactValidate(t *testing.T) {
	customerID := uuid.New()

	tests := []struct {
		name    string
		mutate  func(*RawFact)
		wantErr string
	}{
		{name: "valid", mutate: func(f *RawFact) {}},
		{name: "missing customer", mutate: func(f *RawFact) { f.CustomerID = uuid.Nil }, wantErr: "customer id"},
		{name: "missing type", mutate: func(f *RawFact) { f.Type = "" }, wantErr: "type"},
		{name: "missing timestamp", mutate: func(f *RawFact) { f.Timestamp = time.Time{} }, wantErr: "timestamp"},
		{name: "missing trace id", mutate: func(f *RawFact) { f.TraceID = "" }, wantErr: "trace id"},
		{name: "negative quantity", mutate: func(f *RawFact) {
			f.Quantities["llm.tokens"] = decimal.NewFromInt(-1)
		}, wantErr: "negative"},
		{name: "outcome without key", mutate: func(f *RawFact) {
			f.Type = TypeOutcome
			f.Attributes = map[string]string{}
		}, wantErr: AttrOutcomeKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFact(customerID)
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDedupKeyNormalizesZone(t *testing.T) {
	f := validFact(uuid.New())
	g := f
	loc := time.FixedZone("IST", 5*3600+1800)
	g.Timestamp = f.Timestamp.In(loc)

	assert.Equal(t, f.Key(), g.Key())
}

func TestIngestDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	logger := zap.NewNop()
	ing := NewIngestor(store, logger, events.NewBus(logger))

	f := validFact(uuid.New())
	result, err := ing.Ingest(context.Background(), []RawFact{f})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	// Same fact again, and once more with a different zone representation.
	replay := f
	replay.Timestamp = f.Timestamp.In(time.FixedZone("PST", -8*3600))
	result, err = ing.Ingest(context.Background(), []RawFact{f, replay})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)

	stored, err := store.FactsInWindow(context.Background(), f.CustomerID, f.Timestamp.Add(-time.Hour), f.Timestamp.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestIngestQuarantinesInvalidWithoutBlockingBatch(t *testing.T) {
	store := NewMemoryStore()
	logger := zap.NewNop()
	ing := NewIngestor(store, logger, events.NewBus(logger))

	customerID := uuid.New()
	good := validFact(customerID)
	bad := validFact(customerID)
	bad.SpanID = "span-2"
	bad.Quantities = map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(-10)}

	result, err := ing.Ingest(context.Background(), []RawFact{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Quarantined)

	quarantined, err := store.Quarantined(context.Background(), customerID)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "span-2", quarantined[0].Fact.SpanID)
	assert.Contains(t, quarantined[0].Reason, "negative")
}

func TestFactsInWindowIsDeterministicallyOrdered(t *testing.T) {
	store := NewMemoryStore()
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	batch := []RawFact{
		{CustomerID: customerID, Type: TypeSpanEnded, Timestamp: ts, TraceID: "run-b", SpanID: "s1"},
		{CustomerID: customerID, Type: TypeSpanEnded, Timestamp: ts, TraceID: "run-a", SpanID: "s2"},
		{CustomerID: customerID, Type: TypeSpanEnded, Timestamp: ts.Add(-time.Minute), TraceID: "run-c", SpanID: "s3"},
	}
	_, _, err := store.Append(context.Background(), batch)
	require.NoError(t, err)

	got, err := store.FactsInWindow(context.Background(), customerID, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "run-c", got[0].TraceID)
	assert.Equal(t, "run-a", got[1].TraceID)
	assert.Equal(t, "run-b", got[2].TraceID)
}

func TestCustomersWithFactsIn(t *testing.T) {
	store := NewMemoryStore()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	inWindow := validFact(uuid.New())
	outOfWindow := validFact(uuid.New())
	outOfWindow.Timestamp = ts.AddDate(0, -1, 0)

	_, _, err := store.Append(context.Background(), []RawFact{inWindow, outOfWindow})
	require.NoError(t, err)

	customers, err := store.CustomersWithFactsIn(context.Background(), ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, inWindow.CustomerID, customers[0])
}
