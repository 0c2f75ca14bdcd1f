package deriver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Derivation: config.DerivationConfig{
			WindowSize:        time.Hour,
			RecomputeLookback: 72 * time.Hour,
			Interval:          time.Minute,
		},
		Billing: config.BillingConfig{DefaultHoldbackDays: 7},
	}
}

type testPipeline struct {
	facts    *facts.MemoryStore
	readings *MemoryStore
	tracker  *settlement.Tracker
	deriver  *Deriver
}

func newTestPipeline(t *testing.T, composites []CompositeMeter) *testPipeline {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	factStore := facts.NewMemoryStore()
	readings := NewMemoryStore()
	tracker := settlement.NewTracker(settlement.NewMemoryStore(), logger, bus)
	return &testPipeline{
		facts:    factStore,
		readings: readings,
		tracker:  tracker,
		deriver:  NewDeriver(factStore, readings, tracker, composites, testConfig(), logger, bus),
	}
}

func appendFacts(t *testing.T, store *facts.MemoryStore, batch ...facts.RawFact) {
	t.Helper()
	accepted, _, err := store.Append(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, len(batch), accepted)
}

func workflowEnded(customerID uuid.UUID, traceID string, ts time.Time, status string, tokens int64) facts.RawFact {
	return facts.RawFact{
		CustomerID: customerID,
		Type:       facts.TypeSpanEnded,
		Timestamp:  ts,
		TraceID:    traceID,
		SpanID:     traceID + "-root",
		Quantities: map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(tokens)},
		Attributes: map[string]string{
			facts.AttrWorkflowDefinition: "intake",
			facts.AttrStatus:             status,
		},
	}
}

func spanEnded(customerID uuid.UUID, traceID, spanID string, ts time.Time, tokens int64) facts.RawFact {
	return facts.RawFact{
		CustomerID: customerID,
		Type:       facts.TypeSpanEnded,
		Timestamp:  ts,
		TraceID:    traceID,
		SpanID:     spanID,
		Quantities: map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(tokens)},
	}
}

func TestDeriveCountsWorkAndSumsEdges(t *testing.T) {
	p := newTestPipeline(t, nil)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)

	appendFacts(t, p.facts,
		workflowEnded(customerID, "run-1", ts, facts.StatusOK, 1000),
		workflowEnded(customerID, "run-2", ts.Add(time.Minute), "", 500),
		workflowEnded(customerID, "run-3", ts.Add(2*time.Minute), "ERROR", 250),
	)

	readings, err := p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)

	byKey := make(map[string]MeterReading)
	for _, r := range readings {
		byKey[r.MeterKey] = r
	}

	// Failed runs do not count as completed work, but their consumption is
	// still metered.
	assert.True(t, byKey[MeterWorkflowCompleted].Value.Equal(decimal.NewFromInt(2)))
	assert.True(t, byKey["llm.tokens"].Value.Equal(decimal.NewFromInt(1750)))
}

func TestDeriveForwardsOutcomesToSettlement(t *testing.T) {
	p := newTestPipeline(t, nil)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)

	appendFacts(t, p.facts, facts.RawFact{
		CustomerID: customerID,
		Type:       facts.TypeOutcome,
		Timestamp:  ts,
		TraceID:    "run-1",
		SpanID:     "out-1",
		Attributes: map[string]string{
			facts.AttrOutcomeKey:     "ticket.resolved",
			facts.AttrExternalSystem: "zendesk",
			facts.AttrExternalRef:    "zd-42",
		},
	})

	readings, err := p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)
	assert.Empty(t, readings, "outcome facts must not become meter readings")

	pending, err := p.tracker.Pending(context.Background(), "zendesk")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "zd-42", pending[0].ExternalRef)
	assert.Equal(t, settlement.StatusPending, pending[0].Status)

	// Re-derivation replays the outcome fact without spawning a duplicate.
	_, err = p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)
	pending, err = p.tracker.Pending(context.Background(), "zendesk")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDeriveAutoVerifiesInternalOutcomes(t *testing.T) {
	p := newTestPipeline(t, nil)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)

	appendFacts(t, p.facts, facts.RawFact{
		CustomerID: customerID,
		Type:       facts.TypeOutcome,
		Timestamp:  ts,
		TraceID:    "run-1",
		SpanID:     "out-1",
		Attributes: map[string]string{facts.AttrOutcomeKey: "report.delivered"},
	})

	_, err := p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)

	vs, err := p.tracker.OutcomesInPeriod(context.Background(), customerID, "report.delivered", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, settlement.StatusVerified, vs[0].Status)
}

func TestRecomputeWindowIsIdempotent(t *testing.T) {
	p := newTestPipeline(t, nil)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	w := WindowFor(ts, time.Hour)
	period := MonthOf(ts)

	appendFacts(t, p.facts, workflowEnded(customerID, "run-1", ts, facts.StatusOK, 1000))

	_, err := p.deriver.RecomputeWindow(context.Background(), customerID, w)
	require.NoError(t, err)
	v1, err := p.readings.InputVersion(context.Background(), customerID, period.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	// Nothing changed; the sweep must not invalidate downstream rated usage.
	_, err = p.deriver.RecomputeWindow(context.Background(), customerID, w)
	require.NoError(t, err)
	v2, err := p.readings.InputVersion(context.Background(), customerID, period.Start)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestLateFactInvalidatesWindow(t *testing.T) {
	p := newTestPipeline(t, nil)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	w := WindowFor(ts, time.Hour)
	period := MonthOf(ts)

	appendFacts(t, p.facts, workflowEnded(customerID, "run-1", ts, facts.StatusOK, 1000))
	_, err := p.deriver.RecomputeWindow(context.Background(), customerID, w)
	require.NoError(t, err)

	appendFacts(t, p.facts, workflowEnded(customerID, "run-2", ts.Add(10*time.Minute), facts.StatusOK, 400))
	_, err = p.deriver.RecomputeWindow(context.Background(), customerID, w)
	require.NoError(t, err)

	version, err := p.readings.InputVersion(context.Background(), customerID, period.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	stored, err := p.readings.ReadingsInWindow(context.Background(), customerID, w)
	require.NoError(t, err)
	byKey := make(map[string]MeterReading)
	for _, r := range stored {
		byKey[r.MeterKey] = r
	}
	assert.True(t, byKey["llm.tokens"].Value.Equal(decimal.NewFromInt(1400)))
	assert.True(t, byKey[MeterWorkflowCompleted].Value.Equal(decimal.NewFromInt(2)))
}

func TestCompositeMeterAbsorbsQualifyingRuns(t *testing.T) {
	composites := []CompositeMeter{{
		Key:                "document.processed",
		WorkflowDefinition: "intake",
		Constraints:        map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(1000)},
	}}
	p := newTestPipeline(t, composites)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)

	appendFacts(t, p.facts,
		// Under the constraint: absorbed by the composite.
		workflowEnded(customerID, "run-1", ts, facts.StatusOK, 800),
		// Over the constraint: degrades to the plain meters.
		workflowEnded(customerID, "run-2", ts.Add(time.Minute), facts.StatusOK, 5000),
	)

	readings, err := p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)

	byKey := make(map[string]MeterReading)
	for _, r := range readings {
		byKey[r.MeterKey] = r
	}

	assert.True(t, byKey["document.processed"].Value.Equal(decimal.NewFromInt(1)))
	assert.True(t, byKey[MeterWorkflowCompleted].Value.Equal(decimal.NewFromInt(1)), "only the degraded run counts as a plain completion")
	assert.True(t, byKey["llm.tokens"].Value.Equal(decimal.NewFromInt(5000)), "absorbed run's tokens must not double count")
}

func TestCompositeJudgesConstraintOverWholeRun(t *testing.T) {
	composites := []CompositeMeter{{
		Key:                "document.processed",
		WorkflowDefinition: "intake",
		Constraints:        map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(1000)},
	}}
	p := newTestPipeline(t, composites)
	customerID := uuid.New()

	// The run straddles an hourly window boundary: 600 tokens land in
	// [12:00, 13:00) and 600 more arrive with the completion in
	// [13:00, 14:00). Each window alone is under budget; the run is not.
	earlier := time.Date(2026, 3, 10, 12, 50, 0, 0, time.UTC)
	later := time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC)
	appendFacts(t, p.facts,
		spanEnded(customerID, "run-1", "run-1-llm", earlier, 600),
		workflowEnded(customerID, "run-1", later, facts.StatusOK, 600),
	)

	readings, err := p.deriver.Derive(context.Background(), customerID, WindowFor(later, time.Hour))
	require.NoError(t, err)

	byKey := make(map[string]MeterReading)
	for _, r := range readings {
		byKey[r.MeterKey] = r
	}

	_, composited := byKey["document.processed"]
	assert.False(t, composited, "an over-budget run must not qualify on a partial total")
	assert.True(t, byKey[MeterWorkflowCompleted].Value.Equal(decimal.NewFromInt(1)))
	assert.True(t, byKey["llm.tokens"].Value.Equal(decimal.NewFromInt(600)))
}

func TestCompositeStraddlingRunCountsOnceInCompletionWindow(t *testing.T) {
	composites := []CompositeMeter{{
		Key:                "document.processed",
		WorkflowDefinition: "intake",
		Constraints:        map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(1000)},
	}}
	p := newTestPipeline(t, composites)
	customerID := uuid.New()

	// Under budget across both windows, so the run qualifies.
	earlier := time.Date(2026, 3, 10, 12, 50, 0, 0, time.UTC)
	later := time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC)
	appendFacts(t, p.facts,
		spanEnded(customerID, "run-1", "run-1-llm", earlier, 300),
		workflowEnded(customerID, "run-1", later, facts.StatusOK, 400),
	)

	completionWindow, err := p.deriver.Derive(context.Background(), customerID, WindowFor(later, time.Hour))
	require.NoError(t, err)

	byKey := make(map[string]MeterReading)
	for _, r := range completionWindow {
		byKey[r.MeterKey] = r
	}
	assert.True(t, byKey["document.processed"].Value.Equal(decimal.NewFromInt(1)))
	_, raw := byKey["llm.tokens"]
	assert.False(t, raw, "absorbed run's tokens must not be metered alongside the composite")

	// The earlier window absorbs its share of the run without counting the
	// composite again.
	earlierWindow, err := p.deriver.Derive(context.Background(), customerID, WindowFor(earlier, time.Hour))
	require.NoError(t, err)
	assert.Empty(t, earlierWindow)
}

func TestCompositeRequiresCompletion(t *testing.T) {
	composites := []CompositeMeter{{
		Key:                "document.processed",
		WorkflowDefinition: "intake",
		Constraints:        map[string]decimal.Decimal{"llm.tokens": decimal.NewFromInt(1000)},
	}}
	p := newTestPipeline(t, composites)
	customerID := uuid.New()
	ts := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)

	appendFacts(t, p.facts, workflowEnded(customerID, "run-1", ts, "ERROR", 200))

	readings, err := p.deriver.Derive(context.Background(), customerID, WindowFor(ts, time.Hour))
	require.NoError(t, err)

	for _, r := range readings {
		assert.NotEqual(t, "document.processed", r.MeterKey)
	}
}
