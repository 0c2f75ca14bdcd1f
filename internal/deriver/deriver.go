package deriver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/facts"
	"github.com/ratecraft/metering-plane/internal/settlement"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/ratecraft/metering-plane/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CompositeMeter counts a higher-level unit of work that is only valid while
// a per-run constraint holds, e.g. "document.processed" while the run stayed
// under a token budget. A qualifying run is counted once on the composite
// meter and its edge usage is absorbed; a run that breaks the constraint
// degrades gracefully and is counted on the plain meters instead.
type CompositeMeter struct {
	Key                string
	WorkflowDefinition string

	// Constraints caps the summed quantity per run, keyed by meter key.
	Constraints map[string]decimal.Decimal
}

// OutcomeRecorder receives outcome facts discovered during derivation.
// Satisfied by settlement.Tracker.
type OutcomeRecorder interface {
	Record(ctx context.Context, customerID uuid.UUID, runID, outcomeKey, externalSystem, externalRef string, occurredAt time.Time, settlementDays int, attributes map[string]string, autoVerify bool) (*settlement.Verification, error)
}

// Deriver aggregates raw facts into windowed meter readings. Derivation is
// deterministic given the fact store contents and always recomputes from
// source facts, so late and replayed facts are safe.
type Deriver struct {
	facts      facts.Store
	readings   ReadingStore
	outcomes   OutcomeRecorder
	composites []CompositeMeter
	logger     *zap.Logger
	bus        *events.Bus
	anomalies  *AnomalyDetector

	windowSize            time.Duration
	lookback              time.Duration
	interval              time.Duration
	defaultSettlementDays int
}

// NewDeriver creates a deriver.
func NewDeriver(factStore facts.Store, readings ReadingStore, outcomes OutcomeRecorder, composites []CompositeMeter, cfg *config.Config, logger *zap.Logger, bus *events.Bus) *Deriver {
	return &Deriver{
		facts:                 factStore,
		readings:              readings,
		outcomes:              outcomes,
		composites:            composites,
		logger:                logger,
		bus:                   bus,
		anomalies:             NewAnomalyDetector(logger, bus),
		windowSize:            cfg.Derivation.WindowSize,
		lookback:              cfg.Derivation.RecomputeLookback,
		interval:              cfg.Derivation.Interval,
		defaultSettlementDays: cfg.Billing.DefaultHoldbackDays,
	}
}

// Derive computes the meter readings for one customer and window from the
// current fact store contents. Outcome facts are forwarded to the settlement
// tracker (idempotently, by external ref) instead of being counted.
func (d *Deriver) Derive(ctx context.Context, customerID uuid.UUID, w Window) ([]MeterReading, error) {
	windowFacts, err := d.facts.FactsInWindow(ctx, customerID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts for window %s: %w", w, err)
	}

	absorbed, compositeAgg, err := d.evaluateComposites(ctx, customerID, w, windowFacts)
	if err != nil {
		return nil, err
	}

	type agg struct {
		value   decimal.Decimal
		factIDs []int64
	}
	meters := make(map[string]*agg)
	add := func(key string, v decimal.Decimal, factID int64) {
		a, ok := meters[key]
		if !ok {
			a = &agg{}
			meters[key] = a
		}
		a.value = a.value.Add(v)
		a.factIDs = append(a.factIDs, factID)
	}

	for _, f := range windowFacts {
		if f.IsOutcome() {
			if err := d.recordOutcome(ctx, f); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := absorbed[f.TraceID]; ok {
			continue
		}
		if f.IsWorkCompletion() && completedOK(f) {
			add(MeterWorkflowCompleted, decimal.NewFromInt(1), f.ID)
		}
		for _, key := range sortedQuantityKeys(f.Quantities) {
			add(key, f.Quantities[key], f.ID)
		}
	}
	for key, a := range compositeAgg {
		meters[key] = &agg{value: a.count, factIDs: a.factIDs}
	}

	now := time.Now().UTC()
	out := make([]MeterReading, 0, len(meters))
	for key, a := range meters {
		sort.Slice(a.factIDs, func(i, j int) bool { return a.factIDs[i] < a.factIDs[j] })
		out = append(out, MeterReading{
			CustomerID:  customerID,
			MeterKey:    key,
			WindowStart: w.Start.UTC(),
			WindowEnd:   w.End.UTC(),
			Value:       a.value,
			FactIDs:     a.factIDs,
			DerivedAt:   now,
		})
	}
	sortReadings(out)
	return out, nil
}

// RecomputeWindow derives a window and upserts the result. The stored window
// is replaced wholesale; a reading whose meter no longer has facts disappears
// rather than lingering. The period's input version is bumped only when the
// readings actually changed, so untouched rated usage stays current.
func (d *Deriver) RecomputeWindow(ctx context.Context, customerID uuid.UUID, w Window) ([]MeterReading, error) {
	computed, err := d.Derive(ctx, customerID, w)
	if err != nil {
		return nil, err
	}

	stored, err := d.readings.ReadingsInWindow(ctx, customerID, w)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored readings: %w", err)
	}
	if readingsEqual(computed, stored) {
		return computed, nil
	}

	if err := d.readings.ReplaceWindow(ctx, customerID, w, computed); err != nil {
		return nil, fmt.Errorf("failed to upsert readings for window %s: %w", w, err)
	}

	period := MonthOf(w.Start)
	version, err := d.readings.BumpInputVersion(ctx, customerID, period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to bump input version: %w", err)
	}

	metrics.WindowsDerived.Inc()
	for _, r := range computed {
		metrics.ReadingsUpserted.WithLabelValues(r.MeterKey).Inc()
	}

	d.logger.Info("window derived",
		zap.String("customer_id", customerID.String()),
		zap.String("window", w.String()),
		zap.Int("meters", len(computed)),
		zap.Int64("input_version", version),
	)
	d.bus.Publish(ctx, events.NewEvent(events.EventWindowDerived, customerID.String(), map[string]interface{}{
		"window_start":  w.Start,
		"input_version": version,
	}))
	d.bus.Publish(ctx, events.NewEvent(events.EventWindowStale, customerID.String(), map[string]interface{}{
		"period_start":  period.Start,
		"input_version": version,
	}))

	d.anomalies.Check(ctx, customerID, w, computed, stored)
	return computed, nil
}

// Run recomputes recently touched windows on an interval until ctx is done.
func (d *Deriver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("deriver started",
		zap.Duration("interval", d.interval),
		zap.Duration("window_size", d.windowSize),
		zap.Duration("lookback", d.lookback),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("deriver stopped")
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Late facts land inside the lookback horizon; older backfills go through
// RecomputeWindow directly.
func (d *Deriver) sweep(ctx context.Context) {
	now := time.Now().UTC()
	start := now.Add(-d.lookback)

	customers, err := d.facts.CustomersWithFactsIn(ctx, start, now)
	if err != nil {
		d.logger.Error("failed to list customers for derivation", zap.Error(err))
		return
	}

	for _, customerID := range customers {
		for _, w := range WindowsOverlapping(start, now, d.windowSize) {
			if _, err := d.RecomputeWindow(ctx, customerID, w); err != nil {
				d.logger.Error("failed to recompute window",
					zap.String("customer_id", customerID.String()),
					zap.String("window", w.String()),
					zap.Error(err),
				)
			}
		}
	}
}

type compositeAgg struct {
	count   decimal.Decimal
	factIDs []int64
}

// evaluateComposites decides per run whether each composite meter's
// constraint holds. Constraints are judged over the whole run, loaded by
// trace id: a run whose facts straddle a window boundary must not qualify on
// a partial total. The composite counts exactly once, in the window holding
// the qualifying completion; every window of a qualifying run absorbs its
// share of the raw usage.
func (d *Deriver) evaluateComposites(ctx context.Context, customerID uuid.UUID, w Window, windowFacts []facts.RawFact) (map[string]string, map[string]*compositeAgg, error) {
	absorbed := make(map[string]string)
	agg := make(map[string]*compositeAgg)
	if len(d.composites) == 0 {
		return absorbed, agg, nil
	}

	inWindow := make(map[string][]facts.RawFact)
	var runIDs []string
	for _, f := range windowFacts {
		if _, ok := inWindow[f.TraceID]; !ok {
			runIDs = append(runIDs, f.TraceID)
		}
		inWindow[f.TraceID] = append(inWindow[f.TraceID], f)
	}
	sort.Strings(runIDs)

	for _, runID := range runIDs {
		runFacts, err := d.facts.FactsByTrace(ctx, customerID, runID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load facts for run %s: %w", runID, err)
		}
		for _, c := range d.composites {
			completion, ok := runQualifies(c, runFacts)
			if !ok {
				continue
			}
			absorbed[runID] = c.Key
			if !w.Contains(completion.Timestamp) {
				break
			}
			a, ok := agg[c.Key]
			if !ok {
				a = &compositeAgg{}
				agg[c.Key] = a
			}
			a.count = a.count.Add(decimal.NewFromInt(1))
			for _, f := range inWindow[runID] {
				if !f.IsOutcome() {
					a.factIDs = append(a.factIDs, f.ID)
				}
			}
			break
		}
	}
	return absorbed, agg, nil
}

func runQualifies(c CompositeMeter, runFacts []facts.RawFact) (facts.RawFact, bool) {
	var completion facts.RawFact
	completed := false
	totals := make(map[string]decimal.Decimal)
	for _, f := range runFacts {
		if !completed && f.IsWorkCompletion() && completedOK(f) && f.Attr(facts.AttrWorkflowDefinition) == c.WorkflowDefinition {
			completed = true
			completion = f
		}
		for key, v := range f.Quantities {
			totals[key] = totals[key].Add(v)
		}
	}
	if !completed {
		return facts.RawFact{}, false
	}
	for key, max := range c.Constraints {
		if totals[key].GreaterThan(max) {
			return facts.RawFact{}, false
		}
	}
	return completion, true
}

// recordOutcome spawns a pending verification for an outcome fact. Outcomes
// with no external system have no oracle to wait on and verify immediately;
// the holdback still applies.
func (d *Deriver) recordOutcome(ctx context.Context, f facts.RawFact) error {
	externalSystem := f.Attr(facts.AttrExternalSystem)
	autoVerify := externalSystem == ""

	_, err := d.outcomes.Record(ctx,
		f.CustomerID,
		f.TraceID,
		f.Attr(facts.AttrOutcomeKey),
		externalSystem,
		f.Attr(facts.AttrExternalRef),
		f.Timestamp,
		d.defaultSettlementDays,
		f.Attributes,
		autoVerify,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func completedOK(f facts.RawFact) bool {
	status := f.Attr(facts.AttrStatus)
	return status == "" || status == facts.StatusOK
}

func sortedQuantityKeys(q map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readingsEqual(a, b []MeterReading) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].MeterKey != b[i].MeterKey || !a[i].Value.Equal(b[i].Value) {
			return false
		}
		if len(a[i].FactIDs) != len(b[i].FactIDs) {
			return false
		}
		for j := range a[i].FactIDs {
			if a[i].FactIDs[j] != b[i].FactIDs[j] {
				return false
			}
		}
	}
	return true
}
