package deriver

import (
	"context"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// defaultSpikeFactor flags a meter whose value grew more than tenfold
// window-over-window.
var defaultSpikeFactor = decimal.NewFromInt(10)

// AnomalyDetector publishes advisory signals when a meter's usage jumps or
// collapses between consecutive derivations of the same window. Signals never
// block the pipeline; they exist for operators and alerting.
type AnomalyDetector struct {
	spikeFactor decimal.Decimal
	logger      *zap.Logger
	bus         *events.Bus
}

// NewAnomalyDetector creates an anomaly detector with the default thresholds.
func NewAnomalyDetector(logger *zap.Logger, bus *events.Bus) *AnomalyDetector {
	return &AnomalyDetector{
		spikeFactor: defaultSpikeFactor,
		logger:      logger,
		bus:         bus,
	}
}

// Check compares a freshly derived window against what was previously stored
// for it and publishes spike / zero signals per meter.
func (a *AnomalyDetector) Check(ctx context.Context, customerID uuid.UUID, w Window, current, previous []MeterReading) {
	if len(previous) == 0 {
		return
	}

	currentByKey := make(map[string]decimal.Decimal, len(current))
	for _, r := range current {
		currentByKey[r.MeterKey] = r.Value
	}

	for _, prev := range previous {
		if !prev.Value.IsPositive() {
			continue
		}
		cur := currentByKey[prev.MeterKey]

		switch {
		case cur.IsZero():
			a.logger.Warn("meter usage dropped to zero",
				zap.String("customer_id", customerID.String()),
				zap.String("meter_key", prev.MeterKey),
				zap.String("window", w.String()),
				zap.String("previous", prev.Value.String()),
			)
			a.bus.Publish(ctx, events.NewEvent(events.EventUsageZero, customerID.String(), map[string]interface{}{
				"meter_key":    prev.MeterKey,
				"window_start": w.Start,
				"previous":     prev.Value.String(),
			}))
		case cur.GreaterThan(prev.Value.Mul(a.spikeFactor)):
			a.logger.Warn("meter usage spike",
				zap.String("customer_id", customerID.String()),
				zap.String("meter_key", prev.MeterKey),
				zap.String("window", w.String()),
				zap.String("previous", prev.Value.String()),
				zap.String("current", cur.String()),
			)
			a.bus.Publish(ctx, events.NewEvent(events.EventUsageSpike, customerID.String(), map[string]interface{}{
				"meter_key":    prev.MeterKey,
				"window_start": w.Start,
				"previous":     prev.Value.String(),
				"current":      cur.String(),
			}))
		}
	}
}
