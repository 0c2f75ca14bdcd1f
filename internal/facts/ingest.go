package facts

import (
	"context"
	"fmt"
	"time"

	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/ratecraft/metering-plane/pkg/metrics"
	"go.uber.org/zap"
)

// Ingestor validates and appends normalized facts delivered by the transport
// layer. Invalid facts are quarantined with a reason and do not block the
// rest of the batch.
type Ingestor struct {
	store  Store
	logger *zap.Logger
	bus    *events.Bus
}

// IngestResult summarizes one ingestion batch.
type IngestResult struct {
	Accepted    int `json:"accepted"`
	Duplicates  int `json:"duplicates"`
	Quarantined int `json:"quarantined"`
}

// NewIngestor creates a new fact ingestor.
func NewIngestor(store Store, logger *zap.Logger, bus *events.Bus) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger,
		bus:    bus,
	}
}

// Ingest validates each fact, quarantines failures, and appends the rest
// idempotently. Duplicate facts are counted but are not an error.
func (in *Ingestor) Ingest(ctx context.Context, batch []RawFact) (IngestResult, error) {
	var result IngestResult
	valid := make([]RawFact, 0, len(batch))

	for _, f := range batch {
		if err := f.Validate(); err != nil {
			result.Quarantined++
			metrics.FactsQuarantined.WithLabelValues("validation").Inc()

			qf := QuarantinedFact{
				Fact:          f,
				Reason:        err.Error(),
				QuarantinedAt: time.Now().UTC(),
			}
			if qerr := in.store.Quarantine(ctx, qf); qerr != nil {
				return result, fmt.Errorf("failed to quarantine fact: %w", qerr)
			}

			in.logger.Warn("quarantined fact",
				zap.String("customer_id", f.CustomerID.String()),
				zap.String("fact_type", f.Type),
				zap.String("trace_id", f.TraceID),
				zap.Error(err),
			)
			in.bus.Publish(ctx, events.NewEvent(events.EventFactQuarantined, f.CustomerID.String(), map[string]interface{}{
				"fact_type": f.Type,
				"trace_id":  f.TraceID,
				"reason":    err.Error(),
			}))
			continue
		}
		valid = append(valid, f)
	}

	accepted, duplicates, err := in.store.Append(ctx, valid)
	if err != nil {
		return result, fmt.Errorf("failed to append facts: %w", err)
	}
	result.Accepted = accepted
	result.Duplicates = duplicates

	for _, f := range valid {
		metrics.FactsIngested.WithLabelValues(f.Type).Inc()
	}
	if duplicates > 0 {
		metrics.FactsDeduplicated.Add(float64(duplicates))
	}

	in.logger.Debug("ingested fact batch",
		zap.Int("accepted", accepted),
		zap.Int("duplicates", duplicates),
		zap.Int("quarantined", result.Quarantined),
	)

	return result, nil
}
