package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/pkg/events"
	"go.uber.org/zap"
)

// Recorder subscribes to bus events and writes the audit trail. It runs off
// the publisher's goroutine, so a slow store cannot stall ingestion,
// derivation, or rating.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Subscribe registers the recorder for the auditable event types.
func (r *Recorder) Subscribe(bus *events.Bus) {
	for _, t := range []events.EventType{
		events.EventAdjustmentCreated,
		events.EventOutcomeVerified,
		events.EventOutcomeReversed,
		events.EventRatingCompleted,
	} {
		bus.Subscribe(t, r.handle)
	}
}

func (r *Recorder) handle(ctx context.Context, event events.Event) error {
	detail := make(map[string]string, len(event.Payload))
	for k, v := range event.Payload {
		if s, ok := v.(string); ok {
			detail[k] = s
		}
	}

	e := Entry{
		ID:         uuid.New(),
		CustomerID: event.CustomerID,
		Actor:      detail["actor"],
		Action:     string(event.Type),
		Subject:    subjectFor(event.Type, detail),
		Detail:     detail,
		OccurredAt: event.Timestamp,
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("failed to append audit entry",
			zap.String("action", e.Action),
			zap.String("customer_id", e.CustomerID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func subjectFor(t events.EventType, detail map[string]string) string {
	switch t {
	case events.EventAdjustmentCreated:
		return detail["subject"]
	case events.EventOutcomeVerified, events.EventOutcomeReversed:
		return detail["external_ref"]
	default:
		return ""
	}
}
