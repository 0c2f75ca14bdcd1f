package events

import "time"

// EventType represents the type of event being published
type EventType string

const (
	// Fact pipeline events
	EventFactQuarantined EventType = "fact.quarantined"
	EventFactDuplicate   EventType = "fact.duplicate"

	// Derivation events
	EventWindowDerived  EventType = "window.derived"
	EventWindowStale    EventType = "window.stale"
	EventUsageSpike     EventType = "usage.spike_detected"
	EventUsageZero      EventType = "usage.zero_detected"

	// Settlement events
	EventOutcomeRecorded EventType = "outcome.recorded"
	EventOutcomeVerified EventType = "outcome.verified"
	EventOutcomeReversed EventType = "outcome.reversed"

	// Rating events
	EventRatingCompleted EventType = "rating.completed"
	EventRatingStale     EventType = "rating.stale"

	// Adjustment events
	EventAdjustmentCreated EventType = "adjustment.created"

	// Billing backend events
	EventUsageExported    EventType = "billing.usage_exported"
	EventInvoiceFinalized EventType = "billing.invoice_finalized"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// CustomerID is the customer this event belongs to (optional for system events)
	CustomerID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, customerID string, payload map[string]interface{}) Event {
	return Event{
		ID:         generateEventID(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		CustomerID: customerID,
		Payload:    payload,
	}
}

// generateEventID generates a unique event ID
func generateEventID() string {
	// Using timestamp + random suffix for uniqueness
	return time.Now().Format("20060102150405") + "-" + randString(8)
}

// randString generates a random alphanumeric string
func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[time.Now().UnixNano()%int64(len(letters))]
	}
	return string(b)
}
