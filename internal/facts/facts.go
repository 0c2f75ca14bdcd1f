package facts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fact types delivered by the ingestion layer.
const (
	TypeSpanStarted = "span_started"
	TypeSpanEnded   = "span_ended"
	TypeOutcome     = "outcome"
	TypeCounter     = "counter"
)

// Well-known attribute keys on raw facts.
const (
	AttrWorkflowDefinition = "workflow.definition"
	AttrStepKey            = "step.key"
	AttrStatus             = "status"
	AttrOutcomeKey         = "outcome.key"
	AttrExternalRef        = "external.ref"
	AttrExternalSystem     = "external.system"
)

// StatusOK marks a span that ended successfully.
const StatusOK = "OK"

// RawFact is one observed usage or outcome occurrence. Facts are immutable
// once stored; duplicates are detected by DedupKey and ignored.
type RawFact struct {
	ID         int64
	CustomerID uuid.UUID
	Type       string
	Timestamp  time.Time
	TraceID    string
	SpanID     string

	// Quantities holds numeric payload fields keyed by meter key,
	// e.g. "llm.tokens" or "compute.ms".
	Quantities map[string]decimal.Decimal

	// Attributes holds arbitrary string attributes, e.g. "sla.met" = "true".
	Attributes map[string]string
}

// DedupKey identifies a fact for idempotent ingestion.
type DedupKey struct {
	TraceID   string
	SpanID    string
	Type      string
	Timestamp time.Time
}

// Key returns the dedup key for the fact. Timestamps are normalized to UTC
// so the same fact delivered with different zone representations still
// collides.
func (f RawFact) Key() DedupKey {
	return DedupKey{
		TraceID:   f.TraceID,
		SpanID:    f.SpanID,
		Type:      f.Type,
		Timestamp: f.Timestamp.UTC(),
	}
}

// Quantity returns the named quantity, or zero if absent.
func (f RawFact) Quantity(key string) decimal.Decimal {
	if f.Quantities == nil {
		return decimal.Zero
	}
	if v, ok := f.Quantities[key]; ok {
		return v
	}
	return decimal.Zero
}

// Attr returns the named attribute, or "" if absent.
func (f RawFact) Attr(key string) string {
	if f.Attributes == nil {
		return ""
	}
	return f.Attributes[key]
}

// IsWorkCompletion reports whether the fact records a finished workflow run.
func (f RawFact) IsWorkCompletion() bool {
	return f.Type == TypeSpanEnded && f.Attr(AttrWorkflowDefinition) != ""
}

// IsOutcome reports whether the fact records a business outcome.
func (f RawFact) IsOutcome() bool {
	return f.Type == TypeOutcome
}

// Validate checks the fact for the attributes ingestion is contracted to
// provide. A failing fact is quarantined, never silently dropped.
func (f RawFact) Validate() error {
	if f.CustomerID == uuid.Nil {
		return fmt.Errorf("fact missing customer id")
	}
	if f.Type == "" {
		return fmt.Errorf("fact missing type")
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("fact missing timestamp")
	}
	if f.TraceID == "" {
		return fmt.Errorf("fact missing trace id")
	}
	if f.Type == TypeOutcome && f.Attr(AttrOutcomeKey) == "" {
		return fmt.Errorf("outcome fact missing %s attribute", AttrOutcomeKey)
	}
	for key, q := range f.Quantities {
		if q.IsNegative() {
			return fmt.Errorf("fact quantity %s is negative", key)
		}
	}
	return nil
}

// QuarantinedFact is a fact that failed validation, held aside with the
// reason so an operator can repair and replay it.
type QuarantinedFact struct {
	Fact          RawFact
	Reason        string
	QuarantinedAt time.Time
}
