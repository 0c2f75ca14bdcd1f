package deriver

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MeterWorkflowCompleted is the meter counting finished workflow runs.
const MeterWorkflowCompleted = "workflow.completed"

// MeterReading is the aggregated quantity for one meter, one customer, one
// window. There is exactly one reading per (customer, meter, window); its
// value is always recomputed from the contributing facts, never accumulated.
type MeterReading struct {
	CustomerID  uuid.UUID
	MeterKey    string
	WindowStart time.Time
	WindowEnd   time.Time
	Value       decimal.Decimal

	// FactIDs are the facts whose quantities flowed into this reading,
	// kept for auditability.
	FactIDs []int64

	DerivedAt time.Time
}

// Window returns the reading's owning window.
func (r MeterReading) Window() Window {
	return Window{Start: r.WindowStart, End: r.WindowEnd}
}

var workMeterPrefixes = []string{"workflow.", "outcome.", "step.", "task."}

// IsWorkMeter reports whether the meter counts completed units of work rather
// than raw consumption. Composite meters are work meters regardless of key.
func IsWorkMeter(meterKey string) bool {
	for _, p := range workMeterPrefixes {
		if strings.HasPrefix(meterKey, p) {
			return true
		}
	}
	return false
}
