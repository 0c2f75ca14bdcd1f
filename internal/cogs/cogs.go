package cogs

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cost types reported by providers.
const (
	CostLLM      = "llm"
	CostCompute  = "compute"
	CostStorage  = "storage"
	CostAPI      = "api"
	CostNetwork  = "net"
	CostWorkflow = "workflow"
)

// CostRecord is one unit-cost entry from a provider. RunID ties the cost to
// a workflow run; an empty RunID is unattributable and lands in the
// unallocated pool, never in a specific customer's margin.
type CostRecord struct {
	ID         uuid.UUID
	RunID      string
	CostType   string
	Amount     decimal.Decimal
	IncurredAt time.Time
}

// meterFamily maps a cost type to the meter key prefix it serves, so margin
// can be broken down per meter family.
func meterFamily(costType string) string {
	switch costType {
	case CostLLM, CostCompute, CostStorage, CostAPI, CostNetwork, CostWorkflow:
		return costType + "."
	default:
		return ""
	}
}
