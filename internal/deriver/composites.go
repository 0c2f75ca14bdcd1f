package deriver

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

type compositeFile struct {
	Composites []compositeEntry `json:"composites"`
}

type compositeEntry struct {
	Key                string                     `json:"key"`
	WorkflowDefinition string                     `json:"workflow_definition"`
	Constraints        map[string]decimal.Decimal `json:"constraints,omitempty"`
}

// LoadCompositesFile reads the composite meter definitions. An empty path
// means no composites are configured.
func LoadCompositesFile(path string) ([]CompositeMeter, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read composites file: %w", err)
	}

	var cf compositeFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse composites file %s: %w", path, err)
	}

	out := make([]CompositeMeter, 0, len(cf.Composites))
	for _, e := range cf.Composites {
		if e.Key == "" || e.WorkflowDefinition == "" {
			return nil, fmt.Errorf("composites file %s: composite needs key and workflow_definition", path)
		}
		out = append(out, CompositeMeter{
			Key:                e.Key,
			WorkflowDefinition: e.WorkflowDefinition,
			Constraints:        e.Constraints,
		})
	}
	return out, nil
}
