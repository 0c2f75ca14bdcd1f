package rating

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// policyFile is the on-disk policy configuration: an optional default policy
// plus per-customer overrides keyed by customer UUID.
type policyFile struct {
	Default   *Policy            `json:"default,omitempty"`
	Customers map[string]*Policy `json:"customers,omitempty"`
}

// LoadPolicyFile reads a JSON policy configuration and validates every policy
// in it. A bad policy fails the whole load; a misconfigured customer must
// never be silently zero-priced.
func LoadPolicyFile(path string) (*StaticPolicies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	out := &StaticPolicies{
		ByCustomer: make(map[uuid.UUID]*Policy, len(pf.Customers)),
		Default:    pf.Default,
	}
	if pf.Default != nil {
		if err := pf.Default.Validate(); err != nil {
			return nil, fmt.Errorf("default policy: %w", err)
		}
	}
	for raw, p := range pf.Customers {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("policy file %s: invalid customer id %q", path, raw)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("customer %s policy: %w", raw, err)
		}
		out.ByCustomer[customerID] = p
	}
	return out, nil
}
