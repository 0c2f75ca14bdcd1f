package export

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

type accountsFile struct {
	Customers         map[string]string            `json:"customers"`
	SubscriptionItems map[string]map[string]string `json:"subscription_items,omitempty"`
	MeterModes        map[string]Mode              `json:"meter_modes,omitempty"`
}

// LoadAccountsFile reads the customer-to-billing-backend mapping and the
// per-meter export modes. An empty path yields empty mappings; customers
// without a mapping fail at export time, not at startup.
func LoadAccountsFile(path string) (*StaticAccounts, map[string]Mode, error) {
	accounts := &StaticAccounts{
		Customers:         make(map[uuid.UUID]string),
		SubscriptionItems: make(map[uuid.UUID]map[string]string),
	}
	if path == "" {
		return accounts, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var af accountsFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}

	for raw, stripeID := range af.Customers {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("accounts file %s: invalid customer id %q", path, raw)
		}
		accounts.Customers[customerID] = stripeID
	}
	for raw, items := range af.SubscriptionItems {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("accounts file %s: invalid customer id %q", path, raw)
		}
		accounts.SubscriptionItems[customerID] = items
	}

	for meter, mode := range af.MeterModes {
		if mode != ModeUsageRecord && mode != ModeInvoiceItem {
			return nil, nil, fmt.Errorf("accounts file %s: meter %s has unknown mode %q", path, meter, mode)
		}
	}
	return accounts, af.MeterModes, nil
}
