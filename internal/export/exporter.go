package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ratecraft/metering-plane/internal/config"
	"github.com/ratecraft/metering-plane/internal/rating"
	"github.com/ratecraft/metering-plane/pkg/events"
	"github.com/ratecraft/metering-plane/pkg/metrics"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/invoiceitem"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"
)

// Mode is how a meter reaches the billing backend. A meter uses exactly one
// mode, never both, so the backend and the engine cannot drift.
type Mode string

const (
	// ModeUsageRecord pushes raw billable quantities; the backend applies
	// its own pricing.
	ModeUsageRecord Mode = "usage_record"

	// ModeInvoiceItem pushes fully rated amounts; the engine owns pricing.
	ModeInvoiceItem Mode = "invoice_item"
)

// ErrNoAccount is returned when a customer has no billing backend mapping.
var ErrNoAccount = errors.New("customer has no billing backend account")

var hundredDec = decimal.NewFromInt(100)

// AccountResolver maps engine customers onto billing backend identifiers.
type AccountResolver interface {
	StripeCustomerID(ctx context.Context, customerID uuid.UUID) (string, error)
	SubscriptionItemID(ctx context.Context, customerID uuid.UUID, meterKey string) (string, error)
}

// StaticAccounts is an AccountResolver backed by fixed maps.
type StaticAccounts struct {
	Customers         map[uuid.UUID]string
	SubscriptionItems map[uuid.UUID]map[string]string
}

// StripeCustomerID resolves the backend customer.
func (s StaticAccounts) StripeCustomerID(_ context.Context, customerID uuid.UUID) (string, error) {
	if id, ok := s.Customers[customerID]; ok {
		return id, nil
	}
	return "", ErrNoAccount
}

// SubscriptionItemID resolves the subscription item metering a meter key.
func (s StaticAccounts) SubscriptionItemID(_ context.Context, customerID uuid.UUID, meterKey string) (string, error) {
	if items, ok := s.SubscriptionItems[customerID]; ok {
		if id, ok := items[meterKey]; ok {
			return id, nil
		}
	}
	return "", ErrNoAccount
}

// Exporter pushes rated usage to the external billing backend. Rated usage
// persists locally regardless of push outcome; failed pushes stay marked
// "not yet synced" and are retried with backoff on the next cycle.
type Exporter struct {
	store    rating.Store
	accounts AccountResolver
	modes    map[string]Mode
	logger   *zap.Logger
	bus      *events.Bus

	interval   time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewExporter creates a billing backend exporter. meterModes decides per
// meter between usage records and invoice items; unlisted meters default to
// invoice items.
func NewExporter(store rating.Store, accounts AccountResolver, meterModes map[string]Mode, cfg *config.Config, logger *zap.Logger, bus *events.Bus) *Exporter {
	stripe.Key = cfg.Billing.StripeSecretKey

	return &Exporter{
		store:      store,
		accounts:   accounts,
		modes:      meterModes,
		logger:     logger,
		bus:        bus,
		interval:   cfg.Billing.ExportInterval,
		maxRetries: cfg.Billing.ExportMaxRetries,
		backoff:    cfg.Billing.ExportBackoff,
	}
}

// Run pushes pending rated usage on an interval until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("exporter started", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("exporter stopped")
			return
		case <-ticker.C:
			if err := e.ExportPending(ctx); err != nil {
				e.logger.Error("export cycle failed", zap.Error(err))
			}
		}
	}
}

// ExportPending pushes every unsynced rated usage run.
func (e *Exporter) ExportPending(ctx context.Context) error {
	pending, err := e.store.Unsynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unsynced rated usage: %w", err)
	}

	for _, r := range pending {
		if err := e.exportWithRetry(ctx, r); err != nil {
			e.logger.Error("failed to export rated usage",
				zap.String("customer_id", r.CustomerID.String()),
				zap.Time("period_start", r.PeriodStart),
				zap.Error(err),
			)
			continue
		}
		if err := e.store.MarkSynced(ctx, r.ID, time.Now().UTC()); err != nil {
			e.logger.Error("failed to mark rated usage synced", zap.Error(err))
		}
	}
	return nil
}

func (e *Exporter) exportWithRetry(ctx context.Context, r rating.RatedUsage) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.backoff * time.Duration(attempt)):
			}
		}

		lastErr = e.export(ctx, r)
		if lastErr == nil {
			metrics.ExportAttempts.WithLabelValues("success").Inc()
			e.bus.Publish(ctx, events.NewEvent(events.EventUsageExported, r.CustomerID.String(), map[string]interface{}{
				"period_start": r.PeriodStart,
				"version":      r.Version,
			}))
			return nil
		}
		metrics.ExportAttempts.WithLabelValues("failure").Inc()
	}
	return lastErr
}

// export pushes one run's customer-facing lines. Overage quantities on
// usage-record meters go as raw quantities; everything else goes as rated
// invoice items. Amounts round to currency precision only here, at the
// presentation boundary.
func (e *Exporter) export(ctx context.Context, r rating.RatedUsage) error {
	stripeCustomer, err := e.accounts.StripeCustomerID(ctx, r.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to resolve billing account: %w", err)
	}

	for _, line := range r.Lines {
		if !line.CustomerFacing {
			continue
		}

		if line.Kind == rating.LineOverage && e.modes[line.MeterKey] == ModeUsageRecord {
			if err := e.pushUsage(ctx, r.CustomerID, line); err != nil {
				return err
			}
			continue
		}
		if line.Amount.IsZero() {
			continue
		}
		if err := e.pushLine(ctx, stripeCustomer, r, line); err != nil {
			return err
		}
	}
	return nil
}

// usageQuantity rounds a fractional quantity to the nearest whole unit for
// the backend, which only accepts integer usage. Reports whether rounding
// changed the value.
func usageQuantity(q decimal.Decimal) (int64, bool) {
	rounded := q.Round(0)
	return rounded.IntPart(), !rounded.Equal(q)
}

func (e *Exporter) pushUsage(ctx context.Context, customerID uuid.UUID, line rating.Line) error {
	itemID, err := e.accounts.SubscriptionItemID(ctx, customerID, line.MeterKey)
	if err != nil {
		return fmt.Errorf("failed to resolve subscription item for %s: %w", line.MeterKey, err)
	}

	qty, rounded := usageQuantity(line.Quantity)
	if rounded {
		e.logger.Warn("rounded fractional usage quantity",
			zap.String("meter_key", line.MeterKey),
			zap.String("quantity", line.Quantity.String()),
			zap.Int64("pushed", qty),
		)
	}

	_, err = usagerecord.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(qty),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionSet)),
	})
	if err != nil {
		return fmt.Errorf("failed to push usage record for %s: %w", line.MeterKey, err)
	}
	return nil
}

func (e *Exporter) pushLine(ctx context.Context, stripeCustomer string, r rating.RatedUsage, line rating.Line) error {
	cents := line.Amount.Mul(hundredDec).Round(0).IntPart()

	_, err := invoiceitem.New(&stripe.InvoiceItemParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(stripeCustomer),
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(line.Description),
		Metadata: map[string]string{
			"customer_id":  r.CustomerID.String(),
			"period_start": r.PeriodStart.Format(time.RFC3339),
			"meter_key":    line.MeterKey,
			"line_kind":    string(line.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to push invoice item for %s: %w", line.Description, err)
	}
	return nil
}
