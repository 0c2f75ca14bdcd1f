package rating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore persists rated usage in PostgreSQL. Lines are stored as
// JSONB; money fields as decimal strings.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed rated usage store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

const ratedUsageColumns = `
	id, customer_id, period_start, period_end,
	policy_id, policy_version, input_version, version,
	lines, subtotal, cogs, unallocated_cogs, margin, meter_cogs,
	billed_outcome_ids, credited_outcome_ids, applied_adjustment_ids,
	computed_at, synced, synced_at, invoice_ref
`

// Save persists the run, assigning the next version for its period.
func (s *PostgresStore) Save(ctx context.Context, r *RatedUsage) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal rated lines: %w", err)
	}
	meterCOGS, err := marshalDecimalMap(r.MeterCOGS)
	if err != nil {
		return err
	}

	err = s.db.Pool.QueryRow(ctx, `
		INSERT INTO rated_usage (`+ratedUsageColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			(SELECT COALESCE(MAX(version), 0) + 1
			 FROM rated_usage
			 WHERE customer_id = $2 AND period_start = $3),
			$8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		RETURNING version
	`,
		r.ID, r.CustomerID, r.PeriodStart.UTC(), r.PeriodEnd.UTC(),
		r.PolicyID, r.PolicyVersion, r.InputVersion,
		lines, r.Subtotal.String(), r.COGS.String(), r.UnallocatedCOGS.String(), r.Margin.String(), meterCOGS,
		r.BilledOutcomeIDs, r.CreditedOutcomeIDs, r.AppliedAdjustmentIDs,
		r.ComputedAt.UTC(), r.Synced, r.SyncedAt, r.InvoiceRef,
	).Scan(&r.Version)
	if err != nil {
		return fmt.Errorf("failed to insert rated usage: %w", err)
	}
	return nil
}

// Latest returns the highest-version run for the period.
func (s *PostgresStore) Latest(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (*RatedUsage, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+ratedUsageColumns+`
		FROM rated_usage
		WHERE customer_id = $1 AND period_start = $2
		ORDER BY version DESC
		LIMIT 1
	`, customerID, periodStart.UTC())
	return scanRatedUsage(row)
}

// Unsynced returns latest-version runs awaiting a billing backend push.
func (s *PostgresStore) Unsynced(ctx context.Context) ([]RatedUsage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (customer_id, period_start) `+ratedUsageColumns+`
		FROM rated_usage
		ORDER BY customer_id, period_start, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rated usage: %w", err)
	}
	defer rows.Close()

	var out []RatedUsage
	for rows.Next() {
		r, err := scanRatedUsage(rows)
		if err != nil {
			return nil, err
		}
		if !r.Synced {
			out = append(out, *r)
		}
	}
	return out, rows.Err()
}

// MarkSynced records a successful billing backend push.
func (s *PostgresStore) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE rated_usage SET synced = TRUE, synced_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark rated usage synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRatedUsage
	}
	return nil
}

// AnnotateInvoice attaches the invoice reference to the period's latest run.
func (s *PostgresStore) AnnotateInvoice(ctx context.Context, customerID uuid.UUID, periodStart time.Time, invoiceRef string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE rated_usage SET invoice_ref = $3
		WHERE id = (
			SELECT id FROM rated_usage
			WHERE customer_id = $1 AND period_start = $2
			ORDER BY version DESC
			LIMIT 1
		)
	`, customerID, periodStart.UTC(), invoiceRef)
	if err != nil {
		return fmt.Errorf("failed to annotate rated usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRatedUsage
	}
	return nil
}

func scanRatedUsage(row pgx.Row) (*RatedUsage, error) {
	var (
		r                                   RatedUsage
		lines, meterCOGS                    []byte
		subtotal, cogs, unallocated, margin string
	)
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.PeriodStart, &r.PeriodEnd,
		&r.PolicyID, &r.PolicyVersion, &r.InputVersion, &r.Version,
		&lines, &subtotal, &cogs, &unallocated, &margin, &meterCOGS,
		&r.BilledOutcomeIDs, &r.CreditedOutcomeIDs, &r.AppliedAdjustmentIDs,
		&r.ComputedAt, &r.Synced, &r.SyncedAt, &r.InvoiceRef,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRatedUsage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rated usage: %w", err)
	}

	if err := json.Unmarshal(lines, &r.Lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rated lines: %w", err)
	}
	if r.MeterCOGS, err = unmarshalDecimalMap(meterCOGS); err != nil {
		return nil, err
	}
	if r.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, fmt.Errorf("failed to parse subtotal: %w", err)
	}
	if r.COGS, err = decimal.NewFromString(cogs); err != nil {
		return nil, fmt.Errorf("failed to parse cogs: %w", err)
	}
	if r.UnallocatedCOGS, err = decimal.NewFromString(unallocated); err != nil {
		return nil, fmt.Errorf("failed to parse unallocated cogs: %w", err)
	}
	if r.Margin, err = decimal.NewFromString(margin); err != nil {
		return nil, fmt.Errorf("failed to parse margin: %w", err)
	}
	return &r, nil
}

func marshalDecimalMap(m map[string]decimal.Decimal) ([]byte, error) {
	raw := make(map[string]string, len(m))
	for k, v := range m {
		raw[k] = v.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meter cogs: %w", err)
	}
	return data, nil
}

func unmarshalDecimalMap(data []byte) (map[string]decimal.Decimal, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meter cogs: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse meter cogs %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}
