package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
)

// PostgresStore persists outcome verifications in PostgreSQL.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed verification store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

const verificationColumns = `
	id, customer_id, run_id, outcome_key, external_system, external_ref,
	status, occurred_at, verified_at, holdback_until, settlement_days,
	reversal_reason, attributes, billed_period_start, credited_period_start,
	billed_amount
`

// Create stores a new verification.
func (s *PostgresStore) Create(ctx context.Context, v Verification) error {
	attributes, err := json.Marshal(v.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome attributes: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO outcome_verifications (`+verificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		v.ID, v.CustomerID, v.RunID, v.OutcomeKey, v.ExternalSystem, v.ExternalRef,
		string(v.Status), v.OccurredAt.UTC(), v.VerifiedAt, v.HoldbackUntil.UTC(),
		v.SettlementDays, v.ReversalReason, attributes,
		v.BilledPeriodStart, v.CreditedPeriodStart, v.BilledAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome verification: %w", err)
	}
	return nil
}

// ByRef finds a verification by external reference.
func (s *PostgresStore) ByRef(ctx context.Context, externalRef string) (*Verification, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+verificationColumns+`
		FROM outcome_verifications
		WHERE external_ref = $1
	`, externalRef)
	return scanVerification(row)
}

// ByID finds a verification by id.
func (s *PostgresStore) ByID(ctx context.Context, id uuid.UUID) (*Verification, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+verificationColumns+`
		FROM outcome_verifications
		WHERE id = $1
	`, id)
	return scanVerification(row)
}

// Update replaces a stored verification.
func (s *PostgresStore) Update(ctx context.Context, v Verification) error {
	attributes, err := json.Marshal(v.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome attributes: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE outcome_verifications SET
			status = $2, verified_at = $3, holdback_until = $4,
			settlement_days = $5, reversal_reason = $6, attributes = $7,
			billed_period_start = $8, credited_period_start = $9,
			billed_amount = $10
		WHERE id = $1
	`,
		v.ID, string(v.Status), v.VerifiedAt, v.HoldbackUntil.UTC(),
		v.SettlementDays, v.ReversalReason, attributes,
		v.BilledPeriodStart, v.CreditedPeriodStart, v.BilledAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to update outcome verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InPeriod returns verifications occurring in [start, end).
func (s *PostgresStore) InPeriod(ctx context.Context, customerID uuid.UUID, outcomeKey string, start, end time.Time) ([]Verification, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+verificationColumns+`
		FROM outcome_verifications
		WHERE customer_id = $1 AND outcome_key = $2
			AND occurred_at >= $3 AND occurred_at < $4
		ORDER BY occurred_at, external_ref
	`, customerID, outcomeKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

// ReversedBilled returns billed-then-reversed verifications pending a credit.
func (s *PostgresStore) ReversedBilled(ctx context.Context, customerID uuid.UUID) ([]Verification, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+verificationColumns+`
		FROM outcome_verifications
		WHERE customer_id = $1 AND status = 'reversed'
			AND billed_period_start IS NOT NULL
			AND credited_period_start IS NULL
		ORDER BY occurred_at, external_ref
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reversed outcomes: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

// Pending returns pending verifications, optionally for one external system.
func (s *PostgresStore) Pending(ctx context.Context, externalSystem string) ([]Verification, error) {
	query := `
		SELECT ` + verificationColumns + `
		FROM outcome_verifications
		WHERE status = 'pending'
	`
	args := []interface{}{}
	if externalSystem != "" {
		query += " AND external_system = $1"
		args = append(args, externalSystem)
	}
	query += " ORDER BY occurred_at, external_ref"

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outcomes: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

func scanVerification(row pgx.Row) (*Verification, error) {
	var (
		v          Verification
		status     string
		attributes []byte
	)
	err := row.Scan(
		&v.ID, &v.CustomerID, &v.RunID, &v.OutcomeKey, &v.ExternalSystem, &v.ExternalRef,
		&status, &v.OccurredAt, &v.VerifiedAt, &v.HoldbackUntil, &v.SettlementDays,
		&v.ReversalReason, &attributes, &v.BilledPeriodStart, &v.CreditedPeriodStart,
		&v.BilledAmount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcome verification: %w", err)
	}
	v.Status = Status(status)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &v.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome attributes: %w", err)
		}
	}
	return &v, nil
}

func scanVerifications(rows pgx.Rows) ([]Verification, error) {
	var out []Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
