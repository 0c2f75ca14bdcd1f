package adjustments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore persists adjustments in PostgreSQL.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed adjustment store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new adjustment.
func (s *PostgresStore) Create(ctx context.Context, a Adjustment) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO adjustments (
			id, customer_id, subject, kind, amount, reason, actor,
			created_at, applied_period_start
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.CustomerID, a.Subject, string(a.Kind), a.Amount.String(),
		a.Reason, a.Actor, a.CreatedAt.UTC(), a.AppliedPeriodStart,
	)
	if err != nil {
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return nil
}

// Unapplied returns unconsumed adjustments in creation order.
func (s *PostgresStore) Unapplied(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, customer_id, subject, kind, amount, reason, actor, created_at, applied_period_start
		FROM adjustments
		WHERE customer_id = $1 AND applied_period_start IS NULL
		ORDER BY created_at, id
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()
	return scanAdjustments(rows)
}

// MarkApplied records the consuming period.
func (s *PostgresStore) MarkApplied(ctx context.Context, id uuid.UUID, periodStart time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE adjustments SET applied_period_start = $2 WHERE id = $1
	`, id, periodStart.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark adjustment applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ByCustomer lists all adjustments for a customer, newest first.
func (s *PostgresStore) ByCustomer(ctx context.Context, customerID uuid.UUID) ([]Adjustment, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, customer_id, subject, kind, amount, reason, actor, created_at, applied_period_start
		FROM adjustments
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()
	return scanAdjustments(rows)
}

func scanAdjustments(rows pgx.Rows) ([]Adjustment, error) {
	var out []Adjustment
	for rows.Next() {
		var (
			a      Adjustment
			kind   string
			amount string
		)
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.Subject, &kind, &amount, &a.Reason, &a.Actor, &a.CreatedAt, &a.AppliedPeriodStart); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.Kind = Kind(kind)
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse adjustment amount: %w", err)
		}
		a.Amount = v
		out = append(out, a)
	}
	return out, rows.Err()
}
