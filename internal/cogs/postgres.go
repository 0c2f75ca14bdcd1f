package cogs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore persists cost records in PostgreSQL.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed cost store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record stores a cost record.
func (s *PostgresStore) Record(ctx context.Context, c CostRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO cost_records (id, run_id, cost_type, amount, incurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.RunID, c.CostType, c.Amount.String(), c.IncurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

// ByRunIDs returns cost records attributed to any of the given runs.
func (s *PostgresStore) ByRunIDs(ctx context.Context, runIDs []string) ([]CostRecord, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, run_id, cost_type, amount, incurred_at
		FROM cost_records
		WHERE run_id = ANY($1)
		ORDER BY incurred_at, id
	`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UnattributedInWindow returns run-less records incurred in [start, end).
func (s *PostgresStore) UnattributedInWindow(ctx context.Context, start, end time.Time) ([]CostRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, run_id, cost_type, amount, incurred_at
		FROM cost_records
		WHERE run_id = '' AND incurred_at >= $1 AND incurred_at < $2
		ORDER BY incurred_at, id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query unattributed costs: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]CostRecord, error) {
	var out []CostRecord
	for rows.Next() {
		var (
			c      CostRecord
			amount string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.CostType, &amount, &c.IncurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cost amount: %w", err)
		}
		c.Amount = v
		out = append(out, c)
	}
	return out, rows.Err()
}
