package deriver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore persists meter readings in PostgreSQL. Values are stored as
// decimal strings so no precision is lost crossing the database boundary.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed reading store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// ReplaceWindow atomically replaces the window's readings in one transaction.
func (s *PostgresStore) ReplaceWindow(ctx context.Context, customerID uuid.UUID, w Window, readings []MeterReading) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM meter_readings
		WHERE customer_id = $1 AND window_start = $2
	`, customerID, w.Start.UTC())
	if err != nil {
		return fmt.Errorf("failed to clear window readings: %w", err)
	}

	for _, r := range readings {
		_, err = tx.Exec(ctx, `
			INSERT INTO meter_readings (
				customer_id, meter_key, window_start, window_end,
				value, fact_ids, derived_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			r.CustomerID, r.MeterKey, r.WindowStart.UTC(), r.WindowEnd.UTC(),
			r.Value.String(), r.FactIDs, r.DerivedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert reading %s: %w", r.MeterKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit window readings: %w", err)
	}
	return nil
}

// ReadingsInWindow returns the stored readings for one window.
func (s *PostgresStore) ReadingsInWindow(ctx context.Context, customerID uuid.UUID, w Window) ([]MeterReading, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT customer_id, meter_key, window_start, window_end, value, fact_ids, derived_at
		FROM meter_readings
		WHERE customer_id = $1 AND window_start = $2
		ORDER BY meter_key
	`, customerID, w.Start.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ReadingsInPeriod returns readings with window start in [start, end).
func (s *PostgresStore) ReadingsInPeriod(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]MeterReading, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT customer_id, meter_key, window_start, window_end, value, fact_ids, derived_at
		FROM meter_readings
		WHERE customer_id = $1 AND window_start >= $2 AND window_start < $3
		ORDER BY window_start, meter_key
	`, customerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// InputVersion returns the period's current input version, zero if untouched.
func (s *PostgresStore) InputVersion(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error) {
	var version int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT version FROM period_input_versions
		WHERE customer_id = $1 AND period_start = $2
	`, customerID, periodStart.UTC()).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query input version: %w", err)
	}
	return version, nil
}

// BumpInputVersion increments and returns the period's input version.
func (s *PostgresStore) BumpInputVersion(ctx context.Context, customerID uuid.UUID, periodStart time.Time) (int64, error) {
	var version int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO period_input_versions (customer_id, period_start, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (customer_id, period_start)
		DO UPDATE SET version = period_input_versions.version + 1
		RETURNING version
	`, customerID, periodStart.UTC()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to bump input version: %w", err)
	}
	return version, nil
}

func scanReadings(rows pgx.Rows) ([]MeterReading, error) {
	var out []MeterReading
	for rows.Next() {
		var (
			r     MeterReading
			value string
		)
		if err := rows.Scan(&r.CustomerID, &r.MeterKey, &r.WindowStart, &r.WindowEnd, &value, &r.FactIDs, &r.DerivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse reading value: %w", err)
		}
		r.Value = v
		out = append(out, r)
	}
	return out, rows.Err()
}
