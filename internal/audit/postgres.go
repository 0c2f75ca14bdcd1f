package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ratecraft/metering-plane/pkg/database"
)

// PostgresStore persists the audit trail in PostgreSQL.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append stores an entry.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO audit_log (id, customer_id, actor, action, subject, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.CustomerID, e.Actor, e.Action, e.Subject, detail, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ByCustomer lists a customer's audit trail, newest first.
func (s *PostgresStore) ByCustomer(ctx context.Context, customerID string) ([]Entry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, customer_id, actor, action, subject, detail, occurred_at
		FROM audit_log
		WHERE customer_id = $1
		ORDER BY occurred_at DESC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Actor, &e.Action, &e.Subject, &detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to parse audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
