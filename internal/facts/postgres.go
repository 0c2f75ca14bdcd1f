package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ratecraft/metering-plane/pkg/database"
	"github.com/shopspring/decimal"
)

// PostgresStore persists raw facts in PostgreSQL. Dedup relies on a unique
// constraint over (trace_id, span_id, fact_type, ts) with ON CONFLICT DO
// NOTHING, so concurrent ingestors cannot double-store a fact.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a Postgres-backed fact store.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append stores facts, ignoring duplicates by the unique dedup constraint.
func (s *PostgresStore) Append(ctx context.Context, batch []RawFact) (int, int, error) {
	accepted := 0
	for _, f := range batch {
		quantities, err := marshalQuantities(f.Quantities)
		if err != nil {
			return accepted, 0, err
		}
		attributes, err := json.Marshal(f.Attributes)
		if err != nil {
			return accepted, 0, fmt.Errorf("failed to marshal fact attributes: %w", err)
		}

		tag, err := s.db.Pool.Exec(ctx, `
			INSERT INTO raw_facts (
				customer_id, fact_type, ts, trace_id, span_id,
				quantities, attributes
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (trace_id, span_id, fact_type, ts) DO NOTHING
		`,
			f.CustomerID,
			f.Type,
			f.Timestamp.UTC(),
			f.TraceID,
			f.SpanID,
			quantities,
			attributes,
		)
		if err != nil {
			return accepted, 0, fmt.Errorf("failed to insert fact: %w", err)
		}
		if tag.RowsAffected() > 0 {
			accepted++
		}
	}
	return accepted, len(batch) - accepted, nil
}

// FactsInWindow returns facts in [start, end) in deterministic order.
func (s *PostgresStore) FactsInWindow(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]RawFact, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, customer_id, fact_type, ts, trace_id, span_id, quantities, attributes
		FROM raw_facts
		WHERE customer_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts, trace_id, span_id, fact_type
	`, customerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactsByTrace returns every fact of one run in deterministic order. A run's
// facts can span windows, so constraint checks need all of them.
func (s *PostgresStore) FactsByTrace(ctx context.Context, customerID uuid.UUID, traceID string) ([]RawFact, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, customer_id, fact_type, ts, trace_id, span_id, quantities, attributes
		FROM raw_facts
		WHERE customer_id = $1 AND trace_id = $2
		ORDER BY ts, trace_id, span_id, fact_type
	`, customerID, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts by trace: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows pgx.Rows) ([]RawFact, error) {
	var out []RawFact
	for rows.Next() {
		var (
			f          RawFact
			quantities []byte
			attributes []byte
		)
		if err := rows.Scan(&f.ID, &f.CustomerID, &f.Type, &f.Timestamp, &f.TraceID, &f.SpanID, &quantities, &attributes); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		var err error
		if f.Quantities, err = unmarshalQuantities(quantities); err != nil {
			return nil, err
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &f.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fact attributes: %w", err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RunIDsInPeriod returns distinct trace ids for the customer in [start, end).
func (s *PostgresStore) RunIDsInPeriod(ctx context.Context, customerID uuid.UUID, start, end time.Time) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT trace_id
		FROM raw_facts
		WHERE customer_id = $1 AND ts >= $2 AND ts < $3 AND trace_id <> ''
		ORDER BY trace_id
	`, customerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query run ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CustomersWithFactsIn returns distinct customers with facts in [start, end).
func (s *PostgresStore) CustomersWithFactsIn(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT customer_id
		FROM raw_facts
		WHERE ts >= $1 AND ts < $2
		ORDER BY customer_id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Quarantine holds aside an invalid fact with its reason.
func (s *PostgresStore) Quarantine(ctx context.Context, qf QuarantinedFact) error {
	quantities, err := marshalQuantities(qf.Fact.Quantities)
	if err != nil {
		return err
	}
	attributes, err := json.Marshal(qf.Fact.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal fact attributes: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO quarantined_facts (
			customer_id, fact_type, ts, trace_id, span_id,
			quantities, attributes, reason, quarantined_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		qf.Fact.CustomerID,
		qf.Fact.Type,
		qf.Fact.Timestamp.UTC(),
		qf.Fact.TraceID,
		qf.Fact.SpanID,
		quantities,
		attributes,
		qf.Reason,
		qf.QuarantinedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to quarantine fact: %w", err)
	}
	return nil
}

// Quarantined lists quarantined facts for a customer.
func (s *PostgresStore) Quarantined(ctx context.Context, customerID uuid.UUID) ([]QuarantinedFact, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT customer_id, fact_type, ts, trace_id, span_id,
			quantities, attributes, reason, quarantined_at
		FROM quarantined_facts
		WHERE customer_id = $1
		ORDER BY quarantined_at
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantined facts: %w", err)
	}
	defer rows.Close()

	var out []QuarantinedFact
	for rows.Next() {
		var (
			qf         QuarantinedFact
			quantities []byte
			attributes []byte
		)
		if err := rows.Scan(
			&qf.Fact.CustomerID, &qf.Fact.Type, &qf.Fact.Timestamp,
			&qf.Fact.TraceID, &qf.Fact.SpanID,
			&quantities, &attributes, &qf.Reason, &qf.QuarantinedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan quarantined fact: %w", err)
		}
		if qf.Fact.Quantities, err = unmarshalQuantities(quantities); err != nil {
			return nil, err
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &qf.Fact.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fact attributes: %w", err)
			}
		}
		out = append(out, qf)
	}
	return out, rows.Err()
}

// Quantities are stored as JSONB of decimal strings so no precision is lost
// crossing the database boundary.
func marshalQuantities(q map[string]decimal.Decimal) ([]byte, error) {
	raw := make(map[string]string, len(q))
	for k, v := range q {
		raw[k] = v.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fact quantities: %w", err)
	}
	return data, nil
}

func unmarshalQuantities(data []byte) (map[string]decimal.Decimal, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fact quantities: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse quantity %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}
