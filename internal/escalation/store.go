package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

const defaultRecentLimit = 50

// SQLStore appends records to the escalations table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("escalation: sql db required")
	}
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO escalations (
			id, customer_phone, customer_name, booking_ref, route, booking_status,
			reason, problem_text, urgent, target, level, payload_text, channels,
			provider_name, provider_phone, provider_email, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.CustomerPhone, rec.CustomerName, rec.BookingRef, rec.Route, rec.BookingStatus,
		rec.Reason, rec.ProblemText, rec.Urgent, string(rec.Target), rec.Level, rec.PayloadText, pq.Array(rec.Channels),
		rec.ProviderName, rec.ProviderPhone, rec.ProviderEmail, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("escalation: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := `
		SELECT id, customer_phone, customer_name, booking_ref, route, booking_status,
			   reason, problem_text, urgent, target, level, payload_text, channels,
			   provider_name, provider_phone, provider_email, created_at
		FROM escalations
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("escalation: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var target string
		if err := rows.Scan(
			&rec.ID, &rec.CustomerPhone, &rec.CustomerName, &rec.BookingRef, &rec.Route, &rec.BookingStatus,
			&rec.Reason, &rec.ProblemText, &rec.Urgent, &target, &rec.Level, &rec.PayloadText, pq.Array(&rec.Channels),
			&rec.ProviderName, &rec.ProviderPhone, &rec.ProviderEmail, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("escalation: scan: %w", err)
		}
		rec.Target = Target(target)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escalation: iterate: %w", err)
	}
	return out, nil
}

// MemoryStore keeps records in process for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
