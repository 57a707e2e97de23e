package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry. A second entry for the same event id is dropped, so
// redelivered events leave a single row.
func (s *AuditStore) Log(ctx context.Context, e domain.AuditEntry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	var eventID *string
	if e.EventID != "" {
		eventID = &e.EventID
	}
	const query = `
		INSERT INTO audit_log (event_id, event, entity_key, detail)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, eventID, e.Event, e.Key, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", e.Event, err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (s *AuditStore) List(ctx context.Context, f domain.AuditFilter, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	base := `SELECT id, event_id, event, entity_key, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if f.Event != "" {
		args = append(args, f.Event)
		base += fmt.Sprintf(" AND event = $%d", len(args))
	}
	if f.Key != "" {
		args = append(args, f.Key)
		base += fmt.Sprintf(" AND entity_key = $%d", len(args))
	}
	query, args := window(base, args, opts, "created_at", "DESC")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			eventID    *string
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &eventID, &e.Event, &e.Key, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if eventID != nil {
			e.EventID = *eventID
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}
