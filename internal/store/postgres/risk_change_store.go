package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// RiskChangeStore implements domain.RiskChangeStore using PostgreSQL.
type RiskChangeStore struct {
	pool *pgxpool.Pool
}

var _ domain.RiskChangeStore = (*RiskChangeStore)(nil)

// NewRiskChangeStore creates a new RiskChangeStore backed by the given connection pool.
func NewRiskChangeStore(pool *pgxpool.Pool) *RiskChangeStore {
	return &RiskChangeStore{pool: pool}
}

// Append records a change. The version is the primary key, so replays are no-ops.
func (s *RiskChangeStore) Append(ctx context.Context, c domain.RiskChange) error {
	const query = `
		INSERT INTO risk_changes (version, setting, key, old_value, new_value, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (version) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		int64(c.Version), c.Setting, c.Key, c.OldValue, c.NewValue, c.ChangedBy.Hex(), c.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append risk change %d: %w", c.Version, err)
	}
	return nil
}

// List returns changes in version order.
func (s *RiskChangeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RiskChange, error) {
	query, args := window(`
		SELECT version, setting, key, old_value, new_value, changed_by, changed_at
		FROM risk_changes WHERE 1=1`, nil, opts, "changed_at", "ASC, version ASC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.RiskChange
	for rows.Next() {
		var (
			c       domain.RiskChange
			version int64
		)
		if err := rows.Scan(&version, &c.Setting, &c.Key, &c.OldValue, &c.NewValue, address(&c.ChangedBy), &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan risk change: %w", err)
		}
		c.Version = uint64(version)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list risk changes rows: %w", err)
	}
	return changes, nil
}
