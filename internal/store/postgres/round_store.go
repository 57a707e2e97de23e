package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

var _ domain.RoundStore = (*RoundStore)(nil)

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// UpsertRound inserts or refreshes a round row.
func (s *RoundStore) UpsertRound(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			idx, start_at, end_at, allocation, vault, depositors, default_lp_share, closed, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8, NOW()
		)
		ON CONFLICT (idx) DO UPDATE SET
			start_at         = EXCLUDED.start_at,
			end_at           = EXCLUDED.end_at,
			allocation       = EXCLUDED.allocation,
			depositors       = EXCLUDED.depositors,
			default_lp_share = EXCLUDED.default_lp_share,
			closed           = EXCLUDED.closed,
			updated_at       = NOW()`
	_, err := s.pool.Exec(ctx, query,
		int64(r.Index), r.Start, r.End, amountArg(r.Allocation), r.Vault.Hex(),
		r.Depositors, amountArg(r.DefaultLPShare), r.Closed,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert round %d: %w", r.Index, err)
	}
	return nil
}

// GetRound retrieves a round by index.
func (s *RoundStore) GetRound(ctx context.Context, index uint64) (domain.Round, error) {
	const query = `
		SELECT idx, start_at, end_at, allocation::text, vault, depositors, default_lp_share::text, closed
		FROM rounds WHERE idx = $1`
	var (
		r   domain.Round
		idx int64
	)
	err := s.pool.QueryRow(ctx, query, int64(index)).Scan(
		&idx, &r.Start, &r.End, amount(&r.Allocation), address(&r.Vault),
		&r.Depositors, amount(&r.DefaultLPShare), &r.Closed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.Errorf(domain.ErrNotFound, "postgres: round %d", index)
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", index, err)
	}
	r.Index = uint64(idx)
	return r, nil
}

// InsertResult records a closed round's result once.
func (s *RoundStore) InsertResult(ctx context.Context, res domain.RoundResult) error {
	const query = `
		INSERT INTO round_results (
			round, allocation, remainder, liability, withdrawn, carried_over, dust, pnl_ratio, markets, closed_at
		) VALUES (
			$1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10
		) ON CONFLICT (round) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		int64(res.Round), amountArg(res.Allocation), amountArg(res.Remainder), amountArg(res.Liability),
		amountArg(res.Withdrawn), amountArg(res.CarriedOver), amountArg(res.Dust), amountArg(res.PnLRatio),
		res.Markets, res.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert round result %d: %w", res.Round, err)
	}
	return nil
}

// ListResults returns closed-round results, newest first.
func (s *RoundStore) ListResults(ctx context.Context, opts domain.ListOpts) ([]domain.RoundResult, error) {
	query, args := window(`
		SELECT round, allocation::text, remainder::text, liability::text, withdrawn::text,
			carried_over::text, dust::text, pnl_ratio::text, markets, closed_at
		FROM round_results WHERE 1=1`, nil, opts, "closed_at", "DESC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list round results: %w", err)
	}
	defer rows.Close()

	var results []domain.RoundResult
	for rows.Next() {
		var (
			res   domain.RoundResult
			round int64
		)
		if err := rows.Scan(
			&round, amount(&res.Allocation), amount(&res.Remainder), amount(&res.Liability), amount(&res.Withdrawn),
			amount(&res.CarriedOver), amount(&res.Dust), amount(&res.PnLRatio), &res.Markets, &res.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan round result: %w", err)
		}
		res.Round = uint64(round)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list round results rows: %w", err)
	}
	return results, nil
}
