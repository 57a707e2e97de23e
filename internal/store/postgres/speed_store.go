package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// SpeedMarketStore implements domain.SpeedMarketStore using PostgreSQL.
type SpeedMarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.SpeedMarketStore = (*SpeedMarketStore)(nil)

// NewSpeedMarketStore creates a new SpeedMarketStore backed by the given connection pool.
func NewSpeedMarketStore(pool *pgxpool.Pool) *SpeedMarketStore {
	return &SpeedMarketStore{pool: pool}
}

// Upsert inserts a speed market or records its resolution. A resolved row is
// never reopened.
func (s *SpeedMarketStore) Upsert(ctx context.Context, m domain.SpeedMarket) error {
	const query = `
		INSERT INTO speed_markets (
			id, user_addr, asset, direction, strike_price, strike_time, buy_in, payout, fee,
			created_at, resolved, result, final_price, won, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13::numeric, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			resolved    = EXCLUDED.resolved,
			result      = EXCLUDED.result,
			final_price = EXCLUDED.final_price,
			won         = EXCLUDED.won,
			resolved_at = EXCLUDED.resolved_at
		WHERE NOT speed_markets.resolved`
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.User.Hex(), m.Asset, string(m.Direction), amountArg(m.StrikePrice), m.StrikeTime,
		amountArg(m.BuyIn), amountArg(m.Payout), amountArg(m.Fee),
		m.CreatedAt, m.Resolved, string(m.Result), amountArg(m.FinalPrice), m.Won, optionalTime(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert speed market %s: %w", m.ID, err)
	}
	return nil
}

const speedCols = `id, user_addr, asset, direction, strike_price::text, strike_time, buy_in::text,
	payout::text, fee::text, created_at, resolved, result, final_price::text, won, resolved_at`

func scanSpeedMarket(row pgx.Row) (domain.SpeedMarket, error) {
	var (
		m           domain.SpeedMarket
		dir, result string
		resolvedAt  *time.Time
	)
	err := row.Scan(
		&m.ID, address(&m.User), &m.Asset, &dir, amount(&m.StrikePrice), &m.StrikeTime, amount(&m.BuyIn),
		amount(&m.Payout), amount(&m.Fee), &m.CreatedAt, &m.Resolved, &result, amount(&m.FinalPrice), &m.Won, &resolvedAt,
	)
	if err != nil {
		return domain.SpeedMarket{}, err
	}
	m.Direction = domain.Direction(dir)
	m.Result = domain.Direction(result)
	if resolvedAt != nil {
		m.ResolvedAt = *resolvedAt
	}
	return m, nil
}

// GetByID retrieves a speed market.
func (s *SpeedMarketStore) GetByID(ctx context.Context, id string) (domain.SpeedMarket, error) {
	m, err := scanSpeedMarket(s.pool.QueryRow(ctx, `SELECT `+speedCols+` FROM speed_markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SpeedMarket{}, domain.Errorf(domain.ErrNotFound, "postgres: speed market %s", id)
		}
		return domain.SpeedMarket{}, fmt.Errorf("postgres: get speed market %s: %w", id, err)
	}
	return m, nil
}

func (s *SpeedMarketStore) list(ctx context.Context, query string, args []any) ([]domain.SpeedMarket, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list speed markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.SpeedMarket
	for rows.Next() {
		m, err := scanSpeedMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan speed market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list speed markets rows: %w", err)
	}
	return markets, nil
}

// ListActive returns unresolved speed markets, earliest strike first.
func (s *SpeedMarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.SpeedMarket, error) {
	query, args := window(`SELECT `+speedCols+` FROM speed_markets WHERE NOT resolved`, nil, opts, "strike_time", "ASC")
	return s.list(ctx, query, args)
}

// ListByUser returns a user's speed markets, newest first.
func (s *SpeedMarketStore) ListByUser(ctx context.Context, user common.Address, opts domain.ListOpts) ([]domain.SpeedMarket, error) {
	query, args := window(`SELECT `+speedCols+` FROM speed_markets WHERE user_addr = $1`, []any{user.Hex()}, opts, "strike_time", "DESC")
	return s.list(ctx, query, args)
}
