package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const upsertMarket = `
	INSERT INTO markets (
		id, asset, category, child, strike, maturity, round,
		resolved, result, final_price, supply_up, supply_down,
		created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5::numeric, $6, $7,
		$8, $9, $10::numeric, $11::numeric, $12::numeric,
		$13, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		resolved    = EXCLUDED.resolved,
		result      = EXCLUDED.result,
		final_price = EXCLUDED.final_price,
		supply_up   = EXCLUDED.supply_up,
		supply_down = EXCLUDED.supply_down,
		updated_at  = NOW()`

func marketArgs(m domain.Market) []any {
	return []any{
		m.ID.Hex(), m.Asset, m.Category, m.Child, amountArg(m.Strike), m.Maturity, int64(m.Round),
		m.Resolved, string(m.Result), amountArg(m.FinalPrice),
		amountArg(m.Supply[0]), amountArg(m.Supply[1]), m.CreatedAt,
	}
}

// Upsert inserts a market or updates its mutable columns. Strike, maturity
// and round never change after creation.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	if _, err := s.pool.Exec(ctx, upsertMarket, marketArgs(m)...); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID.Hex(), err)
	}
	return nil
}

// UpsertBatch upserts many markets in one round trip.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarket, marketArgs(m)...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

const marketCols = `id, asset, category, child, strike::text, maturity, round,
	resolved, result, final_price::text, supply_up::text, supply_down::text, created_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m      domain.Market
		round  int64
		result string
	)
	err := row.Scan(
		hash(&m.ID), &m.Asset, &m.Category, &m.Child, amount(&m.Strike), &m.Maturity, &round,
		&m.Resolved, &result, amount(&m.FinalPrice), amount(&m.Supply[0]), amount(&m.Supply[1]),
		&m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Round = uint64(round)
	m.Result = domain.Direction(result)
	return m, nil
}

func (s *MarketStore) list(ctx context.Context, what, query string, args []any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s markets: %w", what, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s market: %w", what, err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list %s markets rows: %w", what, err)
	}
	return markets, nil
}

// GetByID retrieves a market by id.
func (s *MarketStore) GetByID(ctx context.Context, id common.Hash) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id.Hex())
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.Errorf(domain.ErrNotFound, "postgres: market %s", id.Hex())
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id.Hex(), err)
	}
	return m, nil
}

// ListActive returns unresolved markets by maturity, soonest first.
func (s *MarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := window(`SELECT `+marketCols+` FROM markets WHERE NOT resolved`, nil, opts, "maturity", "ASC")
	return s.list(ctx, "active", query, args)
}

// ListByAsset returns markets on asset, newest maturity first.
func (s *MarketStore) ListByAsset(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := window(`SELECT `+marketCols+` FROM markets WHERE asset = $1`, []any{asset}, opts, "maturity", "DESC")
	return s.list(ctx, asset, query, args)
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}
