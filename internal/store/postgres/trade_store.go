package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, market_id, trader, direction, side,
	amount::text, total::text, fee::text, collateral, round, executed_at`

// Insert records a trade. Replays of the same trade id are ignored.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, trader, direction, side,
			amount, total, fee, collateral, round, executed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric, $9, $10, $11
		) ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.MarketID.Hex(), t.Trader.Hex(), string(t.Direction), string(t.Side),
		amountArg(t.Amount), amountArg(t.Total), amountArg(t.Fee),
		optionalAddress(t.Collateral), int64(t.Round), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *TradeStore) list(ctx context.Context, where string, arg any, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := window(`SELECT `+tradeCols+` FROM trades WHERE `+where+` = $1`, []any{arg}, opts, "executed_at", "DESC")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by %s: %w", where, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			dir, side  string
			collateral *string
			round      int64
		)
		if err := rows.Scan(
			&t.ID, hash(&t.MarketID), address(&t.Trader), &dir, &side,
			amount(&t.Amount), amount(&t.Total), amount(&t.Fee), &collateral, &round, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Direction = domain.Direction(dir)
		t.Side = domain.TradeSide(side)
		t.Collateral = scanOptionalAddress(collateral)
		t.Round = uint64(round)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

// ListByMarket returns a market's trades, newest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID common.Hash, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.list(ctx, "market_id", marketID.Hex(), opts)
}

// ListByTrader returns a trader's trades, newest first.
func (s *TradeStore) ListByTrader(ctx context.Context, trader common.Address, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.list(ctx, "trader", trader.Hex(), opts)
}
