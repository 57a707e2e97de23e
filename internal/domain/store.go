package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists the projection of positional markets.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id common.Hash) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	ListByAsset(ctx context.Context, asset string, opts ListOpts) ([]Market, error)
}

// TradeStore persists executed trades.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListByMarket(ctx context.Context, marketID common.Hash, opts ListOpts) ([]Trade, error)
	ListByTrader(ctx context.Context, trader common.Address, opts ListOpts) ([]Trade, error)
}

// RoundStore persists liquidity rounds and their results.
type RoundStore interface {
	UpsertRound(ctx context.Context, r Round) error
	GetRound(ctx context.Context, index uint64) (Round, error)
	InsertResult(ctx context.Context, res RoundResult) error
	ListResults(ctx context.Context, opts ListOpts) ([]RoundResult, error)
}

// SpeedMarketStore persists speed markets.
type SpeedMarketStore interface {
	Upsert(ctx context.Context, m SpeedMarket) error
	GetByID(ctx context.Context, id string) (SpeedMarket, error)
	ListActive(ctx context.Context, opts ListOpts) ([]SpeedMarket, error)
	ListByUser(ctx context.Context, user common.Address, opts ListOpts) ([]SpeedMarket, error)
}

// RiskChangeStore persists the risk configuration change log.
type RiskChangeStore interface {
	Append(ctx context.Context, c RiskChange) error
	List(ctx context.Context, opts ListOpts) ([]RiskChange, error)
}

// AuditEntry is one audit log row. EventID is the engine event that produced
// the entry and deduplicates redelivery; it is empty for entries written
// outside the event stream, such as archive uploads.
type AuditEntry struct {
	ID        int64
	EventID   string
	Event     string
	Key       string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	Event string
	Key   string
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, e AuditEntry) error
	List(ctx context.Context, f AuditFilter, opts ListOpts) ([]AuditEntry, error)
}
