// Package amm quotes and executes trades in positional up/down digital option
// markets. Capital comes from the liquidity pool's current round; exposure is
// bounded by the risk manager's caps.
package amm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/lock"
)

// Feed provides fresh spot prices.
type Feed interface {
	Rate(ctx context.Context, asset string, maxAge time.Duration) (domain.Amount, error)
}

// Risk supplies caps, volatility and the pause switch.
type Risk interface {
	DirectionalCap(mk domain.Market, d domain.Direction) domain.Amount
	ImpliedVolatility(asset string) (domain.Amount, error)
	IsPaused(id common.Hash) bool
}

// Funding is the liquidity pool seen from the AMM. Only the current round
// accepts premiums; payouts for older rounds come from the exercise reserve.
type Funding interface {
	CurrentRound() (domain.Round, error)
	Receive(ctx context.Context, round uint64, from common.Address, amount domain.Amount) error
	Payout(ctx context.Context, round uint64, to common.Address, amount domain.Amount) error
	EnsureCapacity(ctx context.Context, round uint64, required domain.Amount) error
}

// Ramp converts trader collateral to and from the base asset.
type Ramp interface {
	MinimumNeeded(ctx context.Context, token common.Address, desiredBase domain.Amount) (domain.Amount, error)
	MinimumReceivedOfframp(ctx context.Context, token common.Address, baseAmount domain.Amount) (domain.Amount, error)
	Onramp(ctx context.Context, caller, account, token common.Address, amount domain.Amount) (domain.Amount, error)
	Offramp(ctx context.Context, caller, account, token common.Address, baseAmount domain.Amount) (domain.Amount, error)
}

// Config holds the AMM tunables.
type Config struct {
	Owner common.Address
	// Self is the AMM's identity toward the collateral ramp.
	Self      common.Address
	BaseToken common.Address
	SafeBox   common.Address

	MinSpread  domain.Amount // e.g. 0.02
	MaxImpact  domain.Amount // e.g. 0.05
	SafeBoxFee domain.Amount // e.g. 0.01, charged on buys

	// Markets whose raw price falls outside this band are not tradable.
	MinSupportedPrice domain.Amount
	MaxSupportedPrice domain.Amount

	MinTimeToMaturity time.Duration
	MaxTimeToMaturity time.Duration
	MaxPriceAge       time.Duration

	// Categories maps an asset to its risk category; unmapped assets use
	// DefaultCategory.
	Categories      map[string]string
	DefaultCategory string

	Lock lock.Options
}

// AMM is the positional market maker.
type AMM struct {
	mu        sync.RWMutex
	cfg       Config
	feed      Feed
	risk      Risk
	funding   Funding
	ramp      Ramp
	ledger    domain.TokenLedger
	locks     domain.LockManager
	sink      domain.EventSink
	clock     domain.Clock
	logger    *slog.Logger
	markets   map[common.Hash]*domain.Market
	positions map[common.Hash]map[common.Address]*[2]domain.Amount
	byRound   map[uint64][]common.Hash
}

// Deps bundles the AMM's collaborators. Ramp may be nil when collateral
// trading is disabled.
type Deps struct {
	Feed    Feed
	Risk    Risk
	Funding Funding
	Ramp    Ramp
	Ledger  domain.TokenLedger
	Locks   domain.LockManager
	Sink    domain.EventSink
	Clock   domain.Clock
}

// New creates an AMM.
func New(cfg Config, deps Deps, logger *slog.Logger) *AMM {
	if deps.Sink == nil {
		deps.Sink = domain.NopSink{}
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewLocal(deps.Clock)
	}
	if cfg.Lock == (lock.Options{}) {
		cfg.Lock = lock.DefaultOptions
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "default"
	}
	return &AMM{
		cfg:       cfg,
		feed:      deps.Feed,
		risk:      deps.Risk,
		funding:   deps.Funding,
		ramp:      deps.Ramp,
		ledger:    deps.Ledger,
		locks:     deps.Locks,
		sink:      deps.Sink,
		clock:     deps.Clock,
		logger:    logger.With(slog.String("component", "amm")),
		markets:   make(map[common.Hash]*domain.Market),
		positions: make(map[common.Hash]map[common.Address]*[2]domain.Amount),
		byRound:   make(map[uint64][]common.Hash),
	}
}

// CreateMarket opens a market on asset at strike maturing inside the current
// round. Anyone may create a market; the id is deterministic so a duplicate
// is rejected.
func (a *AMM) CreateMarket(ctx context.Context, asset string, strike domain.Amount, maturity time.Time, child string) (domain.Market, error) {
	if strike.IsZero() {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidInput, "amm: zero strike")
	}
	if _, err := a.risk.ImpliedVolatility(asset); err != nil {
		return domain.Market{}, fmt.Errorf("amm: create market: %w", err)
	}
	if _, err := a.feed.Rate(ctx, asset, a.cfg.MaxPriceAge); err != nil {
		return domain.Market{}, fmt.Errorf("amm: create market: %w", err)
	}

	now := a.clock.Now()
	ttm := maturity.Sub(now)
	if ttm < a.cfg.MinTimeToMaturity || (a.cfg.MaxTimeToMaturity > 0 && ttm > a.cfg.MaxTimeToMaturity) {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidTimeRange, "amm: maturity %s outside [%s, %s] from now",
			maturity.Format(time.RFC3339), a.cfg.MinTimeToMaturity, a.cfg.MaxTimeToMaturity)
	}
	round, err := a.funding.CurrentRound()
	if err != nil {
		return domain.Market{}, fmt.Errorf("amm: create market: %w", err)
	}
	if maturity.After(round.End) {
		return domain.Market{}, domain.Errorf(domain.ErrMarketNotInRound, "amm: maturity after round %d end %s",
			round.Index, round.End.Format(time.RFC3339))
	}

	mk := domain.Market{
		ID:        domain.MarketID(asset, strike, maturity),
		Asset:     asset,
		Category:  a.category(asset),
		Child:     child,
		Strike:    strike,
		Maturity:  maturity.UTC(),
		Round:     round.Index,
		CreatedAt: now,
	}

	a.mu.Lock()
	if _, exists := a.markets[mk.ID]; exists {
		a.mu.Unlock()
		return domain.Market{}, domain.Errorf(domain.ErrAlreadyExists, "amm: market %s", mk.ID.Hex())
	}
	stored := mk
	a.markets[mk.ID] = &stored
	a.positions[mk.ID] = make(map[common.Address]*[2]domain.Amount)
	a.byRound[mk.Round] = append(a.byRound[mk.Round], mk.ID)
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "amm: market created",
		slog.String("market", mk.ID.Hex()),
		slog.String("asset", asset),
		slog.String("strike", strike.String()),
		slog.Time("maturity", mk.Maturity),
		slog.Uint64("round", mk.Round),
	)
	a.sink.Emit(ctx, domain.NewEvent(domain.EventMarketCreated, mk.ID.Hex(), mk, now))
	return mk, nil
}

func (a *AMM) category(asset string) string {
	if c, ok := a.cfg.Categories[asset]; ok {
		return c
	}
	return a.cfg.DefaultCategory
}

// Market returns a copy of the market.
func (a *AMM) Market(id common.Hash) (domain.Market, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mk, ok := a.markets[id]
	if !ok {
		return domain.Market{}, domain.Errorf(domain.ErrNotFound, "amm: market %s", id.Hex())
	}
	return *mk, nil
}

// Markets returns all markets ordered by maturity. With activeOnly set,
// resolved markets are skipped.
func (a *AMM) Markets(activeOnly bool) []domain.Market {
	a.mu.RLock()
	out := make([]domain.Market, 0, len(a.markets))
	for _, mk := range a.markets {
		if activeOnly && mk.Resolved {
			continue
		}
		out = append(out, *mk)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Maturity.Equal(out[j].Maturity) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].Maturity.Before(out[j].Maturity)
	})
	return out
}

// MarketsInRound returns the markets backed by round.
func (a *AMM) MarketsInRound(round uint64) []domain.Market {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := a.byRound[round]
	out := make([]domain.Market, 0, len(ids))
	for _, id := range ids {
		out = append(out, *a.markets[id])
	}
	return out
}

// Position returns owner's holding in a market.
func (a *AMM) Position(id common.Hash, owner common.Address) (domain.Position, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	book, ok := a.positions[id]
	if !ok {
		return domain.Position{}, domain.Errorf(domain.ErrNotFound, "amm: market %s", id.Hex())
	}
	p := domain.Position{MarketID: id, Owner: owner}
	if held := book[owner]; held != nil {
		p.Up, p.Down = held[0], held[1]
	}
	return p, nil
}

// Positions returns every non-empty position, for snapshots.
func (a *AMM) Positions() []domain.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []domain.Position
	for id, book := range a.positions {
		for owner, held := range book {
			if held[0].IsZero() && held[1].IsZero() {
				continue
			}
			out = append(out, domain.Position{MarketID: id, Owner: owner, Up: held[0], Down: held[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID.Hex() < out[j].MarketID.Hex()
		}
		return out[i].Owner.Hex() < out[j].Owner.Hex()
	})
	return out
}

// Exposure returns the AMM's outstanding supply per direction.
func (a *AMM) Exposure(id common.Hash) (domain.Exposure, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Exposure{}, err
	}
	return exposureOf(mk), nil
}

func exposureOf(mk domain.Market) domain.Exposure {
	return domain.Exposure{Up: mk.Supply[0], Down: mk.Supply[1]}
}

// Restore replaces the market book with a snapshot. It is meant for startup,
// before any trading.
func (a *AMM) Restore(markets []domain.Market, positions []domain.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markets = make(map[common.Hash]*domain.Market, len(markets))
	a.positions = make(map[common.Hash]map[common.Address]*[2]domain.Amount, len(markets))
	a.byRound = make(map[uint64][]common.Hash)
	for _, mk := range markets {
		m := mk
		a.markets[m.ID] = &m
		a.positions[m.ID] = make(map[common.Address]*[2]domain.Amount)
		a.byRound[m.Round] = append(a.byRound[m.Round], m.ID)
	}
	for _, p := range positions {
		book, ok := a.positions[p.MarketID]
		if !ok {
			continue
		}
		book[p.Owner] = &[2]domain.Amount{p.Up, p.Down}
	}
}

func (a *AMM) lockMarket(ctx context.Context, id common.Hash) (func(), error) {
	return lock.AcquireWait(ctx, a.locks, "amm:market:"+id.Hex(), a.cfg.Lock)
}
