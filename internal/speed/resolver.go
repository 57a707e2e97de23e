// Package speed runs fixed-duration up/down bets. The strike is the oracle
// price at creation; the bet resolves once against a price published within
// a short window after the strike time and pays a fixed multiple of the
// buy-in from the speed vault.
package speed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/lock"
	"github.com/alanyoungcy/optionamm/internal/txn"
)

// Oracle is the push oracle seen from the resolver.
type Oracle interface {
	UpdatePriceFeeds(ctx context.Context, payer common.Address, updates []domain.PriceUpdate) error
	VerifyUpdates(updates []domain.PriceUpdate, asset string, minTime, maxTime time.Time) (domain.PriceUpdate, error)
	ChargeFee(ctx context.Context, payer common.Address, updates []domain.PriceUpdate) (domain.Amount, error)
	RefundFee(ctx context.Context, payer common.Address, fee domain.Amount) error
	LatestPrice(asset string, maxAge time.Duration) (domain.PriceUpdate, error)
	PriceIn(asset string, minTime, maxTime time.Time) (domain.PriceUpdate, error)
}

// Risk supplies the per-asset speed budgets.
type Risk interface {
	AssetLimits(asset string) domain.AssetLimits
}

// Config holds the resolver tunables.
type Config struct {
	Owner     common.Address
	BaseToken common.Address
	// Vault holds the capital backing open payouts and collects buy-ins.
	Vault   common.Address
	SafeBox common.Address
	Assets  []string

	MinDelta time.Duration
	MaxDelta time.Duration
	MinBuyIn domain.Amount
	MaxBuyIn domain.Amount
	// Multiplier is the payout per unit of buy-in, e.g. 2.
	Multiplier domain.Amount
	LPFee      domain.Amount // fraction of buy-in kept by the vault
	SafeBoxFee domain.Amount // fraction of buy-in sent to the safe box

	// MaxPriceAge bounds the strike price's age at creation.
	MaxPriceAge time.Duration
	// MaxPriceDelay is how long after the strike time an update may be
	// published and still resolve the market.
	MaxPriceDelay time.Duration

	Lock lock.Options
}

// CreateRequest opens a speed market. Updates, when present, are pushed to
// the oracle first and paid for by User.
type CreateRequest struct {
	User      common.Address
	Asset     string
	Direction domain.Direction
	Delta     time.Duration
	BuyIn     domain.Amount
	Updates   []domain.PriceUpdate
}

// Resolver owns the speed markets.
type Resolver struct {
	mu      sync.RWMutex
	cfg     Config
	assets  map[string]bool
	oracle  Oracle
	risk    Risk
	ledger  domain.TokenLedger
	locks   domain.LockManager
	sink    domain.EventSink
	clock   domain.Clock
	logger  *slog.Logger
	markets map[string]*domain.SpeedMarket
	// open risk per asset: payout minus buy-in of unresolved markets
	openRisk map[string]domain.Amount
	// open buy-in per asset and direction
	openDir map[string][2]domain.Amount
	// sum of payouts of unresolved markets
	owed domain.Amount
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, oracle Oracle, risk Risk, ledger domain.TokenLedger, locks domain.LockManager, sink domain.EventSink, clock domain.Clock, logger *slog.Logger) *Resolver {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if locks == nil {
		locks = lock.NewLocal(clock)
	}
	if cfg.Lock == (lock.Options{}) {
		cfg.Lock = lock.DefaultOptions
	}
	if cfg.Multiplier.IsZero() {
		cfg.Multiplier = domain.NewAmount(2)
	}
	assets := make(map[string]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a] = true
	}
	return &Resolver{
		cfg:      cfg,
		assets:   assets,
		oracle:   oracle,
		risk:     risk,
		ledger:   ledger,
		locks:    locks,
		sink:     sink,
		clock:    clock,
		logger:   logger.With(slog.String("component", "speed")),
		markets:  make(map[string]*domain.SpeedMarket),
		openRisk: make(map[string]domain.Amount),
		openDir:  make(map[string][2]domain.Amount),
		owed:     domain.Zero,
	}
}

// Create opens a speed market at the oracle's latest price.
func (r *Resolver) Create(ctx context.Context, req CreateRequest) (domain.SpeedMarket, error) {
	m, err := r.create(ctx, req)
	if err != nil {
		r.logger.WarnContext(ctx, "speed: create rejected",
			slog.String("user", req.User.Hex()),
			slog.String("asset", req.Asset),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.SpeedMarket{}, err
	}
	r.logger.InfoContext(ctx, "speed: market created",
		slog.String("id", m.ID),
		slog.String("user", m.User.Hex()),
		slog.String("asset", m.Asset),
		slog.String("direction", string(m.Direction)),
		slog.String("strike", m.StrikePrice.String()),
		slog.Time("strike_time", m.StrikeTime),
		slog.String("buy_in", m.BuyIn.String()),
	)
	r.sink.Emit(ctx, domain.NewEvent(domain.EventSpeedMarketCreated, m.ID, m, m.CreatedAt))
	return m, nil
}

func (r *Resolver) create(ctx context.Context, req CreateRequest) (domain.SpeedMarket, error) {
	if err := r.validate(req); err != nil {
		return domain.SpeedMarket{}, err
	}
	lpFee, err := req.BuyIn.MulUp(r.cfg.LPFee)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: lp fee: %w", err)
	}
	sbFee, err := req.BuyIn.MulUp(r.cfg.SafeBoxFee)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: safe box fee: %w", err)
	}
	payout, err := req.BuyIn.Mul(r.cfg.Multiplier)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: payout: %w", err)
	}
	toVault, err := req.BuyIn.Add(lpFee)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: vault amount: %w", err)
	}
	fee, err := lpFee.Add(sbFee)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: fee: %w", err)
	}

	unlock, err := lock.AcquireWait(ctx, r.locks, "speed:asset:"+req.Asset, r.cfg.Lock)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: create: %w", err)
	}
	defer unlock()

	var u txn.Undo
	fail := func(err error) (domain.SpeedMarket, error) {
		_ = u.Rollback(ctx, r.logger)
		return domain.SpeedMarket{}, err
	}

	// Stored updates stay stored even if the market does not open, so the
	// fee for them is never refunded.
	if len(req.Updates) > 0 {
		if err := r.oracle.UpdatePriceFeeds(ctx, req.User, req.Updates); err != nil {
			return domain.SpeedMarket{}, fmt.Errorf("speed: update price feeds: %w", err)
		}
	}
	strike, err := r.oracle.LatestPrice(req.Asset, r.cfg.MaxPriceAge)
	if err != nil {
		return fail(fmt.Errorf("speed: strike price: %w", err))
	}

	now := r.clock.Now()
	m := domain.SpeedMarket{
		ID:          uuid.NewString(),
		User:        req.User,
		Asset:       req.Asset,
		Direction:   req.Direction,
		StrikePrice: strike.Price,
		StrikeTime:  now.Add(req.Delta),
		BuyIn:       req.BuyIn,
		Payout:      payout,
		Fee:         fee,
		CreatedAt:   now,
	}
	if err := r.open(ctx, &m, toVault); err != nil {
		return fail(err)
	}
	u.Push("market", func(context.Context) error { r.release(m.ID); return nil })

	if err := r.ledger.Transfer(ctx, r.cfg.BaseToken, req.User, r.cfg.Vault, toVault); err != nil {
		return fail(fmt.Errorf("speed: collect buy-in: %w", err))
	}
	u.Push("buy-in", func(ctx context.Context) error {
		return r.ledger.Transfer(ctx, r.cfg.BaseToken, r.cfg.Vault, req.User, toVault)
	})
	if !sbFee.IsZero() {
		if err := r.ledger.Transfer(ctx, r.cfg.BaseToken, req.User, r.cfg.SafeBox, sbFee); err != nil {
			return fail(fmt.Errorf("speed: safe box fee: %w", err))
		}
	}
	return m, nil
}

func (r *Resolver) validate(req CreateRequest) error {
	if !r.assets[req.Asset] {
		return domain.Errorf(domain.ErrUnsupportedAsset, "speed: %s", req.Asset)
	}
	if !req.Direction.Valid() {
		return domain.Errorf(domain.ErrInvalidInput, "speed: direction %q", req.Direction)
	}
	if req.Delta < r.cfg.MinDelta || req.Delta > r.cfg.MaxDelta {
		return domain.Errorf(domain.ErrInvalidTimeRange, "speed: delta %s outside [%s, %s]", req.Delta, r.cfg.MinDelta, r.cfg.MaxDelta)
	}
	if req.BuyIn.IsZero() || req.BuyIn.Lt(r.cfg.MinBuyIn) {
		return domain.Errorf(domain.ErrBelowMinimum, "speed: buy-in %s below %s", req.BuyIn, r.cfg.MinBuyIn)
	}
	if !r.cfg.MaxBuyIn.IsZero() && req.BuyIn.Gt(r.cfg.MaxBuyIn) {
		return domain.Errorf(domain.ErrCapExceeded, "speed: buy-in %s above %s", req.BuyIn, r.cfg.MaxBuyIn)
	}
	return nil
}

// open checks the risk budgets and vault solvency and records m. incoming is
// what the vault is about to receive for m.
func (r *Resolver) open(ctx context.Context, m *domain.SpeedMarket, incoming domain.Amount) error {
	held, err := r.ledger.BalanceOf(ctx, r.cfg.BaseToken, r.cfg.Vault)
	if err != nil {
		return fmt.Errorf("speed: vault balance: %w", err)
	}
	limits := r.risk.AssetLimits(m.Asset)

	r.mu.Lock()
	defer r.mu.Unlock()

	risk, err := r.openRisk[m.Asset].Add(m.Payout.SubFloor(m.BuyIn))
	if err != nil {
		return fmt.Errorf("speed: risk: %w", err)
	}
	if risk.Gt(limits.MaxRisk) {
		return domain.Errorf(domain.ErrCapExceeded, "speed: %s risk %s above %s", m.Asset, risk, limits.MaxRisk)
	}
	dir := r.openDir[m.Asset]
	i := m.Direction.Index()
	dirTotal, err := dir[i].Add(m.BuyIn)
	if err != nil {
		return fmt.Errorf("speed: direction risk: %w", err)
	}
	if dirTotal.Gt(limits.MaxRiskDir[i]) {
		return domain.Errorf(domain.ErrCapExceeded, "speed: %s %s risk %s above %s", m.Asset, m.Direction, dirTotal, limits.MaxRiskDir[i])
	}
	owed, err := r.owed.Add(m.Payout)
	if err != nil {
		return fmt.Errorf("speed: owed: %w", err)
	}
	funds, err := held.Add(incoming)
	if err != nil {
		return fmt.Errorf("speed: funds: %w", err)
	}
	if funds.Lt(owed) {
		return domain.Errorf(domain.ErrInsufficientLiquidity, "speed: vault %s cannot cover %s", funds, owed)
	}

	dir[i] = dirTotal
	r.openDir[m.Asset] = dir
	r.openRisk[m.Asset] = risk
	r.owed = owed
	stored := *m
	r.markets[m.ID] = &stored
	return nil
}

// release drops an unresolved market and its risk.
func (r *Resolver) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return
	}
	if !m.Resolved {
		r.unreserve(m)
	}
	delete(r.markets, id)
}

// unreserve returns m's risk to the budgets. Caller holds r.mu.
func (r *Resolver) unreserve(m *domain.SpeedMarket) {
	r.openRisk[m.Asset] = r.openRisk[m.Asset].SubFloor(m.Payout.SubFloor(m.BuyIn))
	dir := r.openDir[m.Asset]
	i := m.Direction.Index()
	dir[i] = dir[i].SubFloor(m.BuyIn)
	r.openDir[m.Asset] = dir
	r.owed = r.owed.SubFloor(m.Payout)
}

// reserve adds m's risk to the budgets. Caller holds r.mu.
func (r *Resolver) reserve(m *domain.SpeedMarket) {
	r.openRisk[m.Asset], _ = r.openRisk[m.Asset].Add(m.Payout.SubFloor(m.BuyIn))
	dir := r.openDir[m.Asset]
	i := m.Direction.Index()
	dir[i], _ = dir[i].Add(m.BuyIn)
	r.openDir[m.Asset] = dir
	r.owed, _ = r.owed.Add(m.Payout)
}

// Get returns a speed market.
func (r *Resolver) Get(id string) (domain.SpeedMarket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return domain.SpeedMarket{}, domain.Errorf(domain.ErrNotFound, "speed: market %s", id)
	}
	return *m, nil
}

// ListActive returns unresolved markets ordered by strike time.
func (r *Resolver) ListActive() []domain.SpeedMarket {
	return r.list(func(m *domain.SpeedMarket) bool { return !m.Resolved })
}

// ListByUser returns user's markets ordered by strike time.
func (r *Resolver) ListByUser(user common.Address) []domain.SpeedMarket {
	return r.list(func(m *domain.SpeedMarket) bool { return m.User == user })
}

// Due returns unresolved markets whose strike time has passed.
func (r *Resolver) Due() []domain.SpeedMarket {
	now := r.clock.Now()
	return r.list(func(m *domain.SpeedMarket) bool { return !m.Resolved && !now.Before(m.StrikeTime) })
}

// All returns every market, for snapshots.
func (r *Resolver) All() []domain.SpeedMarket {
	return r.list(func(*domain.SpeedMarket) bool { return true })
}

func (r *Resolver) list(keep func(*domain.SpeedMarket) bool) []domain.SpeedMarket {
	r.mu.RLock()
	var out []domain.SpeedMarket
	for _, m := range r.markets {
		if keep(m) {
			out = append(out, *m)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrikeTime.Equal(out[j].StrikeTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StrikeTime.Before(out[j].StrikeTime)
	})
	return out
}

// Restore replaces all markets and recomputes the open risk.
func (r *Resolver) Restore(markets []domain.SpeedMarket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets = make(map[string]*domain.SpeedMarket, len(markets))
	r.openRisk = make(map[string]domain.Amount)
	r.openDir = make(map[string][2]domain.Amount)
	r.owed = domain.Zero
	for _, m := range markets {
		stored := m
		r.markets[m.ID] = &stored
		if !m.Resolved {
			r.reserve(&stored)
		}
	}
}
