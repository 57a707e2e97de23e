package projector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/events"
)

type memMarkets struct{ rows map[common.Hash]domain.Market }

func (s *memMarkets) Upsert(_ context.Context, m domain.Market) error {
	s.rows[m.ID] = m
	return nil
}

func (s *memMarkets) GetByID(_ context.Context, id common.Hash) (domain.Market, error) {
	m, ok := s.rows[id]
	if !ok {
		return domain.Market{}, domain.Errorf(domain.ErrNotFound, "market %s", id.Hex())
	}
	return m, nil
}

func (s *memMarkets) ListActive(context.Context, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (s *memMarkets) ListByAsset(context.Context, string, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

type memTrades struct {
	rows map[string]domain.Trade
	err  error
}

func (s *memTrades) Insert(_ context.Context, t domain.Trade) error {
	if s.err != nil {
		return s.err
	}
	if _, ok := s.rows[t.ID]; !ok {
		s.rows[t.ID] = t
	}
	return nil
}

func (s *memTrades) ListByMarket(context.Context, common.Hash, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (s *memTrades) ListByTrader(context.Context, common.Address, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

type memRounds struct {
	rounds  map[uint64]domain.Round
	results map[uint64]domain.RoundResult
}

func (s *memRounds) UpsertRound(_ context.Context, r domain.Round) error {
	s.rounds[r.Index] = r
	return nil
}

func (s *memRounds) GetRound(_ context.Context, i uint64) (domain.Round, error) {
	return s.rounds[i], nil
}

func (s *memRounds) InsertResult(_ context.Context, r domain.RoundResult) error {
	if _, ok := s.results[r.Round]; !ok {
		s.results[r.Round] = r
	}
	return nil
}

func (s *memRounds) ListResults(context.Context, domain.ListOpts) ([]domain.RoundResult, error) {
	return nil, nil
}

type memSpeed struct{ rows map[string]domain.SpeedMarket }

func (s *memSpeed) Upsert(_ context.Context, m domain.SpeedMarket) error {
	if cur, ok := s.rows[m.ID]; ok && cur.Resolved {
		return nil
	}
	s.rows[m.ID] = m
	return nil
}

func (s *memSpeed) GetByID(_ context.Context, id string) (domain.SpeedMarket, error) {
	return s.rows[id], nil
}

func (s *memSpeed) ListActive(context.Context, domain.ListOpts) ([]domain.SpeedMarket, error) {
	return nil, nil
}

func (s *memSpeed) ListByUser(context.Context, common.Address, domain.ListOpts) ([]domain.SpeedMarket, error) {
	return nil, nil
}

type memRisk struct{ rows map[uint64]domain.RiskChange }

func (s *memRisk) Append(_ context.Context, c domain.RiskChange) error {
	if _, ok := s.rows[c.Version]; !ok {
		s.rows[c.Version] = c
	}
	return nil
}

func (s *memRisk) List(context.Context, domain.ListOpts) ([]domain.RiskChange, error) {
	return nil, nil
}

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trader = common.HexToAddress("0xbeef")
)

type fixture struct {
	bus     *events.MemoryBus
	pub     *events.Publisher
	markets *memMarkets
	trades  *memTrades
	rounds  *memRounds
	speed   *memSpeed
	risk    *memRisk
}

func newFixture() *fixture {
	bus := events.NewMemoryBus(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		bus:     bus,
		pub:     events.NewPublisher(bus, nil, nil, logger),
		markets: &memMarkets{rows: map[common.Hash]domain.Market{}},
		trades:  &memTrades{rows: map[string]domain.Trade{}},
		rounds:  &memRounds{rounds: map[uint64]domain.Round{}, results: map[uint64]domain.RoundResult{}},
		speed:   &memSpeed{rows: map[string]domain.SpeedMarket{}},
		risk:    &memRisk{rows: map[uint64]domain.RiskChange{}},
	}
}

func (f *fixture) projector() *Projector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.bus, Stores{
		Markets: f.markets,
		Trades:  f.trades,
		Rounds:  f.rounds,
		Speed:   f.speed,
		Risk:    f.risk,
	}, 100, time.Second, logger)
}

func (f *fixture) emit(t domain.EventType, key string, data any) {
	f.pub.Emit(context.Background(), domain.NewEvent(t, key, data, t0))
}

func market() domain.Market {
	strike := domain.NewAmount(2000)
	maturity := t0.Add(24 * time.Hour)
	return domain.Market{
		ID:        domain.MarketID("ETH", strike, maturity),
		Asset:     "ETH",
		Category:  "crypto",
		Strike:    strike,
		Maturity:  maturity,
		Round:     1,
		CreatedAt: t0,
	}
}

func trade(id string, mk domain.Market, supply [2]domain.Amount) domain.TradeExecuted {
	return domain.TradeExecuted{
		Trade: domain.Trade{
			ID:         id,
			MarketID:   mk.ID,
			Trader:     trader,
			Direction:  domain.DirectionUp,
			Side:       domain.SideBuy,
			Amount:     domain.NewAmount(10),
			Total:      domain.MustAmount("5.5"),
			Fee:        domain.MustAmount("0.05"),
			Round:      1,
			ExecutedAt: t0,
		},
		Supply: supply,
	}
}

func TestProjectsMarketLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mk := market()

	f.emit(domain.EventMarketCreated, mk.ID.Hex(), mk)
	f.emit(domain.EventTradeExecuted, mk.ID.Hex(), trade("t1", mk, [2]domain.Amount{domain.NewAmount(10), domain.Zero}))
	f.emit(domain.EventTradeExecuted, mk.ID.Hex(), trade("t2", mk, [2]domain.Amount{domain.NewAmount(20), domain.Zero}))
	resolved := mk
	resolved.Resolved = true
	resolved.Result = domain.DirectionUp
	resolved.FinalPrice = domain.NewAmount(2100)
	f.emit(domain.EventMarketResolved, mk.ID.Hex(), resolved)
	f.emit(domain.EventExercised, mk.ID.Hex(), domain.Exercised{
		MarketID: mk.ID, Owner: trader, Result: domain.DirectionUp,
		Payout: domain.NewAmount(20), Supply: [2]domain.Amount{domain.Zero, domain.Zero},
	})

	p := f.projector()
	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "5-0", p.Cursor())

	got := f.markets.rows[mk.ID]
	assert.True(t, got.Resolved)
	assert.Equal(t, domain.DirectionUp, got.Result)
	assert.True(t, got.FinalPrice.Eq(domain.NewAmount(2100)))
	assert.True(t, got.Supply[0].IsZero())
	assert.Len(t, f.trades.rows, 2)
	assert.True(t, f.trades.rows["t1"].Total.Eq(domain.MustAmount("5.5")))
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mk := market()
	f.emit(domain.EventMarketCreated, mk.ID.Hex(), mk)
	f.emit(domain.EventTradeExecuted, mk.ID.Hex(), trade("t1", mk, [2]domain.Amount{domain.NewAmount(10), domain.Zero}))

	_, err := f.projector().Drain(ctx)
	require.NoError(t, err)
	first := f.markets.rows[mk.ID]

	// A restarted projector reads the stream from the start again.
	_, err = f.projector().Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, f.trades.rows, 1)
	assert.True(t, f.markets.rows[mk.ID].Supply[0].Eq(first.Supply[0]))
	assert.True(t, first.Supply[0].Eq(domain.NewAmount(10)))
}

func TestProjectsRoundsSpeedAndRisk(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r1 := domain.Round{Index: 1, Start: t0, End: t0.Add(7 * 24 * time.Hour), Allocation: domain.NewAmount(1000)}
	f.emit(domain.EventPoolStarted, "1", r1)
	closed := r1
	closed.Closed = true
	next := domain.Round{Index: 2, Start: r1.End, End: r1.End.Add(7 * 24 * time.Hour), Allocation: domain.NewAmount(1100)}
	f.emit(domain.EventRoundClosed, "1", domain.RoundClosed{
		RoundResult: domain.RoundResult{Round: 1, Allocation: r1.Allocation, Remainder: domain.NewAmount(1100), PnLRatio: domain.MustAmount("1.1"), ClosedAt: r1.End},
		Closed:      closed,
		Next:        next,
	})

	sm := domain.SpeedMarket{ID: "s1", User: trader, Asset: "ETH", Direction: domain.DirectionUp, BuyIn: domain.NewAmount(10), StrikeTime: t0.Add(time.Minute)}
	f.emit(domain.EventSpeedMarketCreated, sm.ID, sm)
	done := sm
	done.Resolved, done.Won = true, true
	f.emit(domain.EventSpeedMarketResolved, sm.ID, done)

	f.emit(domain.EventRiskChanged, "3", domain.RiskChange{Version: 3, Setting: "default_cap", NewValue: "500", ChangedAt: t0})
	f.emit(domain.EventDeposit, trader.Hex(), domain.Deposit{Round: 2, Amount: domain.NewAmount(5), At: t0})

	p := f.projector()
	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.True(t, f.rounds.rounds[1].Closed)
	assert.True(t, f.rounds.rounds[2].Allocation.Eq(domain.NewAmount(1100)))
	assert.True(t, f.rounds.results[1].PnLRatio.Eq(domain.MustAmount("1.1")))
	assert.True(t, f.speed.rows["s1"].Won)
	assert.Equal(t, "default_cap", f.risk.rows[3].Setting)
}

func TestSkipsMalformedEntries(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.bus.StreamAppend(ctx, events.Stream, []byte("{not json")))
	require.NoError(t, f.bus.StreamAppend(ctx, events.Stream, []byte(`{"type":"market_created","data":"oops"}`)))
	mk := market()
	f.emit(domain.EventMarketCreated, mk.ID.Hex(), mk)

	p := f.projector()
	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "3-0", p.Cursor())
	assert.Contains(t, f.markets.rows, mk.ID)
}

func TestStoreFailureHoldsCursor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mk := market()
	f.emit(domain.EventMarketCreated, mk.ID.Hex(), mk)
	f.emit(domain.EventTradeExecuted, mk.ID.Hex(), trade("t1", mk, [2]domain.Amount{domain.NewAmount(10), domain.Zero}))
	f.trades.err = errors.New("connection refused")

	p := f.projector()
	_, err := p.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, "1-0", p.Cursor())

	f.trades.err = nil
	n, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2-0", p.Cursor())
	assert.Len(t, f.trades.rows, 1)
}

func TestTradeForUnknownMarketIsTolerated(t *testing.T) {
	f := newFixture()
	mk := market()
	f.emit(domain.EventTradeExecuted, mk.ID.Hex(), trade("t1", mk, [2]domain.Amount{domain.NewAmount(10), domain.Zero}))

	_, err := f.projector().Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.trades.rows, 1)
	assert.Empty(t, f.markets.rows)
}
