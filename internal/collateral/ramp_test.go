package collateral

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/ledger"
	"github.com/alanyoungcy/optionamm/internal/oracle"
)

var (
	owner   = common.HexToAddress("0x01")
	amm     = common.HexToAddress("0xa33")
	trader  = common.HexToAddress("0x7ade")
	base    = common.HexToAddress("0xba5e")
	usdc    = common.HexToAddress("0x05dc")
	dai     = common.HexToAddress("0xda1")
	reserve = common.HexToAddress("0x5e5e")
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	ramp   *Ramp
	ledger *ledger.Memory
	prices *oracle.StaticSource
	clock  *domain.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := domain.NewManualClock(t0)
	prices := oracle.NewStaticSource()
	feed := oracle.NewFeed(clock, logger)
	feed.AddAggregator("USDC", prices)
	feed.AddAggregator("DAI", prices)

	l := ledger.NewMemory()
	l.Register(usdc, 6)
	require.NoError(t, l.Mint(base, reserve, domain.NewAmount(1_000_000)))
	require.NoError(t, l.Mint(usdc, reserve, domain.NewAmount(1_000_000)))

	swappers := map[domain.SwapRoute]domain.Swapper{
		domain.RouteRouter: ledger.NewRouterSwapper(l, base, reserve, feed, time.Minute,
			map[common.Address]string{usdc: "USDC", dai: "DAI"}),
		domain.RouteCurve: ledger.NewCurveSwapper(l, reserve, domain.Zero),
	}
	r := NewRamp(Config{Owner: owner, BaseToken: base, Slippage: domain.MustAmount("0.01"), MaxPriceAge: time.Minute},
		feed, swappers, nil, clock, logger)

	require.NoError(t, r.SetCollateral(ctx, owner, domain.CollateralConfig{
		Token: usdc, Symbol: "USDC", Decimals: 6, Route: domain.RouteRouter, Enabled: true, PriceAsset: "USDC",
	}))
	require.NoError(t, r.SetAuthorized(ctx, owner, amm, true))
	return &fixture{ramp: r, ledger: l, prices: prices, clock: clock}
}

func TestMinimumNeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct{ price, want string }{
		{"1", "10.1"},
		{"2", "5.05"},
		{"0.5", "20.2"},
	}
	for _, tc := range cases {
		f.prices.Set("USDC", domain.MustAmount(tc.price), t0)
		got, err := f.ramp.MinimumNeeded(ctx, usdc, domain.NewAmount(10))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.String(), "price %s", tc.price)
	}
}

func TestMinimumNeededRoundsUpToNativePrecision(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("USDC", domain.NewAmount(3), t0)
	got, err := f.ramp.MinimumNeeded(context.Background(), usdc, domain.NewAmount(10))
	require.NoError(t, err)
	// 10 * 1.01 / 3 = 3.3666...
	assert.Equal(t, "3.366667", got.String())
}

func TestMinimumReceivedOfframp(t *testing.T) {
	f := newFixture(t)
	f.prices.Set("USDC", domain.NewAmount(2), t0)
	got, err := f.ramp.MinimumReceivedOfframp(context.Background(), usdc, domain.NewAmount(10))
	require.NoError(t, err)
	assert.Equal(t, "4.95", got.String())
}

func TestOnrampAndOfframp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prices.Set("USDC", domain.One, t0)
	require.NoError(t, f.ledger.Mint(usdc, trader, domain.NewAmount(50)))

	need, err := f.ramp.MinimumNeeded(ctx, usdc, domain.NewAmount(10))
	require.NoError(t, err)
	out, err := f.ramp.Onramp(ctx, amm, trader, usdc, need)
	require.NoError(t, err)
	assert.Equal(t, "10.1", out.String())

	back, err := f.ramp.Offramp(ctx, amm, trader, usdc, domain.NewAmount(5))
	require.NoError(t, err)
	assert.Equal(t, "5", back.String())

	bal, _ := f.ledger.BalanceOf(ctx, usdc, trader)
	assert.Equal(t, "44.9", bal.String())
}

func TestRampRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prices.Set("USDC", domain.One, t0)

	_, err := f.ramp.Onramp(ctx, trader, trader, usdc, domain.One)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.ramp.Onramp(ctx, amm, trader, dai, domain.One)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCollateral)

	_, err = f.ramp.MinimumNeeded(ctx, dai, domain.One)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCollateral)

	f.clock.Advance(time.Hour)
	_, err = f.ramp.MinimumNeeded(ctx, usdc, domain.One)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	assert.ErrorIs(t, f.ramp.SetSlippage(ctx, trader, domain.Zero), domain.ErrUnauthorized)
	assert.ErrorIs(t, f.ramp.SetSlippage(ctx, owner, domain.One), domain.ErrInvalidInput)
}

func TestOnrampIsAtomicOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prices.Set("USDC", domain.One, t0)
	require.NoError(t, f.ledger.Mint(usdc, trader, domain.NewAmount(5)))

	_, err := f.ramp.Onramp(ctx, amm, trader, usdc, domain.NewAmount(10))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, _ := f.ledger.BalanceOf(ctx, usdc, trader)
	assert.Equal(t, "5", bal.String())
	baseBal, _ := f.ledger.BalanceOf(ctx, base, trader)
	assert.True(t, baseBal.IsZero())
}

type shortSwapper struct{ calls int }

func (s *shortSwapper) Exchange(_ context.Context, _, _, _ common.Address, amountIn, _ domain.Amount) (domain.Amount, error) {
	s.calls++
	return amountIn.SubFloor(domain.One), nil
}

func TestOnrampGuardsMisbehavingFacility(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := domain.NewManualClock(t0)
	prices := oracle.NewStaticSource()
	prices.Set("DAI", domain.One, t0)
	feed := oracle.NewFeed(clock, logger)
	feed.AddAggregator("DAI", prices)
	sw := &shortSwapper{}

	r := NewRamp(Config{Owner: owner, BaseToken: base, Slippage: domain.MustAmount("0.01"), MaxPriceAge: time.Minute},
		feed, map[domain.SwapRoute]domain.Swapper{domain.RouteCurve: sw}, nil, clock, logger)
	require.NoError(t, r.SetCollateral(ctx, owner, domain.CollateralConfig{
		Token: dai, Symbol: "DAI", Decimals: 18, Route: domain.RouteCurve, Enabled: true, PriceAsset: "DAI",
	}))
	require.NoError(t, r.SetAuthorized(ctx, owner, amm, true))

	_, err := r.Onramp(ctx, amm, trader, dai, domain.NewAmount(10))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, 2, sw.calls, "short swap is reversed")
}
