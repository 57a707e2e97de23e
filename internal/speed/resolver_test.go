package speed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/crypto"
	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/ledger"
	"github.com/alanyoungcy/optionamm/internal/oracle"
	"github.com/alanyoungcy/optionamm/internal/risk"
)

const publisherKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	owner   = common.HexToAddress("0x01")
	base    = common.HexToAddress("0xba5e")
	vault   = common.HexToAddress("0x5bee")
	safeBox = common.HexToAddress("0x5afe")
	feeAcct = common.HexToAddress("0xfee")
	user    = common.HexToAddress("0xa11ce")
	keeper  = common.HexToAddress("0x4ee9")
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	r      *Resolver
	oracle *oracle.PushOracle
	signer *crypto.Signer
	ledger *ledger.Memory
	clock  *domain.ManualClock
}

func newFixture(t *testing.T, vaultFunds uint64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := domain.NewManualClock(t0)
	s, err := crypto.NewSigner(publisherKey, 1)
	require.NoError(t, err)

	l := ledger.NewMemory()
	require.NoError(t, l.Mint(base, user, domain.NewAmount(1_000)))
	require.NoError(t, l.Mint(base, keeper, domain.NewAmount(10)))
	if vaultFunds > 0 {
		require.NoError(t, l.Mint(base, vault, domain.NewAmount(vaultFunds)))
	}

	o := oracle.NewPushOracle(oracle.PushConfig{
		ChainID:      1,
		Publishers:   []common.Address{s.Address()},
		FeePerUpdate: domain.MustAmount("0.01"),
		FeeToken:     base,
		FeeAccount:   feeAcct,
		HistoryLimit: 100,
	}, l, nil, clock, logger)

	rm := risk.NewManager(owner, domain.RiskParams{
		SpeedMaxRisk: map[string]domain.Amount{"ETH": domain.NewAmount(100)},
		SpeedMaxRiskDir: map[string]domain.Amount{
			domain.AssetDirKey("ETH", domain.DirectionUp):   domain.NewAmount(60),
			domain.AssetDirKey("ETH", domain.DirectionDown): domain.NewAmount(60),
		},
	}, clock, nil, logger)

	r := NewResolver(Config{
		Owner:         owner,
		BaseToken:     base,
		Vault:         vault,
		SafeBox:       safeBox,
		Assets:        []string{"ETH"},
		MinDelta:      time.Minute,
		MaxDelta:      time.Hour,
		MinBuyIn:      domain.NewAmount(5),
		MaxBuyIn:      domain.NewAmount(200),
		Multiplier:    domain.NewAmount(2),
		LPFee:         domain.MustAmount("0.02"),
		SafeBoxFee:    domain.MustAmount("0.01"),
		MaxPriceAge:   time.Minute,
		MaxPriceDelay: time.Minute,
	}, o, rm, l, nil, nil, clock, logger)
	return &fixture{r: r, oracle: o, signer: s, ledger: l, clock: clock}
}

func (f *fixture) update(t *testing.T, price string, at time.Time) domain.PriceUpdate {
	t.Helper()
	u, err := f.signer.SignUpdate(domain.PriceUpdate{Asset: "ETH", Price: domain.MustAmount(price), PublishTime: at})
	require.NoError(t, err)
	return u
}

func (f *fixture) balance(t *testing.T, a common.Address) domain.Amount {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), base, a)
	require.NoError(t, err)
	return b
}

func (f *fixture) create(t *testing.T, dir domain.Direction, buyIn uint64) domain.SpeedMarket {
	t.Helper()
	m, err := f.r.Create(context.Background(), CreateRequest{
		User: user, Asset: "ETH", Direction: dir, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(buyIn),
		Updates: []domain.PriceUpdate{f.update(t, "3950", f.clock.Now())},
	})
	require.NoError(t, err)
	return m
}

func TestCreateCapturesStrike(t *testing.T) {
	f := newFixture(t, 1_000)
	m := f.create(t, domain.DirectionUp, 10)

	assert.Equal(t, "3950", m.StrikePrice.String())
	assert.Equal(t, t0.Add(5*time.Minute), m.StrikeTime)
	assert.Equal(t, "20", m.Payout.String())
	assert.Equal(t, "0.3", m.Fee.String())

	// 10 buy-in + 0.2 LP fee + 0.1 safe-box fee + 0.01 oracle fee.
	assert.Equal(t, "989.69", f.balance(t, user).String())
	assert.Equal(t, "1010.2", f.balance(t, vault).String())
	assert.Equal(t, "0.1", f.balance(t, safeBox).String())
	assert.Equal(t, "0.01", f.balance(t, feeAcct).String())

	assert.Len(t, f.r.ListActive(), 1)
	assert.Len(t, f.r.ListByUser(user), 1)
	assert.Empty(t, f.r.ListByUser(keeper))
	assert.Empty(t, f.r.Due())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	req := func(mut func(*CreateRequest)) CreateRequest {
		r := CreateRequest{User: user, Asset: "ETH", Direction: domain.DirectionUp, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(10)}
		mut(&r)
		return r
	}
	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"asset", req(func(r *CreateRequest) { r.Asset = "DOGE" }), domain.ErrUnsupportedAsset},
		{"delta short", req(func(r *CreateRequest) { r.Delta = time.Second }), domain.ErrInvalidTimeRange},
		{"delta long", req(func(r *CreateRequest) { r.Delta = 2 * time.Hour }), domain.ErrInvalidTimeRange},
		{"buy-in low", req(func(r *CreateRequest) { r.BuyIn = domain.NewAmount(1) }), domain.ErrBelowMinimum},
		{"buy-in high", req(func(r *CreateRequest) { r.BuyIn = domain.NewAmount(201) }), domain.ErrCapExceeded},
		{"no price", req(func(*CreateRequest) {}), domain.ErrPriceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.r.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// A strike price older than the allowed age is stale.
	require.NoError(t, f.oracle.UpdatePriceFeeds(ctx, keeper, []domain.PriceUpdate{f.update(t, "3950", t0)}))
	f.clock.Advance(2 * time.Minute)
	_, err := f.r.Create(ctx, req(func(*CreateRequest) {}))
	assert.ErrorIs(t, err, domain.ErrStalePrice)
	assert.Equal(t, "1000", f.balance(t, user).String(), "rejected creates move nothing")
}

func TestRiskBudgets(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	up := f.create(t, domain.DirectionUp, 50)

	_, err := f.r.Create(ctx, CreateRequest{
		User: user, Asset: "ETH", Direction: domain.DirectionUp, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(20),
		Updates: []domain.PriceUpdate{f.update(t, "3950", f.clock.Now())},
	})
	assert.ErrorIs(t, err, domain.ErrCapExceeded, "direction budget")

	f.create(t, domain.DirectionDown, 40)
	_, err = f.r.Create(ctx, CreateRequest{
		User: user, Asset: "ETH", Direction: domain.DirectionDown, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(20),
		Updates: []domain.PriceUpdate{f.update(t, "3950", f.clock.Now())},
	})
	assert.ErrorIs(t, err, domain.ErrCapExceeded, "asset budget")

	// Resolution releases the budget.
	f.clock.Advance(5 * time.Minute)
	_, err = f.r.Resolve(ctx, keeper, up.ID, []domain.PriceUpdate{f.update(t, "3900", f.clock.Now())})
	require.NoError(t, err)
	f.create(t, domain.DirectionUp, 20)
}

func TestInsolventVaultRejects(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.r.Create(context.Background(), CreateRequest{
		User: user, Asset: "ETH", Direction: domain.DirectionUp, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(10),
		Updates: []domain.PriceUpdate{f.update(t, "3950", f.clock.Now())},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Empty(t, f.r.ListActive())

	// The pushed update was stored, so its fee is kept; the buy-in is not.
	assert.Equal(t, "999.99", f.balance(t, user).String())
	assert.Equal(t, "0.01", f.balance(t, feeAcct).String())
	latest, err := f.oracle.LatestPrice("ETH", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "3950", latest.Price.String())
}

func TestResolveWinPaysMultiple(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	m := f.create(t, domain.DirectionUp, 10)
	before := f.balance(t, user)

	_, err := f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{f.update(t, "4000", f.clock.Now())})
	assert.ErrorIs(t, err, domain.ErrMarketNotMatured)

	f.clock.Advance(5*time.Minute + 10*time.Second)
	got, err := f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{f.update(t, "4000", t0.Add(5*time.Minute+10*time.Second))})
	require.NoError(t, err)
	assert.True(t, got.Won)
	assert.Equal(t, domain.DirectionUp, got.Result)

	gain, err := f.balance(t, user).Sub(before)
	require.NoError(t, err)
	assert.Equal(t, "20", gain.String())
	assert.Equal(t, "9.99", f.balance(t, keeper).String(), "resolver pays the update fee")
	assert.Empty(t, f.r.ListActive())
}

func TestResolveTwiceFailsWithoutStateChange(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	m := f.create(t, domain.DirectionDown, 10)
	f.clock.Advance(5 * time.Minute)
	first, err := f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{f.update(t, "3900", f.clock.Now())})
	require.NoError(t, err)
	require.True(t, first.Won)

	userBal, keeperBal, vaultBal := f.balance(t, user), f.balance(t, keeper), f.balance(t, vault)
	_, err = f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{f.update(t, "4100", f.clock.Now())})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	after, err := f.r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, first, after)
	assert.True(t, userBal.Eq(f.balance(t, user)))
	assert.True(t, keeperBal.Eq(f.balance(t, keeper)))
	assert.True(t, vaultBal.Eq(f.balance(t, vault)))
}

func TestResolveRejectsBadUpdates(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	m := f.create(t, domain.DirectionUp, 10)
	f.clock.Advance(10 * time.Minute)

	late := f.update(t, "4000", m.StrikeTime.Add(2*time.Minute))
	_, err := f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{late})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	forged := f.update(t, "4000", m.StrikeTime)
	forged.Price = domain.NewAmount(9_999)
	_, err = f.r.Resolve(ctx, keeper, m.ID, []domain.PriceUpdate{forged})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	got, err := f.r.Get(m.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
	assert.Equal(t, "10", f.balance(t, keeper).String())
}

func TestEqualPriceLoses(t *testing.T) {
	f := newFixture(t, 1_000)
	m := f.create(t, domain.DirectionUp, 10)
	f.clock.Advance(5 * time.Minute)
	got, err := f.r.Resolve(context.Background(), keeper, m.ID, []domain.PriceUpdate{f.update(t, "3950", f.clock.Now())})
	require.NoError(t, err)
	assert.Empty(t, got.Result)
	assert.False(t, got.Won)
}

func TestResolveFromHistory(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	m := f.create(t, domain.DirectionDown, 10)
	f.clock.Advance(5 * time.Minute)
	assert.Len(t, f.r.Due(), 1)

	_, err := f.r.ResolveFromHistory(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.NoError(t, f.oracle.UpdatePriceFeeds(ctx, keeper, []domain.PriceUpdate{f.update(t, "3940", f.clock.Now())}))
	got, err := f.r.ResolveFromHistory(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Won)
}

func TestResolveManually(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()
	m := f.create(t, domain.DirectionUp, 10)

	_, err := f.r.ResolveManually(ctx, user, m.ID, domain.NewAmount(4_000))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	f.clock.Advance(5 * time.Minute)
	_, err = f.r.ResolveManually(ctx, owner, m.ID, domain.NewAmount(4_000))
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)

	f.clock.Advance(2 * time.Minute)
	got, err := f.r.ResolveManually(ctx, owner, m.ID, domain.NewAmount(3_000))
	require.NoError(t, err)
	assert.False(t, got.Won)
	assert.Equal(t, domain.DirectionDown, got.Result)
}

func TestRestoreRecomputesRisk(t *testing.T) {
	f := newFixture(t, 1_000)
	f.create(t, domain.DirectionUp, 50)
	all := f.r.All()

	g := newFixture(t, 1_000)
	g.r.Restore(all)
	_, err := g.r.Create(context.Background(), CreateRequest{
		User: user, Asset: "ETH", Direction: domain.DirectionUp, Delta: 5 * time.Minute, BuyIn: domain.NewAmount(20),
		Updates: []domain.PriceUpdate{g.update(t, "3950", g.clock.Now())},
	})
	assert.ErrorIs(t, err, domain.ErrCapExceeded)
}
