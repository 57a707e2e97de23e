package oracle

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
)

const publisherKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base    = common.HexToAddress("0xba5e")
	feeAcct = common.HexToAddress("0xfee")
	payer   = common.HexToAddress("0xa11ce")
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctxBg   = context.Background()
)

func TestFeedRateStaleness(t *testing.T) {
	clock := domain.NewManualClock(t0)
	src := NewStaticSource()
	f := NewFeed(clock, discard)
	f.AddAggregator("ETH", src)

	_, err := f.Rate(ctxBg, "ETH", time.Minute)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	src.Set("ETH", domain.NewAmount(3950), t0)
	clock.Advance(30 * time.Second)
	p, err := f.Rate(ctxBg, "ETH", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "3950", p.String())

	clock.Advance(time.Minute)
	_, err = f.Rate(ctxBg, "ETH", time.Minute)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	p, err = f.RateForCurrency(ctxBg, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "3950", p.String())

	_, err = f.Rate(ctxBg, "BTC", time.Minute)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	assert.Equal(t, []string{"ETH"}, f.Currencies())
}

func TestTWAPWeightsByDuration(t *testing.T) {
	clock := domain.NewManualClock(t0)
	src := NewStaticSource()
	tw := NewTWAPSource(src, time.Hour, clock)
	f := NewFeed(clock, discard)
	f.AddPool("ETH", tw)

	src.Set("ETH", domain.NewAmount(100), t0)
	f.Sample(ctxBg)
	clock.Advance(30 * time.Minute)
	src.Set("ETH", domain.NewAmount(200), clock.Now())
	f.Sample(ctxBg)
	clock.Advance(30 * time.Minute)

	p, err := f.Rate(ctxBg, "ETH", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "150", p.String())

	// After another hour only the last observation is in force.
	clock.Advance(time.Hour)
	p, _, err = tw.Price(ctxBg, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "200", p.String())
}

func newPush(t *testing.T) (*PushOracle, *crypto.Signer, *ledger.Memory, *domain.ManualClock) {
	t.Helper()
	s, err := crypto.NewSigner(publisherKey, 1)
	require.NoError(t, err)
	l := ledger.NewMemory()
	clock := domain.NewManualClock(t0)
	o := NewPushOracle(PushConfig{
		ChainID:      1,
		Publishers:   []common.Address{s.Address()},
		FeePerUpdate: domain.MustAmount("0.01"),
		FeeToken:     base,
		FeeAccount:   feeAcct,
	}, l, nil, clock, discard)
	return o, s, l, clock
}

func signed(t *testing.T, s *crypto.Signer, asset, price string, at time.Time) domain.PriceUpdate {
	t.Helper()
	u, err := s.SignUpdate(domain.PriceUpdate{Asset: asset, Price: domain.MustAmount(price), PublishTime: at})
	require.NoError(t, err)
	return u
}

func TestPushOracleUpdateAndFees(t *testing.T) {
	o, s, l, clock := newPush(t)
	u := signed(t, s, "ETH", "4000", t0)

	fee, err := o.GetUpdateFee([]domain.PriceUpdate{u, u})
	require.NoError(t, err)
	assert.Equal(t, "0.02", fee.String())

	err = o.UpdatePriceFeeds(ctxBg, payer, []domain.PriceUpdate{u})
	assert.ErrorIs(t, err, domain.ErrInsufficientFee)
	_, err = o.LatestPrice("ETH", time.Minute)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.NoError(t, l.Mint(base, payer, domain.One))
	require.NoError(t, o.UpdatePriceFeeds(ctxBg, payer, []domain.PriceUpdate{u}))
	got, err := o.LatestPrice("ETH", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "4000", got.Price.String())
	bal, _ := l.BalanceOf(ctxBg, base, feeAcct)
	assert.Equal(t, "0.01", bal.String())

	clock.Advance(2 * time.Minute)
	_, err = o.LatestPrice("ETH", time.Minute)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}

func TestPushOracleRejectsUntrustedPublisher(t *testing.T) {
	o, _, _, _ := newPush(t)
	other, err := crypto.NewSigner("8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f", 1)
	require.NoError(t, err)
	u := signed(t, other, "ETH", "4000", t0)
	err = o.UpdatePriceFeeds(ctxBg, payer, []domain.PriceUpdate{u})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestParseAndHistoryWindow(t *testing.T) {
	o, s, l, _ := newPush(t)
	require.NoError(t, l.Mint(base, payer, domain.One))
	early := signed(t, s, "ETH", "3990", t0)
	late := signed(t, s, "ETH", "4010", t0.Add(10*time.Second))

	got, err := o.VerifyUpdates([]domain.PriceUpdate{late, early}, "ETH", t0.Add(time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "4010", got.Price.String())

	_, err = o.ParsePriceFeedUpdates(ctxBg, payer, []domain.PriceUpdate{early}, "ETH", t0.Add(time.Second), t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.NoError(t, o.UpdatePriceFeeds(ctxBg, payer, []domain.PriceUpdate{late, early}))
	h, err := o.PriceIn("ETH", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "3990", h.Price.String())
	latest, _, err := o.Price(ctxBg, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "4010", latest.String())
}

func TestRelayPublishesNewPricesOnce(t *testing.T) {
	o, s, l, _ := newPush(t)
	src := NewStaticSource()
	src.Set("ETH", domain.NewAmount(4000), t0)
	r := NewRelay(src, s, o, feeAcct, []string{"ETH", "BTC"}, discard)

	n, err := r.Publish(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "BTC has no source price")
	got, err := o.LatestPrice("ETH", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "4000", got.Price.String())
	bal, _ := l.BalanceOf(ctxBg, base, feeAcct)
	assert.True(t, bal.IsZero(), "the fee account pays itself")

	n, err = r.Publish(ctxBg)
	require.NoError(t, err)
	assert.Zero(t, n)

	src.Set("ETH", domain.NewAmount(4010), t0.Add(5*time.Second))
	n, err = r.Publish(ctxBg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h, err := o.PriceIn("ETH", t0.Add(time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "4010", h.Price.String())
}

func TestStaticSourceAsPriceCache(t *testing.T) {
	cache := NewStaticSource()
	src := NewCacheSource(cache)
	_, _, err := src.Price(ctxBg, "ETH")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.NoError(t, cache.SetPrice(ctxBg, "ETH", domain.NewAmount(3950), t0))
	p, ts, err := src.Price(ctxBg, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "3950", p.String())
	assert.Equal(t, t0, ts)

	all, err := cache.GetPrices(ctxBg, []string{"ETH", "BTC"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
