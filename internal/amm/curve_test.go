package amm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

var maxImpact = domain.MustAmount("0.05")

func n(v uint64) domain.Amount { return domain.NewAmount(v) }

func TestBuyImpactEndpoints(t *testing.T) {
	zero, err := BuyImpact(n(0), n(0), n(1000), maxImpact, domain.Zero)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	full, err := BuyImpact(n(0), n(0), n(1000), maxImpact, n(1000))
	require.NoError(t, err)
	assert.True(t, full.Eq(maxImpact))

	half, err := BuyImpact(n(0), n(0), n(1000), maxImpact, n(500))
	require.NoError(t, err)
	assert.Equal(t, "0.025", half.String())

	_, err = BuyImpact(n(0), n(0), n(1000), maxImpact, n(1001))
	assert.ErrorIs(t, err, domain.ErrCapExceeded)
}

func TestBuyImpactIsMonotonic(t *testing.T) {
	prev := domain.Zero
	for amt := uint64(0); amt <= 800; amt += 50 {
		got, err := BuyImpact(n(200), n(0), n(1000), maxImpact, n(amt))
		require.NoError(t, err)
		assert.True(t, got.Gte(prev), "impact fell at %d", amt)
		prev = got
	}
}

func TestBalancingBuyIsFree(t *testing.T) {
	// The AMM is short 300 down; buying up to 300 up only rebalances.
	got, err := BuyImpact(n(0), n(300), n(1000), maxImpact, n(300))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	past, err := BuyImpact(n(0), n(300), n(1000), maxImpact, n(400))
	require.NoError(t, err)
	assert.True(t, past.Gt(domain.Zero))
}

func TestAvailableToBuyNeverNegative(t *testing.T) {
	assert.True(t, AvailableToBuy(n(1500), n(0), n(1000)).IsZero())
	assert.True(t, AvailableToBuy(n(400), n(100), n(1000)).Eq(n(700)))
	assert.True(t, AvailableToBuy(n(100), n(400), n(1000)).Eq(n(1000)))
	assert.True(t, AvailableToBuy(n(0), n(0), domain.Zero).IsZero())
}

func TestAvailableToSellBoundedBySupply(t *testing.T) {
	assert.True(t, AvailableToSell(n(0), n(0), n(1000)).IsZero())
	assert.True(t, AvailableToSell(n(300), n(0), n(1000)).Eq(n(300)))
	// 100 long in dir; selling more pushes into the other side's cap.
	assert.True(t, AvailableToSell(n(500), n(400), n(150)).Eq(n(250)))
	assert.True(t, AvailableToSell(n(100), n(400), n(250)).IsZero())
}

func TestSellImpactOnlyPastNeutral(t *testing.T) {
	got, err := SellImpact(n(500), n(200), n(1000), maxImpact, n(300))
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "unwinding the AMM's own skew is free")

	past, err := SellImpact(n(500), n(200), n(1000), maxImpact, n(400))
	require.NoError(t, err)
	assert.True(t, past.Gt(domain.Zero))
	assert.True(t, past.Lte(maxImpact))

	_, err = SellImpact(n(10), n(0), n(1000), maxImpact, n(11))
	assert.ErrorIs(t, err, domain.ErrCapExceeded)
}
