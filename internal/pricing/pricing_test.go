package pricing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

func referenceCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func TestProbabilityBelowMatchesReference(t *testing.T) {
	spot, strike, years, vol := 3950.0, 4000.0, 10.0/365, 120.0

	pm, err := ProbabilityBelow(spot, strike, years, vol)
	require.NoError(t, err)

	d1 := math.Log(strike/spot) / (vol / 100 * math.Sqrt(years))
	want := referenceCDF(d1) * PerMille
	assert.InEpsilon(t, want, float64(pm), 0.01)
	assert.Equal(t, 525, pm)
}

func TestCumulativeNormal(t *testing.T) {
	for _, x := range []float64{-3, -1.5, -0.2, 0, 0.063, 0.7, 2.4, 4} {
		assert.InDelta(t, referenceCDF(x), CumulativeNormal(x), 2e-5, "x=%v", x)
	}
	assert.InDelta(t, 0.5, CumulativeNormal(0), 2e-5)
	assert.Equal(t, 1.0, CumulativeNormal(math.Inf(1)))
	assert.Equal(t, 0.0, CumulativeNormal(math.Inf(-1)))
}

func TestProbabilityBelowSaturates(t *testing.T) {
	pm, err := ProbabilityBelow(1, 1e12, 1e-9, 1)
	require.NoError(t, err)
	assert.Equal(t, PerMille, pm)

	pm, err = ProbabilityBelow(1e12, 1, 1e-9, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, pm)
}

func TestProbabilityBelowRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name                     string
		spot, strike, years, vol float64
	}{
		{"zero time", 100, 100, 0, 50},
		{"negative time", 100, 100, -1, 50},
		{"zero vol", 100, 100, 1, 0},
		{"negative vol", 100, 100, 1, -5},
		{"zero spot", 0, 100, 1, 50},
		{"zero strike", 100, 0, 1, 50},
		{"nan vol", 100, 100, 1, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ProbabilityBelow(tc.spot, tc.strike, tc.years, tc.vol)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRawPricesSumToOne(t *testing.T) {
	strikes := []string{"3000", "3900", "4000", "4100", "5200"}
	for _, k := range strikes {
		p, err := RawPrices(domain.NewAmount(4000), domain.MustAmount(k), 72*time.Hour, domain.NewAmount(80))
		require.NoError(t, err)
		sum, err := p.Up.Add(p.Down)
		require.NoError(t, err)
		assert.True(t, sum.Eq(domain.One), "strike %s sum %s", k, sum)
		assert.True(t, p.Of(domain.DirectionDown).Eq(p.Down))
	}

	// A higher strike makes finishing below more likely.
	lo, err := RawPrices(domain.NewAmount(4000), domain.NewAmount(3900), 72*time.Hour, domain.NewAmount(80))
	require.NoError(t, err)
	hi, err := RawPrices(domain.NewAmount(4000), domain.NewAmount(4100), 72*time.Hour, domain.NewAmount(80))
	require.NoError(t, err)
	assert.True(t, hi.Down.Gt(lo.Down))

	_, err = RawPrices(domain.NewAmount(4000), domain.NewAmount(4000), 0, domain.NewAmount(80))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
