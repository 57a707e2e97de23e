// Package pricing computes the raw probability prices of digital up/down
// options from spot, strike, time to maturity and implied volatility.
package pricing

import (
	"math"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Abramowitz-Stegun 26.2.17 coefficients.
const (
	a1 = 0.3193815
	a2 = -0.356538
	a3 = 1.781478
	a4 = -1.821256
	a5 = 1.330274
	p  = 0.2316419
)

// PerMille is the resolution of raw probabilities.
const PerMille = 1000

// Year is the annualisation basis for time to maturity.
const Year = 365 * 24 * time.Hour

var invSqrt2Pi = 1 / math.Sqrt(2*math.Pi)

// CumulativeNormal approximates the standard normal CDF at x.
func CumulativeNormal(x float64) float64 {
	if math.IsInf(x, 1) {
		return 1
	}
	if math.IsInf(x, -1) {
		return 0
	}
	ax := math.Abs(x)
	k := 1 / (1 + p*ax)
	poly := k * (a1 + k*(a2+k*(a3+k*(a4+k*a5))))
	n := 1 - invSqrt2Pi*math.Exp(-ax*ax/2)*poly
	if x < 0 {
		return 1 - n
	}
	return n
}

// ProbabilityBelow returns floor(1000 * N(d1)), the per-mille probability that
// the asset finishes below strike, where d1 = ln(K/P) / (V/100 * sqrt(T)).
// years is the time to maturity in years and vol the annualised implied
// volatility in percentage points.
func ProbabilityBelow(spot, strike, years, vol float64) (int, error) {
	switch {
	case !(spot > 0) || math.IsInf(spot, 0):
		return 0, domain.Errorf(domain.ErrInvalidInput, "pricing: spot %v must be positive", spot)
	case !(strike > 0) || math.IsInf(strike, 0):
		return 0, domain.Errorf(domain.ErrInvalidInput, "pricing: strike %v must be positive", strike)
	case !(years > 0):
		return 0, domain.Errorf(domain.ErrInvalidInput, "pricing: time to maturity %v must be positive", years)
	case !(vol > 0):
		return 0, domain.Errorf(domain.ErrInvalidInput, "pricing: implied volatility %v must be positive", vol)
	}

	d1 := math.Log(strike/spot) / (vol / 100 * math.Sqrt(years))
	n := CumulativeNormal(d1)
	pm := int(math.Floor(n * PerMille))
	return min(max(pm, 0), PerMille), nil
}

// Prices is the raw price pair of a market, each in [0, 1].
type Prices struct {
	Up   domain.Amount
	Down domain.Amount
	// BelowPerMille is the raw per-mille probability of finishing below strike.
	BelowPerMille int
}

// Of returns the raw price for d.
func (p Prices) Of(d domain.Direction) domain.Amount {
	if d == domain.DirectionDown {
		return p.Down
	}
	return p.Up
}

// RawPrices prices both directions. The down price is the per-mille
// probability of finishing below strike and the up price its complement, so
// the pair always sums to exactly one.
func RawPrices(spot, strike domain.Amount, ttm time.Duration, vol domain.Amount) (Prices, error) {
	if ttm <= 0 {
		return Prices{}, domain.Errorf(domain.ErrInvalidInput, "pricing: time to maturity %s must be positive", ttm)
	}
	years := ttm.Seconds() / Year.Seconds()
	pm, err := ProbabilityBelow(spot.Float64(), strike.Float64(), years, vol.Float64())
	if err != nil {
		return Prices{}, err
	}
	down, err := perMille(pm)
	if err != nil {
		return Prices{}, err
	}
	up, err := perMille(PerMille - pm)
	if err != nil {
		return Prices{}, err
	}
	return Prices{Up: up, Down: down, BelowPerMille: pm}, nil
}

func perMille(n int) (domain.Amount, error) {
	return domain.MulDiv(domain.NewAmount(uint64(n)), domain.One, domain.NewAmount(PerMille))
}
