package amm

import (
	"fmt"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// The curve works on the AMM's exposure to a market: the outstanding token
// supply per direction. Only the imbalance between the two sides is at risk,
// so liquidity is measured against the net skew rather than gross supply.

// AvailableToBuy is cap minus the net skew already sold in dir, floored at zero.
func AvailableToBuy(expDir, expOther, limit domain.Amount) domain.Amount {
	return limit.SubFloor(expDir.SubFloor(expOther))
}

// BuyImpact returns the fractional impact of buying amount in dir. Buying
// back toward a balanced book (up to the opposite skew) is free; the rest
// scales linearly to maxImpact at AvailableToBuy.
func BuyImpact(expDir, expOther, limit, maxImpact, amount domain.Amount) (domain.Amount, error) {
	avail := AvailableToBuy(expDir, expOther, limit)
	if amount.Gt(avail) {
		return domain.Zero, domain.Errorf(domain.ErrCapExceeded, "amm: buy %s exceeds available %s", amount, avail)
	}
	balancing := expOther.SubFloor(expDir)
	return linearImpact(maxImpact, amount.SubFloor(balancing), avail.SubFloor(balancing))
}

// AvailableToSell is how much of dir the AMM will take back: the skew it has
// sold in dir plus the room left under the opposite cap, never more than the
// outstanding supply.
func AvailableToSell(expDir, expOther, limitOther domain.Amount) domain.Amount {
	long := expDir.SubFloor(expOther)
	room := limitOther.SubFloor(expOther.SubFloor(expDir))
	total, err := long.Add(room)
	if err != nil {
		return expDir
	}
	return domain.MinAmount(expDir, total)
}

// SellImpact returns the fractional impact of selling amount of dir back to
// the AMM. Selling down the AMM's own skew carries no impact; only the part
// that pushes the book past neutral into the other side is charged.
func SellImpact(expDir, expOther, limitOther, maxImpact, amount domain.Amount) (domain.Amount, error) {
	avail := AvailableToSell(expDir, expOther, limitOther)
	if amount.Gt(avail) {
		return domain.Zero, domain.Errorf(domain.ErrCapExceeded, "amm: sell %s exceeds available %s", amount, avail)
	}
	neutral := expDir.SubFloor(expOther)
	return linearImpact(maxImpact, amount.SubFloor(neutral), avail.SubFloor(neutral))
}

func linearImpact(maxImpact, risky, room domain.Amount) (domain.Amount, error) {
	if risky.IsZero() || room.IsZero() {
		return domain.Zero, nil
	}
	v, err := domain.MulDivUp(maxImpact, risky, room)
	if err != nil {
		return domain.Zero, fmt.Errorf("amm: impact: %w", err)
	}
	return domain.MinAmount(v, maxImpact), nil
}
