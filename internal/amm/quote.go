package amm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/pricing"
)

// Quote prices a trade of amount tokens in dir without executing it. A
// non-nil collateral also returns the amount of that token needed (buy) or
// guaranteed (sell).
func (a *AMM) Quote(ctx context.Context, id common.Hash, dir domain.Direction, side domain.TradeSide, amount domain.Amount, collateral *common.Address) (domain.Quote, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Quote{}, err
	}
	return a.quote(ctx, mk, dir, side, amount, collateral)
}

func (a *AMM) quote(ctx context.Context, mk domain.Market, dir domain.Direction, side domain.TradeSide, amount domain.Amount, collateral *common.Address) (domain.Quote, error) {
	if !dir.Valid() {
		return domain.Quote{}, domain.Errorf(domain.ErrInvalidInput, "amm: direction %q", dir)
	}
	if amount.IsZero() {
		return domain.Quote{}, domain.Errorf(domain.ErrBelowMinimum, "amm: zero amount")
	}
	raw, err := a.rawPrice(ctx, mk, dir)
	if err != nil {
		return domain.Quote{}, err
	}

	q := domain.Quote{
		MarketID:   mk.ID,
		Direction:  dir,
		Side:       side,
		Amount:     amount,
		RawPrice:   raw,
		Collateral: a.normalizeCollateral(collateral),
	}
	exp := exposureOf(mk)
	switch side {
	case domain.SideBuy:
		err = a.priceBuy(&q, mk, exp)
	case domain.SideSell:
		err = a.priceSell(&q, mk, exp)
	default:
		err = domain.Errorf(domain.ErrInvalidInput, "amm: side %q", side)
	}
	if err != nil {
		return domain.Quote{}, err
	}

	if q.Collateral != nil {
		if a.ramp == nil {
			return domain.Quote{}, domain.Errorf(domain.ErrUnsupportedCollateral, "amm: collateral trading disabled")
		}
		if side == domain.SideBuy {
			q.CollateralTotal, err = a.ramp.MinimumNeeded(ctx, *q.Collateral, q.Total)
		} else {
			q.CollateralTotal, err = a.ramp.MinimumReceivedOfframp(ctx, *q.Collateral, q.Total)
		}
		if err != nil {
			return domain.Quote{}, fmt.Errorf("amm: collateral quote: %w", err)
		}
	}
	return q, nil
}

// priceBuy marks the raw price up by spread, safe-box fee and impact and
// rounds the cost up.
func (a *AMM) priceBuy(q *domain.Quote, mk domain.Market, exp domain.Exposure) error {
	d := q.Direction
	impact, err := BuyImpact(exp.Of(d), exp.Of(d.Other()), a.risk.DirectionalCap(mk, d), a.cfg.MaxImpact, q.Amount)
	if err != nil {
		return err
	}
	markup, err := domain.SumAmounts(domain.One, a.cfg.MinSpread, a.cfg.SafeBoxFee, impact)
	if err != nil {
		return fmt.Errorf("amm: buy markup: %w", err)
	}
	price, err := q.RawPrice.MulUp(markup)
	if err != nil {
		return fmt.Errorf("amm: buy price: %w", err)
	}
	if price.Gte(domain.One) {
		return domain.Errorf(domain.ErrPriceOutOfRange, "amm: buy price %s not below 1", price)
	}
	total, err := q.Amount.MulUp(price)
	if err != nil {
		return fmt.Errorf("amm: buy total: %w", err)
	}
	notional, err := q.Amount.Mul(q.RawPrice)
	if err != nil {
		return fmt.Errorf("amm: buy fee: %w", err)
	}
	fee, err := notional.Mul(a.cfg.SafeBoxFee)
	if err != nil {
		return fmt.Errorf("amm: buy fee: %w", err)
	}
	q.Impact, q.Price, q.Total, q.Fee = impact, price, total, fee
	return nil
}

// priceSell discounts the raw price by spread and impact and rounds the
// proceeds down.
func (a *AMM) priceSell(q *domain.Quote, mk domain.Market, exp domain.Exposure) error {
	d := q.Direction
	impact, err := SellImpact(exp.Of(d), exp.Of(d.Other()), a.risk.DirectionalCap(mk, d.Other()), a.cfg.MaxImpact, q.Amount)
	if err != nil {
		return err
	}
	discount, err := a.cfg.MinSpread.Add(impact)
	if err != nil {
		return fmt.Errorf("amm: sell discount: %w", err)
	}
	price, err := q.RawPrice.Mul(domain.One.SubFloor(discount))
	if err != nil {
		return fmt.Errorf("amm: sell price: %w", err)
	}
	if price.IsZero() {
		return domain.Errorf(domain.ErrPriceOutOfRange, "amm: sell price is zero")
	}
	total, err := q.Amount.Mul(price)
	if err != nil {
		return fmt.Errorf("amm: sell total: %w", err)
	}
	if total.IsZero() {
		return domain.Errorf(domain.ErrBelowMinimum, "amm: proceeds round to zero")
	}
	q.Impact, q.Price, q.Total = impact, price, total
	return nil
}

// rawPrice checks the market is tradable and returns the probability price.
func (a *AMM) rawPrice(ctx context.Context, mk domain.Market, dir domain.Direction) (domain.Amount, error) {
	if err := a.tradable(mk); err != nil {
		return domain.Zero, err
	}
	spot, err := a.feed.Rate(ctx, mk.Asset, a.cfg.MaxPriceAge)
	if err != nil {
		return domain.Zero, fmt.Errorf("amm: spot %s: %w", mk.Asset, err)
	}
	vol, err := a.risk.ImpliedVolatility(mk.Asset)
	if err != nil {
		return domain.Zero, fmt.Errorf("amm: volatility: %w", err)
	}
	prices, err := pricing.RawPrices(spot, mk.Strike, mk.Maturity.Sub(a.clock.Now()), vol)
	if err != nil {
		return domain.Zero, fmt.Errorf("amm: raw price: %w", err)
	}
	raw := prices.Of(dir)
	if raw.IsZero() || raw.Gte(domain.One) || raw.Lt(a.cfg.MinSupportedPrice) ||
		(!a.cfg.MaxSupportedPrice.IsZero() && raw.Gt(a.cfg.MaxSupportedPrice)) {
		return domain.Zero, domain.Errorf(domain.ErrPriceOutOfRange, "amm: raw %s price %s outside [%s, %s]",
			dir, raw, a.cfg.MinSupportedPrice, a.cfg.MaxSupportedPrice)
	}
	return raw, nil
}

func (a *AMM) tradable(mk domain.Market) error {
	if mk.Resolved {
		return domain.Errorf(domain.ErrAlreadyResolved, "amm: market %s", mk.ID.Hex())
	}
	if !a.clock.Now().Before(mk.Maturity) {
		return domain.Errorf(domain.ErrMarketMatured, "amm: market %s", mk.ID.Hex())
	}
	if a.risk.IsPaused(mk.ID) {
		return domain.Errorf(domain.ErrTradingPaused, "amm: market %s", mk.ID.Hex())
	}
	return nil
}

func (a *AMM) normalizeCollateral(c *common.Address) *common.Address {
	if c == nil || *c == a.cfg.BaseToken {
		return nil
	}
	token := *c
	return &token
}

// AvailableToBuy returns how many dir tokens can be bought now. It is zero
// for markets that are not tradable.
func (a *AMM) AvailableToBuy(id common.Hash, dir domain.Direction) (domain.Amount, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Zero, err
	}
	if a.tradable(mk) != nil {
		return domain.Zero, nil
	}
	exp := exposureOf(mk)
	return AvailableToBuy(exp.Of(dir), exp.Of(dir.Other()), a.risk.DirectionalCap(mk, dir)), nil
}

// AvailableToSell returns how many dir tokens the AMM will buy back now.
func (a *AMM) AvailableToSell(id common.Hash, dir domain.Direction) (domain.Amount, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Zero, err
	}
	if a.tradable(mk) != nil {
		return domain.Zero, nil
	}
	exp := exposureOf(mk)
	return AvailableToSell(exp.Of(dir), exp.Of(dir.Other()), a.risk.DirectionalCap(mk, dir.Other())), nil
}

// BuyPriceImpact returns the impact a buy of amount would pay.
func (a *AMM) BuyPriceImpact(id common.Hash, dir domain.Direction, amount domain.Amount) (domain.Amount, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Zero, err
	}
	exp := exposureOf(mk)
	return BuyImpact(exp.Of(dir), exp.Of(dir.Other()), a.risk.DirectionalCap(mk, dir), a.cfg.MaxImpact, amount)
}

// SellPriceImpact returns the impact a sell of amount would pay.
func (a *AMM) SellPriceImpact(id common.Hash, dir domain.Direction, amount domain.Amount) (domain.Amount, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Zero, err
	}
	exp := exposureOf(mk)
	return SellImpact(exp.Of(dir), exp.Of(dir.Other()), a.risk.DirectionalCap(mk, dir.Other()), a.cfg.MaxImpact, amount)
}
