package amm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/txn"
)

// BuyRequest buys option tokens from the AMM.
type BuyRequest struct {
	MarketID  common.Hash
	Trader    common.Address
	Direction domain.Direction
	Amount    domain.Amount
	// MaxCost bounds the payment, in collateral units when Collateral is set.
	MaxCost    domain.Amount
	Collateral *common.Address
}

// SellRequest sells option tokens back to the AMM.
type SellRequest struct {
	MarketID  common.Hash
	Trader    common.Address
	Direction domain.Direction
	Amount    domain.Amount
	// MinProceeds bounds the proceeds, in collateral units when Collateral is set.
	MinProceeds domain.Amount
	Collateral  *common.Address
}

// Buy executes a buy. Token balances are committed first; the payment, the
// safe-box fee and any default-LP top-up follow, and every step is reversed
// if a later one fails.
func (a *AMM) Buy(ctx context.Context, req BuyRequest) (domain.Trade, error) {
	unlock, err := a.lockMarket(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: buy: %w", err)
	}
	defer unlock()

	mk, err := a.Market(req.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}
	q, err := a.quote(ctx, mk, req.Direction, domain.SideBuy, req.Amount, req.Collateral)
	if err != nil {
		return domain.Trade{}, a.reject(ctx, domain.SideBuy, req.MarketID, err)
	}
	pay := q.Total
	if q.Collateral != nil {
		pay = q.CollateralTotal
	}
	if pay.Gt(req.MaxCost) {
		return domain.Trade{}, a.reject(ctx, domain.SideBuy, req.MarketID,
			domain.Errorf(domain.ErrSlippageExceeded, "amm: cost %s above max %s", pay, req.MaxCost))
	}

	if err := a.applyTrade(mk.ID, req.Trader, req.Direction, req.Amount, domain.SideBuy); err != nil {
		return domain.Trade{}, a.reject(ctx, domain.SideBuy, req.MarketID, err)
	}
	var u txn.Undo
	u.Push("positions", func(context.Context) error {
		return a.applyTrade(mk.ID, req.Trader, req.Direction, req.Amount, domain.SideSell)
	})
	if err := a.collectBuy(ctx, &u, mk.Round, req.Trader, q); err != nil {
		_ = u.Rollback(ctx, a.logger)
		return domain.Trade{}, a.reject(ctx, domain.SideBuy, req.MarketID, err)
	}
	return a.record(ctx, mk, req.Trader, q), nil
}

func (a *AMM) collectBuy(ctx context.Context, u *txn.Undo, round uint64, trader common.Address, q domain.Quote) error {
	if q.Collateral != nil {
		token := *q.Collateral
		got, err := a.ramp.Onramp(ctx, a.cfg.Self, trader, token, q.CollateralTotal)
		if err != nil {
			return fmt.Errorf("amm: onramp: %w", err)
		}
		// Reversal goes back through the swap, so it restores value only to
		// within the ramp's slippage.
		u.Push("onramp", func(ctx context.Context) error {
			_, err := a.ramp.Offramp(ctx, a.cfg.Self, trader, token, got)
			return err
		})
		if got.Lt(q.Total) {
			return domain.Errorf(domain.ErrSlippageExceeded, "amm: onramp returned %s < cost %s", got, q.Total)
		}
	}

	premium, err := q.Total.Sub(q.Fee)
	if err != nil {
		return fmt.Errorf("amm: premium: %w", err)
	}
	if err := a.funding.Receive(ctx, round, trader, premium); err != nil {
		return fmt.Errorf("amm: collect premium: %w", err)
	}
	u.Push("premium", func(ctx context.Context) error {
		return a.funding.Payout(ctx, round, trader, premium)
	})

	if !q.Fee.IsZero() {
		if err := a.ledger.Transfer(ctx, a.cfg.BaseToken, trader, a.cfg.SafeBox, q.Fee); err != nil {
			return fmt.Errorf("amm: safe box fee: %w", err)
		}
		u.Push("safe box fee", func(ctx context.Context) error {
			return a.ledger.Transfer(ctx, a.cfg.BaseToken, a.cfg.SafeBox, trader, q.Fee)
		})
	}

	required, err := a.LockedTotal(round)
	if err != nil {
		return err
	}
	if err := a.funding.EnsureCapacity(ctx, round, required); err != nil {
		return fmt.Errorf("amm: ensure capacity: %w", err)
	}
	return nil
}

// Sell executes a sell. The trader's tokens are burned first, then the
// proceeds are paid from the round vault and optionally offramped.
func (a *AMM) Sell(ctx context.Context, req SellRequest) (domain.Trade, error) {
	unlock, err := a.lockMarket(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("amm: sell: %w", err)
	}
	defer unlock()

	mk, err := a.Market(req.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}
	q, err := a.quote(ctx, mk, req.Direction, domain.SideSell, req.Amount, req.Collateral)
	if err != nil {
		return domain.Trade{}, a.reject(ctx, domain.SideSell, req.MarketID, err)
	}
	receive := q.Total
	if q.Collateral != nil {
		receive = q.CollateralTotal
	}
	if receive.Lt(req.MinProceeds) {
		return domain.Trade{}, a.reject(ctx, domain.SideSell, req.MarketID,
			domain.Errorf(domain.ErrSlippageExceeded, "amm: proceeds %s below min %s", receive, req.MinProceeds))
	}

	if err := a.applyTrade(mk.ID, req.Trader, req.Direction, req.Amount, domain.SideSell); err != nil {
		return domain.Trade{}, a.reject(ctx, domain.SideSell, req.MarketID, err)
	}
	var u txn.Undo
	u.Push("positions", func(context.Context) error {
		return a.applyTrade(mk.ID, req.Trader, req.Direction, req.Amount, domain.SideBuy)
	})
	if err := a.paySell(ctx, &u, mk.Round, req, q); err != nil {
		_ = u.Rollback(ctx, a.logger)
		return domain.Trade{}, a.reject(ctx, domain.SideSell, req.MarketID, err)
	}
	return a.record(ctx, mk, req.Trader, q), nil
}

func (a *AMM) paySell(ctx context.Context, u *txn.Undo, round uint64, req SellRequest, q domain.Quote) error {
	if err := a.funding.Payout(ctx, round, req.Trader, q.Total); err != nil {
		return fmt.Errorf("amm: pay proceeds: %w", err)
	}
	u.Push("proceeds", func(ctx context.Context) error {
		return a.funding.Receive(ctx, round, req.Trader, q.Total)
	})
	if q.Collateral == nil {
		return nil
	}
	token := *q.Collateral
	out, err := a.ramp.Offramp(ctx, a.cfg.Self, req.Trader, token, q.Total)
	if err != nil {
		return fmt.Errorf("amm: offramp: %w", err)
	}
	u.Push("offramp", func(ctx context.Context) error {
		_, err := a.ramp.Onramp(ctx, a.cfg.Self, req.Trader, token, out)
		return err
	})
	if out.Lt(req.MinProceeds) {
		return domain.Errorf(domain.ErrSlippageExceeded, "amm: offramp returned %s < min %s", out, req.MinProceeds)
	}
	return nil
}

// applyTrade moves amount of dir between the AMM and trader. A buy mints to
// the trader; a sell burns and fails if the trader holds too little.
func (a *AMM) applyTrade(id common.Hash, trader common.Address, dir domain.Direction, amount domain.Amount, side domain.TradeSide) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	mk := a.markets[id]
	book := a.positions[id]
	held := book[trader]
	if held == nil {
		held = &[2]domain.Amount{}
	}
	i := dir.Index()

	supply, pos := mk.Supply[i], held[i]
	var err error
	if side == domain.SideBuy {
		if supply, err = supply.Add(amount); err != nil {
			return fmt.Errorf("amm: supply: %w", err)
		}
		if pos, err = pos.Add(amount); err != nil {
			return fmt.Errorf("amm: position: %w", err)
		}
	} else {
		if pos.Lt(amount) {
			return domain.Errorf(domain.ErrInsufficientBalance, "amm: %s holds %s %s, selling %s", trader.Hex(), pos, dir, amount)
		}
		pos = pos.SubFloor(amount)
		if supply, err = supply.Sub(amount); err != nil {
			return fmt.Errorf("amm: supply: %w", err)
		}
	}
	mk.Supply[i] = supply
	held[i] = pos
	if held[0].IsZero() && held[1].IsZero() {
		delete(book, trader)
	} else {
		book[trader] = held
	}
	return nil
}

func (a *AMM) record(ctx context.Context, mk domain.Market, trader common.Address, q domain.Quote) domain.Trade {
	t := domain.Trade{
		ID:         uuid.NewString(),
		MarketID:   mk.ID,
		Trader:     trader,
		Direction:  q.Direction,
		Side:       q.Side,
		Amount:     q.Amount,
		Total:      q.Total,
		Fee:        q.Fee,
		Collateral: q.Collateral,
		Round:      mk.Round,
		ExecutedAt: a.clock.Now(),
	}
	a.logger.InfoContext(ctx, "amm: trade executed",
		slog.String("market", mk.ID.Hex()),
		slog.String("trader", trader.Hex()),
		slog.String("side", string(q.Side)),
		slog.String("direction", string(q.Direction)),
		slog.String("amount", q.Amount.String()),
		slog.String("price", q.Price.String()),
		slog.String("total", q.Total.String()),
	)
	a.mu.RLock()
	supply := a.markets[mk.ID].Supply
	a.mu.RUnlock()
	a.sink.Emit(ctx, domain.NewEvent(domain.EventTradeExecuted, mk.ID.Hex(),
		domain.TradeExecuted{Trade: t, Supply: supply}, t.ExecutedAt))
	return t
}

func (a *AMM) reject(ctx context.Context, side domain.TradeSide, id common.Hash, err error) error {
	a.logger.WarnContext(ctx, "amm: trade rejected",
		slog.String("market", id.Hex()),
		slog.String("side", string(side)),
		slog.String("code", domain.CodeOf(err)),
		slog.String("error", err.Error()),
	)
	return err
}
