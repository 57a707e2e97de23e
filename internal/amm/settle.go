package amm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// ResolveMarket fixes a matured market's result from the oracle: up wins when
// the final price is at or above the strike. A market resolves exactly once.
func (a *AMM) ResolveMarket(ctx context.Context, id common.Hash) (domain.Market, error) {
	unlock, err := a.lockMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("amm: resolve: %w", err)
	}
	defer unlock()
	return a.resolveLocked(ctx, id)
}

func (a *AMM) resolveLocked(ctx context.Context, id common.Hash) (domain.Market, error) {
	mk, err := a.Market(id)
	if err != nil {
		return domain.Market{}, err
	}
	if mk.Resolved {
		return domain.Market{}, domain.Errorf(domain.ErrAlreadyResolved, "amm: market %s", id.Hex())
	}
	now := a.clock.Now()
	if now.Before(mk.Maturity) {
		return domain.Market{}, domain.Errorf(domain.ErrMarketNotMatured, "amm: market %s matures %s", id.Hex(), mk.Maturity)
	}
	final, err := a.feed.Rate(ctx, mk.Asset, a.cfg.MaxPriceAge)
	if err != nil {
		return domain.Market{}, fmt.Errorf("amm: resolve %s: %w", id.Hex(), err)
	}
	result := domain.DirectionDown
	if final.Gte(mk.Strike) {
		result = domain.DirectionUp
	}

	a.mu.Lock()
	stored := a.markets[id]
	stored.Resolved = true
	stored.Result = result
	stored.FinalPrice = final
	mk = *stored
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "amm: market resolved",
		slog.String("market", id.Hex()),
		slog.String("result", string(result)),
		slog.String("final_price", final.String()),
		slog.String("strike", mk.Strike.String()),
	)
	a.sink.Emit(ctx, domain.NewEvent(domain.EventMarketResolved, id.Hex(), mk, now))
	return mk, nil
}

// Exercise burns owner's whole position in a resolved market and pays one
// base unit per winning token. Losing tokens are burned for nothing.
func (a *AMM) Exercise(ctx context.Context, id common.Hash, owner common.Address) (domain.Amount, error) {
	unlock, err := a.lockMarket(ctx, id)
	if err != nil {
		return domain.Zero, fmt.Errorf("amm: exercise: %w", err)
	}
	defer unlock()

	mk, err := a.Market(id)
	if err != nil {
		return domain.Zero, err
	}
	if !mk.Resolved {
		return domain.Zero, domain.Errorf(domain.ErrNotResolved, "amm: market %s", id.Hex())
	}

	a.mu.Lock()
	held := a.positions[id][owner]
	if held == nil {
		a.mu.Unlock()
		return domain.Zero, domain.Errorf(domain.ErrInsufficientBalance, "amm: %s has nothing to exercise", owner.Hex())
	}
	prev := *held
	stored := a.markets[id]
	for i := range stored.Supply {
		stored.Supply[i] = stored.Supply[i].SubFloor(prev[i])
	}
	delete(a.positions[id], owner)
	a.mu.Unlock()

	payout := prev[mk.Result.Index()]
	if !payout.IsZero() {
		if err := a.funding.Payout(ctx, mk.Round, owner, payout); err != nil {
			a.mu.Lock()
			for i := range stored.Supply {
				stored.Supply[i], _ = stored.Supply[i].Add(prev[i])
			}
			restored := prev
			a.positions[id][owner] = &restored
			a.mu.Unlock()
			a.logger.WarnContext(ctx, "amm: exercise failed",
				slog.String("market", id.Hex()),
				slog.String("owner", owner.Hex()),
				slog.String("code", domain.CodeOf(err)),
				slog.String("error", err.Error()),
			)
			return domain.Zero, fmt.Errorf("amm: exercise payout: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "amm: exercised",
		slog.String("market", id.Hex()),
		slog.String("owner", owner.Hex()),
		slog.String("payout", payout.String()),
	)
	a.mu.RLock()
	supply := stored.Supply
	a.mu.RUnlock()
	a.sink.Emit(ctx, domain.NewEvent(domain.EventExercised, id.Hex(),
		domain.Exercised{MarketID: id, Owner: owner, Result: mk.Result, Payout: payout, Supply: supply}, a.clock.Now()))
	return payout, nil
}

// SettleRound locks every market backed by round, resolves the unresolved
// ones and passes the unexercised winning supply to commit while the locks
// are still held. If commit fails the markets stay resolved and settlement
// can be retried.
func (a *AMM) SettleRound(ctx context.Context, round uint64, commit func(ctx context.Context, liability domain.Amount, markets []domain.Market) error) error {
	a.mu.RLock()
	ids := append([]common.Hash(nil), a.byRound[round]...)
	a.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	var unlocks []func()
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for _, id := range ids {
		unlock, err := a.lockMarket(ctx, id)
		if err != nil {
			return fmt.Errorf("amm: settle round %d: %w", round, err)
		}
		unlocks = append(unlocks, unlock)
	}

	liability := domain.Zero
	markets := make([]domain.Market, 0, len(ids))
	for _, id := range ids {
		mk, err := a.Market(id)
		if err != nil {
			return err
		}
		if !mk.Resolved {
			if mk, err = a.resolveLocked(ctx, id); err != nil {
				return fmt.Errorf("amm: settle round %d: %w", round, err)
			}
		}
		if liability, err = liability.Add(mk.Supply[mk.Result.Index()]); err != nil {
			return fmt.Errorf("amm: settle round %d: %w", round, err)
		}
		markets = append(markets, mk)
	}
	if err := commit(ctx, liability, markets); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "amm: round settled",
		slog.Uint64("round", round),
		slog.Int("markets", len(markets)),
		slog.String("liability", liability.String()),
	)
	return nil
}

// LockedTotal is the capital round must hold: the larger side of every open
// market plus the winning supply of resolved ones.
func (a *AMM) LockedTotal(round uint64) (domain.Amount, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := domain.Zero
	for _, id := range a.byRound[round] {
		mk := a.markets[id]
		need := exposureOf(*mk).Locked()
		if mk.Resolved {
			need = mk.Supply[mk.Result.Index()]
		}
		var err error
		if total, err = total.Add(need); err != nil {
			return domain.Zero, fmt.Errorf("amm: locked total: %w", err)
		}
	}
	return total, nil
}
