package speed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/lock"
	"github.com/alanyoungcy/optionamm/internal/txn"
)

// Resolve settles market id with a signed update published within
// [strikeTime, strikeTime+MaxPriceDelay]. The caller pays the oracle fee.
func (r *Resolver) Resolve(ctx context.Context, caller common.Address, id string, updates []domain.PriceUpdate) (domain.SpeedMarket, error) {
	return r.settle(ctx, id, "signed", func(m domain.SpeedMarket, u *txn.Undo) (domain.Amount, error) {
		upd, err := r.oracle.VerifyUpdates(updates, m.Asset, m.StrikeTime, m.StrikeTime.Add(r.cfg.MaxPriceDelay))
		if err != nil {
			return domain.Zero, err
		}
		fee, err := r.oracle.ChargeFee(ctx, caller, updates)
		if err != nil {
			return domain.Zero, err
		}
		u.Push("oracle fee", func(ctx context.Context) error { return r.oracle.RefundFee(ctx, caller, fee) })
		return upd.Price, nil
	})
}

// ResolveFromHistory settles market id with an update already stored by the
// oracle. Keepers use it; no fee is charged.
func (r *Resolver) ResolveFromHistory(ctx context.Context, id string) (domain.SpeedMarket, error) {
	return r.settle(ctx, id, "history", func(m domain.SpeedMarket, _ *txn.Undo) (domain.Amount, error) {
		upd, err := r.oracle.PriceIn(m.Asset, m.StrikeTime, m.StrikeTime.Add(r.cfg.MaxPriceDelay))
		if err != nil {
			return domain.Zero, err
		}
		return upd.Price, nil
	})
}

// ResolveManually lets the owner settle a market no update could resolve,
// once the resolution window has passed.
func (r *Resolver) ResolveManually(ctx context.Context, caller common.Address, id string, final domain.Amount) (domain.SpeedMarket, error) {
	if caller != r.cfg.Owner {
		return domain.SpeedMarket{}, domain.Errorf(domain.ErrUnauthorized, "speed: manual resolve by %s", caller.Hex())
	}
	return r.settle(ctx, id, "manual", func(m domain.SpeedMarket, _ *txn.Undo) (domain.Amount, error) {
		if deadline := m.StrikeTime.Add(r.cfg.MaxPriceDelay); !r.clock.Now().After(deadline) {
			return domain.Zero, domain.Errorf(domain.ErrInvalidTimeRange, "speed: manual resolution opens after %s", deadline)
		}
		if final.IsZero() {
			return domain.Zero, domain.Errorf(domain.ErrInvalidInput, "speed: zero final price")
		}
		return final, nil
	})
}

// settle resolves a market exactly once. price may record compensations in
// the undo log; they run if the payout fails.
func (r *Resolver) settle(ctx context.Context, id, source string, price func(domain.SpeedMarket, *txn.Undo) (domain.Amount, error)) (domain.SpeedMarket, error) {
	m, err := r.settleLocked(ctx, id, price)
	if err != nil {
		r.logger.WarnContext(ctx, "speed: resolve rejected",
			slog.String("id", id),
			slog.String("source", source),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.SpeedMarket{}, err
	}
	r.logger.InfoContext(ctx, "speed: market resolved",
		slog.String("id", m.ID),
		slog.String("source", source),
		slog.String("strike", m.StrikePrice.String()),
		slog.String("final", m.FinalPrice.String()),
		slog.String("result", string(m.Result)),
		slog.Bool("won", m.Won),
	)
	r.sink.Emit(ctx, domain.NewEvent(domain.EventSpeedMarketResolved, m.ID, m, m.ResolvedAt))
	return m, nil
}

func (r *Resolver) settleLocked(ctx context.Context, id string, price func(domain.SpeedMarket, *txn.Undo) (domain.Amount, error)) (domain.SpeedMarket, error) {
	unlock, err := lock.AcquireWait(ctx, r.locks, "speed:market:"+id, r.cfg.Lock)
	if err != nil {
		return domain.SpeedMarket{}, fmt.Errorf("speed: resolve: %w", err)
	}
	defer unlock()

	m, err := r.Get(id)
	if err != nil {
		return domain.SpeedMarket{}, err
	}
	if m.Resolved {
		return domain.SpeedMarket{}, domain.Errorf(domain.ErrAlreadyResolved, "speed: market %s", id)
	}
	if r.clock.Now().Before(m.StrikeTime) {
		return domain.SpeedMarket{}, domain.Errorf(domain.ErrMarketNotMatured, "speed: market %s strikes at %s", id, m.StrikeTime)
	}

	var u txn.Undo
	final, err := price(m, &u)
	if err != nil {
		_ = u.Rollback(ctx, r.logger)
		return domain.SpeedMarket{}, err
	}

	resolved := m
	resolved.Resolved = true
	resolved.FinalPrice = final
	resolved.ResolvedAt = r.clock.Now()
	switch final.Cmp(m.StrikePrice) {
	case 1:
		resolved.Result = domain.DirectionUp
	case -1:
		resolved.Result = domain.DirectionDown
	}
	resolved.Won = resolved.Result == m.Direction

	r.mu.Lock()
	stored := r.markets[id]
	r.unreserve(stored)
	*stored = resolved
	r.mu.Unlock()
	u.Push("market", func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		*stored = m
		r.reserve(stored)
		return nil
	})

	if resolved.Won {
		if err := r.ledger.Transfer(ctx, r.cfg.BaseToken, r.cfg.Vault, m.User, m.Payout); err != nil {
			_ = u.Rollback(ctx, r.logger)
			return domain.SpeedMarket{}, fmt.Errorf("speed: payout: %w", err)
		}
	}
	return resolved, nil
}
