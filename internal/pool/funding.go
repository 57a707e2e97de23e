package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// CurrentRound returns the round the AMM trades against.
func (p *Pool) CurrentRound() (domain.Round, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.PoolNotStarted {
		return domain.Round{}, domain.ErrPoolNotStarted
	}
	return p.vaults[p.current].Round, nil
}

// activeVault returns round's vault if it is the current round. A closing
// round still serves in-flight trades: settlement runs under every market
// lock of the round, so it observes their final effect. Caller holds p.mu.
func (p *Pool) activeVault(round uint64) (*RoundVault, error) {
	switch {
	case p.state == domain.PoolNotStarted:
		return nil, domain.ErrPoolNotStarted
	case round != p.current:
		return nil, domain.Errorf(domain.ErrMarketNotInRound, "pool: round %d is not current (%d)", round, p.current)
	}
	return p.vaults[round], nil
}

// Receive takes a premium from a trader into the current round's vault.
func (p *Pool) Receive(ctx context.Context, round uint64, from common.Address, amount domain.Amount) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.activeVault(round)
	if err != nil {
		return err
	}
	if err := p.ledger.Transfer(ctx, p.cfg.BaseToken, from, v.Round.Vault, amount); err != nil {
		return fmt.Errorf("pool: receive: %w", err)
	}
	return nil
}

// Payout pays to from the current round's vault or, for closed rounds, from
// the exercise reserve.
func (p *Pool) Payout(ctx context.Context, round uint64, to common.Address, amount domain.Amount) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.ReserveAccount()
	if v, ok := p.vaults[round]; !ok || !v.Round.Closed {
		av, err := p.activeVault(round)
		if err != nil {
			return err
		}
		src = av.Round.Vault
	}
	if err := p.ledger.Transfer(ctx, p.cfg.BaseToken, src, to, amount); err != nil {
		return fmt.Errorf("pool: payout: %w", err)
	}
	return nil
}

type topUp struct {
	Round  uint64        `json:"round"`
	Amount domain.Amount `json:"amount"`
}

// EnsureCapacity tops the current round's vault up from the default LP so it
// holds at least required. The top-up is credited to the default LP as
// round capital.
func (p *Pool) EnsureCapacity(ctx context.Context, round uint64, required domain.Amount) error {
	p.mu.Lock()
	v, err := p.activeVault(round)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	held, err := p.ledger.BalanceOf(ctx, p.cfg.BaseToken, v.Round.Vault)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("pool: vault balance: %w", err)
	}
	if held.Gte(required) {
		p.mu.Unlock()
		return nil
	}
	shortfall := required.SubFloor(held)
	if p.cfg.DefaultLP == (common.Address{}) {
		p.mu.Unlock()
		return domain.Errorf(domain.ErrInsufficientLiquidity, "pool: round %d short %s and no default LP", round, shortfall)
	}
	alloc, err := v.Round.Allocation.Add(shortfall)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("pool: top up: %w", err)
	}
	if err := p.ledger.Transfer(ctx, p.cfg.BaseToken, p.cfg.DefaultLP, v.Round.Vault, shortfall); err != nil {
		p.mu.Unlock()
		return domain.Errorf(domain.ErrInsufficientLiquidity, "pool: default LP top up of %s: %v", shortfall, err)
	}
	if err := v.credit(p.cfg.DefaultLP, shortfall); err != nil {
		p.mu.Unlock()
		return err
	}
	v.Round.Allocation = alloc
	v.Round.DefaultLPShare = v.Balances[p.cfg.DefaultLP]
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "pool: default LP top up",
		slog.Uint64("round", round),
		slog.String("amount", shortfall.String()),
	)
	p.sink.Emit(ctx, domain.NewEvent(domain.EventDefaultLPTopUp, fmt.Sprint(round), topUp{round, shortfall}, p.clock.Now()))
	return nil
}
