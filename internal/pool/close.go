package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/lock"
	"github.com/alanyoungcy/optionamm/internal/txn"
)

// CloseRound settles the current round once it has ended. Winning supply
// still owed moves to the exercise reserve, queued withdrawals are paid and
// the rest rolls into the next round's vault. The next round starts where
// the closed one ended.
func (p *Pool) CloseRound(ctx context.Context) (domain.RoundResult, error) {
	unlock, err := lock.AcquireWait(ctx, p.locks, "pool:"+p.cfg.ID+":close", p.cfg.Lock)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("pool: close round: %w", err)
	}
	defer unlock()

	p.mu.Lock()
	if p.state == domain.PoolNotStarted {
		p.mu.Unlock()
		return domain.RoundResult{}, domain.ErrPoolNotStarted
	}
	v := p.vaults[p.current]
	if p.clock.Now().Before(v.Round.End) {
		p.mu.Unlock()
		return domain.RoundResult{}, domain.Errorf(domain.ErrRoundNotEnded, "pool: round %d ends %s", v.Round.Index, v.Round.End)
	}
	p.state = domain.PoolClosing
	n := p.current
	settler, archiver := p.settler, p.archiver
	p.mu.Unlock()

	var (
		result  domain.RoundResult
		markets []domain.Market
	)
	commit := func(ctx context.Context, liability domain.Amount, mks []domain.Market) error {
		r, err := p.rollForward(ctx, n, liability, len(mks))
		result, markets = r, mks
		return err
	}
	if settler != nil {
		err = settler.SettleRound(ctx, n, commit)
	} else {
		err = commit(ctx, domain.Zero, nil)
	}
	if err != nil {
		p.mu.Lock()
		p.state = domain.PoolStarted
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "pool: close round failed",
			slog.Uint64("round", n),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.RoundResult{}, fmt.Errorf("pool: close round %d: %w", n, err)
	}

	p.logger.InfoContext(ctx, "pool: round closed",
		slog.Uint64("round", n),
		slog.String("allocation", result.Allocation.String()),
		slog.String("remainder", result.Remainder.String()),
		slog.String("liability", result.Liability.String()),
		slog.String("withdrawn", result.Withdrawn.String()),
		slog.String("pnl", result.PnLRatio.String()),
	)
	if archiver != nil {
		if key, err := archiver.ArchiveRound(ctx, result, markets); err != nil {
			p.logger.WarnContext(ctx, "pool: round archive failed",
				slog.Uint64("round", n),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.DebugContext(ctx, "pool: round archived", slog.String("key", key))
		}
	}
	closed, _ := p.Round(n)
	next, _ := p.Round(n + 1)
	p.sink.Emit(ctx, domain.NewEvent(domain.EventRoundClosed, fmt.Sprint(n),
		domain.RoundClosed{RoundResult: result, Closed: closed, Next: next}, result.ClosedAt))
	return result, nil
}

// rollForward moves round n's capital and opens round n+1. Ledger transfers
// run first and are reversed if any fails; pool state changes only after all
// of them succeed.
func (p *Pool) rollForward(ctx context.Context, n uint64, liability domain.Amount, marketCount int) (domain.RoundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.vaults[n]
	next := p.vault(n + 1)
	held, err := p.ledger.BalanceOf(ctx, p.cfg.BaseToken, v.Round.Vault)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("pool: vault balance: %w", err)
	}
	if held.Lt(liability) {
		return domain.RoundResult{}, domain.Errorf(domain.ErrInsufficientLiquidity, "pool: round %d holds %s, owes %s", n, held, liability)
	}
	remainder := held.SubFloor(liability)
	rolled, dust, err := p.strategy.RollForward(v.Balances, v.Round.Allocation, remainder)
	if err != nil {
		return domain.RoundResult{}, err
	}

	paid := make(map[common.Address]domain.Amount)
	carry := make(map[common.Address]domain.Amount)
	withdrawn, carried := domain.Zero, domain.Zero
	for _, d := range sortedKeys(rolled) {
		nb := rolled[d]
		if req, ok := v.Pending[d]; ok && !nb.IsZero() {
			out := nb
			if !req.Full {
				if out, err = domain.MulDiv(nb, req.Amount, v.Balances[d]); err != nil {
					return domain.RoundResult{}, fmt.Errorf("pool: withdrawal %s: %w", d.Hex(), err)
				}
			}
			paid[d] = out
			nb = nb.SubFloor(out)
			if withdrawn, err = withdrawn.Add(out); err != nil {
				return domain.RoundResult{}, fmt.Errorf("pool: withdrawn: %w", err)
			}
		}
		if !nb.IsZero() {
			carry[d] = nb
			if carried, err = carried.Add(nb); err != nil {
				return domain.RoundResult{}, fmt.Errorf("pool: carried: %w", err)
			}
		}
	}

	var u txn.Undo
	move := func(name string, from, to common.Address, amount domain.Amount) error {
		if amount.IsZero() {
			return nil
		}
		if err := p.ledger.Transfer(ctx, p.cfg.BaseToken, from, to, amount); err != nil {
			return fmt.Errorf("pool: %s: %w", name, err)
		}
		u.Push(name, func(ctx context.Context) error {
			return p.ledger.Transfer(ctx, p.cfg.BaseToken, to, from, amount)
		})
		return nil
	}
	rest := remainder.SubFloor(withdrawn)
	err = move("liability to reserve", v.Round.Vault, p.ReserveAccount(), liability)
	for _, d := range sortedKeys(paid) {
		if err != nil {
			break
		}
		err = move("withdrawal", v.Round.Vault, d, paid[d])
	}
	if err == nil {
		err = move("carry over", v.Round.Vault, next.Round.Vault, rest)
	}
	if err != nil {
		_ = u.Rollback(ctx, p.logger)
		return domain.RoundResult{}, err
	}

	for d, c := range carry {
		if err := next.credit(d, c); err != nil {
			return domain.RoundResult{}, err
		}
	}
	alloc, err := next.total()
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("pool: next allocation: %w", err)
	}
	pnl := domain.One
	if !v.Round.Allocation.IsZero() {
		if pnl, err = remainder.Div(v.Round.Allocation); err != nil {
			return domain.RoundResult{}, fmt.Errorf("pool: pnl: %w", err)
		}
	}

	v.Round.Closed = true
	v.Pending = make(map[common.Address]domain.WithdrawalRequest)
	next.Round.Start = v.Round.End
	next.Round.End = v.Round.End.Add(p.cfg.RoundLength)
	next.Round.Allocation = alloc
	next.Round.Depositors = p.countUsers(next)
	next.Round.DefaultLPShare = next.Balances[p.cfg.DefaultLP]
	p.current = n + 1
	p.state = domain.PoolStarted

	result := domain.RoundResult{
		Round:       n,
		Allocation:  v.Round.Allocation,
		Remainder:   remainder,
		Liability:   liability,
		Withdrawn:   withdrawn,
		CarriedOver: carried,
		Dust:        dust,
		PnLRatio:    pnl,
		Markets:     marketCount,
		ClosedAt:    p.clock.Now(),
	}
	p.results = append(p.results, result)
	return result, nil
}
