// Package pool runs the round-based liquidity pool that backs the AMM. Each
// round's capital sits in its own vault account; deposits join the next
// round and withdrawals are queued until the current round closes.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/lock"
)

// Settler resolves a round's markets and hands over the winning supply still
// owed while those markets are locked.
type Settler interface {
	SettleRound(ctx context.Context, round uint64, commit func(ctx context.Context, liability domain.Amount, markets []domain.Market) error) error
}

// Config holds the pool tunables.
type Config struct {
	ID        string
	Owner     common.Address
	BaseToken common.Address
	// DefaultLP backstops a round when depositor capital cannot cover the
	// AMM's locked capital. It does not count toward MaxAllowedUsers.
	DefaultLP         common.Address
	RoundLength       time.Duration
	MinDeposit        domain.Amount
	MaxAllowedDeposit domain.Amount // zero disables the limit
	MaxAllowedUsers   int           // zero disables the limit
	WhitelistEnabled  bool
	Lock              lock.Options
}

// Pool is the liquidity pool.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	strategy  VaultStrategy
	ledger    domain.TokenLedger
	settler   Settler
	archiver  domain.RoundArchiver
	locks     domain.LockManager
	sink      domain.EventSink
	clock     domain.Clock
	logger    *slog.Logger
	state     domain.PoolState
	current   uint64
	vaults    map[uint64]*RoundVault
	results   []domain.RoundResult
	whitelist map[common.Address]bool
}

// Deps bundles the pool's collaborators. Settler and Archiver may be set
// later; a nil Strategy uses ProRata.
type Deps struct {
	Strategy VaultStrategy
	Ledger   domain.TokenLedger
	Settler  Settler
	Archiver domain.RoundArchiver
	Locks    domain.LockManager
	Sink     domain.EventSink
	Clock    domain.Clock
}

// New creates a pool in the NotStarted state with round 1 open for deposits.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pool {
	if deps.Strategy == nil {
		deps.Strategy = ProRata{}
	}
	if deps.Sink == nil {
		deps.Sink = domain.NopSink{}
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewLocal(deps.Clock)
	}
	if cfg.Lock == (lock.Options{}) {
		cfg.Lock = lock.DefaultOptions
	}
	p := &Pool{
		cfg:       cfg,
		strategy:  deps.Strategy,
		ledger:    deps.Ledger,
		settler:   deps.Settler,
		archiver:  deps.Archiver,
		locks:     deps.Locks,
		sink:      deps.Sink,
		clock:     deps.Clock,
		logger:    logger.With(slog.String("component", "pool")),
		state:     domain.PoolNotStarted,
		vaults:    make(map[uint64]*RoundVault),
		whitelist: make(map[common.Address]bool),
	}
	p.vault(1)
	return p
}

// SetSettler wires the market settler after construction.
func (p *Pool) SetSettler(s Settler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settler = s
}

// SetArchiver wires the round archiver after construction.
func (p *Pool) SetArchiver(a domain.RoundArchiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archiver = a
}

// vault returns the arena record for round, creating it on first use.
// Caller holds p.mu.
func (p *Pool) vault(round uint64) *RoundVault {
	v, ok := p.vaults[round]
	if !ok {
		v = newRoundVault(round, p.strategy.Account(p.cfg.ID, round))
		p.vaults[round] = v
	}
	return v
}

// ReserveAccount is the ledger account paying winnings of closed rounds.
func (p *Pool) ReserveAccount() common.Address {
	return ReserveAccount(p.cfg.ID)
}

// Start opens round 1. It may be called once, by the owner.
func (p *Pool) Start(ctx context.Context, caller common.Address) (domain.Round, error) {
	if caller != p.cfg.Owner {
		return domain.Round{}, domain.Errorf(domain.ErrUnauthorized, "pool: start by %s", caller.Hex())
	}
	p.mu.Lock()
	if p.state != domain.PoolNotStarted {
		p.mu.Unlock()
		return domain.Round{}, domain.ErrPoolAlreadyStarted
	}
	v := p.vault(1)
	alloc, err := v.total()
	if err != nil {
		p.mu.Unlock()
		return domain.Round{}, fmt.Errorf("pool: start: %w", err)
	}
	now := p.clock.Now()
	v.Round.Start = now
	v.Round.End = now.Add(p.cfg.RoundLength)
	v.Round.Allocation = alloc
	v.Round.Depositors = p.countUsers(v)
	p.current = 1
	p.state = domain.PoolStarted
	round := v.Round
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "pool: started",
		slog.Time("round_end", round.End),
		slog.String("allocation", alloc.String()),
	)
	p.sink.Emit(ctx, domain.NewEvent(domain.EventPoolStarted, "1", round, now))
	return round, nil
}

// State returns the lifecycle state.
func (p *Pool) State() domain.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetWhitelisted adds or removes depositors from the whitelist.
func (p *Pool) SetWhitelisted(ctx context.Context, caller common.Address, depositors []common.Address, allowed bool) error {
	if caller != p.cfg.Owner {
		return domain.Errorf(domain.ErrUnauthorized, "pool: whitelist by %s", caller.Hex())
	}
	p.mu.Lock()
	for _, d := range depositors {
		if allowed {
			p.whitelist[d] = true
		} else {
			delete(p.whitelist, d)
		}
	}
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "pool: whitelist updated",
		slog.Int("count", len(depositors)),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// Deposit moves amount from depositor into the next round's vault.
func (p *Pool) Deposit(ctx context.Context, depositor common.Address, amount domain.Amount) (domain.Deposit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dep, err := p.checkDeposit(depositor, amount)
	if err != nil {
		p.logger.WarnContext(ctx, "pool: deposit rejected",
			slog.String("depositor", depositor.Hex()),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.Deposit{}, err
	}
	next := p.vault(dep.Round)
	if err := p.ledger.Transfer(ctx, p.cfg.BaseToken, depositor, next.Round.Vault, amount); err != nil {
		return domain.Deposit{}, fmt.Errorf("pool: deposit transfer: %w", err)
	}
	if err := next.credit(depositor, amount); err != nil {
		// The ledger accepted the transfer, so return it.
		if rerr := p.ledger.Transfer(context.WithoutCancel(ctx), p.cfg.BaseToken, next.Round.Vault, depositor, amount); rerr != nil {
			p.logger.ErrorContext(ctx, "pool: deposit refund failed", slog.String("error", rerr.Error()))
		}
		return domain.Deposit{}, err
	}

	p.logger.InfoContext(ctx, "pool: deposit",
		slog.String("depositor", depositor.Hex()),
		slog.Uint64("round", dep.Round),
		slog.String("amount", amount.String()),
	)
	p.sink.Emit(ctx, domain.NewEvent(domain.EventDeposit, depositor.Hex(), dep, dep.At))
	return dep, nil
}

// checkDeposit validates a deposit. Caller holds p.mu.
func (p *Pool) checkDeposit(depositor common.Address, amount domain.Amount) (domain.Deposit, error) {
	if p.state == domain.PoolClosing {
		return domain.Deposit{}, domain.Errorf(domain.ErrRoundClosing, "pool: deposit")
	}
	if p.cfg.WhitelistEnabled && !p.whitelist[depositor] {
		return domain.Deposit{}, domain.Errorf(domain.ErrNotWhitelisted, "pool: %s", depositor.Hex())
	}
	if amount.IsZero() || amount.Lt(p.cfg.MinDeposit) {
		return domain.Deposit{}, domain.Errorf(domain.ErrBelowMinimum, "pool: deposit %s below %s", amount, p.cfg.MinDeposit)
	}
	target := p.current + 1
	if p.state == domain.PoolNotStarted {
		target = 1
	}
	if cur, ok := p.vaults[p.current]; ok {
		if _, pending := cur.Pending[depositor]; pending {
			return domain.Deposit{}, domain.Errorf(domain.ErrWithdrawalPending, "pool: %s", depositor.Hex())
		}
	}

	if !p.cfg.MaxAllowedDeposit.IsZero() {
		total, err := p.committed(target)
		if err != nil {
			return domain.Deposit{}, err
		}
		if total, err = total.Add(amount); err != nil {
			return domain.Deposit{}, fmt.Errorf("pool: deposit: %w", err)
		}
		if total.Gt(p.cfg.MaxAllowedDeposit) {
			return domain.Deposit{}, domain.Errorf(domain.ErrMaxDepositExceeded, "pool: total %s above %s", total, p.cfg.MaxAllowedDeposit)
		}
	}
	if p.cfg.MaxAllowedUsers > 0 && depositor != p.cfg.DefaultLP && !p.isUser(depositor) &&
		p.userCount() >= p.cfg.MaxAllowedUsers {
		return domain.Deposit{}, domain.Errorf(domain.ErrMaxUsersExceeded, "pool: %d users", p.cfg.MaxAllowedUsers)
	}
	return domain.Deposit{Depositor: depositor, Round: target, Amount: amount, At: p.clock.Now()}, nil
}

// committed is the current round's allocation plus the deposits already
// queued for target. Caller holds p.mu.
func (p *Pool) committed(target uint64) (domain.Amount, error) {
	total := domain.Zero
	if cur, ok := p.vaults[p.current]; ok && p.state != domain.PoolNotStarted {
		total = cur.Round.Allocation
	}
	queued, err := p.vault(target).total()
	if err != nil {
		return domain.Zero, err
	}
	return total.Add(queued)
}

func (p *Pool) isUser(d common.Address) bool {
	for _, r := range []uint64{p.current, p.current + 1} {
		if v, ok := p.vaults[r]; ok && !v.Balances[d].IsZero() {
			return true
		}
	}
	return false
}

// userCount counts distinct depositors across the current and next round,
// excluding the default LP. Caller holds p.mu.
func (p *Pool) userCount() int {
	seen := make(map[common.Address]bool)
	for _, r := range []uint64{p.current, p.current + 1} {
		v, ok := p.vaults[r]
		if !ok {
			continue
		}
		for d, b := range v.Balances {
			if d != p.cfg.DefaultLP && !b.IsZero() {
				seen[d] = true
			}
		}
	}
	return len(seen)
}

func (p *Pool) countUsers(v *RoundVault) int {
	n := 0
	for d, b := range v.Balances {
		if d != p.cfg.DefaultLP && !b.IsZero() {
			n++
		}
	}
	return n
}

// RequestWithdrawal queues a withdrawal from depositor's current-round
// balance. With full set the whole rolled-forward balance is paid at close;
// otherwise amount is a nominal share of the round balance and is scaled by
// the round's result.
func (p *Pool) RequestWithdrawal(ctx context.Context, depositor common.Address, amount domain.Amount, full bool) (domain.WithdrawalRequest, error) {
	p.mu.Lock()
	req, err := p.checkWithdrawal(depositor, amount, full)
	if err == nil {
		p.vaults[p.current].Pending[depositor] = req
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.WarnContext(ctx, "pool: withdrawal rejected",
			slog.String("depositor", depositor.Hex()),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.WithdrawalRequest{}, err
	}

	p.logger.InfoContext(ctx, "pool: withdrawal requested",
		slog.String("depositor", depositor.Hex()),
		slog.Uint64("round", req.Round),
		slog.Bool("full", full),
		slog.String("amount", req.Amount.String()),
	)
	p.sink.Emit(ctx, domain.NewEvent(domain.EventWithdrawalRequested, depositor.Hex(), req, req.RequestedAt))
	return req, nil
}

func (p *Pool) checkWithdrawal(depositor common.Address, amount domain.Amount, full bool) (domain.WithdrawalRequest, error) {
	switch p.state {
	case domain.PoolNotStarted:
		return domain.WithdrawalRequest{}, domain.ErrPoolNotStarted
	case domain.PoolClosing:
		return domain.WithdrawalRequest{}, domain.Errorf(domain.ErrRoundClosing, "pool: withdrawal")
	}
	v := p.vaults[p.current]
	bal := v.Balances[depositor]
	if bal.IsZero() {
		return domain.WithdrawalRequest{}, domain.Errorf(domain.ErrInsufficientBalance, "pool: %s has no balance in round %d", depositor.Hex(), p.current)
	}
	if _, ok := v.Pending[depositor]; ok {
		return domain.WithdrawalRequest{}, domain.Errorf(domain.ErrWithdrawalPending, "pool: %s", depositor.Hex())
	}
	if full {
		amount = bal
	}
	if amount.IsZero() {
		return domain.WithdrawalRequest{}, domain.Errorf(domain.ErrBelowMinimum, "pool: zero withdrawal")
	}
	if amount.Gt(bal) {
		return domain.WithdrawalRequest{}, domain.Errorf(domain.ErrInsufficientBalance, "pool: withdrawal %s above balance %s", amount, bal)
	}
	return domain.WithdrawalRequest{
		Depositor:   depositor,
		Round:       p.current,
		Amount:      amount,
		Full:        full || amount.Eq(bal),
		RequestedAt: p.clock.Now(),
	}, nil
}

// Balances returns depositor's capital in the current round and the amount
// queued for the next one.
func (p *Pool) Balances(depositor common.Address) (current, next domain.Amount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vaults[p.current]; ok && p.state != domain.PoolNotStarted {
		current = v.Balances[depositor]
	}
	target := p.current + 1
	if p.state == domain.PoolNotStarted {
		target = 1
	}
	if v, ok := p.vaults[target]; ok {
		next = v.Balances[depositor]
	}
	return current, next
}

// Round returns a round record.
func (p *Pool) Round(index uint64) (domain.Round, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vaults[index]
	if !ok {
		return domain.Round{}, domain.Errorf(domain.ErrNotFound, "pool: round %d", index)
	}
	return v.Round, nil
}

// RoundResults returns the results of closed rounds, oldest first.
func (p *Pool) RoundResults() []domain.RoundResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RoundResult(nil), p.results...)
}

// CanCloseRound reports whether the current round has ended.
func (p *Pool) CanCloseRound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.PoolStarted {
		return false
	}
	return !p.clock.Now().Before(p.vaults[p.current].Round.End)
}
