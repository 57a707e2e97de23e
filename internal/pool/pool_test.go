package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/ledger"
)

var (
	owner  = common.HexToAddress("0x01")
	base   = common.HexToAddress("0xba5e")
	lp     = common.HexToAddress("0xdef")
	alice  = common.HexToAddress("0xa11ce")
	bob    = common.HexToAddress("0xb0b")
	carol  = common.HexToAddress("0xca201")
	trader = common.HexToAddress("0x7ade")
	t0     = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	week   = 7 * 24 * time.Hour
)

type fakeSettler struct {
	liability domain.Amount
	err       error
	calls     int
}

func (f *fakeSettler) SettleRound(ctx context.Context, _ uint64, commit func(context.Context, domain.Amount, []domain.Market) error) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return commit(ctx, f.liability, nil)
}

type recordingSink struct{ events []domain.Event }

func (r *recordingSink) Emit(_ context.Context, ev domain.Event) { r.events = append(r.events, ev) }

func (r *recordingSink) count(t domain.EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	pool    *Pool
	ledger  *ledger.Memory
	clock   *domain.ManualClock
	settler *fakeSettler
	sink    *recordingSink
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	l := ledger.NewMemory()
	for _, a := range []common.Address{alice, bob, carol, trader, lp} {
		require.NoError(t, l.Mint(base, a, domain.NewAmount(10_000)))
	}
	cfg := Config{
		ID:                "test",
		Owner:             owner,
		BaseToken:         base,
		DefaultLP:         lp,
		RoundLength:       week,
		MinDeposit:        domain.NewAmount(10),
		MaxAllowedDeposit: domain.NewAmount(5_000),
		MaxAllowedUsers:   2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{ledger: l, clock: domain.NewManualClock(t0), settler: &fakeSettler{}, sink: &recordingSink{}}
	f.pool = New(cfg, Deps{Ledger: l, Settler: f.settler, Sink: f.sink, Clock: f.clock},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) balance(t *testing.T, a common.Address) domain.Amount {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), base, a)
	require.NoError(t, err)
	return b
}

func TestDepositWithdrawRoundTripIsExact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	x := domain.MustAmount("123.456789012345678901")
	before := f.balance(t, alice)

	_, err := f.pool.Deposit(ctx, alice, x)
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)

	_, err = f.pool.RequestWithdrawal(ctx, alice, domain.Zero, true)
	require.NoError(t, err)
	f.clock.Advance(week)
	res, err := f.pool.CloseRound(ctx)
	require.NoError(t, err)

	assert.True(t, before.Eq(f.balance(t, alice)), "got %s want %s", f.balance(t, alice), before)
	assert.True(t, res.Withdrawn.Eq(x))
	assert.True(t, res.Dust.IsZero())
	assert.True(t, res.PnLRatio.Eq(domain.One))
}

func TestDepositJoinsNextRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)

	dep, err := f.pool.Deposit(ctx, bob, domain.NewAmount(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dep.Round)

	cur, next := f.pool.Balances(bob)
	assert.True(t, cur.IsZero())
	assert.True(t, next.Eq(domain.NewAmount(50)))

	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	assert.True(t, round.Allocation.Eq(domain.NewAmount(100)), "current round composition is frozen")

	f.clock.Advance(week)
	_, err = f.pool.CloseRound(ctx)
	require.NoError(t, err)
	round, err = f.pool.CurrentRound()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), round.Index)
	assert.True(t, round.Allocation.Eq(domain.NewAmount(150)))
	assert.Equal(t, t0.Add(week), round.Start)
	assert.Equal(t, t0.Add(2*week), round.End)
	assert.True(t, f.balance(t, round.Vault).Eq(domain.NewAmount(150)))
}

func TestDepositLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("minimum", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(9))
		assert.ErrorIs(t, err, domain.ErrBelowMinimum)
	})

	t.Run("max deposit", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(4_000))
		require.NoError(t, err)
		_, err = f.pool.Deposit(ctx, bob, domain.NewAmount(1_001))
		assert.ErrorIs(t, err, domain.ErrMaxDepositExceeded)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("max users excludes default LP", func(t *testing.T) {
		f := newFixture(t, nil)
		for _, d := range []common.Address{alice, bob, lp} {
			_, err := f.pool.Deposit(ctx, d, domain.NewAmount(10))
			require.NoError(t, err)
		}
		_, err := f.pool.Deposit(ctx, carol, domain.NewAmount(10))
		assert.ErrorIs(t, err, domain.ErrMaxUsersExceeded)
		_, err = f.pool.Deposit(ctx, alice, domain.NewAmount(10))
		assert.NoError(t, err, "existing users may add to their balance")
	})

	t.Run("whitelist", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.WhitelistEnabled = true })
		_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(10))
		assert.ErrorIs(t, err, domain.ErrNotWhitelisted)
		assert.ErrorIs(t, f.pool.SetWhitelisted(ctx, alice, []common.Address{alice}, true), domain.ErrUnauthorized)
		require.NoError(t, f.pool.SetWhitelisted(ctx, owner, []common.Address{alice}, true))
		_, err = f.pool.Deposit(ctx, alice, domain.NewAmount(10))
		assert.NoError(t, err)
	})

	t.Run("rejected deposit moves nothing", func(t *testing.T) {
		f := newFixture(t, nil)
		before := f.balance(t, alice)
		_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(9))
		require.Error(t, err)
		assert.True(t, before.Eq(f.balance(t, alice)))
	})
}

func TestStartIsOwnerOnlyAndOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Start(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrPoolAlreadyStarted)
	assert.Equal(t, 1, f.sink.count(domain.EventPoolStarted))
}

func TestCloseRoundPreconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.CloseRound(ctx)
	assert.ErrorIs(t, err, domain.ErrPoolNotStarted)

	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	assert.False(t, f.pool.CanCloseRound())
	_, err = f.pool.CloseRound(ctx)
	assert.ErrorIs(t, err, domain.ErrRoundNotEnded)

	f.clock.Advance(week)
	assert.True(t, f.pool.CanCloseRound())
}

func TestCloseRoundSharesProfitAndCarriesDust(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Deposit(ctx, bob, domain.NewAmount(200))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)

	// A premium of 10 with no winning liability.
	require.NoError(t, f.pool.Receive(ctx, 1, trader, domain.NewAmount(10)))

	f.clock.Advance(week)
	res, err := f.pool.CloseRound(ctx)
	require.NoError(t, err)
	assert.True(t, res.Remainder.Eq(domain.NewAmount(310)))
	assert.True(t, res.Dust.Eq(domain.AmountFromRawUint64(1)), "dust %s", res.Dust)

	aliceBal, _ := f.pool.Balances(alice)
	bobBal, _ := f.pool.Balances(bob)
	assert.Equal(t, "103.333333333333333333", aliceBal.String())
	assert.Equal(t, "206.666666666666666666", bobBal.String())

	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	assert.True(t, f.balance(t, round.Vault).Eq(domain.NewAmount(310)), "dust stays in the next vault")
	assert.Equal(t, "309.999999999999999999", round.Allocation.String())
	assert.Equal(t, 1, f.sink.count(domain.EventRoundClosed))
}

func TestCloseRoundMovesLiabilityToReserve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(300))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	f.settler.liability = domain.NewAmount(50)

	f.clock.Advance(week)
	res, err := f.pool.CloseRound(ctx)
	require.NoError(t, err)
	assert.True(t, res.Liability.Eq(domain.NewAmount(50)))
	assert.True(t, f.balance(t, f.pool.ReserveAccount()).Eq(domain.NewAmount(50)))
	cur, _ := f.pool.Balances(alice)
	assert.True(t, cur.Eq(domain.NewAmount(250)))

	// Winnings of the closed round are paid from the reserve.
	require.NoError(t, f.pool.Payout(ctx, 1, trader, domain.NewAmount(50)))
	assert.True(t, f.balance(t, f.pool.ReserveAccount()).IsZero())
}

func TestFailedSettlementKeepsRoundOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	f.settler.err = domain.Errorf(domain.ErrPriceUnavailable, "no price")

	f.clock.Advance(week)
	_, err = f.pool.CloseRound(ctx)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
	assert.Equal(t, domain.PoolStarted, f.pool.State())
	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), round.Index)

	f.settler.err = nil
	_, err = f.pool.CloseRound(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, f.settler.calls)
}

func TestInsolventRoundIsNotRolled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	f.settler.liability = domain.NewAmount(101)

	f.clock.Advance(week)
	_, err = f.pool.CloseRound(ctx)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	assert.True(t, f.balance(t, round.Vault).Eq(domain.NewAmount(100)))
}

func TestPartialWithdrawalScalesWithResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)

	_, err = f.pool.RequestWithdrawal(ctx, alice, domain.NewAmount(101), false)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = f.pool.RequestWithdrawal(ctx, bob, domain.NewAmount(1), false)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = f.pool.RequestWithdrawal(ctx, alice, domain.NewAmount(40), false)
	require.NoError(t, err)
	_, err = f.pool.RequestWithdrawal(ctx, alice, domain.NewAmount(1), false)
	assert.ErrorIs(t, err, domain.ErrWithdrawalPending)
	_, err = f.pool.Deposit(ctx, alice, domain.NewAmount(10))
	assert.ErrorIs(t, err, domain.ErrWithdrawalPending)

	// The round lost 10%.
	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	require.NoError(t, f.ledger.Transfer(ctx, base, round.Vault, trader, domain.NewAmount(10)))

	before := f.balance(t, alice)
	f.clock.Advance(week)
	res, err := f.pool.CloseRound(ctx)
	require.NoError(t, err)
	assert.True(t, res.Withdrawn.Eq(domain.NewAmount(36)))
	got, _ := f.balance(t, alice).Sub(before)
	assert.True(t, got.Eq(domain.NewAmount(36)))
	cur, _ := f.pool.Balances(alice)
	assert.True(t, cur.Eq(domain.NewAmount(54)))
}

func TestEnsureCapacityTopsUpFromDefaultLP(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)

	require.NoError(t, f.pool.EnsureCapacity(ctx, 1, domain.NewAmount(80)))
	assert.Zero(t, f.sink.count(domain.EventDefaultLPTopUp))

	require.NoError(t, f.pool.EnsureCapacity(ctx, 1, domain.NewAmount(150)))
	round, err := f.pool.CurrentRound()
	require.NoError(t, err)
	assert.True(t, round.Allocation.Eq(domain.NewAmount(150)))
	assert.True(t, round.DefaultLPShare.Eq(domain.NewAmount(50)))
	assert.True(t, f.balance(t, round.Vault).Eq(domain.NewAmount(150)))
	assert.Equal(t, 1, f.sink.count(domain.EventDefaultLPTopUp))

	assert.ErrorIs(t, f.pool.EnsureCapacity(ctx, 2, domain.NewAmount(1)), domain.ErrMarketNotInRound)
}

func TestEnsureCapacityWithoutDefaultLP(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DefaultLP = common.Address{} })
	ctx := context.Background()
	_, err := f.pool.Start(ctx, owner)
	require.NoError(t, err)
	assert.ErrorIs(t, f.pool.EnsureCapacity(ctx, 1, domain.NewAmount(1)), domain.ErrInsufficientLiquidity)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.pool.Deposit(ctx, alice, domain.NewAmount(100))
	require.NoError(t, err)
	_, err = f.pool.Start(ctx, owner)
	require.NoError(t, err)
	_, err = f.pool.Deposit(ctx, bob, domain.NewAmount(20))
	require.NoError(t, err)
	_, err = f.pool.RequestWithdrawal(ctx, alice, domain.Zero, true)
	require.NoError(t, err)

	snap := f.pool.Snapshot()
	g := newFixture(t, nil)
	g.pool.Restore(snap)
	assert.Equal(t, snap, g.pool.Snapshot())
	assert.Equal(t, domain.PoolStarted, g.pool.State())
	cur, _ := g.pool.Balances(alice)
	assert.True(t, cur.Eq(domain.NewAmount(100)))
	_, next := g.pool.Balances(bob)
	assert.True(t, next.Eq(domain.NewAmount(20)))
}

func TestProRataAccountIsStablePerRound(t *testing.T) {
	s := ProRata{}
	assert.Equal(t, s.Account("p", 3), s.Account("p", 3))
	assert.NotEqual(t, s.Account("p", 3), s.Account("p", 4))
	assert.NotEqual(t, s.Account("p", 3), s.Account("q", 3))
}

func TestProRataWithoutAllocationIsAllDust(t *testing.T) {
	out, dust, err := ProRata{}.RollForward(map[common.Address]domain.Amount{}, domain.Zero, domain.NewAmount(5))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, dust.Eq(domain.NewAmount(5)))
}
