package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

var (
	base    = common.HexToAddress("0xba5e")
	usdc    = common.HexToAddress("0x05dc")
	alice   = common.HexToAddress("0xa11ce")
	bob     = common.HexToAddress("0xb0b")
	reserve = common.HexToAddress("0x5e5e")
)

type fixedRater map[string]domain.Amount

func (r fixedRater) Rate(_ context.Context, asset string, _ time.Duration) (domain.Amount, error) {
	p, ok := r[asset]
	if !ok {
		return domain.Zero, domain.ErrPriceUnavailable
	}
	return p, nil
}

func TestTransferAndAllowance(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Mint(base, alice, domain.NewAmount(10)))

	require.NoError(t, l.Transfer(ctx, base, alice, bob, domain.NewAmount(4)))
	bal, _ := l.BalanceOf(ctx, base, alice)
	assert.Equal(t, "6", bal.String())

	err := l.Transfer(ctx, base, alice, bob, domain.NewAmount(7))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = l.TransferFrom(ctx, base, bob, alice, bob, domain.NewAmount(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.NoError(t, l.Approve(ctx, base, alice, bob, domain.NewAmount(2)))
	require.NoError(t, l.TransferFrom(ctx, base, bob, alice, bob, domain.NewAmount(2)))
	bal, _ = l.BalanceOf(ctx, base, bob)
	assert.Equal(t, "6", bal.String())
}

func TestNativePrecisionEnforced(t *testing.T) {
	l := NewMemory()
	l.Register(usdc, 6)
	assert.ErrorIs(t, l.Mint(usdc, alice, domain.MustAmount("1.0000001")), domain.ErrInvalidInput)
	require.NoError(t, l.Mint(usdc, alice, domain.MustAmount("1.000001")))
}

func TestHookVetoesTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Mint(base, alice, domain.NewAmount(1)))
	l.SetHook(func(_, _, _ common.Address, _ domain.Amount) error { return errors.New("frozen") })
	assert.Error(t, l.Transfer(ctx, base, alice, bob, domain.One))
	bal, _ := l.BalanceOf(ctx, base, alice)
	assert.True(t, bal.Eq(domain.One))
}

func TestRouterSwapUsesOraclePrice(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.Register(usdc, 6)
	require.NoError(t, l.Mint(usdc, alice, domain.NewAmount(100)))
	require.NoError(t, l.Mint(base, reserve, domain.NewAmount(1000)))
	require.NoError(t, l.Mint(usdc, reserve, domain.NewAmount(1000)))

	r := NewRouterSwapper(l, base, reserve, fixedRater{"USDC": domain.MustAmount("0.5")}, time.Minute,
		map[common.Address]string{usdc: "USDC"})

	out, err := r.Exchange(ctx, alice, usdc, base, domain.NewAmount(10), domain.NewAmount(5))
	require.NoError(t, err)
	assert.Equal(t, "5", out.String())

	_, err = r.Exchange(ctx, alice, usdc, base, domain.NewAmount(10), domain.NewAmount(6))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	bal, _ := l.BalanceOf(ctx, usdc, alice)
	assert.Equal(t, "90", bal.String())

	out, err = r.Exchange(ctx, alice, base, usdc, domain.NewAmount(1), domain.Zero)
	require.NoError(t, err)
	assert.Equal(t, "2", out.String())
}

func TestCurveSwapRefundsOnFailedPayout(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Mint(usdc, alice, domain.NewAmount(10)))
	// The reserve holds no base, so the payout leg fails.
	c := NewCurveSwapper(l, reserve, domain.MustAmount("0.001"))

	_, err := c.Exchange(ctx, alice, usdc, base, domain.NewAmount(10), domain.Zero)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	bal, _ := l.BalanceOf(ctx, usdc, alice)
	assert.Equal(t, "10", bal.String())

	require.NoError(t, l.Mint(base, reserve, domain.NewAmount(100)))
	out, err := c.Exchange(ctx, alice, usdc, base, domain.NewAmount(10), domain.MustAmount("9.99"))
	require.NoError(t, err)
	assert.Equal(t, "9.99", out.String())
}

func TestBalancesRestore(t *testing.T) {
	l := NewMemory()
	a, b := common.HexToAddress("0xa"), common.HexToAddress("0xb")
	require.NoError(t, l.Mint(base, b, domain.NewAmount(5)))
	require.NoError(t, l.Mint(base, a, domain.NewAmount(7)))
	require.NoError(t, l.Transfer(context.Background(), base, b, a, domain.NewAmount(5)))

	snap := l.Balances()
	require.Len(t, snap, 1)
	assert.Equal(t, a, snap[0].Account)
	assert.True(t, snap[0].Amount.Eq(domain.NewAmount(12)))

	restored := NewMemory()
	restored.Restore(snap)
	got, err := restored.BalanceOf(context.Background(), base, a)
	require.NoError(t, err)
	assert.True(t, got.Eq(domain.NewAmount(12)))
}
