package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Rater returns a fresh oracle price for a currency key.
type Rater interface {
	Rate(ctx context.Context, asset string, maxAge time.Duration) (domain.Amount, error)
}

// RouterSwapper exchanges tokens against a reserve account at the oracle
// price of the non-base side.
type RouterSwapper struct {
	ledger  *Memory
	base    common.Address
	reserve common.Address
	rates   Rater
	maxAge  time.Duration
	assets  map[common.Address]string
}

// NewRouterSwapper creates a RouterSwapper. assets maps each tradable token
// to the oracle key of its price in base units.
func NewRouterSwapper(l *Memory, base, reserve common.Address, rates Rater, maxAge time.Duration, assets map[common.Address]string) *RouterSwapper {
	return &RouterSwapper{ledger: l, base: base, reserve: reserve, rates: rates, maxAge: maxAge, assets: assets}
}

func (s *RouterSwapper) Exchange(ctx context.Context, account, tokenIn, tokenOut common.Address, amountIn, minOut domain.Amount) (domain.Amount, error) {
	var (
		out domain.Amount
		err error
	)
	switch {
	case tokenOut == s.base && tokenIn != s.base:
		price, perr := s.price(ctx, tokenIn)
		if perr != nil {
			return domain.Zero, perr
		}
		out, err = amountIn.Mul(price)
	case tokenIn == s.base && tokenOut != s.base:
		price, perr := s.price(ctx, tokenOut)
		if perr != nil {
			return domain.Zero, perr
		}
		out, err = amountIn.Div(price)
	default:
		return domain.Zero, domain.Errorf(domain.ErrUnsupportedCollateral, "router: no route %s -> %s", tokenIn.Hex(), tokenOut.Hex())
	}
	if err != nil {
		return domain.Zero, fmt.Errorf("router: %w", err)
	}
	return settle(ctx, s.ledger, s.reserve, account, tokenIn, tokenOut, amountIn, out, minOut)
}

func (s *RouterSwapper) price(ctx context.Context, token common.Address) (domain.Amount, error) {
	asset, ok := s.assets[token]
	if !ok {
		return domain.Zero, domain.Errorf(domain.ErrUnsupportedCollateral, "router: unknown token %s", token.Hex())
	}
	return s.rates.Rate(ctx, asset, s.maxAge)
}

// CurveSwapper exchanges stable tokens one-for-one in value minus a fee.
type CurveSwapper struct {
	ledger  *Memory
	reserve common.Address
	fee     domain.Amount
}

// NewCurveSwapper creates a CurveSwapper charging fee (a fraction) per swap.
func NewCurveSwapper(l *Memory, reserve common.Address, fee domain.Amount) *CurveSwapper {
	return &CurveSwapper{ledger: l, reserve: reserve, fee: fee}
}

func (s *CurveSwapper) Exchange(ctx context.Context, account, tokenIn, tokenOut common.Address, amountIn, minOut domain.Amount) (domain.Amount, error) {
	keep, err := domain.One.Sub(s.fee)
	if err != nil {
		return domain.Zero, fmt.Errorf("curve: fee: %w", err)
	}
	out, err := amountIn.Mul(keep)
	if err != nil {
		return domain.Zero, fmt.Errorf("curve: %w", err)
	}
	return settle(ctx, s.ledger, s.reserve, account, tokenIn, tokenOut, amountIn, out, minOut)
}

// settle moves amountIn to the reserve and out back to account, truncated to
// the output token precision. Nothing moves unless both legs succeed.
func settle(ctx context.Context, l *Memory, reserve, account, tokenIn, tokenOut common.Address, amountIn, out, minOut domain.Amount) (domain.Amount, error) {
	out, err := domain.Quantize(out, l.Decimals(tokenOut), false)
	if err != nil {
		return domain.Zero, err
	}
	if out.Lt(minOut) {
		return domain.Zero, domain.Errorf(domain.ErrSlippageExceeded, "swap: out %s < min %s", out, minOut)
	}
	if err := l.Transfer(ctx, tokenIn, account, reserve, amountIn); err != nil {
		return domain.Zero, fmt.Errorf("swap: pay in: %w", err)
	}
	if err := l.Transfer(ctx, tokenOut, reserve, account, out); err != nil {
		if rerr := l.Transfer(ctx, tokenIn, reserve, account, amountIn); rerr != nil {
			return domain.Zero, fmt.Errorf("swap: pay out: %w (refund failed: %v)", err, rerr)
		}
		return domain.Zero, fmt.Errorf("swap: pay out: %w", err)
	}
	return out, nil
}

var (
	_ domain.Swapper = (*RouterSwapper)(nil)
	_ domain.Swapper = (*CurveSwapper)(nil)
)
