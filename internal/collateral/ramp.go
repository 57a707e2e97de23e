// Package collateral converts supported non-base tokens to and from the base
// asset with an oracle-priced minimum-output guard.
package collateral

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Rater returns a fresh oracle price for a currency key.
type Rater interface {
	Rate(ctx context.Context, asset string, maxAge time.Duration) (domain.Amount, error)
}

// Config configures a Ramp.
type Config struct {
	Owner       common.Address
	BaseToken   common.Address
	Slippage    domain.Amount // e.g. 0.01
	MaxPriceAge time.Duration
}

// Ramp is the multi-collateral conversion layer.
type Ramp struct {
	mu          sync.RWMutex
	cfg         Config
	rates       Rater
	swappers    map[domain.SwapRoute]domain.Swapper
	collaterals map[common.Address]domain.CollateralConfig
	authorized  map[common.Address]bool
	sink        domain.EventSink
	clock       domain.Clock
	logger      *slog.Logger
}

// NewRamp creates a Ramp with the given swap facilities.
func NewRamp(cfg Config, rates Rater, swappers map[domain.SwapRoute]domain.Swapper, sink domain.EventSink, clock domain.Clock, logger *slog.Logger) *Ramp {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Ramp{
		cfg:         cfg,
		rates:       rates,
		swappers:    swappers,
		collaterals: make(map[common.Address]domain.CollateralConfig),
		authorized:  make(map[common.Address]bool),
		sink:        sink,
		clock:       clock,
		logger:      logger.With(slog.String("component", "collateral")),
	}
}

// SetCollateral adds or replaces a collateral token configuration.
func (r *Ramp) SetCollateral(ctx context.Context, caller common.Address, c domain.CollateralConfig) error {
	if caller != r.cfg.Owner {
		return domain.Errorf(domain.ErrUnauthorized, "collateral: set collateral is owner-only")
	}
	if c.Token == r.cfg.BaseToken {
		return domain.Errorf(domain.ErrInvalidInput, "collateral: base token cannot be collateral")
	}
	if _, ok := r.swappers[c.Route]; !ok {
		return domain.Errorf(domain.ErrInvalidInput, "collateral: no swapper for route %q", c.Route)
	}
	if c.Decimals > 36 {
		return domain.Errorf(domain.ErrInvalidInput, "collateral: precision %d", c.Decimals)
	}
	r.mu.Lock()
	r.collaterals[c.Token] = c
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "collateral: token configured",
		slog.String("token", c.Token.Hex()),
		slog.String("symbol", c.Symbol),
		slog.String("route", string(c.Route)),
		slog.Bool("enabled", c.Enabled),
	)
	r.sink.Emit(ctx, domain.NewEvent(domain.EventCollateralChanged, c.Token.Hex(), c, r.clock.Now()))
	return nil
}

// SetAuthorized allows or revokes a caller of Onramp and Offramp.
func (r *Ramp) SetAuthorized(ctx context.Context, caller, account common.Address, allowed bool) error {
	if caller != r.cfg.Owner {
		return domain.Errorf(domain.ErrUnauthorized, "collateral: set authorized is owner-only")
	}
	r.mu.Lock()
	if allowed {
		r.authorized[account] = true
	} else {
		delete(r.authorized, account)
	}
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "collateral: caller authorization changed",
		slog.String("account", account.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// SetSlippage sets the slippage buffer applied to every conversion.
func (r *Ramp) SetSlippage(ctx context.Context, caller common.Address, s domain.Amount) error {
	if caller != r.cfg.Owner {
		return domain.Errorf(domain.ErrUnauthorized, "collateral: set slippage is owner-only")
	}
	if !s.Lt(domain.One) {
		return domain.Errorf(domain.ErrInvalidInput, "collateral: slippage %s must be below 1", s)
	}
	r.mu.Lock()
	r.cfg.Slippage = s
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "collateral: slippage changed", slog.String("slippage", s.String()))
	return nil
}

// Collaterals lists the configured tokens.
func (r *Ramp) Collaterals() []domain.CollateralConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CollateralConfig, 0, len(r.collaterals))
	for _, c := range r.collaterals {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Supported reports whether token is an enabled collateral.
func (r *Ramp) Supported(token common.Address) bool {
	_, err := r.collateral(token)
	return err == nil
}

func (r *Ramp) collateral(token common.Address) (domain.CollateralConfig, error) {
	r.mu.RLock()
	c, ok := r.collaterals[token]
	r.mu.RUnlock()
	if !ok || !c.Enabled {
		return domain.CollateralConfig{}, domain.Errorf(domain.ErrUnsupportedCollateral, "collateral: %s", token.Hex())
	}
	return c, nil
}

func (r *Ramp) slippage() domain.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Slippage
}

func (r *Ramp) price(ctx context.Context, c domain.CollateralConfig) (domain.Amount, error) {
	p, err := r.rates.Rate(ctx, c.PriceAsset, r.cfg.MaxPriceAge)
	if err != nil {
		return domain.Zero, fmt.Errorf("collateral: price %s: %w", c.Symbol, err)
	}
	return p, nil
}

// MinimumNeeded returns the most collateral a caller is asked to supply to
// obtain desiredBase: desiredBase / price * (1 + slippage), rounded up to the
// token's native precision.
func (r *Ramp) MinimumNeeded(ctx context.Context, token common.Address, desiredBase domain.Amount) (domain.Amount, error) {
	c, err := r.collateral(token)
	if err != nil {
		return domain.Zero, err
	}
	price, err := r.price(ctx, c)
	if err != nil {
		return domain.Zero, err
	}
	buffer, err := domain.One.Add(r.slippage())
	if err != nil {
		return domain.Zero, err
	}
	need, err := domain.MulDivUp(desiredBase, buffer, price)
	if err != nil {
		return domain.Zero, fmt.Errorf("collateral: minimum needed: %w", err)
	}
	return domain.Quantize(need, c.Decimals, true)
}

// MinimumReceivedOnramp is the least base amount accepted for amount of
// collateral: amount * price * (1 - slippage), rounded down.
func (r *Ramp) MinimumReceivedOnramp(ctx context.Context, token common.Address, amount domain.Amount) (domain.Amount, error) {
	c, err := r.collateral(token)
	if err != nil {
		return domain.Zero, err
	}
	price, err := r.price(ctx, c)
	if err != nil {
		return domain.Zero, err
	}
	keep, err := domain.One.Sub(r.slippage())
	if err != nil {
		return domain.Zero, err
	}
	gross, err := amount.Mul(price)
	if err != nil {
		return domain.Zero, fmt.Errorf("collateral: minimum received: %w", err)
	}
	return gross.Mul(keep)
}

// MinimumReceivedOfframp is the least collateral accepted for baseAmount:
// baseAmount / price * (1 - slippage), rounded down to native precision.
func (r *Ramp) MinimumReceivedOfframp(ctx context.Context, token common.Address, baseAmount domain.Amount) (domain.Amount, error) {
	c, err := r.collateral(token)
	if err != nil {
		return domain.Zero, err
	}
	price, err := r.price(ctx, c)
	if err != nil {
		return domain.Zero, err
	}
	keep, err := domain.One.Sub(r.slippage())
	if err != nil {
		return domain.Zero, err
	}
	out, err := domain.MulDiv(baseAmount, keep, price)
	if err != nil {
		return domain.Zero, fmt.Errorf("collateral: minimum received offramp: %w", err)
	}
	return domain.Quantize(out, c.Decimals, false)
}

// Onramp converts amount of token held by account into base for account.
func (r *Ramp) Onramp(ctx context.Context, caller, account, token common.Address, amount domain.Amount) (domain.Amount, error) {
	c, minOut, err := r.prepare(ctx, caller, token, amount, r.MinimumReceivedOnramp)
	if err != nil {
		return domain.Zero, err
	}
	out, err := r.swap(ctx, c, account, token, r.cfg.BaseToken, amount, minOut)
	if err != nil {
		return domain.Zero, err
	}
	r.logger.InfoContext(ctx, "collateral: onramp",
		slog.String("account", account.Hex()),
		slog.String("token", c.Symbol),
		slog.String("amount_in", amount.String()),
		slog.String("base_out", out.String()),
	)
	r.sink.Emit(ctx, domain.NewEvent(domain.EventOnramp, account.Hex(), conversion{account, token, amount, out}, r.clock.Now()))
	return out, nil
}

// Offramp converts baseAmount of base held by account into token.
func (r *Ramp) Offramp(ctx context.Context, caller, account, token common.Address, baseAmount domain.Amount) (domain.Amount, error) {
	c, minOut, err := r.prepare(ctx, caller, token, baseAmount, r.MinimumReceivedOfframp)
	if err != nil {
		return domain.Zero, err
	}
	out, err := r.swap(ctx, c, account, r.cfg.BaseToken, token, baseAmount, minOut)
	if err != nil {
		return domain.Zero, err
	}
	r.logger.InfoContext(ctx, "collateral: offramp",
		slog.String("account", account.Hex()),
		slog.String("token", c.Symbol),
		slog.String("base_in", baseAmount.String()),
		slog.String("amount_out", out.String()),
	)
	r.sink.Emit(ctx, domain.NewEvent(domain.EventOfframp, account.Hex(), conversion{account, token, baseAmount, out}, r.clock.Now()))
	return out, nil
}

type conversion struct {
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
	In      domain.Amount  `json:"in"`
	Out     domain.Amount  `json:"out"`
}

func (r *Ramp) prepare(ctx context.Context, caller, token common.Address, amount domain.Amount,
	minimum func(context.Context, common.Address, domain.Amount) (domain.Amount, error),
) (domain.CollateralConfig, domain.Amount, error) {
	r.mu.RLock()
	ok := r.authorized[caller]
	r.mu.RUnlock()
	if !ok {
		return domain.CollateralConfig{}, domain.Zero, domain.Errorf(domain.ErrUnauthorized, "collateral: caller %s", caller.Hex())
	}
	c, err := r.collateral(token)
	if err != nil {
		return domain.CollateralConfig{}, domain.Zero, err
	}
	if amount.IsZero() {
		return domain.CollateralConfig{}, domain.Zero, domain.Errorf(domain.ErrBelowMinimum, "collateral: zero amount")
	}
	minOut, err := minimum(ctx, token, amount)
	if err != nil {
		return domain.CollateralConfig{}, domain.Zero, err
	}
	return c, minOut, nil
}

// swap runs the exchange and re-checks the guard. A facility that returns
// less than minOut is reversed and the conversion rejected.
func (r *Ramp) swap(ctx context.Context, c domain.CollateralConfig, account, tokenIn, tokenOut common.Address, amount, minOut domain.Amount) (domain.Amount, error) {
	sw := r.swappers[c.Route]
	out, err := sw.Exchange(ctx, account, tokenIn, tokenOut, amount, minOut)
	if err != nil {
		r.logger.WarnContext(ctx, "collateral: swap rejected",
			slog.String("token", c.Symbol),
			slog.String("code", domain.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		return domain.Zero, fmt.Errorf("collateral: %s swap: %w", c.Route, err)
	}
	if out.Lt(minOut) {
		if _, rerr := sw.Exchange(ctx, account, tokenOut, tokenIn, out, domain.Zero); rerr != nil {
			r.logger.ErrorContext(ctx, "collateral: reversing short swap failed",
				slog.String("account", account.Hex()),
				slog.String("error", rerr.Error()),
			)
		}
		return domain.Zero, domain.Errorf(domain.ErrSlippageExceeded, "collateral: received %s < minimum %s", out, minOut)
	}
	return out, nil
}
