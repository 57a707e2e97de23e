// Package keeper runs the periodic upkeep the engine needs but no user call
// triggers: closing rounds, resolving matured markets and speed markets, and
// saving snapshots.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Markets is the AMM as seen by the keeper.
type Markets interface {
	Markets(activeOnly bool) []domain.Market
	ResolveMarket(ctx context.Context, id common.Hash) (domain.Market, error)
}

// Pool is the liquidity pool as seen by the keeper.
type Pool interface {
	CanCloseRound() bool
	CloseRound(ctx context.Context) (domain.RoundResult, error)
}

// SpeedMarkets is the speed resolver as seen by the keeper.
type SpeedMarkets interface {
	Due() []domain.SpeedMarket
	ResolveFromHistory(ctx context.Context, id string) (domain.SpeedMarket, error)
}

// Snapshotter captures the engine state.
type Snapshotter interface {
	Snapshot() domain.Snapshot
}

// Relay republishes pull-feed prices as signed push updates.
type Relay interface {
	Publish(ctx context.Context) (int, error)
}

// Sampler records observations for time-weighted price sources.
type Sampler interface {
	Sample(ctx context.Context)
}

// Config holds loop intervals. A zero interval disables its loop.
type Config struct {
	RoundInterval    time.Duration
	ResolveInterval  time.Duration
	SpeedInterval    time.Duration
	SnapshotInterval time.Duration
	RelayInterval    time.Duration
	SampleInterval   time.Duration
}

// Deps bundles the keeper's collaborators. Any of them may be nil, which
// disables the loops that need it.
type Deps struct {
	Markets   Markets
	Pool      Pool
	Speed     SpeedMarkets
	Source    Snapshotter
	Snapshots domain.SnapshotStore
	Relay     Relay
	Sampler   Sampler
	Clock     domain.Clock
}

// Keeper owns the upkeep loops.
type Keeper struct {
	cfg       Config
	markets   Markets
	pool      Pool
	speed     SpeedMarkets
	snapshots domain.SnapshotStore
	source    Snapshotter
	relay     Relay
	sampler   Sampler
	clock     domain.Clock
	logger    *slog.Logger
}

// New creates a Keeper.
func New(cfg Config, deps Deps, logger *slog.Logger) *Keeper {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	return &Keeper{
		cfg:       cfg,
		markets:   deps.Markets,
		pool:      deps.Pool,
		speed:     deps.Speed,
		snapshots: deps.Snapshots,
		source:    deps.Source,
		relay:     deps.Relay,
		sampler:   deps.Sampler,
		clock:     deps.Clock,
		logger:    logger.With(slog.String("component", "keeper")),
	}
}

// Run starts every enabled loop and blocks until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	start := func(name string, every time.Duration, enabled bool, tick func(context.Context) (int, error)) {
		if every <= 0 || !enabled {
			return
		}
		g.Go(func() error {
			k.logger.InfoContext(ctx, "keeper: loop starting",
				slog.String("loop", name),
				slog.Duration("interval", every),
			)
			k.loop(ctx, name, every, tick)
			return nil
		})
	}
	start("round", k.cfg.RoundInterval, k.pool != nil, k.CloseRoundIfDue)
	start("resolve", k.cfg.ResolveInterval, k.markets != nil, k.ResolveMatured)
	start("speed", k.cfg.SpeedInterval, k.speed != nil, k.ResolveDueSpeed)
	start("snapshot", k.cfg.SnapshotInterval, k.source != nil && k.snapshots != nil, k.SaveSnapshot)
	start("relay", k.cfg.RelayInterval, k.relay != nil, func(ctx context.Context) (int, error) {
		return k.relay.Publish(ctx)
	})
	start("sample", k.cfg.SampleInterval, k.sampler != nil, func(ctx context.Context) (int, error) {
		k.sampler.Sample(ctx)
		return 0, nil
	})
	err := g.Wait()
	k.logger.Info("keeper: stopped")
	return err
}

func (k *Keeper) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context) (int, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tick(ctx); err != nil && ctx.Err() == nil {
				k.logger.ErrorContext(ctx, "keeper: tick failed",
					slog.String("loop", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// CloseRoundIfDue closes the current round once it has ended. It returns 1
// when a round was closed.
func (k *Keeper) CloseRoundIfDue(ctx context.Context) (int, error) {
	if !k.pool.CanCloseRound() {
		return 0, nil
	}
	res, err := k.pool.CloseRound(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, domain.ErrRoundNotEnded) {
			return 0, nil
		}
		return 0, fmt.Errorf("keeper: close round: %w", err)
	}
	k.logger.InfoContext(ctx, "keeper: round closed",
		slog.Uint64("round", res.Round),
		slog.String("pnl", res.PnLRatio.String()),
	)
	return 1, nil
}

// ResolveMatured resolves every unresolved market past maturity and returns
// how many were resolved. Markets without a fresh price are retried on the
// next tick.
func (k *Keeper) ResolveMatured(ctx context.Context) (int, error) {
	now := k.clock.Now()
	var (
		n    int
		errs []error
	)
	for _, mk := range k.markets.Markets(true) {
		if now.Before(mk.Maturity) {
			continue
		}
		if _, err := k.markets.ResolveMarket(ctx, mk.ID); err != nil {
			switch {
			case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrLockHeld):
			case errors.Is(err, domain.ErrStalePrice):
				k.logger.WarnContext(ctx, "keeper: no fresh price to resolve",
					slog.String("market", mk.ID.Hex()),
					slog.String("asset", mk.Asset),
				)
			default:
				errs = append(errs, fmt.Errorf("resolve %s: %w", mk.ID.Hex(), err))
			}
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ResolveDueSpeed resolves due speed markets from stored price history and
// returns how many were resolved.
func (k *Keeper) ResolveDueSpeed(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, m := range k.speed.Due() {
		if _, err := k.speed.ResolveFromHistory(ctx, m.ID); err != nil {
			switch {
			case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrLockHeld):
			case errors.Is(err, domain.ErrStalePrice), errors.Is(err, domain.ErrPriceUnavailable):
				k.logger.DebugContext(ctx, "keeper: speed market waiting for price",
					slog.String("id", m.ID),
					slog.String("asset", m.Asset),
				)
			default:
				errs = append(errs, fmt.Errorf("resolve speed %s: %w", m.ID, err))
			}
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// SaveSnapshot stores the current engine state.
func (k *Keeper) SaveSnapshot(ctx context.Context) (int, error) {
	path, err := k.snapshots.SaveSnapshot(ctx, k.source.Snapshot())
	if err != nil {
		return 0, fmt.Errorf("keeper: save snapshot: %w", err)
	}
	k.logger.DebugContext(ctx, "keeper: snapshot saved", slog.String("path", path))
	return 1, nil
}
