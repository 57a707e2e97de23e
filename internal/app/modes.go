package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/keeper"
	"github.com/alanyoungcy/optionamm/internal/projector"
	"github.com/alanyoungcy/optionamm/internal/server"
	"github.com/alanyoungcy/optionamm/internal/server/handler"
	"github.com/alanyoungcy/optionamm/internal/server/middleware"
	"github.com/alanyoungcy/optionamm/internal/server/ws"
)

// FullMode runs the engine with its API, the keeper loops and, when the read
// model is wired, the projector.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode")

	engine, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine)
	}
	a.startKeeper(ctx, g, deps, engine)
	if deps.MarketStore != nil {
		a.startProjector(ctx, g, deps)
	}
	err = g.Wait()

	// Keep the last state even when the snapshot loop is off.
	if deps.Archive != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if key, serr := deps.Archive.SaveSnapshot(saveCtx, engine.Snapshot()); serr != nil {
			a.logger.Error("app: final snapshot failed", slog.String("error", serr.Error()))
		} else {
			a.logger.Info("app: final snapshot saved", slog.String("key", key))
		}
	}
	return err
}

// ServerMode runs the engine and its API without the keeper. Rounds, market
// resolution and speed markets then advance only through API calls.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")

	engine, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// ProjectorMode only replays the event stream into PostgreSQL. It is meant
// to run next to an engine process sharing the same Redis.
func (a *App) ProjectorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting projector mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startProjector(ctx, g, deps)
	return g.Wait()
}

// buildEngine builds the engine, resuming from the newest archived snapshot
// when configured to.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*Engine, error) {
	var snap *domain.Snapshot
	if a.cfg.Keeper.RestoreSnapshot && deps.Archive != nil {
		s, err := deps.Archive.LatestSnapshot(ctx)
		switch {
		case err == nil:
			snap = &s
		case errors.Is(err, domain.ErrNotFound):
			a.logger.InfoContext(ctx, "app: no snapshot to restore, starting fresh")
		default:
			return nil, fmt.Errorf("app: load snapshot: %w", err)
		}
	}
	engine, err := BuildEngine(ctx, a.cfg, deps, a.clock, snap, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: build engine: %w", err)
	}
	return engine, nil
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *Engine) {
	kc := a.cfg.Keeper
	kd := keeper.Deps{
		Markets: e.AMM,
		Pool:    e.Pool,
		Source:  e,
		Sampler: e.Feed,
		Clock:   a.clock,
	}
	if e.Speed != nil {
		kd.Speed = e.Speed
	}
	if e.Relay != nil {
		kd.Relay = e.Relay
	}
	if deps.Archive != nil {
		kd.Snapshots = deps.Archive
	}
	k := keeper.New(keeper.Config{
		RoundInterval:    kc.RoundInterval.Duration,
		ResolveInterval:  kc.ResolveInterval.Duration,
		SpeedInterval:    kc.SpeedInterval.Duration,
		SnapshotInterval: kc.SnapshotInterval.Duration,
		RelayInterval:    kc.RelayInterval.Duration,
		SampleInterval:   kc.SampleInterval.Duration,
	}, kd, a.logger)
	g.Go(func() error {
		return k.Run(ctx)
	})
}

func (a *App) startProjector(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	p := projector.New(deps.SignalBus, projector.Stores{
		Markets: deps.MarketStore,
		Trades:  deps.TradeStore,
		Rounds:  deps.RoundStore,
		Speed:   deps.SpeedStore,
		Risk:    deps.RiskChangeStore,
	}, a.cfg.Projector.Batch, a.cfg.Projector.Interval.Duration, a.logger)
	g.Go(func() error {
		return p.Run(ctx)
	})
}

// startHTTPServer registers the API and the WebSocket hub and shuts the
// server down when ctx ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *Engine) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.clock.Now(),
		Origins:   a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	h := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Markets: handler.NewMarketHandler(e.AMM, deps.TradeStore, a.logger),
		Pool:    handler.NewPoolHandler(e.Pool, deps.RoundStore, a.logger),
		Risk:    handler.NewRiskHandler(e.Risk, deps.RiskChangeStore, a.logger),
	}
	if e.Ramp != nil {
		h.Collateral = handler.NewCollateralHandler(e.Ramp, a.logger)
	}
	if deps.AuditStore != nil {
		h.Audit = handler.NewAuditHandler(deps.AuditStore, a.cfg.Owner, a.logger)
	}
	if e.Speed != nil {
		h.Speed = handler.NewSpeedHandler(e.Speed, e.Push, a.cfg.Speed.MaxPriceAge.Duration, a.logger)
	}

	// Validate has already rejected malformed entries.
	proxies, _ := a.cfg.Server.ProxyPrefixes()

	if a.cfg.Server.InsecureTrustHeader && len(a.cfg.Server.APISecrets) == 0 {
		a.logger.WarnContext(ctx, "app: api trusts unsigned account header")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			Secrets:     apiSecrets(a.cfg.Server.APISecrets),
			TrustHeader: a.cfg.Server.InsecureTrustHeader,
			Skew:        a.cfg.Server.AuthSkew.Duration,
			Now:         a.clock.Now,
		},
		RateLimit:      a.cfg.Server.RateLimit,
		RateWindow:     a.cfg.Server.RateWindow.Duration,
		TrustedProxies: proxies,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// apiSecrets keys the configured secrets by account. Validate has already
// rejected malformed addresses.
func apiSecrets(raw map[string]string) map[common.Address]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[common.Address]string, len(raw))
	for addr, secret := range raw {
		out[common.HexToAddress(addr)] = secret
	}
	return out
}
