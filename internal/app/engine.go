package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/amm"
	"github.com/alanyoungcy/optionamm/internal/collateral"
	"github.com/alanyoungcy/optionamm/internal/config"
	"github.com/alanyoungcy/optionamm/internal/crypto"
	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/ledger"
	"github.com/alanyoungcy/optionamm/internal/lock"
	"github.com/alanyoungcy/optionamm/internal/oracle"
	"github.com/alanyoungcy/optionamm/internal/pool"
	"github.com/alanyoungcy/optionamm/internal/risk"
	"github.com/alanyoungcy/optionamm/internal/speed"
)

// Engine groups the in-process components behind the API and the keeper.
// Ramp, Speed and Relay are nil when disabled.
type Engine struct {
	Ledger *ledger.Memory
	Feed   *oracle.Feed
	Push   *oracle.PushOracle
	Relay  *oracle.Relay
	Risk   *risk.Manager
	Pool   *pool.Pool
	AMM    *amm.AMM
	Ramp   *collateral.Ramp
	Speed  *speed.Resolver
	clock  domain.Clock
}

// BuildEngine constructs the engine. With snap set the engine resumes from
// it; otherwise it starts fresh from the configured balances.
func BuildEngine(ctx context.Context, cfg *config.Config, deps *Dependencies, clock domain.Clock, snap *domain.Snapshot, logger *slog.Logger) (*Engine, error) {
	e := &Engine{clock: clock}
	sink := deps.Events
	locks := lock.Options{TTL: cfg.Lock.TTL.Duration, Wait: cfg.Lock.Wait.Duration, Retry: cfg.Lock.Retry.Duration}
	base := cfg.AMM.BaseToken

	// Ledger
	e.Ledger = ledger.NewMemory()
	e.Ledger.Register(base, 18)
	for _, t := range cfg.Ledger.Tokens {
		e.Ledger.Register(t.Address, t.Decimals)
	}
	for _, t := range cfg.Collateral.Tokens {
		e.Ledger.Register(t.Token, t.Decimals)
	}

	// Oracle
	for asset, price := range cfg.Oracle.SeedPrices {
		if err := deps.PriceCache.SetPrice(ctx, asset, price, clock.Now()); err != nil {
			return nil, fmt.Errorf("app: seed %s price: %w", asset, err)
		}
	}
	cached := oracle.NewCacheSource(deps.PriceCache)
	e.Feed = oracle.NewFeed(clock, logger)
	for _, asset := range cfg.Oracle.Assets {
		if slices.Contains(cfg.Oracle.TWAPAssets, asset) {
			e.Feed.AddPool(asset, oracle.NewTWAPSource(cached, cfg.Oracle.TWAPWindow.Duration, clock))
			continue
		}
		e.Feed.AddAggregator(asset, cached)
	}

	publishers := slices.Clone(cfg.Oracle.Publishers)
	var signer *crypto.Signer
	if cfg.Wallet.HasKey() {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: publisher key: %w", err)
		}
		if signer, err = crypto.NewSigner(key, cfg.Wallet.ChainID); err != nil {
			return nil, fmt.Errorf("app: publisher key: %w", err)
		}
		publishers = append(publishers, signer.Address())
	}
	e.Push = oracle.NewPushOracle(oracle.PushConfig{
		ChainID:      cfg.Wallet.ChainID,
		Publishers:   publishers,
		FeePerUpdate: cfg.Oracle.PushFee,
		FeeToken:     base,
		FeeAccount:   cfg.Oracle.FeeAccount,
		HistoryLimit: cfg.Oracle.HistoryLimit,
	}, e.Ledger, deps.PriceCache, clock, logger)

	speedAssets := cfg.Speed.Assets
	if len(speedAssets) == 0 {
		speedAssets = cfg.Oracle.Assets
	}
	if signer != nil {
		relayed := slices.Clone(cfg.Oracle.Assets)
		for _, a := range speedAssets {
			if !slices.Contains(relayed, a) {
				relayed = append(relayed, a)
			}
		}
		e.Relay = oracle.NewRelay(cached, signer, e.Push, cfg.Oracle.FeeAccount, relayed, logger)
	}

	// Risk
	params := cfg.Risk.Params()
	if snap != nil {
		params = snap.Risk
	}
	e.Risk = risk.NewManager(cfg.Owner, params, clock, sink, logger)

	// Pool
	poolDeps := pool.Deps{Ledger: e.Ledger, Locks: deps.LockManager, Sink: sink, Clock: clock}
	if deps.Archive != nil {
		poolDeps.Archiver = deps.Archive
	}
	e.Pool = pool.New(pool.Config{
		ID:                cfg.Pool.ID,
		Owner:             cfg.Owner,
		BaseToken:         base,
		DefaultLP:         cfg.Pool.DefaultLP,
		RoundLength:       cfg.Pool.RoundLength.Duration,
		MinDeposit:        cfg.Pool.MinDeposit,
		MaxAllowedDeposit: cfg.Pool.MaxAllowedDeposit,
		MaxAllowedUsers:   cfg.Pool.MaxAllowedUsers,
		WhitelistEnabled:  cfg.Pool.WhitelistEnabled,
		Lock:              locks,
	}, poolDeps, logger)

	// Collateral
	ammDeps := amm.Deps{
		Feed:    e.Feed,
		Risk:    e.Risk,
		Funding: e.Pool,
		Ledger:  e.Ledger,
		Locks:   deps.LockManager,
		Sink:    sink,
		Clock:   clock,
	}
	if cfg.Collateral.Enabled {
		ramp, err := e.buildRamp(ctx, cfg, sink, logger)
		if err != nil {
			return nil, err
		}
		e.Ramp = ramp
		ammDeps.Ramp = ramp
	}

	// AMM
	e.AMM = amm.New(amm.Config{
		Owner:             cfg.Owner,
		Self:              cfg.AMM.Self,
		BaseToken:         base,
		SafeBox:           cfg.AMM.SafeBox,
		MinSpread:         cfg.AMM.MinSpread,
		MaxImpact:         cfg.AMM.MaxImpact,
		SafeBoxFee:        cfg.AMM.SafeBoxFee,
		MinSupportedPrice: cfg.AMM.MinSupportedPrice,
		MaxSupportedPrice: cfg.AMM.MaxSupportedPrice,
		MinTimeToMaturity: cfg.AMM.MinTimeToMaturity.Duration,
		MaxTimeToMaturity: cfg.AMM.MaxTimeToMaturity.Duration,
		MaxPriceAge:       cfg.Oracle.MaxPriceAge.Duration,
		Categories:        cfg.AMM.Categories,
		DefaultCategory:   cfg.AMM.DefaultCategory,
		Lock:              locks,
	}, ammDeps, logger)
	e.Pool.SetSettler(e.AMM)

	// Speed markets
	if cfg.Speed.Enabled {
		e.Speed = speed.NewResolver(speed.Config{
			Owner:         cfg.Owner,
			BaseToken:     base,
			Vault:         cfg.Speed.Vault,
			SafeBox:       cfg.AMM.SafeBox,
			Assets:        speedAssets,
			MinDelta:      cfg.Speed.MinDelta.Duration,
			MaxDelta:      cfg.Speed.MaxDelta.Duration,
			MinBuyIn:      cfg.Speed.MinBuyIn,
			MaxBuyIn:      cfg.Speed.MaxBuyIn,
			Multiplier:    cfg.Speed.Multiplier,
			LPFee:         cfg.Speed.LPFee,
			SafeBoxFee:    cfg.Speed.SafeBoxFee,
			MaxPriceAge:   cfg.Speed.MaxPriceAge.Duration,
			MaxPriceDelay: cfg.Speed.MaxPriceDelay.Duration,
			Lock:          locks,
		}, e.Push, e.Risk, e.Ledger, deps.LockManager, sink, clock, logger)
	}

	if snap != nil {
		e.restore(*snap)
		logger.InfoContext(ctx, "app: engine restored",
			slog.Time("taken_at", snap.TakenAt),
			slog.Int("markets", len(snap.Markets)),
			slog.Uint64("risk_version", snap.RiskVersion),
		)
		return e, nil
	}
	if err := e.seed(ctx, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) buildRamp(ctx context.Context, cfg *config.Config, sink domain.EventSink, logger *slog.Logger) (*collateral.Ramp, error) {
	priced := make(map[common.Address]string)
	for _, t := range cfg.Collateral.Tokens {
		if t.PriceAsset != "" {
			priced[t.Token] = t.PriceAsset
		}
	}
	maxAge := cfg.Oracle.MaxPriceAge.Duration
	swappers := map[domain.SwapRoute]domain.Swapper{
		domain.RouteRouter: ledger.NewRouterSwapper(e.Ledger, cfg.AMM.BaseToken, cfg.Collateral.Reserve, e.Feed, maxAge, priced),
		domain.RouteCurve:  ledger.NewCurveSwapper(e.Ledger, cfg.Collateral.Reserve, cfg.Collateral.CurveFee),
	}
	ramp := collateral.NewRamp(collateral.Config{
		Owner:       cfg.Owner,
		BaseToken:   cfg.AMM.BaseToken,
		Slippage:    cfg.Collateral.Slippage,
		MaxPriceAge: maxAge,
	}, e.Feed, swappers, sink, e.clock, logger)

	for _, t := range cfg.Collateral.Tokens {
		if err := ramp.SetCollateral(ctx, cfg.Owner, t.Domain()); err != nil {
			return nil, fmt.Errorf("app: collateral %s: %w", t.Symbol, err)
		}
	}
	if err := ramp.SetAuthorized(ctx, cfg.Owner, cfg.AMM.Self, true); err != nil {
		return nil, fmt.Errorf("app: authorize amm on ramp: %w", err)
	}
	return ramp, nil
}

// seed applies the fresh-start configuration: minted balances, the pool
// whitelist and an optional pool start.
func (e *Engine) seed(ctx context.Context, cfg *config.Config) error {
	for _, m := range cfg.Ledger.Mints {
		if err := e.Ledger.Mint(m.Token, m.Account, m.Amount); err != nil {
			return fmt.Errorf("app: mint %s to %s: %w", m.Amount, m.Account.Hex(), err)
		}
	}
	if len(cfg.Pool.Whitelist) > 0 {
		if err := e.Pool.SetWhitelisted(ctx, cfg.Owner, cfg.Pool.Whitelist, true); err != nil {
			return fmt.Errorf("app: pool whitelist: %w", err)
		}
	}
	if cfg.Pool.AutoStart {
		if _, err := e.Pool.Start(ctx, cfg.Owner); err != nil && !errors.Is(err, domain.ErrPoolAlreadyStarted) {
			return fmt.Errorf("app: start pool: %w", err)
		}
	}
	return nil
}

// Snapshot captures the engine. Components are read one after another, so a
// snapshot taken under load may straddle a trade; the keeper takes them
// between ticks and the restore path tolerates that.
func (e *Engine) Snapshot() domain.Snapshot {
	s := domain.Snapshot{
		TakenAt:     e.clock.Now(),
		RiskVersion: e.Risk.Version(),
		Risk:        e.Risk.Params(),
		Markets:     e.AMM.Markets(false),
		Positions:   e.AMM.Positions(),
		Pool:        e.Pool.Snapshot(),
		Balances:    e.Ledger.Balances(),
	}
	if e.Speed != nil {
		s.SpeedMarkets = e.Speed.All()
	}
	return s
}

func (e *Engine) restore(s domain.Snapshot) {
	e.Ledger.Restore(s.Balances)
	e.Pool.Restore(s.Pool)
	e.AMM.Restore(s.Markets, s.Positions)
	if e.Speed != nil {
		e.Speed.Restore(s.SpeedMarkets)
	}
}
