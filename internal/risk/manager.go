// Package risk owns the risk configuration: per-category caps with
// time-to-event decay, hard per-asset ceilings, implied volatilities and
// speed-market budgets. Every change is versioned and logged.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Manager serves caps to the AMM and speed markets and applies owner changes.
type Manager struct {
	mu      sync.RWMutex
	owner   common.Address
	params  domain.RiskParams
	changes []domain.RiskChange
	clock   domain.Clock
	sink    domain.EventSink
	logger  *slog.Logger
}

// NewManager creates a Manager seeded with a copy of initial.
func NewManager(owner common.Address, initial domain.RiskParams, clock domain.Clock, sink domain.EventSink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Manager{
		owner:  owner,
		params: initial.Clone(),
		clock:  clock,
		sink:   sink,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Params returns a copy of the current configuration.
func (m *Manager) Params() domain.RiskParams {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params.Clone()
}

// Version returns the configuration version.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params.Version
}

// Changes returns change-log entries with a version greater than since.
func (m *Manager) Changes(since uint64) []domain.RiskChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RiskChange
	for _, c := range m.changes {
		if c.Version > since {
			out = append(out, c)
		}
	}
	return out
}

// CapToBeUsed returns the market's cap: the child-category cap, else the
// category cap, else the default, decayed linearly toward the configured
// floor inside the dynamic window, then bounded by the per-asset ceiling.
func (m *Manager) CapToBeUsed(mk domain.Market) domain.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capLocked(mk)
}

// DirectionalCap is CapToBeUsed further bounded by the per asset and
// direction ceiling.
func (m *Manager) DirectionalCap(mk domain.Market, d domain.Direction) domain.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.capLocked(mk)
	if hard, ok := m.params.MaxRiskPerAssetDir[domain.AssetDirKey(mk.Asset, d)]; ok {
		c = domain.MinAmount(c, hard)
	}
	return c
}

func (m *Manager) capLocked(mk domain.Market) domain.Amount {
	full := m.params.DefaultCap
	if c, ok := m.params.CategoryCaps[mk.Category]; ok {
		full = c
	}
	if mk.Child != "" {
		if c, ok := m.params.ChildCategoryCaps[domain.ChildKey(mk.Category, mk.Child)]; ok {
			full = c
		}
	}

	capped, err := Decay(full, m.params.Dynamic[mk.Category], mk.Maturity.Sub(m.clock.Now()))
	if err != nil {
		m.logger.Error("risk: cap decay failed, trading disabled for market",
			slog.String("market", mk.ID.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.Zero
	}
	if hard, ok := m.params.MaxRiskPerAsset[mk.Asset]; ok {
		capped = domain.MinAmount(capped, hard)
	}
	return capped
}

// Decay interpolates full linearly down to full*floor over the window before
// the event. timeLeft is the time remaining until the event.
func Decay(full domain.Amount, dl domain.DynamicLiquidity, timeLeft time.Duration) (domain.Amount, error) {
	if dl.Window <= 0 || timeLeft >= dl.Window {
		return full, nil
	}
	floorCap, err := full.Mul(dl.Floor)
	if err != nil {
		return domain.Zero, err
	}
	if timeLeft <= 0 {
		return floorCap, nil
	}
	elapsed := domain.AmountFromRawUint64(uint64(dl.Window - timeLeft))
	window := domain.AmountFromRawUint64(uint64(dl.Window))
	cut, err := domain.MulDiv(full.SubFloor(floorCap), elapsed, window)
	if err != nil {
		return domain.Zero, err
	}
	return full.Sub(cut)
}

// ImpliedVolatility returns the configured volatility for asset.
func (m *Manager) ImpliedVolatility(asset string) (domain.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.params.ImpliedVolatility[asset]
	if !ok || v.IsZero() {
		return domain.Zero, domain.Errorf(domain.ErrUnsupportedAsset, "risk: no implied volatility for %s", asset)
	}
	return v, nil
}

// IsPaused reports whether trading on a market is paused.
func (m *Manager) IsPaused(id common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params.Paused[id]
}

// AssetLimits returns the speed-market risk budget for asset. Unset limits
// are zero, which rejects every speed market on the asset.
func (m *Manager) AssetLimits(asset string) domain.AssetLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.AssetLimits{
		MaxRisk: m.params.SpeedMaxRisk[asset],
		MaxRiskDir: [2]domain.Amount{
			m.params.SpeedMaxRiskDir[domain.AssetDirKey(asset, domain.DirectionUp)],
			m.params.SpeedMaxRiskDir[domain.AssetDirKey(asset, domain.DirectionDown)],
		},
	}
}

// --------------------------------------------------------------------------
// Owner setters
// --------------------------------------------------------------------------

// SetDefaultCap sets the cap used when a category has none.
func (m *Manager) SetDefaultCap(ctx context.Context, caller common.Address, c domain.Amount) error {
	return m.apply(ctx, caller, "default_cap", "", c.String(), func(p *domain.RiskParams) string {
		old := p.DefaultCap.String()
		p.DefaultCap = c
		return old
	})
}

// SetCategoryCap sets the base cap for a category.
func (m *Manager) SetCategoryCap(ctx context.Context, caller common.Address, category string, c domain.Amount) error {
	if category == "" {
		return domain.Errorf(domain.ErrInvalidInput, "risk: empty category")
	}
	return m.apply(ctx, caller, "category_cap", category, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.CategoryCaps, category, c)
	})
}

// SetChildCategoryCap overrides the cap of a child category.
func (m *Manager) SetChildCategoryCap(ctx context.Context, caller common.Address, category, child string, c domain.Amount) error {
	if category == "" || child == "" {
		return domain.Errorf(domain.ErrInvalidInput, "risk: empty category or child")
	}
	key := domain.ChildKey(category, child)
	return m.apply(ctx, caller, "child_category_cap", key, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.ChildCategoryCaps, key, c)
	})
}

// SetDynamicLiquidity configures the decay window and floor fraction for a
// category. A zero window disables decay.
func (m *Manager) SetDynamicLiquidity(ctx context.Context, caller common.Address, category string, window time.Duration, floor domain.Amount) error {
	if window < 0 {
		return domain.Errorf(domain.ErrInvalidTimeRange, "risk: negative window %s", window)
	}
	if floor.Gt(domain.One) {
		return domain.Errorf(domain.ErrInvalidInput, "risk: floor fraction %s above 1", floor)
	}
	dl := domain.DynamicLiquidity{Window: window, Floor: floor}
	return m.apply(ctx, caller, "dynamic_liquidity", category, formatDynamic(dl), func(p *domain.RiskParams) string {
		old, ok := p.Dynamic[category]
		p.Dynamic[category] = dl
		if !ok {
			return ""
		}
		return formatDynamic(old)
	})
}

// SetMaxRiskPerAsset sets a hard ceiling on every market cap of an asset.
func (m *Manager) SetMaxRiskPerAsset(ctx context.Context, caller common.Address, asset string, c domain.Amount) error {
	return m.apply(ctx, caller, "max_risk_per_asset", asset, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.MaxRiskPerAsset, asset, c)
	})
}

// SetMaxRiskPerAssetAndDirection sets a hard ceiling on one direction.
func (m *Manager) SetMaxRiskPerAssetAndDirection(ctx context.Context, caller common.Address, asset string, d domain.Direction, c domain.Amount) error {
	if !d.Valid() {
		return domain.Errorf(domain.ErrInvalidInput, "risk: direction %q", d)
	}
	key := domain.AssetDirKey(asset, d)
	return m.apply(ctx, caller, "max_risk_per_asset_dir", key, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.MaxRiskPerAssetDir, key, c)
	})
}

// SetImpliedVolatility sets the volatility used to price an asset.
func (m *Manager) SetImpliedVolatility(ctx context.Context, caller common.Address, asset string, v domain.Amount) error {
	if v.IsZero() {
		return domain.Errorf(domain.ErrInvalidInput, "risk: implied volatility must be positive")
	}
	return m.apply(ctx, caller, "implied_volatility", asset, v.String(), func(p *domain.RiskParams) string {
		return setAmount(p.ImpliedVolatility, asset, v)
	})
}

// SetPaused pauses or resumes trading on a market. Resolution and exercise
// are unaffected.
func (m *Manager) SetPaused(ctx context.Context, caller common.Address, id common.Hash, paused bool) error {
	return m.apply(ctx, caller, "paused", id.Hex(), fmt.Sprint(paused), func(p *domain.RiskParams) string {
		old := p.Paused[id]
		if paused {
			p.Paused[id] = true
		} else {
			delete(p.Paused, id)
		}
		return fmt.Sprint(old)
	})
}

// SetSpeedMaxRisk sets the open-risk budget for speed markets on an asset.
func (m *Manager) SetSpeedMaxRisk(ctx context.Context, caller common.Address, asset string, c domain.Amount) error {
	return m.apply(ctx, caller, "speed_max_risk", asset, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.SpeedMaxRisk, asset, c)
	})
}

// SetSpeedMaxRiskPerDirection sets the open buy-in budget for one direction.
func (m *Manager) SetSpeedMaxRiskPerDirection(ctx context.Context, caller common.Address, asset string, d domain.Direction, c domain.Amount) error {
	if !d.Valid() {
		return domain.Errorf(domain.ErrInvalidInput, "risk: direction %q", d)
	}
	key := domain.AssetDirKey(asset, d)
	return m.apply(ctx, caller, "speed_max_risk_dir", key, c.String(), func(p *domain.RiskParams) string {
		return setAmount(p.SpeedMaxRiskDir, key, c)
	})
}

// apply runs mutate under the write lock, bumps the version and records the
// change. Changes only affect subsequent reads.
func (m *Manager) apply(ctx context.Context, caller common.Address, setting, key, newValue string, mutate func(p *domain.RiskParams) string) error {
	if caller != m.owner {
		m.logger.WarnContext(ctx, "risk: unauthorized change rejected",
			slog.String("setting", setting),
			slog.String("caller", caller.Hex()),
		)
		return domain.Errorf(domain.ErrUnauthorized, "risk: %s is owner-only", setting)
	}

	m.mu.Lock()
	old := mutate(&m.params)
	m.params.Version++
	change := domain.RiskChange{
		Version:   m.params.Version,
		Setting:   setting,
		Key:       key,
		OldValue:  old,
		NewValue:  newValue,
		ChangedBy: caller,
		ChangedAt: m.clock.Now(),
	}
	m.changes = append(m.changes, change)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "risk: config changed",
		slog.Uint64("version", change.Version),
		slog.String("setting", setting),
		slog.String("key", key),
		slog.String("old", old),
		slog.String("new", newValue),
	)
	m.sink.Emit(ctx, domain.NewEvent(domain.EventRiskChanged, fmt.Sprint(change.Version), change, change.ChangedAt))
	return nil
}

func setAmount(m map[string]domain.Amount, key string, v domain.Amount) string {
	old, ok := m[key]
	m[key] = v
	if !ok {
		return ""
	}
	return old.String()
}

func formatDynamic(dl domain.DynamicLiquidity) string {
	return fmt.Sprintf("window=%s floor=%s", dl.Window, dl.Floor)
}
