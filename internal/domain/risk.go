package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DynamicLiquidity describes how a cap decays as the event approaches. A zero
// window means the full cap applies until maturity.
type DynamicLiquidity struct {
	Window time.Duration
	// Floor is the fraction of the full cap in force at the event time, e.g. 0.5.
	Floor Amount
}

// RiskParams is a point-in-time copy of the owner-configured risk settings.
type RiskParams struct {
	Version            uint64
	DefaultCap         Amount
	CategoryCaps       map[string]Amount
	ChildCategoryCaps  map[string]Amount // keyed by "category/child"
	Dynamic            map[string]DynamicLiquidity
	MaxRiskPerAsset    map[string]Amount
	MaxRiskPerAssetDir map[string]Amount // keyed by AssetDirKey
	ImpliedVolatility  map[string]Amount // percentage points, e.g. 120
	Paused             map[common.Hash]bool
	// Speed market budgets: total open risk per asset and buy-in per direction.
	SpeedMaxRisk    map[string]Amount
	SpeedMaxRiskDir map[string]Amount // keyed by AssetDirKey
}

// Clone returns a deep copy of p.
func (p RiskParams) Clone() RiskParams {
	c := p
	c.CategoryCaps = cloneMap(p.CategoryCaps)
	c.ChildCategoryCaps = cloneMap(p.ChildCategoryCaps)
	c.Dynamic = cloneMap(p.Dynamic)
	c.MaxRiskPerAsset = cloneMap(p.MaxRiskPerAsset)
	c.MaxRiskPerAssetDir = cloneMap(p.MaxRiskPerAssetDir)
	c.ImpliedVolatility = cloneMap(p.ImpliedVolatility)
	c.Paused = cloneMap(p.Paused)
	c.SpeedMaxRisk = cloneMap(p.SpeedMaxRisk)
	c.SpeedMaxRiskDir = cloneMap(p.SpeedMaxRiskDir)
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// AssetDirKey builds the key used for per asset and direction caps.
func AssetDirKey(asset string, d Direction) string {
	return asset + "/" + string(d)
}

// ChildKey builds the key used for child-category caps.
func ChildKey(category, child string) string {
	return category + "/" + child
}

// RiskChange is an entry in the append-only risk configuration change log.
type RiskChange struct {
	Version   uint64
	Setting   string
	Key       string
	OldValue  string
	NewValue  string
	ChangedBy common.Address
	ChangedAt time.Time
}

// AssetLimits is the hard risk budget for speed markets on one asset.
type AssetLimits struct {
	MaxRisk    Amount
	MaxRiskDir [2]Amount
}
