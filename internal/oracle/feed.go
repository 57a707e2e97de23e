// Package oracle provides the pull price feed consumed by pricing, market
// resolution and collateral valuation, and the signed push oracle used by
// speed markets.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Source kinds.
const (
	KindAggregator = "aggregator"
	KindPool       = "pool"
)

type registered struct {
	kind string
	src  domain.PriceSource
}

// Feed resolves a currency key to a price through its registered source.
type Feed struct {
	mu      sync.RWMutex
	sources map[string]registered
	clock   domain.Clock
	logger  *slog.Logger
}

// NewFeed creates an empty Feed.
func NewFeed(clock domain.Clock, logger *slog.Logger) *Feed {
	return &Feed{
		sources: make(map[string]registered),
		clock:   clock,
		logger:  logger.With(slog.String("component", "oracle_feed")),
	}
}

// AddAggregator registers an external aggregator as the source for asset,
// replacing any previous source.
func (f *Feed) AddAggregator(asset string, src domain.PriceSource) {
	f.add(asset, KindAggregator, src)
}

// AddPool registers a time-weighted pool source for asset.
func (f *Feed) AddPool(asset string, src *TWAPSource) {
	f.add(asset, KindPool, src)
}

func (f *Feed) add(asset, kind string, src domain.PriceSource) {
	f.mu.Lock()
	f.sources[asset] = registered{kind: kind, src: src}
	f.mu.Unlock()
	f.logger.Info("oracle: source registered", slog.String("asset", asset), slog.String("kind", kind))
}

// Currencies lists the registered currency keys in order.
func (f *Feed) Currencies() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.sources))
	for k := range f.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RateForCurrency returns the latest price of asset regardless of age.
func (f *Feed) RateForCurrency(ctx context.Context, asset string) (domain.Amount, error) {
	price, _, err := f.lookup(ctx, asset)
	return price, err
}

// Rate returns the price of asset, failing with a stale-price error when the
// observation is older than maxAge.
func (f *Feed) Rate(ctx context.Context, asset string, maxAge time.Duration) (domain.Amount, error) {
	price, ts, err := f.lookup(ctx, asset)
	if err != nil {
		return domain.Zero, err
	}
	if age := f.clock.Now().Sub(ts); age > maxAge {
		return domain.Zero, domain.Errorf(domain.ErrStalePrice, "oracle: %s price is %s old (max %s)", asset, age.Truncate(time.Second), maxAge)
	}
	return price, nil
}

func (f *Feed) lookup(ctx context.Context, asset string) (domain.Amount, time.Time, error) {
	f.mu.RLock()
	r, ok := f.sources[asset]
	f.mu.RUnlock()
	if !ok {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrUnsupportedAsset, "oracle: no source for %s", asset)
	}
	price, ts, err := r.src.Price(ctx, asset)
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("oracle: %s %s: %w", r.kind, asset, err)
	}
	if price.IsZero() {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrPriceUnavailable, "oracle: zero price for %s", asset)
	}
	return price, ts, nil
}

// Sample records an observation on every pool source. Errors are logged and
// the remaining sources are still sampled.
func (f *Feed) Sample(ctx context.Context) {
	f.mu.RLock()
	pools := make(map[string]*TWAPSource)
	for asset, r := range f.sources {
		if tw, ok := r.src.(*TWAPSource); ok {
			pools[asset] = tw
		}
	}
	f.mu.RUnlock()

	for asset, tw := range pools {
		if err := tw.Sample(ctx, asset); err != nil {
			f.logger.WarnContext(ctx, "oracle: pool sample failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
	}
}
