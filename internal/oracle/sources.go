package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// CacheSource reads prices from the shared price cache.
type CacheSource struct {
	cache domain.PriceCache
}

// NewCacheSource creates a CacheSource.
func NewCacheSource(cache domain.PriceCache) *CacheSource {
	return &CacheSource{cache: cache}
}

func (s *CacheSource) Price(ctx context.Context, asset string) (domain.Amount, time.Time, error) {
	price, ts, err := s.cache.GetPrice(ctx, asset)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrPriceUnavailable, "no cached price for %s", asset)
	}
	if err != nil {
		return domain.Zero, time.Time{}, err
	}
	return price, ts, nil
}

// StaticSource serves prices set directly. It backs the dev deployment and tests.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]observation
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[string]observation)}
}

// Set stores price for asset observed at ts.
func (s *StaticSource) Set(asset string, price domain.Amount, ts time.Time) {
	s.mu.Lock()
	s.prices[asset] = observation{price: price, ts: ts}
	s.mu.Unlock()
}

func (s *StaticSource) Price(_ context.Context, asset string) (domain.Amount, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.prices[asset]
	if !ok {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrPriceUnavailable, "no price for %s", asset)
	}
	return o.price, o.ts, nil
}

// SetPrice lets a StaticSource stand in for the shared price cache when
// Redis is not configured.
func (s *StaticSource) SetPrice(_ context.Context, asset string, price domain.Amount, ts time.Time) error {
	s.Set(asset, price, ts)
	return nil
}

// GetPrice returns domain.ErrNotFound for unknown assets, like the Redis cache.
func (s *StaticSource) GetPrice(_ context.Context, asset string) (domain.Amount, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.prices[asset]
	if !ok {
		return domain.Zero, time.Time{}, domain.ErrNotFound
	}
	return o.price, o.ts, nil
}

func (s *StaticSource) GetPrices(_ context.Context, assets []string) (map[string]domain.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Amount, len(assets))
	for _, a := range assets {
		if o, ok := s.prices[a]; ok {
			out[a] = o.price
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*StaticSource)(nil)

type observation struct {
	price domain.Amount
	ts    time.Time
}

// TWAPSource averages samples of an underlying source over a trailing window,
// weighting each sample by how long it was the latest.
type TWAPSource struct {
	mu         sync.Mutex
	underlying domain.PriceSource
	window     time.Duration
	clock      domain.Clock
	obs        []observation
}

// NewTWAPSource creates a TWAPSource over underlying.
func NewTWAPSource(underlying domain.PriceSource, window time.Duration, clock domain.Clock) *TWAPSource {
	return &TWAPSource{underlying: underlying, window: window, clock: clock}
}

// Sample reads the underlying source and records a new observation.
func (s *TWAPSource) Sample(ctx context.Context, asset string) error {
	price, ts, err := s.underlying.Price(ctx, asset)
	if err != nil {
		return err
	}
	s.Observe(price, ts)
	return nil
}

// Observe records an observation. Out-of-order or duplicate timestamps are ignored.
func (s *TWAPSource) Observe(price domain.Amount, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.obs); n > 0 && !ts.After(s.obs[n-1].ts) {
		return
	}
	s.obs = append(s.obs, observation{price: price, ts: ts})
	s.pruneLocked(s.clock.Now())
}

// pruneLocked drops observations that ended before the window, keeping the
// one in force at the window start.
func (s *TWAPSource) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i+1 < len(s.obs) && !s.obs[i+1].ts.After(cutoff) {
		i++
	}
	s.obs = s.obs[i:]
}

func (s *TWAPSource) Price(_ context.Context, asset string) (domain.Amount, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.pruneLocked(now)
	if len(s.obs) == 0 {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrPriceUnavailable, "no pool observations for %s", asset)
	}
	last := s.obs[len(s.obs)-1]
	if len(s.obs) == 1 {
		return last.price, last.ts, nil
	}

	cutoff := now.Add(-s.window)
	acc, total := domain.Zero, uint64(0)
	for i, o := range s.obs {
		from := o.ts
		if from.Before(cutoff) {
			from = cutoff
		}
		to := now
		if i+1 < len(s.obs) {
			to = s.obs[i+1].ts
		}
		if !to.After(from) {
			continue
		}
		w := uint64(to.Sub(from))
		weighted, err := domain.MulDiv(o.price, domain.AmountFromRawUint64(w), domain.AmountFromRawUint64(1))
		if err != nil {
			return domain.Zero, time.Time{}, fmt.Errorf("twap %s: %w", asset, err)
		}
		if acc, err = acc.Add(weighted); err != nil {
			return domain.Zero, time.Time{}, fmt.Errorf("twap %s: %w", asset, err)
		}
		total += w
	}
	if total == 0 {
		return last.price, last.ts, nil
	}
	avg, err := domain.MulDiv(acc, domain.AmountFromRawUint64(1), domain.AmountFromRawUint64(total))
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("twap %s: %w", asset, err)
	}
	return avg, last.ts, nil
}
