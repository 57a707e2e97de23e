package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per asset at
// "price:<asset>" holding the decimal price and the Unix-nano timestamp.
type PriceCache struct {
	client *Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c}
}

func (pc *PriceCache) key(asset string) string {
	return pc.client.Key("price", asset)
}

// setIfNewer keeps the newest observation when pushes arrive out of order.
var setIfNewer = redis.NewScript(`
local ts = redis.call('HGET', KEYS[1], 'ts')
if ts and tonumber(ts) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
return 1
`)

// SetPrice stores price for asset unless a newer one is already cached.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price domain.Amount, ts time.Time) error {
	err := setIfNewer.Run(ctx, pc.client.rdb, []string{pc.key(asset)},
		price.String(), strconv.FormatInt(ts.UnixNano(), 10)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice returns the cached price and its timestamp, or
// domain.ErrPriceUnavailable when none is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (domain.Amount, time.Time, error) {
	vals, err := pc.client.rdb.HGetAll(ctx, pc.key(asset)).Result()
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	price, ts, err := parsePrice(vals)
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, err)
	}
	return price, ts, nil
}

// GetPrices returns the cached prices of assets in one pipeline. Missing or
// malformed entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, assets []string) (map[string]domain.Amount, error) {
	if len(assets) == 0 {
		return map[string]domain.Amount{}, nil
	}
	pipe := pc.client.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, pc.key(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]domain.Amount, len(assets))
	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := parsePrice(vals); err == nil {
			result[a] = price
		}
	}
	return result, nil
}

func parsePrice(vals map[string]string) (domain.Amount, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.Zero, time.Time{}, domain.ErrPriceUnavailable
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Zero, time.Time{}, domain.ErrPriceUnavailable
	}
	price, err := domain.ParseAmount(priceStr)
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), nil
}
