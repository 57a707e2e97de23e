package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest oracle prices keyed by currency.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price Amount, ts time.Time) error
	GetPrice(ctx context.Context, asset string) (Amount, time.Time, error)
	GetPrices(ctx context.Context, assets []string) (map[string]Amount, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides exclusive locks keyed by market or round. Acquire fails
// with ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
