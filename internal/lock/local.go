// Package lock provides an in-process domain.LockManager and the
// wait-and-retry acquisition used by the trading components. The Redis lock
// in internal/cache/redis is the multi-process counterpart.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/google/uuid"
)

type entry struct {
	token   string
	expires time.Time
}

// Local is a TTL-bounded mutex table keyed by string.
type Local struct {
	mu    sync.Mutex
	held  map[string]entry
	clock domain.Clock
}

// NewLocal creates an empty lock table. A nil clock uses the system clock.
func NewLocal(clock domain.Clock) *Local {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Local{held: make(map[string]entry), clock: clock}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. An expired
// holder is evicted. The returned unlock is idempotent and only releases the
// lock while this caller still owns it.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	now := l.clock.Now()
	token := uuid.NewString()

	l.mu.Lock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		l.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	l.held[key] = entry{token: token, expires: now.Add(ttl)}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; ok && e.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*Local)(nil)

// Options controls AcquireWait.
type Options struct {
	TTL   time.Duration
	Wait  time.Duration
	Retry time.Duration
}

// DefaultOptions suits single-operation critical sections.
var DefaultOptions = Options{TTL: 30 * time.Second, Wait: 5 * time.Second, Retry: 10 * time.Millisecond}

// AcquireWait retries Acquire while the lock is held by someone else, until
// opts.Wait elapses or ctx is done.
func AcquireWait(ctx context.Context, lm domain.LockManager, key string, opts Options) (func(), error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions.TTL
	}
	if opts.Retry <= 0 {
		opts.Retry = DefaultOptions.Retry
	}
	deadline := time.Now().Add(opts.Wait)
	for {
		unlock, err := lm.Acquire(ctx, key, opts.TTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		t := time.NewTimer(opts.Retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("lock: acquire %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}
