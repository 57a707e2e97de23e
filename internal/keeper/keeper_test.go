package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMarkets struct {
	markets  []domain.Market
	errs     map[common.Hash]error
	resolved []common.Hash
}

func (f *fakeMarkets) Markets(bool) []domain.Market { return f.markets }

func (f *fakeMarkets) ResolveMarket(_ context.Context, id common.Hash) (domain.Market, error) {
	if err := f.errs[id]; err != nil {
		return domain.Market{}, err
	}
	f.resolved = append(f.resolved, id)
	return domain.Market{ID: id, Resolved: true}, nil
}

type fakePool struct {
	due    bool
	err    error
	closed int
}

func (f *fakePool) CanCloseRound() bool { return f.due }

func (f *fakePool) CloseRound(context.Context) (domain.RoundResult, error) {
	if f.err != nil {
		return domain.RoundResult{}, f.err
	}
	f.closed++
	return domain.RoundResult{Round: uint64(f.closed), PnLRatio: domain.One}, nil
}

type fakeSpeed struct {
	due  []domain.SpeedMarket
	errs map[string]error
	done []string
}

func (f *fakeSpeed) Due() []domain.SpeedMarket { return f.due }

func (f *fakeSpeed) ResolveFromHistory(_ context.Context, id string) (domain.SpeedMarket, error) {
	if err := f.errs[id]; err != nil {
		return domain.SpeedMarket{}, err
	}
	f.done = append(f.done, id)
	return domain.SpeedMarket{ID: id, Resolved: true}, nil
}

type snapshotter struct{ snap domain.Snapshot }

func (s snapshotter) Snapshot() domain.Snapshot { return s.snap }

type memSnapshots struct{ saved []domain.Snapshot }

func (m *memSnapshots) SaveSnapshot(_ context.Context, s domain.Snapshot) (string, error) {
	m.saved = append(m.saved, s)
	return "snapshots/x.json", nil
}

func (m *memSnapshots) LatestSnapshot(context.Context) (domain.Snapshot, error) {
	if len(m.saved) == 0 {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return m.saved[len(m.saved)-1], nil
}

type countingRelay struct{ calls atomic.Int32 }

func (r *countingRelay) Publish(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestResolveMatured(t *testing.T) {
	clock := domain.NewManualClock(t0)
	matured := domain.Market{ID: common.HexToHash("0x1"), Maturity: t0.Add(-time.Minute)}
	stale := domain.Market{ID: common.HexToHash("0x2"), Maturity: t0}
	future := domain.Market{ID: common.HexToHash("0x3"), Maturity: t0.Add(time.Hour)}
	broken := domain.Market{ID: common.HexToHash("0x4"), Maturity: t0.Add(-time.Hour)}
	markets := &fakeMarkets{
		markets: []domain.Market{matured, stale, future, broken},
		errs: map[common.Hash]error{
			stale.ID:  domain.Errorf(domain.ErrPriceUnavailable, "no ETH price"),
			broken.ID: errors.New("ledger offline"),
		},
	}
	k := New(Config{}, Deps{Markets: markets, Clock: clock}, discard())

	n, err := k.ResolveMatured(context.Background())
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger offline")
	assert.Equal(t, []common.Hash{matured.ID}, markets.resolved)
}

func TestCloseRoundIfDue(t *testing.T) {
	pool := &fakePool{}
	k := New(Config{}, Deps{Pool: pool}, discard())
	ctx := context.Background()

	n, err := k.CloseRoundIfDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pool.due = true
	n, err = k.CloseRoundIfDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pool.err = domain.Errorf(domain.ErrLockHeld, "pool:close")
	n, err = k.CloseRoundIfDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pool.err = domain.Errorf(domain.ErrInsufficientLiquidity, "vault short")
	_, err = k.CloseRoundIfDue(ctx)
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
}

func TestResolveDueSpeed(t *testing.T) {
	speed := &fakeSpeed{
		due:  []domain.SpeedMarket{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		errs: map[string]error{"b": domain.Errorf(domain.ErrPriceUnavailable, "no update"), "c": domain.ErrAlreadyResolved},
	}
	k := New(Config{}, Deps{Speed: speed}, discard())

	n, err := k.ResolveDueSpeed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, speed.done)
}

func TestResolveDueSpeedReportsOnlyRealFailures(t *testing.T) {
	speed := &fakeSpeed{
		due: []domain.SpeedMarket{{ID: "waiting"}, {ID: "stale"}, {ID: "broken"}},
		errs: map[string]error{
			"waiting": domain.Errorf(domain.ErrPriceUnavailable, "speed: no update in window"),
			"stale":   domain.Errorf(domain.ErrStalePrice, "speed: old update"),
			"broken":  errors.New("ledger down"),
		},
	}
	k := New(Config{}, Deps{Speed: speed}, discard())

	n, err := k.ResolveDueSpeed(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "resolve speed broken")
	assert.NotContains(t, err.Error(), "waiting")
	assert.NotContains(t, err.Error(), "stale")
}

func TestRunSavesSnapshots(t *testing.T) {
	store := &memSnapshots{}
	src := snapshotter{snap: domain.Snapshot{TakenAt: t0, RiskVersion: 4}}
	relay := &countingRelay{}
	k := New(Config{SnapshotInterval: 10 * time.Millisecond, RelayInterval: 10 * time.Millisecond},
		Deps{Source: src, Snapshots: store, Relay: relay}, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, k.Run(ctx))
	require.NotEmpty(t, store.saved)
	assert.Equal(t, uint64(4), store.saved[0].RiskVersion)
	assert.Positive(t, relay.calls.Load())
}
