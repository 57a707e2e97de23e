package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/crypto"
	"github.com/alanyoungcy/optionamm/internal/domain"
)

// PushConfig configures the push oracle.
type PushConfig struct {
	ChainID      int64
	Publishers   []common.Address
	FeePerUpdate domain.Amount
	FeeToken     common.Address
	FeeAccount   common.Address
	// HistoryLimit bounds the stored updates per asset.
	HistoryLimit int
}

// PushOracle verifies publisher-signed price updates, charges an update fee
// and keeps the latest and recent updates per asset.
type PushOracle struct {
	mu         sync.RWMutex
	cfg        PushConfig
	domainSep  []byte
	publishers map[common.Address]bool
	latest     map[string]domain.PriceUpdate
	history    map[string][]domain.PriceUpdate
	ledger     domain.TokenLedger
	cache      domain.PriceCache
	clock      domain.Clock
	logger     *slog.Logger
}

// NewPushOracle creates a PushOracle. cache may be nil; when set, accepted
// updates are mirrored into it for the pull feed.
func NewPushOracle(cfg PushConfig, ledger domain.TokenLedger, cache domain.PriceCache, clock domain.Clock, logger *slog.Logger) *PushOracle {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 512
	}
	pubs := make(map[common.Address]bool, len(cfg.Publishers))
	for _, p := range cfg.Publishers {
		pubs[p] = true
	}
	return &PushOracle{
		cfg:        cfg,
		domainSep:  crypto.DomainSeparator(cfg.ChainID),
		publishers: pubs,
		latest:     make(map[string]domain.PriceUpdate),
		history:    make(map[string][]domain.PriceUpdate),
		ledger:     ledger,
		cache:      cache,
		clock:      clock,
		logger:     logger.With(slog.String("component", "push_oracle")),
	}
}

// GetUpdateFee returns the fee for submitting updates.
func (o *PushOracle) GetUpdateFee(updates []domain.PriceUpdate) (domain.Amount, error) {
	return domain.MulDiv(o.cfg.FeePerUpdate, domain.NewAmount(uint64(len(updates))), domain.One)
}

// verify checks the signature and payload of a single update.
func (o *PushOracle) verify(u domain.PriceUpdate) error {
	if u.Asset == "" || u.Price.IsZero() {
		return domain.Errorf(domain.ErrInvalidInput, "oracle: empty asset or zero price")
	}
	signer, err := crypto.RecoverPublisher(o.domainSep, u)
	if err != nil {
		return err
	}
	if !o.publishers[signer] {
		return domain.Errorf(domain.ErrInvalidSignature, "oracle: %s is not a trusted publisher", signer.Hex())
	}
	return nil
}

// VerifyUpdates validates every update and returns the earliest one for asset
// published within [minTime, maxTime]. It has no side effects.
func (o *PushOracle) VerifyUpdates(updates []domain.PriceUpdate, asset string, minTime, maxTime time.Time) (domain.PriceUpdate, error) {
	var (
		best  domain.PriceUpdate
		found bool
	)
	for _, u := range updates {
		if err := o.verify(u); err != nil {
			return domain.PriceUpdate{}, err
		}
		if u.Asset != asset || u.PublishTime.Before(minTime) || u.PublishTime.After(maxTime) {
			continue
		}
		if !found || u.PublishTime.Before(best.PublishTime) {
			best, found = u, true
		}
	}
	if !found {
		return domain.PriceUpdate{}, domain.Errorf(domain.ErrPriceUnavailable,
			"oracle: no %s update published between %s and %s", asset, minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}
	return best, nil
}

// ChargeFee moves the update fee from payer to the fee account.
func (o *PushOracle) ChargeFee(ctx context.Context, payer common.Address, updates []domain.PriceUpdate) (domain.Amount, error) {
	fee, err := o.GetUpdateFee(updates)
	if err != nil || fee.IsZero() {
		return fee, err
	}
	if err := o.ledger.Transfer(ctx, o.cfg.FeeToken, payer, o.cfg.FeeAccount, fee); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return domain.Zero, domain.Errorf(domain.ErrInsufficientFee, "oracle: fee %s: %v", fee, err)
		}
		return domain.Zero, fmt.Errorf("oracle: charge fee: %w", err)
	}
	return fee, nil
}

// RefundFee returns a previously charged fee.
func (o *PushOracle) RefundFee(ctx context.Context, payer common.Address, fee domain.Amount) error {
	if fee.IsZero() {
		return nil
	}
	if err := o.ledger.Transfer(ctx, o.cfg.FeeToken, o.cfg.FeeAccount, payer, fee); err != nil {
		return fmt.Errorf("oracle: refund fee: %w", err)
	}
	return nil
}

// UpdatePriceFeeds verifies all updates, charges the fee and stores them.
// Either every update is accepted or none is.
func (o *PushOracle) UpdatePriceFeeds(ctx context.Context, payer common.Address, updates []domain.PriceUpdate) error {
	for _, u := range updates {
		if err := o.verify(u); err != nil {
			return err
		}
	}
	if _, err := o.ChargeFee(ctx, payer, updates); err != nil {
		return err
	}
	o.store(ctx, updates)
	return nil
}

// ParsePriceFeedUpdates verifies updates, charges the fee and returns the
// earliest update for asset within the window. Nothing is stored.
func (o *PushOracle) ParsePriceFeedUpdates(ctx context.Context, payer common.Address, updates []domain.PriceUpdate, asset string, minTime, maxTime time.Time) (domain.PriceUpdate, error) {
	u, err := o.VerifyUpdates(updates, asset, minTime, maxTime)
	if err != nil {
		return domain.PriceUpdate{}, err
	}
	if _, err := o.ChargeFee(ctx, payer, updates); err != nil {
		return domain.PriceUpdate{}, err
	}
	return u, nil
}

func (o *PushOracle) store(ctx context.Context, updates []domain.PriceUpdate) {
	o.mu.Lock()
	var fresh []domain.PriceUpdate
	for _, u := range updates {
		h := o.history[u.Asset]
		if n := len(h); n > 0 && !u.PublishTime.After(h[n-1].PublishTime) {
			// Insert late updates in order and drop duplicates.
			idx := sort.Search(n, func(i int) bool { return !h[i].PublishTime.Before(u.PublishTime) })
			if idx < n && h[idx].PublishTime.Equal(u.PublishTime) {
				continue
			}
			h = append(h, domain.PriceUpdate{})
			copy(h[idx+1:], h[idx:])
			h[idx] = u
		} else {
			h = append(h, u)
		}
		if len(h) > o.cfg.HistoryLimit {
			h = h[len(h)-o.cfg.HistoryLimit:]
		}
		o.history[u.Asset] = h
		if cur, ok := o.latest[u.Asset]; !ok || u.PublishTime.After(cur.PublishTime) {
			o.latest[u.Asset] = u
			fresh = append(fresh, u)
		}
	}
	o.mu.Unlock()

	if o.cache == nil {
		return
	}
	for _, u := range fresh {
		if err := o.cache.SetPrice(ctx, u.Asset, u.Price, u.PublishTime); err != nil {
			o.logger.WarnContext(ctx, "oracle: mirror price to cache failed",
				slog.String("asset", u.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// LatestPrice returns the newest stored update for asset no older than maxAge.
func (o *PushOracle) LatestPrice(asset string, maxAge time.Duration) (domain.PriceUpdate, error) {
	o.mu.RLock()
	u, ok := o.latest[asset]
	o.mu.RUnlock()
	if !ok {
		return domain.PriceUpdate{}, domain.Errorf(domain.ErrPriceUnavailable, "oracle: no %s price", asset)
	}
	if age := o.clock.Now().Sub(u.PublishTime); age > maxAge {
		return domain.PriceUpdate{}, domain.Errorf(domain.ErrStalePrice, "oracle: %s price is %s old (max %s)", asset, age.Truncate(time.Second), maxAge)
	}
	return u, nil
}

// PriceIn returns the earliest stored update for asset within [minTime, maxTime].
func (o *PushOracle) PriceIn(asset string, minTime, maxTime time.Time) (domain.PriceUpdate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h := o.history[asset]
	idx := sort.Search(len(h), func(i int) bool { return !h[i].PublishTime.Before(minTime) })
	if idx == len(h) || h[idx].PublishTime.After(maxTime) {
		return domain.PriceUpdate{}, domain.Errorf(domain.ErrPriceUnavailable, "oracle: no stored %s update in window", asset)
	}
	return h[idx], nil
}

// Price implements domain.PriceSource over the latest stored updates.
func (o *PushOracle) Price(_ context.Context, asset string) (domain.Amount, time.Time, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	u, ok := o.latest[asset]
	if !ok {
		return domain.Zero, time.Time{}, domain.Errorf(domain.ErrPriceUnavailable, "oracle: no %s price", asset)
	}
	return u.Price, u.PublishTime, nil
}
