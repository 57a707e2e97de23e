package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/crypto"
	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Relay signs prices read from a pull source with the daemon's publisher key
// and stores them in the push oracle, so speed markets resolve from history
// when no external publisher is running. Updates keep the source timestamp;
// a price already relayed is not signed again.
type Relay struct {
	source domain.PriceSource
	signer *crypto.Signer
	push   *PushOracle
	payer  common.Address
	assets []string
	logger *slog.Logger
}

// NewRelay creates a Relay. payer is charged the update fee; using the fee
// account makes relaying free.
func NewRelay(source domain.PriceSource, signer *crypto.Signer, push *PushOracle, payer common.Address, assets []string, logger *slog.Logger) *Relay {
	return &Relay{
		source: source,
		signer: signer,
		push:   push,
		payer:  payer,
		assets: assets,
		logger: logger.With(slog.String("component", "relay")),
	}
}

// Publish relays every asset with a newer source price and returns how many
// updates were stored.
func (r *Relay) Publish(ctx context.Context) (int, error) {
	var updates []domain.PriceUpdate
	for _, asset := range r.assets {
		price, ts, err := r.source.Price(ctx, asset)
		if err != nil {
			r.logger.DebugContext(ctx, "relay: no source price",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, last, err := r.push.Price(ctx, asset); err == nil && !ts.After(last) {
			continue
		}
		u, err := r.signer.SignUpdate(domain.PriceUpdate{Asset: asset, Price: price, PublishTime: ts})
		if err != nil {
			return 0, fmt.Errorf("relay: sign %s: %w", asset, err)
		}
		updates = append(updates, u)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := r.push.UpdatePriceFeeds(ctx, r.payer, updates); err != nil {
		return 0, fmt.Errorf("relay: push updates: %w", err)
	}
	r.logger.DebugContext(ctx, "relay: prices published", slog.Int("count", len(updates)))
	return len(updates), nil
}
