// Package projector keeps the Postgres read model in step with the engine by
// consuming the durable event stream.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/events"
)

// Stores groups the read-model stores the projector writes to. Nil stores
// are skipped.
type Stores struct {
	Markets domain.MarketStore
	Trades  domain.TradeStore
	Rounds  domain.RoundStore
	Speed   domain.SpeedMarketStore
	Risk    domain.RiskChangeStore
}

// Projector replays the event stream into the read model. Every write is an
// upsert or conflict-ignoring insert, so entries seen twice after a restart
// leave the same rows.
type Projector struct {
	bus      domain.SignalBus
	stores   Stores
	batch    int
	interval time.Duration
	cursor   string
	logger   *slog.Logger
}

// New creates a Projector reading events.Stream from the beginning.
func New(bus domain.SignalBus, stores Stores, batch int, interval time.Duration, logger *slog.Logger) *Projector {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Projector{
		bus:      bus,
		stores:   stores,
		batch:    batch,
		interval: interval,
		cursor:   "0-0",
		logger:   logger.With(slog.String("component", "projector")),
	}
}

// Cursor returns the id of the last applied stream entry.
func (p *Projector) Cursor() string { return p.cursor }

// Run polls the stream until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "projector: starting", slog.String("cursor", p.cursor))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := p.Drain(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.ErrorContext(ctx, "projector: drain failed", slog.String("error", err.Error()))
				break
			}
			if n < p.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "projector: stopped", slog.String("cursor", p.cursor))
			return nil
		case <-ticker.C:
		}
	}
}

// Drain applies one batch of stream entries and returns how many were read.
// The cursor advances past an entry only once it is applied; malformed
// entries are logged and skipped.
func (p *Projector) Drain(ctx context.Context) (int, error) {
	msgs, err := p.bus.StreamRead(ctx, events.Stream, p.cursor, p.batch)
	if err != nil {
		return 0, fmt.Errorf("projector: read stream: %w", err)
	}
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			p.logger.WarnContext(ctx, "projector: skip malformed entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			p.cursor = m.ID
			continue
		}
		if err := p.Apply(ctx, ev); err != nil {
			if errors.Is(err, errSkip) {
				p.logger.WarnContext(ctx, "projector: skip event",
					slog.String("id", m.ID),
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
				p.cursor = m.ID
				continue
			}
			return 0, fmt.Errorf("projector: apply %s %s: %w", ev.Type, m.ID, err)
		}
		p.cursor = m.ID
	}
	return len(msgs), nil
}

var errSkip = errors.New("projector: undecodable payload")

func decode[T any](ev domain.Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errSkip, err)
	}
	return v, nil
}

// Apply writes a single event to the read model. Event types without a
// projection are ignored.
func (p *Projector) Apply(ctx context.Context, ev domain.Event) error {
	s := p.stores
	switch ev.Type {
	case domain.EventMarketCreated, domain.EventMarketResolved:
		if s.Markets == nil {
			return nil
		}
		mk, err := decode[domain.Market](ev)
		if err != nil {
			return err
		}
		if ev.Type == domain.EventMarketResolved {
			// Keep the supply already projected from trades.
			if cur, err := s.Markets.GetByID(ctx, mk.ID); err == nil {
				mk.Supply = cur.Supply
			}
		}
		return s.Markets.Upsert(ctx, mk)

	case domain.EventTradeExecuted:
		te, err := decode[domain.TradeExecuted](ev)
		if err != nil {
			return err
		}
		if s.Trades != nil {
			if err := s.Trades.Insert(ctx, te.Trade); err != nil {
				return err
			}
		}
		return p.setSupply(ctx, te.MarketID, te.Supply)

	case domain.EventExercised:
		ex, err := decode[domain.Exercised](ev)
		if err != nil {
			return err
		}
		return p.setSupply(ctx, ex.MarketID, ex.Supply)

	case domain.EventPoolStarted:
		if s.Rounds == nil {
			return nil
		}
		r, err := decode[domain.Round](ev)
		if err != nil {
			return err
		}
		return s.Rounds.UpsertRound(ctx, r)

	case domain.EventRoundClosed:
		if s.Rounds == nil {
			return nil
		}
		rc, err := decode[domain.RoundClosed](ev)
		if err != nil {
			return err
		}
		if err := s.Rounds.InsertResult(ctx, rc.RoundResult); err != nil {
			return err
		}
		if err := s.Rounds.UpsertRound(ctx, rc.Closed); err != nil {
			return err
		}
		return s.Rounds.UpsertRound(ctx, rc.Next)

	case domain.EventSpeedMarketCreated, domain.EventSpeedMarketResolved:
		if s.Speed == nil {
			return nil
		}
		m, err := decode[domain.SpeedMarket](ev)
		if err != nil {
			return err
		}
		return s.Speed.Upsert(ctx, m)

	case domain.EventRiskChanged:
		if s.Risk == nil {
			return nil
		}
		c, err := decode[domain.RiskChange](ev)
		if err != nil {
			return err
		}
		return s.Risk.Append(ctx, c)
	}
	return nil
}

func (p *Projector) setSupply(ctx context.Context, id common.Hash, supply [2]domain.Amount) error {
	if p.stores.Markets == nil {
		return nil
	}
	mk, err := p.stores.Markets.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		p.logger.WarnContext(ctx, "projector: supply for unknown market", slog.String("market", id.Hex()))
		return nil
	}
	if err != nil {
		return err
	}
	mk.Supply = supply
	return p.stores.Markets.Upsert(ctx, mk)
}
