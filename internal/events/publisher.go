// Package events publishes committed engine events to the signal bus, the
// audit log and operator notifications.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Stream is the durable stream every event is appended to.
const Stream = "amm:events"

// ChannelPrefix prefixes the per-type live channels.
const ChannelPrefix = "amm:"

// Channel returns the live channel for events of type t.
func Channel(t domain.EventType) string {
	return ChannelPrefix + string(t)
}

// Notifier is the operator notification boundary.
type Notifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Publisher implements domain.EventSink. Every sink is optional; a failing
// sink is logged and does not affect the others.
type Publisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

var _ domain.EventSink = (*Publisher)(nil)

// NewPublisher creates a Publisher. Any of bus, audit and notifier may be nil.
func NewPublisher(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		timeout:  5 * time.Second,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Emit fans ev out. The operation that produced ev has already committed, so
// cancellation of ctx does not stop publishing.
func (p *Publisher) Emit(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		p.fail(ctx, ev, "encode", err)
		return
	}
	if p.bus != nil {
		if err := p.bus.StreamAppend(ctx, Stream, payload); err != nil {
			p.fail(ctx, ev, "stream", err)
		}
		if err := p.bus.Publish(ctx, Channel(ev.Type), payload); err != nil {
			p.fail(ctx, ev, "publish", err)
		}
	}
	if p.audit != nil {
		detail := map[string]any{"at": ev.At}
		var data any
		if json.Unmarshal(ev.Data, &data) == nil {
			detail["data"] = data
		}
		entry := domain.AuditEntry{EventID: ev.ID, Event: string(ev.Type), Key: ev.Key, Detail: detail}
		if err := p.audit.Log(ctx, entry); err != nil {
			p.fail(ctx, ev, "audit", err)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.NotifyEvent(ctx, ev); err != nil {
			p.fail(ctx, ev, "notify", err)
		}
	}
	p.logger.DebugContext(ctx, "events: published",
		slog.String("type", string(ev.Type)),
		slog.String("key", ev.Key),
	)
}

func (p *Publisher) fail(ctx context.Context, ev domain.Event, step string, err error) {
	p.logger.WarnContext(ctx, "events: "+step+" failed",
		slog.String("type", string(ev.Type)),
		slog.String("id", ev.ID),
		slog.String("error", err.Error()),
	)
}

// Multi emits to several sinks in order.
type Multi []domain.EventSink

// Emit forwards ev to every sink.
func (m Multi) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
