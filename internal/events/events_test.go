package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

type auditLog struct {
	events  []string
	entries []domain.AuditEntry
	err     error
}

func (a *auditLog) Log(_ context.Context, e domain.AuditEntry) error {
	a.events = append(a.events, e.Event)
	a.entries = append(a.entries, e)
	return a.err
}

func (a *auditLog) List(context.Context, domain.AuditFilter, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type notifier struct{ got []domain.EventType }

func (n *notifier) NotifyEvent(_ context.Context, ev domain.Event) error {
	n.got = append(n.got, ev.Type)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublisherFansOut(t *testing.T) {
	bus := NewMemoryBus(0)
	audit := &auditLog{}
	notes := &notifier{}
	p := NewPublisher(bus, audit, notes, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live, err := bus.Subscribe(ctx, "amm:*")
	require.NoError(t, err)

	ev := domain.NewEvent(domain.EventDeposit, "0xa11ce", domain.Deposit{Round: 2, Amount: domain.NewAmount(100), At: at}, at)
	p.Emit(ctx, ev)

	select {
	case payload := <-live:
		var got domain.Event
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, domain.EventDeposit, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no live message")
	}

	msgs, err := bus.StreamRead(ctx, Stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Equal(t, []string{"deposit"}, audit.events)
	assert.NotEmpty(t, audit.entries[0].EventID)
	data := audit.entries[0].Detail["data"].(map[string]any)
	assert.Equal(t, "100", data["Amount"])
	assert.Equal(t, []domain.EventType{domain.EventDeposit}, notes.got)
}

func TestPublisherSurvivesFailingSinks(t *testing.T) {
	audit := &auditLog{err: errors.New("db down")}
	notes := &notifier{}
	p := NewPublisher(nil, audit, notes, discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Emit(ctx, domain.NewEvent(domain.EventRoundClosed, "1", nil, at))

	assert.Len(t, audit.events, 1)
	assert.Len(t, notes.got, 1, "later sinks still run, even on a cancelled context")
}

func TestMemoryBusStreamCursor(t *testing.T) {
	bus := NewMemoryBus(3)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, Stream, []byte(s)))
	}

	msgs, err := bus.StreamRead(ctx, Stream, "0", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "trimmed to max length")
	assert.Equal(t, "b", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, Stream, msgs[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	_, err = bus.StreamRead(ctx, Stream, "x-0", 1)
	assert.Error(t, err)
}

func TestMemoryBusUnsubscribesOnCancel(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "amm:deposit")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "amm:other", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "amm:deposit", []byte("y")))
	assert.Equal(t, "y", string(<-ch))

	cancel()
	for range ch {
	}
	require.NoError(t, bus.Publish(context.Background(), "amm:deposit", []byte("z")))
}

func TestMulti(t *testing.T) {
	a, b := &recordSink{}, &recordSink{}
	Multi{a, b}.Emit(context.Background(), domain.NewEvent(domain.EventExercised, "k", nil, at))
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

type recordSink struct{ n int }

func (r *recordSink) Emit(context.Context, domain.Event) { r.n++ }
