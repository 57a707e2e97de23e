package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

type recorder struct {
	titles []string
	bodies []string
	err    error
}

func (r *recorder) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recorder) Name() string { return "recorder" }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyEventFilters(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier([]Sender{rec}, []string{"round_closed", " default_lp_top_up "}, discard())
	at := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	ctx := context.Background()
	require.NoError(t, n.NotifyEvent(ctx, domain.NewEvent(domain.EventTradeExecuted, "0x01", nil, at)))
	require.NoError(t, n.NotifyEvent(ctx, domain.NewEvent(domain.EventRoundClosed, "1",
		domain.RoundResult{Round: 1, Markets: 4, PnLRatio: domain.MustAmount("1.1")}, at)))

	require.Len(t, rec.titles, 1)
	assert.Equal(t, "round closed 1", rec.titles[0])
	assert.Contains(t, rec.bodies[0], "PnLRatio: 1.1\n")
	assert.Contains(t, rec.bodies[0], "Markets: 4\n")
	assert.Contains(t, rec.bodies[0], "2026-03-08 00:00:00Z")
}

func TestDispatchJoinsFailures(t *testing.T) {
	bad := &recorder{err: errors.New("down")}
	good := &recorder{}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Len(t, good.titles, 1, "a failing sender does not stop the others")
}

func TestWantsWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discard())
	assert.False(t, n.Wants(domain.EventRoundClosed))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "title", "body"))
	assert.Equal(t, "**title**\nbody", got["content"])
}

func TestTelegramSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL + "/botTOKEN"
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 403")
}
