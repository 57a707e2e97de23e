// Package notify forwards selected engine events to operator channels such
// as Telegram and Discord.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every sender. Event notifications are
// filtered by type; an empty filter passes everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier forwarding the listed event types.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of type t are forwarded.
func (n *Notifier) Wants(t domain.EventType) bool {
	return len(n.senders) > 0 && (len(n.events) == 0 || n.events[t])
}

// NotifyEvent formats ev and sends it when its type is wanted.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Wants(ev.Type) {
		return nil
	}
	return n.dispatch(ctx, eventTitle(ev), eventBody(ev))
}

// NotifyAll sends to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender and joins their failures.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func eventTitle(ev domain.Event) string {
	return strings.ReplaceAll(string(ev.Type), "_", " ") + " " + ev.Key
}

// eventBody renders the top-level scalar fields of the payload as sorted
// "key: value" lines.
func eventBody(ev domain.Event) string {
	var fields map[string]any
	if err := json.Unmarshal(ev.Data, &fields); err != nil || len(fields) == 0 {
		return ev.At.UTC().Format("2006-01-02 15:04:05Z")
	}
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case map[string]any, []any, nil:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, fields[k])
	}
	b.WriteString(ev.At.UTC().Format("2006-01-02 15:04:05Z"))
	return b.String()
}
