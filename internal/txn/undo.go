// Package txn sequences the external steps of an operation whose internal
// state is already committed, so a failure part way can be compensated.
package txn

import (
	"context"
	"log/slog"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Undo is a stack of compensating actions. The zero value is ready to use.
type Undo struct {
	steps []step
}

// Push records the action that reverses a completed step.
func (u *Undo) Push(name string, fn func(context.Context) error) {
	u.steps = append(u.steps, step{name: name, fn: fn})
}

// Len reports how many steps are recorded.
func (u *Undo) Len() int { return len(u.steps) }

// Rollback runs the recorded actions newest first. It ignores cancellation of
// ctx and keeps going after a failed action; failures are logged and the
// first one is returned.
func (u *Undo) Rollback(ctx context.Context, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	var first error
	for i := len(u.steps) - 1; i >= 0; i-- {
		s := u.steps[i]
		if err := s.fn(ctx); err != nil {
			logger.ErrorContext(ctx, "txn: rollback step failed",
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
			if first == nil {
				first = err
			}
		}
	}
	u.steps = nil
	return first
}
