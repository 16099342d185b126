package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Coalesce accumulates callers targeting the same logical batch key for the
// configured window and then executes one grouped operation, propagating the
// shared result or failure to every accumulated caller. The first caller's
// operation runs for the whole group. This path is a debounce-and-fan-out,
// distinct from the priority queue: grouped work executes directly and does
// not consume admission slots.
func (l *Limiter[T]) Coalesce(ctx context.Context, key string, op Operation[T]) *Future[T] {
	l.coalesceMu.Lock()
	if existing, ok := l.groups[key]; ok {
		l.coalesceMu.Unlock()
		return existing
	}
	future := newFuture[T]()
	l.groups[key] = future
	l.coalesceMu.Unlock()

	time.AfterFunc(l.cfg.CoalesceWindow, func() {
		l.coalesceMu.Lock()
		delete(l.groups, key)
		l.coalesceMu.Unlock()

		value, err := op(ctx)
		if err != nil {
			l.logger.Warn("coalesced operation failed",
				slog.String("batch_key", key), slog.Any("error", err))
			future.reject(err)
			return
		}
		future.resolve(value)
	})
	return future
}
