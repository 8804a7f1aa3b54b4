package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SessionPurger lets the sweeper piggyback expired-session cleanup on
// the same background pass.
type SessionPurger interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically expires vector stores (and, when wired,
// sessions). It runs on a fixed interval plus on-demand kicks from the
// probabilistic cleanup triggers on the hot path.
type Sweeper struct {
	Manager  *Manager
	Sessions SessionPurger
	Interval time.Duration
	Logger   *slog.Logger

	// ErrCh is an optional channel that receives the fatal error
	// before Run returns. It is never closed by Sweeper.
	ErrCh chan error

	kick     chan struct{}
	kickOnce sync.Once
}

// Kick requests a sweep without waiting for the next tick.
// Non-blocking; one pending kick is enough.
func (w *Sweeper) Kick() {
	select {
	case w.kickCh() <- struct{}{}:
	default:
	}
}

// RunOnce performs a single sweep pass and returns the number of
// vector store records removed.
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if w.Manager == nil {
		return 0, errors.New("manager is required")
	}
	removed, err := w.Manager.Expire(ctx)
	if err != nil {
		return removed, err
	}
	if w.Sessions != nil {
		n, err := w.Sessions.CleanupExpired(ctx)
		if err != nil {
			return removed, err
		}
		if n > 0 {
			w.logger().Debug("purged expired sessions", "count", n)
		}
	}
	return removed, nil
}

// Run sweeps until ctx is cancelled. Retryable errors are logged and
// backed off with a doubling delay; context errors are fatal, reported
// on ErrCh when provided, and end the loop.
func (w *Sweeper) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.kickCh():
		}

		_, err := w.RunOnce(ctx)
		if err == nil {
			backoff = time.Second
			continue
		}
		if !isRetryable(err) {
			w.logger().Error("sweep failed", "error", err)
			if w.ErrCh != nil {
				select {
				case w.ErrCh <- err:
				default:
				}
			}
			return err
		}
		w.logger().Warn("sweep failed, backing off", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Sweeper) kickCh() chan struct{} {
	w.kickOnce.Do(func() { w.kick = make(chan struct{}, 1) })
	return w.kick
}

func (w *Sweeper) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
