// Package ratelimit bounds how many worker calls the controller makes per
// time window.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Window is the persisted limiter state. It lives in the Iteration State so
// that a restarted controller honours calls made before the restart.
type Window struct {
	Start time.Time
	Count int
}

// Decision describes one Acquire call.
type Decision struct {
	// Waited is how long the call slept (or, in dry-run, would have slept).
	Waited      time.Duration
	WindowStart time.Time
	Count       int
}

// Config configures a Limiter.
type Config struct {
	Capacity int
	Window   time.Duration
	DryRun   bool
}

// Limiter is a fixed-capacity limiter over a rolling window.
type Limiter struct {
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. Zero values default to 20 calls per hour.
func New(cfg Config, log zerolog.Logger) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Limiter{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Acquire reserves one call in w. When the window is full it sleeps until
// the window rolls over; in dry-run mode the wait is computed but skipped.
// persist is called with the updated window before Acquire returns, and a
// persist error is returned as-is.
func (l *Limiter) Acquire(ctx context.Context, w *Window, persist func(Window) error) (Decision, error) {
	now := l.now()
	var d Decision

	if w.Start.IsZero() || now.Sub(w.Start) >= l.cfg.Window || now.Before(w.Start) {
		w.Start = now
		w.Count = 0
	}

	if w.Count >= l.cfg.Capacity {
		d.Waited = w.Start.Add(l.cfg.Window).Sub(now)
		l.log.Warn().
			Int("count", w.Count).
			Int("capacity", l.cfg.Capacity).
			Dur("wait", d.Waited).
			Bool("dry_run", l.cfg.DryRun).
			Msg("rate limit reached, waiting for window rollover")

		if !l.cfg.DryRun {
			if err := l.sleep(ctx, d.Waited); err != nil {
				return d, err
			}
			now = l.now()
		} else {
			now = w.Start.Add(l.cfg.Window)
		}
		w.Start = now
		w.Count = 0
	}

	w.Count++
	d.WindowStart = w.Start
	d.Count = w.Count

	if persist != nil {
		if err := persist(*w); err != nil {
			return d, err
		}
	}
	return d, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
