package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
)

// DueStore is the part of Store the Runner needs.
type DueStore interface {
	Due(now time.Time) ([]*Timer, error)
	MarkFired(id string, now time.Time) error
}

// Enqueuer accepts events produced by fired timers.
type Enqueuer interface {
	Put(ev mailbox.Event)
}

// RunnerConfig tunes the polling loop.
type RunnerConfig struct {
	CheckInterval        time.Duration
	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
}

// Runner polls the store and enqueues a timer event for each due timer.
type Runner struct {
	store  DueStore
	mb     Enqueuer
	cfg    RunnerConfig
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// NewRunner creates a runner. Zero config values take the defaults of
// 10s, 5 errors and 60s.
func NewRunner(store DueStore, mb Enqueuer, cfg RunnerConfig, logger *slog.Logger, bus *events.Bus) *Runner {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  store,
		mb:     mb,
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		now:    time.Now,
	}
}

// Run polls until ctx is done. After MaxConsecutiveErrors failed scans
// in a row it waits ErrorBackoff instead of CheckInterval.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("timer runner started", "check_interval", r.cfg.CheckInterval)

	consecutiveErrors := 0
	for {
		wait := r.cfg.CheckInterval
		if _, err := r.Tick(); err != nil {
			consecutiveErrors++
			r.logger.Error("timer scan failed",
				"error", err,
				"consecutive_errors", consecutiveErrors,
			)
			if consecutiveErrors >= r.cfg.MaxConsecutiveErrors {
				r.logger.Warn("timer runner backing off", "sleep", r.cfg.ErrorBackoff)
				wait = r.cfg.ErrorBackoff
			}
		} else {
			consecutiveErrors = 0
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.logger.Info("timer runner stopped")
			return nil
		case <-t.C:
		}
	}
}

// Tick fires every due timer once and returns how many fired. A timer
// is marked fired before its event is queued; one that cannot be marked
// is skipped until the next scan and its error is joined into the
// result.
func (r *Runner) Tick() (int, error) {
	now := r.now()
	due, err := r.store.Due(now)
	if err != nil {
		return 0, fmt.Errorf("load due timers: %w", err)
	}

	fired := 0
	var errs []error
	for _, t := range due {
		if err := r.store.MarkFired(t.ID, now); err != nil {
			r.logger.Error("mark timer fired failed, skipping",
				"timer_id", t.ID,
				"name", t.Name,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}

		ev := mailbox.NewEvent(mailbox.TypeTimer, t.Content, t.MaxToolCalls)
		ev.Metadata = map[string]any{
			"timer_id":   t.ID,
			"timer_name": t.Name,
			"timer_type": string(t.Type),
		}
		r.mb.Put(ev)
		fired++

		r.logger.Info("timer fired",
			"timer_id", t.ID,
			"name", t.Name,
			"timer_type", t.Type,
			"event_id", ev.ID,
		)
		r.bus.Emit(events.SourceTimer, events.KindTimerFired, map[string]any{
			"timer_id":   t.ID,
			"timer_name": t.Name,
			"event_id":   ev.ID,
		})
	}
	return fired, errors.Join(errs...)
}
