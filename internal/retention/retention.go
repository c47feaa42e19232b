// Package retention periodically removes old decided approvals from the
// durable store. Pending approvals are never removed, and the in-memory
// registry is not touched: a running process keeps serving what it has.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/signoff/internal/config"
)

// Deleter is the slice of the durable store the sweeper needs.
type Deleter interface {
	DeleteDecided(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper runs DeleteDecided on a cron schedule.
type Sweeper struct {
	store    Deleter
	schedule cron.Schedule
	expr     string
	maxAge   time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Sweeper from config. The schedule is a standard 5-field cron expression.
func New(store Deleter, cfg *config.RetentionConfig, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	expr := cfg.CronSchedule()
	sched, err := newParser().Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		store:    store,
		schedule: sched,
		expr:     expr,
		maxAge:   cfg.MaxAge(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention sweeper started",
			slog.String("schedule", s.expr),
			slog.String("max_age", s.maxAge.String()),
		)

		for {
			next := s.NextRun(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention sweeper stopped")
				return
			case <-timer.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// NextRun returns the next scheduled sweep after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Sweep deletes decided approvals older than the configured age once.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	start := s.now()
	n, err := s.store.DeleteDecided(ctx, s.maxAge)
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(s.now().Sub(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.Runs.WithLabelValues("error").Inc()
		}
		s.logger.ErrorContext(ctx, "retention sweep failed", slog.String("error", err.Error()))
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues("ok").Inc()
		s.metrics.Deleted.Add(float64(n))
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "retention sweep removed decided approvals",
			slog.Int64("count", n),
			slog.String("max_age", s.maxAge.String()),
		)
	}
	return n, nil
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
