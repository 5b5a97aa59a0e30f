// Package cron runs the journal retention purge on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/analyst/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Pruner deletes journal rows older than days. *persistence.Store implements it.
type Pruner interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

type Config struct {
	Store Pruner
	// Days of history to keep; <= 0 disables the scheduler.
	Days     int
	Schedule string
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Scheduler checks every Interval whether the retention schedule is due
// and purges when it is.
type Scheduler struct {
	store    Pruner
	days     int
	expr     string
	schedule cronlib.Schedule
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	last    persistence.RetentionResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		store:    cfg.Store,
		days:     cfg.Days,
		expr:     cfg.Schedule,
		schedule: schedule,
		logger:   logger.With("component", "retention"),
		interval: interval,
		now:      now,
	}
	s.nextRun = schedule.Next(now())
	return s, nil
}

// Enabled reports whether Start will do anything.
func (s *Scheduler) Enabled() bool {
	return s.days > 0 && s.store != nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "days", s.days, "next_run", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the purge if the next scheduled time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if due {
		_, _ = s.RunNow(ctx)
	}
}

// RunNow purges immediately, independent of the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (persistence.RetentionResult, error) {
	if !s.Enabled() {
		return persistence.RetentionResult{}, nil
	}
	res, err := s.store.RunRetention(ctx, s.days)
	if err != nil {
		s.logger.Error("retention run failed", "error", err)
		return res, err
	}
	s.mu.Lock()
	s.lastRun = s.now()
	s.last = res
	s.mu.Unlock()
	s.logger.Info("retention run complete",
		"messages", res.PurgedMessages,
		"tool_calls", res.PurgedToolCalls,
		"turns", res.PurgedTurns,
		"sessions", res.PurgedSessions,
	)
	return res, nil
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastRun returns when the purge last completed and what it removed.
func (s *Scheduler) LastRun() (time.Time, persistence.RetentionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
