// Package scheduler runs the auto-resolution sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"afternote/internal/engine"
)

// Resolver is the sweep entry point driven by the scheduler.
type Resolver interface {
	SweepResolve(ctx context.Context, now time.Time) (engine.SweepResult, error)
}

type Options struct {
	Logger  *slog.Logger
	Timeout time.Duration
	Now     func() time.Time
}

// Sweeper triggers Resolver on spec, a standard five-field cron expression
// evaluated in UTC. Overlapping runs are skipped.
type Sweeper struct {
	resolver Resolver
	cron     *cron.Cron
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

func New(resolver Resolver, spec string, opts Options) (*Sweeper, error) {
	if resolver == nil {
		return nil, errors.New("scheduler: nil resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Sweeper{resolver: resolver, cron: c, logger: logger, timeout: timeout, now: now}
	if _, err := c.AddFunc(spec, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweep scheduler started", slog.Any("next", s.Next()))
}

// Stop halts scheduling and waits for a running sweep, or until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled fire time, or zero if none.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce runs a sweep immediately with the scheduler's timeout.
func (s *Sweeper) RunOnce(ctx context.Context) (engine.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.resolver.SweepResolve(ctx, s.now().UTC())
	s.mu.Lock()
	s.lastRun, s.lastErr = s.now(), err
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("sweep run failed", slog.Int("resolved", len(res.Resolved)), slog.Any("error", err))
	}
	return res, err
}

// LastRun reports when the last sweep ran and how it ended.
func (s *Sweeper) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
