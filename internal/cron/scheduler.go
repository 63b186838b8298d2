// Package cron runs the periodic housekeeping jobs: expiring idle linking
// sessions and sweeping link codes that nobody redeemed.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

const (
	DefaultSessionSpec = "@every 30s"
	DefaultSweepSpec   = "@every 10m"
	DefaultSweepGrace  = time.Hour
)

// SessionExpirer times out idle linking sessions and notifies their users.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context) int
}

// CodeSweeper clears link codes that expired before cutoff.
type CodeSweeper interface {
	SweepExpiredLinkCodes(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the dependencies for the scheduler. Specs use robfig/cron
// syntax, including descriptors such as "@every 30s".
type Config struct {
	Sessions    SessionExpirer
	Codes       CodeSweeper
	Logger      *slog.Logger
	SessionSpec string
	SweepSpec   string
	// SweepGrace keeps recently expired codes so the linker can still
	// report them as expired rather than invalid.
	SweepGrace time.Duration
	Now        func() time.Time
}

type Scheduler struct {
	sessions SessionExpirer
	codes    CodeSweeper
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time
	c        *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the specs and registers both jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		sessions: cfg.Sessions,
		codes:    cfg.Codes,
		logger:   cfg.Logger,
		grace:    cfg.SweepGrace,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.grace <= 0 {
		s.grace = DefaultSweepGrace
	}
	if s.now == nil {
		s.now = time.Now
	}
	sessionSpec := cfg.SessionSpec
	if sessionSpec == "" {
		sessionSpec = DefaultSessionSpec
	}
	sweepSpec := cfg.SweepSpec
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSpec
	}

	logger := cronLogger{s.logger}
	s.c = cronlib.New(
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if s.sessions != nil {
		if _, err := s.c.AddFunc(sessionSpec, func() { s.ExpireSessions(s.jobContext()) }); err != nil {
			return nil, err
		}
	}
	if s.codes != nil {
		if _, err := s.c.AddFunc(sweepSpec, func() { s.SweepCodes(s.jobContext()) }); err != nil {
			return nil, err
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start runs the jobs in the background until Stop or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.c.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.c.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// ExpireSessions runs the session job once.
func (s *Scheduler) ExpireSessions(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	n := s.sessions.ExpireSessions(ctx)
	if n > 0 {
		s.logger.Info("cron: linking sessions timed out", "count", n)
	}
	return n
}

// SweepCodes runs the sweep job once.
func (s *Scheduler) SweepCodes(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}
	cutoff := s.now().Add(-s.grace)
	n, err := s.codes.SweepExpiredLinkCodes(ctx, cutoff)
	if err != nil {
		s.logger.Error("cron: link code sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("cron: expired link codes swept", "count", n, "cutoff", cutoff)
	}
	return n
}

// cronLogger adapts slog to the robfig/cron logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
