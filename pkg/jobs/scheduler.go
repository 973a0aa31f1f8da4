// Package jobs runs the periodic state cleanup and token refresh.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"go.uber.org/zap"
)

const (
	DefaultCleanupSchedule = "@every 10m"
	DefaultRefreshSchedule = "@every 1h"

	// DefaultJobTimeout bounds one run and is also the lock TTL
	DefaultJobTimeout = 10 * time.Minute
)

const (
	cleanupJob = "cleanup-states"
	refreshJob = "refresh-tokens"
)

type StateCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type TokenRefresher interface {
	RefreshAllExpired(ctx context.Context) (int, error)
}

// Locker guards a job against running on several replicas at once
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Scheduler manages background jobs
type Scheduler struct {
	cron            *cron.Cron
	states          StateCleaner
	tokens          TokenRefresher
	locker          Locker
	logger          *zap.Logger
	cleanupSchedule string
	refreshSchedule string
	timeout         time.Duration
}

type Option func(*Scheduler)

// WithLocker enables distributed locking; without it every replica runs every job
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(l) }
}

// WithSchedules overrides the cron expressions; empty values keep the defaults
func WithSchedules(cleanup, refresh string) Option {
	return func(s *Scheduler) {
		if cleanup != "" {
			s.cleanupSchedule = cleanup
		}
		if refresh != "" {
			s.refreshSchedule = refresh
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler creates a new job scheduler
func NewScheduler(states StateCleaner, tokens TokenRefresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:            cron.New(),
		states:          states,
		tokens:          tokens,
		logger:          zap.NewNop(),
		cleanupSchedule: DefaultCleanupSchedule,
		refreshSchedule: DefaultRefreshSchedule,
		timeout:         DefaultJobTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers both jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cleanupSchedule, func() { s.run(cleanupJob, s.RunCleanup) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cleanupSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.refreshSchedule, func() { s.run(refreshJob, s.RunRefresh) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.refreshSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("job scheduler started",
		zap.String("cleanup_schedule", s.cleanupSchedule),
		zap.String("refresh_schedule", s.refreshSchedule),
	)
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
}

// RunCleanup deletes expired authorization states once
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	n, err := s.states.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("state cleanup finished", zap.Int64("deleted", n))
	return nil
}

// RunRefresh refreshes every expired token once
func (s *Scheduler) RunRefresh(ctx context.Context) error {
	_, err := s.tokens.RefreshAllExpired(ctx)
	return err
}

// run executes fn under the job lock. Errors are logged; a failing job never
// stops the scheduler.
func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.RunLocked(ctx, name, fn); err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
	}
}

// RunLocked runs fn if the named lock can be taken. Without a locker fn always runs.
func (s *Scheduler) RunLocked(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	ok, err := s.locker.Acquire(ctx, name, s.timeout)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("job skipped, lock held elsewhere", zap.String("job", name))
		return nil
	}
	defer func() {
		// The job context may be spent; release with a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, name); err != nil {
			s.logger.Warn("failed to release job lock", zap.String("job", name), zap.Error(err))
		}
	}()

	return fn(ctx)
}
