// Package scheduler runs refresh cycles on a fixed interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/cforg/internal/metrics"
)

// ErrBusy is returned by Trigger while a cycle is running.
var ErrBusy = errors.New("refresh cycle already running")

// Runner runs one refresh cycle. *pipeline.Pipeline implements it.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler drives a Runner. Cycles never overlap: a tick or trigger that
// arrives mid-cycle is dropped.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	cycle sync.Mutex
	wg    sync.WaitGroup

	mu   sync.Mutex
	base context.Context
}

// New creates a Scheduler. A zero interval means 12h.
func New(runner Runner, interval time.Duration, runOnStart bool, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		metrics:    m,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		base:       context.Background(),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled and any
// in-flight cycle has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	defer s.wg.Wait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.logger.Info().Msg("initial refresh")
		s.tryRun(ctx, "start")
	}

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler running")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tryRun(ctx, "tick")
		}
	}
}

// Trigger starts a cycle in the background and returns immediately. It
// returns ErrBusy if a cycle is already running. The cycle is bound to the
// scheduler's lifetime, not to ctx.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.cycle.TryLock() {
		s.metrics.ObserveCycle(metrics.OutcomeSkipped, 0)
		return ErrBusy
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		base = context.WithoutCancel(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.cycle.Unlock()
		s.run(base, "manual")
	}()
	return nil
}

// Wait blocks until any triggered cycle has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) tryRun(ctx context.Context, reason string) {
	if !s.cycle.TryLock() {
		s.metrics.ObserveCycle(metrics.OutcomeSkipped, 0)
		s.logger.Warn().Str("reason", reason).Msg("previous cycle still running, skipping")
		return
	}
	defer s.cycle.Unlock()
	s.run(ctx, reason)
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	s.logger.Debug().Str("reason", reason).Msg("refresh starting")
	if err := s.runner.RunCycle(ctx); err != nil {
		// The pipeline already logged and recorded the failure.
		s.logger.Debug().Err(err).Str("reason", reason).Msg("refresh did not commit")
	}
}
