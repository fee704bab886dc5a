// Package scheduler runs the probe engine on a cooperative, sleep-based
// loop: never two iterations concurrently, never a ticker letting backlog
// queue. Explicit start/elapsed/sleep bookkeeping replaces a ticker, whose
// implicit catch-up behavior would let slow iterations pile up.
// probe.Engine.RunOnce recovers its own panics and reports them via
// Result.Panicked — the scheduler's recover here is a backstop for a panic
// outside RunOnce, not the primary recovery path.
package scheduler

import (
	"context"
	"time"

	"github.com/nbari/dbpulse/internal/logger"
	"github.com/nbari/dbpulse/internal/metrics"
	"github.com/nbari/dbpulse/internal/probe"
)

// Runner is the subset of probe.Engine the scheduler depends on.
type Runner interface {
	RunOnce(ctx context.Context) probe.Result
}

// Scheduler drives Runner.RunOnce at a fixed interval, never overlapping.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	metrics  *metrics.Registry
}

// New constructs a Scheduler. interval must be positive.
func New(runner Runner, interval time.Duration, reg *metrics.Registry) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, metrics: reg}
}

// Run blocks until ctx is canceled, executing one iteration per interval.
// A panicked iteration is always followed by a full-interval sleep to
// prevent panic loops.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.Get("scheduler")
	for {
		started := time.Now()
		panicked := s.runOnceGuarded(ctx)
		elapsed := time.Since(started)

		if panicked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		} else {
			remaining := s.interval - elapsed
			if remaining > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(remaining):
				}
			} else {
				log.Warn("iteration exceeded interval, running back-to-back", "elapsed", elapsed, "interval", s.interval)
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// runOnceGuarded calls RunOnce, returning true iff the iteration panicked.
// RunOnce itself recovers panics raised inside the probe sequence and
// reports them via Result.Panicked (see probe.Engine.RunOnce); the
// recover() here only catches a panic RunOnce didn't — a bug in a Runner
// implementation's own bookkeeping around that call, not in the sequence it
// guards.
func (s *Scheduler) runOnceGuarded(ctx context.Context) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.metrics.PanicsRecoveredTotal.Inc()
			logger.Get("scheduler").Error("recovered panic outside iteration engine", "panic", r)
		}
	}()
	result := s.runner.RunOnce(ctx)
	return result.Panicked
}
