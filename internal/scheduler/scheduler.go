// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs the rule-repository refresh on a fixed
// interval, independent of the consumer loop, so hot-reload keeps
// working even under message-bus silence.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Refresher is the operation invoked on every tick. Implemented by
// *ruleset.Repository's ReloadIfNeeded.
type Refresher interface {
	ReloadIfNeeded(ctx context.Context) error
}

// Scheduler periodically invokes a Refresher. It is safe to Start once
// and Stop once; Stop cancels the background goroutine and waits for it
// to exit before returning, so a shutdown signal can rely on Stop
// completing before process exit.
type Scheduler struct {
	interval  time.Duration
	refresher Refresher
	logger    *slog.Logger
	runOnce   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunOnceAtStartup makes the first refresh happen immediately on
// Start, rather than waiting for the first tick.
func WithRunOnceAtStartup() Option {
	return func(s *Scheduler) { s.runOnce = true }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New builds a Scheduler that calls refresher.ReloadIfNeeded every
// interval.
func New(interval time.Duration, refresher Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval:  interval,
		refresher: refresher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the background refresh goroutine. It returns
// immediately; callers wanting to block until shutdown should call
// Stop, which cancels the context passed here and waits for the
// goroutine to exit.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnce {
		s.refresh(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	if err := s.refresher.ReloadIfNeeded(ctx); err != nil {
		s.logger.Error("rule repository refresh failed", "error", err)
	}
}
