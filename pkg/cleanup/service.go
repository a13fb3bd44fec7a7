// Package cleanup provides the timer-driven retention hook: a scheduler
// that periodically invokes externally-supplied retention runners.
//
// The retention implementations themselves (what to delete, where) live
// outside the engine; only the cadence and the hook contract are here.
// All runner invocations are expected to be idempotent.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/devflow-ai/devflow/pkg/config"
)

// RetentionRunner is the hook invoked on each cleanup tick.
type RetentionRunner interface {
	// Name identifies the runner in logs.
	Name() string

	// RunRetention performs one retention pass. Errors are logged and do
	// not stop the scheduler.
	RunRetention(ctx context.Context) error
}

// Scheduler periodically invokes the registered retention runners.
type Scheduler struct {
	config  *config.RetentionConfig
	runners []RetentionRunner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a cleanup scheduler over the given runners.
func NewScheduler(cfg *config.RetentionConfig, runners ...RetentionRunner) *Scheduler {
	return &Scheduler{
		config:  cfg,
		runners: runners,
	}
}

// Start launches the background cleanup loop.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup scheduler started",
		"runners", len(s.runners),
		"interval", s.config.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	slog.Info("Cleanup scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	for _, runner := range s.runners {
		start := time.Now()
		if err := runner.RunRetention(ctx); err != nil {
			slog.Error("Retention runner failed",
				"runner", runner.Name(), "error", err)
			continue
		}
		slog.Debug("Retention runner finished",
			"runner", runner.Name(), "duration", time.Since(start))
	}
}
