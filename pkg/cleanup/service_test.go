package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devflow-ai/devflow/pkg/config"
)

// countingRunner records invocations.
type countingRunner struct {
	mu    sync.Mutex
	name  string
	runs  int
	fail  bool
}

func (r *countingRunner) Name() string { return r.name }

func (r *countingRunner) RunRetention(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.fail {
		return errors.New("retention backend down")
	}
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func testConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		SessionRetentionDays: 30,
		CleanupInterval:      20 * time.Millisecond,
	}
}

func TestScheduler_RunsImmediatelyThenOnTicks(t *testing.T) {
	runner := &countingRunner{name: "sessions"}
	s := NewScheduler(testConfig(), runner)

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runner.count() >= 2 },
		time.Second, 5*time.Millisecond,
		"first pass immediate, second on the tick")
}

func TestScheduler_RunnerFailureDoesNotStopOthers(t *testing.T) {
	failing := &countingRunner{name: "broken", fail: true}
	healthy := &countingRunner{name: "sessions"}
	s := NewScheduler(testConfig(), failing, healthy)

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return healthy.count() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestScheduler_StopWaitsAndAllowsRestart(t *testing.T) {
	runner := &countingRunner{name: "sessions"}
	s := NewScheduler(testConfig(), runner)

	s.Start(context.Background())
	s.Stop()
	after := runner.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runner.count(), "no runs after Stop")

	// Start works again after Stop.
	s.Start(context.Background())
	defer s.Stop()
	assert.Eventually(t, func() bool { return runner.count() > after },
		time.Second, 5*time.Millisecond)
}

func TestScheduler_DoubleStartIsNoOp(t *testing.T) {
	runner := &countingRunner{name: "sessions"}
	s := NewScheduler(testConfig(), runner)

	s.Start(context.Background())
	s.Start(context.Background()) // ignored
	s.Stop()
}
