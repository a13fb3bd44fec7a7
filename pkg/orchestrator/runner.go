package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/session"
)

// runRequest is one queued asynchronous invocation.
type runRequest struct {
	cmd  *command.Command
	sess *session.Session
	args map[string]string
	opts RunOptions
}

// Runner executes submitted commands on a bounded worker pool with a
// per-session cancel registry, so callers (the HTTP API) can submit runs
// asynchronously and cancel them by session id.
type Runner struct {
	orch  *Orchestrator
	queue chan runRequest

	workerCount int
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu     sync.RWMutex
	active map[string]context.CancelFunc // session id → cancel
}

// NewRunner creates a runner over the orchestrator.
func NewRunner(orch *Orchestrator, cfg *config.QueueConfig) *Runner {
	return &Runner{
		orch:        orch,
		queue:       make(chan runRequest, cfg.MaxConcurrentRuns),
		workerCount: cfg.WorkerCount,
		stopCh:      make(chan struct{}),
		active:      make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("Run queue started", "workers", r.workerCount)
	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.work(ctx, id)
		}(i)
	}
}

// Stop signals workers to finish their current runs and waits for them.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Run queue stopped")
}

// Submit creates the session immediately (so the caller gets its id) and
// queues the execution. Fails when the queue is full.
func (r *Runner) Submit(ctx context.Context, commandName string, args map[string]string, opts RunOptions) (string, error) {
	cmd, sess, err := r.orch.Prepare(ctx, commandName, args, opts)
	if err != nil {
		return "", err
	}

	select {
	case r.queue <- runRequest{cmd: cmd, sess: sess, args: args, opts: opts}:
		return sess.ID, nil
	default:
		return sess.ID, fmt.Errorf("run queue full (capacity %d)", cap(r.queue))
	}
}

// Cancel requests cooperative cancellation of an active run.
// Returns false when the session is not currently executing.
func (r *Runner) Cancel(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cancel, ok := r.active[sessionID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveSessions returns the ids currently executing.
func (r *Runner) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

func (r *Runner) work(ctx context.Context, workerID int) {
	logger := slog.With("worker", workerID)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case req := <-r.queue:
			r.execute(ctx, logger, req)
		}
	}
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, req runRequest) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.active[req.sess.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, req.sess.ID)
		r.mu.Unlock()
	}()

	result, err := r.orch.Execute(runCtx, req.cmd, req.sess, req.args, req.opts)
	if err != nil {
		logger.Error("Queued run failed",
			"session_id", req.sess.ID, "command", req.cmd.Name, "error", err)
		return
	}
	logger.Info("Queued run finished",
		"session_id", req.sess.ID, "command", req.cmd.Name, "outcome", result.Outcome)
}
