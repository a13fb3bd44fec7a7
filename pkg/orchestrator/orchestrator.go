// Package orchestrator is the thin façade over the pipeline engine: it
// resolves the command, creates or resumes the session, wires event
// persistence, and brackets the run with pipeline start/complete events.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/pipeline"
	"github.com/devflow-ai/devflow/pkg/session"
)

// RunOptions modifies one invocation.
type RunOptions struct {
	// Resume continues the non-terminal session identified by SessionID
	// instead of creating a new one.
	Resume    bool
	SessionID string

	// Model overrides the command's declared model.
	Model string
}

// Orchestrator composes the engine's subsystems for command invocations.
type Orchestrator struct {
	commands   *command.Registry
	defaults   *config.Defaults
	store      session.Store
	bus        *events.Bus
	dispatcher *llm.Dispatcher
	scheduler  *pipeline.Scheduler

	persistToken events.Token
}

// New wires an orchestrator and attaches the event-persistence subscriber:
// every published event is appended to the session store.
func New(
	commands *command.Registry,
	defaults *config.Defaults,
	store session.Store,
	bus *events.Bus,
	dispatcher *llm.Dispatcher,
	scheduler *pipeline.Scheduler,
) *Orchestrator {
	o := &Orchestrator{
		commands:   commands,
		defaults:   defaults,
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		scheduler:  scheduler,
	}
	o.persistToken = bus.SubscribeAll(o.persistEvent)
	return o
}

// Close detaches the persistence subscriber.
func (o *Orchestrator) Close() {
	o.bus.Unsubscribe(o.persistToken)
}

// persistEvent appends every published event to its session's log.
// Best-effort: persistence failures are logged, never propagated into the
// pipeline (the bus swallows publisher-side errors by design).
func (o *Orchestrator) persistEvent(ev events.Event) {
	sessionID := ev.EventMeta().SessionID
	if sessionID == "" {
		return
	}
	if err := o.store.Append(context.Background(), sessionID, ev); err != nil {
		slog.Error("Failed to persist pipeline event",
			"session_id", sessionID, "kind", ev.EventKind(), "error", err)
	}
}

// Run executes a command synchronously: prepare then execute.
func (o *Orchestrator) Run(ctx context.Context, commandName string, args map[string]string, opts RunOptions) (*pipeline.RunResult, error) {
	cmd, sess, err := o.Prepare(ctx, commandName, args, opts)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, cmd, sess, args, opts)
}

// Prepare resolves the command and creates or resumes the session.
func (o *Orchestrator) Prepare(ctx context.Context, commandName string, args map[string]string, opts RunOptions) (*command.Command, *session.Session, error) {
	cmd, err := o.commands.Get(commandName)
	if err != nil {
		return nil, nil, err
	}

	if opts.Resume {
		sess, err := o.store.Get(ctx, opts.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if sess.State.Terminal() {
			return nil, nil, fmt.Errorf("%w: %s", session.ErrSessionTerminal, sess.ID)
		}
		if sess.Command != commandName {
			return nil, nil, fmt.Errorf("session %s belongs to command %q, not %q",
				sess.ID, sess.Command, commandName)
		}
		return cmd, sess, nil
	}

	sess, err := o.store.Create(ctx, commandName, args)
	if err != nil {
		return nil, nil, err
	}
	return cmd, sess, nil
}

// Execute drives a prepared session to completion.
func (o *Orchestrator) Execute(ctx context.Context, cmd *command.Command, sess *session.Session, args map[string]string, opts RunOptions) (*pipeline.RunResult, error) {
	logger := slog.With("session_id", sess.ID, "command", cmd.Name)
	start := time.Now()

	model := opts.Model
	if model == "" {
		model = cmd.Model
	}
	if model == "" {
		model = o.defaults.Model
	}
	if err := o.dispatcher.InitSession(sess.ID, model); err != nil {
		return nil, err
	}
	defer o.dispatcher.ReleaseSession(sess.ID)

	isResumed := len(sess.Events) > 0
	o.bus.Publish(&events.PipelineStart{
		Meta:      events.Meta{Timestamp: time.Now(), SessionID: sess.ID},
		Command:   cmd.Name,
		Args:      args,
		IsResumed: isResumed,
	})
	logger.Info("Pipeline started", "is_resumed", isResumed, "model", model)

	result, err := o.scheduler.Run(ctx, cmd, sess, args)
	if err != nil {
		o.bus.Publish(&events.PipelineError{
			Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID},
			Reason:  events.ReasonInternal,
			Message: err.Error(),
		})
		return nil, err
	}

	if result.Outcome == pipeline.OutcomeCancelled {
		o.bus.Publish(&events.PipelineError{
			Meta:   events.Meta{Timestamp: time.Now(), SessionID: sess.ID},
			Reason: events.ReasonCancelled,
		})
		logger.Info("Pipeline cancelled")
		return result, nil
	}

	tokens := o.sessionTokens(sess.ID)
	o.bus.Publish(&events.PipelineComplete{
		Meta:         events.Meta{Timestamp: time.Now(), SessionID: sess.ID},
		Outcome:      string(result.Outcome),
		FailedStages: result.FailedStages,
		PromptTokens: tokens.PromptTokens,
		OutputTokens: tokens.OutputTokens,
		DurationMS:   time.Since(start).Milliseconds(),
	})
	logger.Info("Pipeline completed",
		"outcome", result.Outcome,
		"failed_stages", len(result.FailedStages),
		"duration", time.Since(start))

	return result, nil
}

// sessionTokens reads the cumulative token counters from the store rollup.
// Best-effort: a read failure reports zero counters rather than failing the
// run at its very last step.
func (o *Orchestrator) sessionTokens(sessionID string) session.TokenUsage {
	sess, err := o.store.Get(context.Background(), sessionID)
	if err != nil {
		slog.Warn("Failed to read session token counters", "session_id", sessionID, "error", err)
		return session.TokenUsage{}
	}
	return sess.Tokens
}

// ExitCode maps a run outcome to the contracted CLI exit code.
func ExitCode(outcome pipeline.Outcome) int {
	switch outcome {
	case pipeline.OutcomeSuccess:
		return 0
	case pipeline.OutcomePartial:
		return 1
	case pipeline.OutcomeFailure:
		return 2
	case pipeline.OutcomeCancelled:
		return 130
	default:
		return 2
	}
}
