// Package pipeline executes a command's stage DAG: topological layering,
// parallel cohorts, retry/escalation policy, cohort failure propagation,
// cancellation and resume.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devflow-ai/devflow/pkg/agent"
	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/prompt"
	"github.com/devflow-ai/devflow/pkg/session"
)

// Outcome is the aggregate result of a run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// RunResult aggregates the run for the orchestrator and the CLI exit code.
type RunResult struct {
	Outcome       Outcome
	SessionID     string
	FailedStages  []string
	SkippedStages []string

	// Outputs maps completed stage name → parsed output fields.
	Outputs map[string]map[string]any
}

// ToolGate enforces MCP approval and availability for a stage's declared
// servers before it dispatches. Implemented by mcp.Manager; nil disables
// the gate (no stage declares tool use, or tests).
type ToolGate interface {
	Prepare(ctx context.Context, sessionID, stage string, serverIDs []string, sink events.Publisher) error
}

// Options tunes the scheduler.
type Options struct {
	// MaxConcurrency bounds parallel cohort execution when the command does
	// not set its own. Default 4.
	MaxConcurrency int

	// DemoteOnOptionalFailure demotes a run to PARTIAL when optional stages
	// failed even though all required outputs are present. Off by default:
	// optional failures never demote a run.
	DemoteOnOptionalFailure bool
}

// Scheduler drives one command DAG to completion against the dispatcher.
type Scheduler struct {
	prompts    *prompt.Registry
	agents     *agent.Registry
	models     *config.ModelRegistry
	dispatcher *llm.Dispatcher
	gate       ToolGate
	bus        events.Publisher
	opts       Options
	tracer     trace.Tracer

	// flushMu serialises parallel-cohort buffer flushes so each stage's
	// event block lands contiguously in the session log.
	flushMu sync.Mutex
}

// NewScheduler composes a scheduler. gate may be nil.
func NewScheduler(
	prompts *prompt.Registry,
	agents *agent.Registry,
	models *config.ModelRegistry,
	dispatcher *llm.Dispatcher,
	gate ToolGate,
	bus events.Publisher,
	opts Options,
) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = config.DefaultMaxConcurrency
	}
	return &Scheduler{
		prompts:    prompts,
		agents:     agents,
		models:     models,
		dispatcher: dispatcher,
		gate:       gate,
		bus:        bus,
		opts:       opts,
		tracer:     otel.Tracer("devflow/pipeline"),
	}
}

// stageOutcome is the collected result of one stage execution.
type stageOutcome struct {
	name      string
	completed bool
	skipped   bool
	errKind   string
	terminal  events.Event // StageComplete or StageError, applied to the session rollup
}

// Run executes the command against the session. A non-terminal resumed
// session continues from its first incomplete stage; completed stages are
// never re-dispatched.
//
// Run never returns an error for stage failures — those aggregate into the
// RunResult. The error return covers engine-level faults only.
func (s *Scheduler) Run(ctx context.Context, cmd *command.Command, sess *session.Session, args map[string]string) (*RunResult, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("command", cmd.Name),
		attribute.String("session_id", sess.ID),
	))
	defer span.End()

	logger := slog.With("session_id", sess.ID, "command", cmd.Name)

	layers, err := cmd.Layers()
	if err != nil {
		return nil, err
	}

	completed := sess.CompletedStages()
	if len(completed) > 0 {
		logger.Info("Resuming session", "completed_stages", len(completed))
	}

	failed := make(map[string]bool)
	skipset := make(map[string]bool)

	for _, layer := range layers {
		for _, cohort := range command.Cohorts(layer) {
			if ctx.Err() != nil {
				return s.finish(cmd, sess, completed, failed, skipset, true), nil
			}

			s.runCohort(ctx, cmd, cohort, sess, args, completed, failed, skipset)

			// Transitive dependents of every failure so far are skipped;
			// independent branches continue.
			if len(failed) > 0 {
				for name := range cmd.Dependents(failed) {
					if !completed[name] {
						skipset[name] = true
					}
				}
			}
		}
	}

	return s.finish(cmd, sess, completed, failed, skipset, ctx.Err() != nil), nil
}

// runCohort executes one cohort: skipped members get their terminal event
// inline; the rest run concurrently under the concurrency bound. When any
// member aborts, in-flight members complete — they are not cancelled.
func (s *Scheduler) runCohort(
	ctx context.Context,
	cmd *command.Command,
	cohort []*command.Stage,
	sess *session.Session,
	args map[string]string,
	completed, failed, skipset map[string]bool,
) {
	var runnable []*command.Stage
	for _, st := range cohort {
		switch {
		case completed[st.Name]:
			// Resume: already done, nothing to emit.
		case skipset[st.Name]:
			outcome := s.skipStage(sess, st)
			sess.ApplyEvent(outcome.terminal)
		default:
			runnable = append(runnable, st)
		}
	}
	if len(runnable) == 0 {
		return
	}

	isParallel := len(runnable) > 1
	maxConcurrency := cmd.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = s.opts.MaxConcurrency
	}

	results := make(chan stageOutcome, len(runnable))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for _, st := range runnable {
		wg.Add(1)
		go func(st *command.Stage) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// StageStart is published immediately; everything after it from
			// a parallel stage goes into a per-stage buffer flushed whole at
			// the terminal event, so observers read each stage's story as
			// one contiguous block.
			emitter := &stageEmitter{bus: s.bus, flushMu: &s.flushMu}
			if isParallel {
				emitter.buffer = events.NewBuffer(s.bus)
			}

			results <- s.runStage(ctx, cmd, st, sess, args, emitter, isParallel)
		}(st)
	}

	wg.Wait()
	close(results)

	for outcome := range results {
		if outcome.terminal != nil {
			sess.ApplyEvent(outcome.terminal)
		}
		if outcome.completed {
			completed[outcome.name] = true
		} else {
			failed[outcome.name] = true
		}
	}
}

// skipStage records a stage skipped because of an upstream failure.
func (s *Scheduler) skipStage(sess *session.Session, st *command.Stage) stageOutcome {
	terminal := &events.StageError{
		Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
		ErrKind: "skipped",
		Message: "skipped: upstream stage failed",
		Skipped: true,
	}
	s.bus.Publish(terminal)
	return stageOutcome{name: st.Name, skipped: true, errKind: "skipped", terminal: terminal}
}

// stageEmitter routes a stage's events: StageStart straight to the bus,
// intermediates into the per-stage buffer (when parallel), and the terminal
// event after an atomic buffer flush so the block lands contiguously.
type stageEmitter struct {
	bus     events.Publisher
	buffer  *events.Buffer // nil for serial stages
	flushMu *sync.Mutex
}

// start publishes the StageStart immediately, bypassing the buffer.
// Taken under the flush lock so a late-starting stage's StageStart can
// never land inside another stage's flushed block.
func (e *stageEmitter) start(ev events.Event) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.bus.Publish(ev)
}

// sink returns the publisher for the stage's intermediate events.
func (e *stageEmitter) sink() events.Publisher {
	if e.buffer != nil {
		return e.buffer
	}
	return e.bus
}

// terminal flushes the stage's buffered events and publishes the terminal
// right behind them, under the shared flush lock so parallel stages' blocks
// never interleave.
func (e *stageEmitter) terminal(ev events.Event) {
	if e.buffer == nil {
		e.bus.Publish(ev)
		return
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.buffer.Flush()
	e.bus.Publish(ev)
}

// runStage executes one stage to its terminal event: resume replay, input
// assembly, tool gating, dispatch with retries, output parsing, and the
// escalation ladder.
func (s *Scheduler) runStage(
	ctx context.Context,
	cmd *command.Command,
	st *command.Stage,
	sess *session.Session,
	args map[string]string,
	emitter *stageEmitter,
	isParallel bool,
) stageOutcome {
	logger := slog.With("session_id", sess.ID, "stage", st.Name)
	start := time.Now()

	model := st.Model
	if model == "" {
		model = cmd.Model
	}

	resolved, err := s.prompts.Resolve(st.PromptID)
	if err != nil {
		return s.failStage(sess, st, emitter, start, 0, llm.KindPermanent, err.Error())
	}

	// Resume replay: a dispatched-but-unparsed response is replayed through
	// output parsing only — never re-sent to the provider. The original
	// StageStart is already in the log, so only the terminal is emitted.
	if rec, ok := sess.Stages[st.Name]; ok && rec.State == session.StageRunning && rec.ResponseText != "" {
		outputs, perr := parseOutputs(rec.ResponseText, resolved.Outputs)
		if perr == nil {
			logger.Info("Replayed buffered response on resume")
			return s.completeStage(sess, st, emitter, start, rec.Attempts, outputs)
		}
		logger.Warn("Buffered response failed replay, re-dispatching", "error", perr)
	}

	emitter.start(&events.StageStart{
		Meta:       events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
		PromptID:   st.PromptID,
		Agent:      st.Agent,
		Model:      model,
		Attempt:    1,
		IsParallel: isParallel,
	})

	stageCtx := ctx
	if st.TimeoutMS > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	counter := &countingSink{target: emitter.sink()}

	inputs, inputErr := s.buildInputs(st, resolved, args, sess)
	if inputErr != nil {
		return s.escalateOrFail(stageCtx, sess, st, resolved, model, nil, emitter, counter, start,
			llm.NewError(llm.KindInputInvalid, "stage input assembly failed", inputErr), nil)
	}

	if s.gate != nil && len(st.MCPServers) > 0 {
		if gateErr := s.gate.Prepare(stageCtx, sess.ID, st.Name, st.MCPServers, emitter.sink()); gateErr != nil {
			return s.escalateOrFail(stageCtx, sess, st, resolved, model, inputs, emitter, counter, start,
				llm.NewError(llm.KindToolBlocked, "tool server blocked", gateErr), nil)
		}
	}

	outputs, derr := s.dispatchAndParse(stageCtx, sess, st, resolved, model, inputs, counter, st.EffectiveRetry())
	if derr != nil {
		return s.escalateOrFail(stageCtx, sess, st, resolved, model, inputs, emitter, counter, start, derr, nil)
	}

	// Confidence trigger: a successful parse whose confidence is below the
	// declared floor escalates like a failure.
	if st.Escalation != nil && st.Escalation.Trigger.ConfidenceBelow != nil {
		if confidence, ok := confidenceOf(outputs); ok && confidence < *st.Escalation.Trigger.ConfidenceBelow {
			return s.escalateOrFail(stageCtx, sess, st, resolved, model, inputs, emitter, counter, start,
				llm.NewError(llm.KindResponseInvalid,
					fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, *st.Escalation.Trigger.ConfidenceBelow), nil),
				&confidence)
		}
	}

	return s.completeStage(sess, st, emitter, start, counter.requests(), outputs)
}

// buildInputs resolves and validates a stage's prompt inputs.
func (s *Scheduler) buildInputs(st *command.Stage, resolved *prompt.Resolved, args map[string]string, sess *session.Session) (map[string]any, error) {
	inputs, err := resolveInputs(st.InputsMap, args, sess)
	if err != nil {
		return nil, err
	}
	if err := resolved.ValidateInputs(inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

// dispatchAndParse performs the LLM dispatch (the dispatcher applies the
// retry policy) and parses the response against the prompt's contract.
func (s *Scheduler) dispatchAndParse(
	ctx context.Context,
	sess *session.Session,
	st *command.Stage,
	resolved *prompt.Resolved,
	model string,
	inputs map[string]any,
	sink events.Publisher,
	retry command.RetryPolicy,
) (map[string]any, *llm.Error) {
	resp, err := s.dispatcher.Dispatch(ctx, &llm.Request{
		SessionID: sess.ID,
		StageName: st.Name,
		PromptID:  resolved.ID,
		Model:     model,
		Body:      resolved.Body,
		Inputs:    inputs,
		Retry:     retry,
		Sink:      sink,
	})
	if err != nil {
		derr, ok := err.(*llm.Error)
		if !ok {
			derr = llm.NewError(llm.KindPermanent, "dispatch failed", err)
		}
		// A stage deadline shows up as a cancelled/timed-out context; report
		// it as the stage's timeout rather than a cancellation.
		if ctx.Err() == context.DeadlineExceeded && derr.Kind == llm.KindCancelled {
			derr = llm.NewError(llm.KindTimeout, "stage deadline exceeded", err)
		}
		return nil, derr
	}

	outputs, perr := parseOutputs(resp.Text, resolved.Outputs)
	if perr != nil {
		return nil, perr.(*llm.Error)
	}
	return outputs, nil
}

// escalateOrFail applies the stage's escalation policy to a failure (or a
// low-confidence success) and produces the terminal event.
func (s *Scheduler) escalateOrFail(
	ctx context.Context,
	sess *session.Session,
	st *command.Stage,
	resolved *prompt.Resolved,
	model string,
	inputs map[string]any,
	emitter *stageEmitter,
	counter *countingSink,
	start time.Time,
	failure *llm.Error,
	confidence *float64,
) stageOutcome {
	logger := slog.With("session_id", sess.ID, "stage", st.Name)
	sink := emitter.sink()

	// A cancelled stage is never escalated — the run is aborting.
	if failure.Kind == llm.KindCancelled {
		return s.failStage(sess, st, emitter, start, counter.requests(), failure.Kind, failure.Message)
	}

	esc := st.Escalation
	trigger, matches := matchTrigger(esc, failure.Kind, confidence)
	if esc == nil || !matches || esc.Action == command.Abort {
		if esc != nil && matches && esc.Action == command.Abort {
			sink.Publish(&events.EscalationTriggered{
				Meta:      events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Trigger:   trigger,
				Action:    string(command.Abort),
				FromAgent: st.Agent,
				FromModel: model,
			})
			sink.Publish(&events.EscalationAborted{
				Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Reason:  "escalation policy is abort",
				ErrKind: string(failure.Kind),
			})
		}
		return s.failStage(sess, st, emitter, start, counter.requests(), failure.Kind, failure.Message)
	}

	sink.Publish(&events.EscalationTriggered{
		Meta:      events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
		Trigger:   trigger,
		Action:    string(esc.Action),
		FromAgent: st.Agent,
		FromModel: model,
	})

	// One post-escalation attempt, never more.
	oneShot := command.RetryPolicy{MaxAttempts: 1, BackoffMS: 1, BackoffMultiplier: 1}

	switch esc.Action {
	case command.EscalateToAgent:
		newAgent, err := s.agents.FindEscalationAgent(resolved.Category, st.Agent, nil)
		if err != nil || newAgent == "" {
			sink.Publish(&events.EscalationAborted{
				Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Reason:  "no higher-priority agent available",
				ErrKind: string(failure.Kind),
			})
			return s.failStage(sess, st, emitter, start, counter.requests(), failure.Kind, failure.Message)
		}

		escModel := s.escalationModel(model)
		logger.Info("Escalating stage to stronger agent",
			"to_agent", newAgent, "to_model", escModel)

		outputs, derr := s.dispatchAndParse(ctx, sess, st, resolved, escModel, inputs, counter, oneShot)
		if derr != nil {
			sink.Publish(&events.EscalationAborted{
				Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Reason:  derr.Message,
				ErrKind: string(derr.Kind),
			})
			return s.failStage(sess, st, emitter, start, counter.requests(), derr.Kind, derr.Message)
		}
		sink.Publish(&events.EscalationResolved{
			Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
			ToAgent: newAgent,
			ToModel: escModel,
		})
		return s.completeStage(sess, st, emitter, start, counter.requests(), outputs)

	case command.FallbackPrompt:
		fallback, err := s.prompts.Resolve(esc.FallbackPromptID)
		if err != nil {
			sink.Publish(&events.EscalationAborted{
				Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Reason:  fmt.Sprintf("fallback prompt unavailable: %v", err),
				ErrKind: string(failure.Kind),
			})
			return s.failStage(sess, st, emitter, start, counter.requests(), failure.Kind, failure.Message)
		}

		logger.Info("Retrying stage with fallback prompt", "fallback", fallback.ID)

		outputs, derr := s.dispatchAndParse(ctx, sess, st, fallback, model, inputs, counter, oneShot)
		if derr != nil {
			sink.Publish(&events.EscalationAborted{
				Meta:    events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
				Reason:  derr.Message,
				ErrKind: string(derr.Kind),
			})
			return s.failStage(sess, st, emitter, start, counter.requests(), derr.Kind, derr.Message)
		}
		sink.Publish(&events.EscalationResolved{
			Meta:   events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
			Prompt: fallback.ID,
		})
		return s.completeStage(sess, st, emitter, start, counter.requests(), outputs)

	default:
		return s.failStage(sess, st, emitter, start, counter.requests(), failure.Kind, failure.Message)
	}
}

// escalationModel picks the higher-context model for an escalation:
// configured target first, then the largest same-provider window, then the
// current model.
func (s *Scheduler) escalationModel(model string) string {
	if mc, err := s.models.Get(model); err == nil && mc.EscalationTarget != "" {
		return mc.EscalationTarget
	}
	if larger := s.models.LargestWindow(model); larger != "" {
		return larger
	}
	return model
}

func (s *Scheduler) completeStage(
	sess *session.Session,
	st *command.Stage,
	emitter *stageEmitter,
	start time.Time,
	attempts int,
	outputs map[string]any,
) stageOutcome {
	if attempts == 0 {
		attempts = 1
	}
	terminal := &events.StageComplete{
		Meta:       events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
		Outputs:    outputs,
		Attempts:   attempts,
		DurationMS: time.Since(start).Milliseconds(),
	}
	emitter.terminal(terminal)
	return stageOutcome{name: st.Name, completed: true, terminal: terminal}
}

func (s *Scheduler) failStage(
	sess *session.Session,
	st *command.Stage,
	emitter *stageEmitter,
	start time.Time,
	attempts int,
	kind llm.ErrorKind,
	message string,
) stageOutcome {
	terminal := &events.StageError{
		Meta:     events.Meta{Timestamp: time.Now(), SessionID: sess.ID, Stage: st.Name},
		ErrKind:  string(kind),
		Message:  message,
		Attempts: attempts,
	}
	emitter.terminal(terminal)
	slog.Warn("Stage failed",
		"session_id", sess.ID, "stage", st.Name,
		"kind", kind, "attempts", attempts, "error", message)
	return stageOutcome{name: st.Name, errKind: string(kind), terminal: terminal}
}

// finish aggregates the run outcome from stage dispositions.
func (s *Scheduler) finish(
	cmd *command.Command,
	sess *session.Session,
	completed, failed, skipset map[string]bool,
	cancelled bool,
) *RunResult {
	result := &RunResult{
		SessionID: sess.ID,
		Outputs:   make(map[string]map[string]any),
	}
	for name := range completed {
		if rec, ok := sess.Stages[name]; ok {
			result.Outputs[name] = rec.Outputs
		}
	}
	result.FailedStages = sortedKeys(failed)
	result.SkippedStages = sortedKeys(skipset)

	if cancelled {
		result.Outcome = OutcomeCancelled
		return result
	}

	required := cmd.Required()
	requiredMissing := false
	for name := range required {
		if !completed[name] {
			requiredMissing = true
			break
		}
	}

	switch {
	case requiredMissing:
		result.Outcome = OutcomeFailure
	case len(failed) > 0 || len(skipset) > 0:
		if s.opts.DemoteOnOptionalFailure {
			result.Outcome = OutcomePartial
		} else {
			result.Outcome = OutcomeSuccess
		}
	default:
		result.Outcome = OutcomeSuccess
	}
	return result
}

// matchTrigger reports whether the escalation trigger covers this failure
// (or low-confidence success) and describes the match for the event stream.
func matchTrigger(esc *command.Escalation, kind llm.ErrorKind, confidence *float64) (string, bool) {
	if esc == nil {
		return "", false
	}
	t := esc.Trigger

	if confidence != nil && t.ConfidenceBelow != nil {
		return fmt.Sprintf("confidence<%.2f", *t.ConfidenceBelow), true
	}
	if len(t.ErrorKinds) > 0 {
		for _, k := range t.ErrorKinds {
			if k == string(kind) {
				return "error-kind:" + k, true
			}
		}
		return "", false
	}
	if t.ConfidenceBelow != nil && confidence == nil {
		// Confidence-only trigger does not cover dispatch failures.
		return "", false
	}
	// Empty trigger covers any permanent failure.
	return "failure", true
}

// countingSink counts LLMRequest events flowing through a stage's sink so
// the terminal event reports total attempts.
type countingSink struct {
	target events.Publisher
	mu     sync.Mutex
	n      int
}

func (c *countingSink) Publish(ev events.Event) {
	if ev.EventKind() == events.KindLLMRequest {
		c.mu.Lock()
		c.n++
		c.mu.Unlock()
	}
	c.target.Publish(ev)
}

func (c *countingSink) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
