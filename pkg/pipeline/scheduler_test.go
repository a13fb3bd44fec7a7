package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow-ai/devflow/pkg/agent"
	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/prompt"
	"github.com/devflow-ai/devflow/pkg/session"
)

// ────────────────────────────────────────────────────────────
// Harness
// ────────────────────────────────────────────────────────────

// fakeProvider routes each request through a test-supplied function.
type fakeProvider struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error)
	calls []*llm.ProviderRequest
}

func (p *fakeProvider) Name() string { return "test" }

func (p *fakeProvider) Generate(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// okResponse builds a minimal contract-satisfying provider response.
func okResponse(result string) *llm.ProviderResponse {
	return &llm.ProviderResponse{
		Text:         fmt.Sprintf(`{"result": %q}`, result),
		Model:        "m1",
		PromptTokens: 100,
		OutputTokens: 20,
	}
}

// recorder collects every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) ofKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.EventKind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) stageEvents(stage string) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.EventMeta().Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	provider  *fakeProvider
	bus       *events.Bus
	rec       *recorder
	scheduler *Scheduler
	sess      *session.Session
}

const testPromptTemplate = `---
id: %s
category: work
agents: [worker]
outputs:
  - name: result
    type: string
    required: true
---
PROMPT %s
`

const testAgentsDoc = `{
  "agents": {
    "worker": {"domains": ["work"], "selection_criteria": [], "priority": 5},
    "senior": {"domains": ["work"], "selection_criteria": [], "priority": 9}
  },
  "selectionCriteria": {},
  "taskDomains": {"work": "pipeline work"}
}`

func newHarness(t *testing.T, opts Options, promptIDs ...string) *harness {
	t.Helper()

	if len(promptIDs) == 0 {
		promptIDs = []string{"p.a", "p.b", "p.c", "p.d", "p.fallback"}
	}
	promptDir := t.TempDir()
	for i, id := range promptIDs {
		content := fmt.Sprintf(testPromptTemplate, id, id)
		require.NoError(t, os.WriteFile(
			filepath.Join(promptDir, fmt.Sprintf("p%02d.md", i)), []byte(content), 0o644))
	}
	prompts := prompt.NewRegistry()
	require.NoError(t, prompts.Load(promptDir))
	require.NoError(t, prompts.ValidateGraph())

	agentsPath := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(agentsPath, []byte(testAgentsDoc), 0o644))
	agents := agent.NewRegistry()
	require.NoError(t, agents.Load(agentsPath))

	models := config.NewModelRegistry(map[string]*config.ModelConfig{
		"m1":     {Provider: "test", ContextWindow: 200_000, MaxOutputTokens: 50_000, EscalationTarget: "m1-big"},
		"m1-big": {Provider: "test", ContextWindow: 1_000_000, MaxOutputTokens: 50_000},
	})

	provider := &fakeProvider{fn: func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		return okResponse("done"), nil
	}}
	dispatcher := llm.NewDispatcher(models, map[string]llm.Provider{"test": provider}, llm.Options{})

	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.record)

	scheduler := NewScheduler(prompts, agents, models, dispatcher, nil, bus, opts)

	sess := &session.Session{ID: "sess-1", Command: "test", State: session.StateLive}
	require.NoError(t, dispatcher.InitSession(sess.ID, "m1"))

	return &harness{
		provider:  provider,
		bus:       bus,
		rec:       rec,
		scheduler: scheduler,
		sess:      sess,
	}
}

// fastRetry keeps test retries at negligible wall-clock cost.
var fastRetry = command.RetryPolicy{MaxAttempts: 3, BackoffMS: 1, BackoffMultiplier: 1}

func stage(name, promptID string, deps ...string) command.Stage {
	return command.Stage{
		Name:      name,
		PromptID:  promptID,
		Agent:     "worker",
		DependsOn: deps,
		TimeoutMS: 5000,
		Retry:     fastRetry,
	}
}

// ────────────────────────────────────────────────────────────
// S-A: happy path
// ────────────────────────────────────────────────────────────

func TestScheduler_HappyPathSequential(t *testing.T) {
	h := newHarness(t, Options{})
	cmd := &command.Command{
		Name:  "plan",
		Model: "m1",
		Stages: []command.Stage{
			stage("one", "p.a"),
			stage("two", "p.b", "one"),
			stage("three", "p.c", "two"),
		},
	}
	require.NoError(t, cmd.Validate())

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Empty(t, result.FailedStages)
	assert.Equal(t, "done", result.Outputs["three"]["result"])

	var kinds []events.Kind
	for _, ev := range h.rec.all() {
		kinds = append(kinds, ev.EventKind())
	}
	expected := []events.Kind{}
	for i := 0; i < 3; i++ {
		expected = append(expected,
			events.KindStageStart,
			events.KindLLMRequest,
			events.KindLLMResponse,
			events.KindStageComplete,
		)
	}
	assert.Equal(t, expected, kinds)

	// DAG correctness: every stage starts only after its dependency's terminal.
	assertDAGOrder(t, h.rec.all(), cmd)
}

// assertDAGOrder verifies no stage starts before all its depends_on stages
// have a terminal event.
func assertDAGOrder(t *testing.T, evs []events.Event, cmd *command.Command) {
	t.Helper()
	terminalAt := make(map[string]int)
	startAt := make(map[string]int)
	for i, ev := range evs {
		switch ev.EventKind() {
		case events.KindStageStart:
			if _, seen := startAt[ev.EventMeta().Stage]; !seen {
				startAt[ev.EventMeta().Stage] = i
			}
		case events.KindStageComplete, events.KindStageError:
			terminalAt[ev.EventMeta().Stage] = i
		}
	}
	for _, st := range cmd.Stages {
		start, started := startAt[st.Name]
		if !started {
			continue
		}
		for _, dep := range st.DependsOn {
			term, ok := terminalAt[dep]
			require.True(t, ok, "dependency %s of %s has no terminal", dep, st.Name)
			assert.Less(t, term, start,
				"stage %s started before dependency %s terminated", st.Name, dep)
		}
	}
}

// ────────────────────────────────────────────────────────────
// S-C: parallel cohort buffering
// ────────────────────────────────────────────────────────────

func TestScheduler_ParallelCohortBuffering(t *testing.T) {
	h := newHarness(t, Options{})

	// A is slow, B is fast: B's block must flush before A's.
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		if strings.Contains(req.Prompt, "PROMPT p.a") {
			time.Sleep(300 * time.Millisecond)
		} else if strings.Contains(req.Prompt, "PROMPT p.b") {
			time.Sleep(30 * time.Millisecond)
		}
		return okResponse("done"), nil
	}

	a := stage("a", "p.a")
	a.ParallelGroup = "val"
	b := stage("b", "p.b")
	b.ParallelGroup = "val"
	cmd := &command.Command{
		Name:   "validate",
		Model:  "m1",
		Stages: []command.Stage{a, b, stage("c", "p.c", "a", "b")},
	}
	require.NoError(t, cmd.Validate())

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	evs := h.rec.all()

	// Both StageStarts precede any StageComplete.
	firstComplete := indexOfKind(evs, events.KindStageComplete)
	aStart := indexOfStageKind(evs, "a", events.KindStageStart)
	bStart := indexOfStageKind(evs, "b", events.KindStageStart)
	require.GreaterOrEqual(t, firstComplete, 0)
	assert.Less(t, aStart, firstComplete)
	assert.Less(t, bStart, firstComplete)

	// is_parallel set on cohort members, not on c.
	for _, name := range []string{"a", "b"} {
		start := evs[indexOfStageKind(evs, name, events.KindStageStart)].(*events.StageStart)
		assert.True(t, start.IsParallel)
	}
	cStart := evs[indexOfStageKind(evs, "c", events.KindStageStart)].(*events.StageStart)
	assert.False(t, cStart.IsParallel)

	// B terminates before A's events flush.
	bComplete := indexOfStageKind(evs, "b", events.KindStageComplete)
	aComplete := indexOfStageKind(evs, "a", events.KindStageComplete)
	assert.Less(t, bComplete, aComplete)

	// Parallel buffering: each cohort stage's post-start events form one
	// contiguous block ending in its terminal.
	for _, name := range []string{"a", "b"} {
		assertContiguousBlock(t, evs, name)
	}

	// C starts only after both terminals.
	assert.Greater(t, cStart.Meta.Timestamp.UnixNano(), int64(0)) // sanity
	assertDAGOrder(t, evs, cmd)
}

// assertContiguousBlock checks that all of a stage's events after its
// StageStart sit adjacent in the log, terminating the block.
func assertContiguousBlock(t *testing.T, evs []events.Event, stage string) {
	t.Helper()
	var indices []int
	for i, ev := range evs {
		if ev.EventMeta().Stage == stage && ev.EventKind() != events.KindStageStart {
			indices = append(indices, i)
		}
	}
	require.NotEmpty(t, indices)
	for i := 1; i < len(indices); i++ {
		assert.Equal(t, indices[i-1]+1, indices[i],
			"stage %s events interleaved with others", stage)
	}
	last := evs[indices[len(indices)-1]]
	isTerminal := last.EventKind() == events.KindStageComplete || last.EventKind() == events.KindStageError
	assert.True(t, isTerminal, "stage %s block does not end with a terminal", stage)
}

func indexOfKind(evs []events.Event, kind events.Kind) int {
	for i, ev := range evs {
		if ev.EventKind() == kind {
			return i
		}
	}
	return -1
}

func indexOfStageKind(evs []events.Event, stage string, kind events.Kind) int {
	for i, ev := range evs {
		if ev.EventMeta().Stage == stage && ev.EventKind() == kind {
			return i
		}
	}
	return -1
}

// ────────────────────────────────────────────────────────────
// S-B: retry bound
// ────────────────────────────────────────────────────────────

func TestScheduler_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, Options{})

	var calls int
	var mu sync.Mutex
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, &llm.StatusError{StatusCode: 503, Body: "hiccup"}
		}
		return okResponse("recovered"), nil
	}

	cmd := &command.Command{
		Name:   "retry",
		Model:  "m1",
		Stages: []command.Stage{stage("only", "p.a")},
	}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	assert.Len(t, h.rec.ofKind(events.KindLLMRequest), 3)
	assert.Len(t, h.rec.ofKind(events.KindLLMResponse), 1)

	completes := h.rec.ofKind(events.KindStageComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 3, completes[0].(*events.StageComplete).Attempts)
}

func TestScheduler_RetryBoundRespected(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		return nil, &llm.StatusError{StatusCode: 503, Body: "always down"}
	}

	cmd := &command.Command{
		Name:   "retry",
		Model:  "m1",
		Stages: []command.Stage{stage("only", "p.a")},
	}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, result.Outcome)

	// No more than max_attempts LLMRequest events (no escalation declared).
	assert.Len(t, h.rec.ofKind(events.KindLLMRequest), fastRetry.MaxAttempts)
	errs := h.rec.ofKind(events.KindStageError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(llm.KindTransient), errs[0].(*events.StageError).ErrKind)
}

// ────────────────────────────────────────────────────────────
// S-D: escalation
// ────────────────────────────────────────────────────────────

func TestScheduler_EscalationToAgentResolves(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var models []string
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		mu.Lock()
		models = append(models, req.Model)
		n := len(models)
		mu.Unlock()
		if n == 1 {
			return &llm.ProviderResponse{Text: "not json at all", Model: req.Model, PromptTokens: 10, OutputTokens: 5}, nil
		}
		return okResponse("rescued"), nil
	}

	st := stage("validate-security", "p.a")
	st.Retry = command.RetryPolicy{MaxAttempts: 1, BackoffMS: 1, BackoffMultiplier: 1}
	st.Escalation = &command.Escalation{
		Trigger: command.EscalationTrigger{ErrorKinds: []string{string(llm.KindResponseInvalid)}},
		Action:  command.EscalateToAgent,
	}
	cmd := &command.Command{Name: "review", Model: "m1", Stages: []command.Stage{st}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "rescued", result.Outputs["validate-security"]["result"])

	triggered := h.rec.ofKind(events.KindEscalationTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, "error-kind:response_invalid", triggered[0].(*events.EscalationTriggered).Trigger)

	resolved := h.rec.ofKind(events.KindEscalationResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "senior", resolved[0].(*events.EscalationResolved).ToAgent)
	assert.Equal(t, "m1-big", resolved[0].(*events.EscalationResolved).ToModel)

	// Retry bound: max_attempts (1) + one post-escalation attempt.
	assert.Len(t, h.rec.ofKind(events.KindLLMRequest), 2)
	mu.Lock()
	assert.Equal(t, []string{"m1", "m1-big"}, models, "escalation redispatches on the higher-context model")
	mu.Unlock()
}

func TestScheduler_EscalationAbortedWhenRetryFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		return &llm.ProviderResponse{Text: "still not json", Model: req.Model, PromptTokens: 10, OutputTokens: 5}, nil
	}

	st := stage("validate", "p.a")
	st.Retry = command.RetryPolicy{MaxAttempts: 1, BackoffMS: 1, BackoffMultiplier: 1}
	st.Escalation = &command.Escalation{
		Trigger: command.EscalationTrigger{ErrorKinds: []string{string(llm.KindResponseInvalid)}},
		Action:  command.EscalateToAgent,
	}
	cmd := &command.Command{Name: "review", Model: "m1", Stages: []command.Stage{st}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, result.Outcome)

	assert.Len(t, h.rec.ofKind(events.KindEscalationTriggered), 1)
	assert.Len(t, h.rec.ofKind(events.KindEscalationAborted), 1)
	assert.Len(t, h.rec.ofKind(events.KindStageError), 1)
	assert.Len(t, h.rec.ofKind(events.KindLLMRequest), 2)
}

func TestScheduler_FallbackPromptEscalation(t *testing.T) {
	h := newHarness(t, Options{})

	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		if strings.Contains(req.Prompt, "PROMPT p.fallback") {
			return okResponse("via-fallback"), nil
		}
		return &llm.ProviderResponse{Text: "garbage", Model: req.Model, PromptTokens: 10, OutputTokens: 5}, nil
	}

	st := stage("flaky", "p.a")
	st.Retry = command.RetryPolicy{MaxAttempts: 1, BackoffMS: 1, BackoffMultiplier: 1}
	st.Escalation = &command.Escalation{
		Action:           command.FallbackPrompt,
		FallbackPromptID: "p.fallback",
	}
	cmd := &command.Command{Name: "flaky-cmd", Model: "m1", Stages: []command.Stage{st}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "via-fallback", result.Outputs["flaky"]["result"])

	resolved := h.rec.ofKind(events.KindEscalationResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "p.fallback", resolved[0].(*events.EscalationResolved).Prompt)
}

func TestScheduler_ConfidenceTriggerEscalates(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var calls int
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &llm.ProviderResponse{
				Text:         `{"result": "unsure", "confidence": 0.3}`,
				Model:        req.Model,
				PromptTokens: 10, OutputTokens: 5,
			}, nil
		}
		return &llm.ProviderResponse{
			Text:         `{"result": "sure", "confidence": 0.95}`,
			Model:        req.Model,
			PromptTokens: 10, OutputTokens: 5,
		}, nil
	}

	threshold := 0.7
	st := stage("judge", "p.a")
	st.Escalation = &command.Escalation{
		Trigger: command.EscalationTrigger{ConfidenceBelow: &threshold},
		Action:  command.EscalateToAgent,
	}
	cmd := &command.Command{Name: "judge-cmd", Model: "m1", Stages: []command.Stage{st}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "sure", result.Outputs["judge"]["result"])

	triggered := h.rec.ofKind(events.KindEscalationTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, "confidence<0.70", triggered[0].(*events.EscalationTriggered).Trigger)
}

// ────────────────────────────────────────────────────────────
// Cohort failure propagation and outcomes
// ────────────────────────────────────────────────────────────

func TestScheduler_FailurePropagationSkipsDependents(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		if strings.Contains(req.Prompt, "PROMPT p.a") {
			return nil, &llm.StatusError{StatusCode: 400, Body: "rejected"}
		}
		return okResponse("done"), nil
	}

	// a fails → c (depends on a) skipped; b independent → runs; d depends on b → runs.
	cmd := &command.Command{
		Name:  "branches",
		Model: "m1",
		Stages: []command.Stage{
			stage("a", "p.a"),
			stage("b", "p.b"),
			stage("c", "p.c", "a"),
			stage("d", "p.d", "b"),
		},
	}
	require.NoError(t, cmd.Validate())

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, result.Outcome, "a is required and failed")
	assert.Equal(t, []string{"a"}, result.FailedStages)
	assert.Equal(t, []string{"c"}, result.SkippedStages)
	assert.Contains(t, result.Outputs, "b")
	assert.Contains(t, result.Outputs, "d")

	// The skipped stage has a Skipped terminal and never started.
	cEvents := h.rec.stageEvents("c")
	require.Len(t, cEvents, 1)
	stageErr := cEvents[0].(*events.StageError)
	assert.True(t, stageErr.Skipped)
}

func TestScheduler_OptionalFailurePolicy(t *testing.T) {
	run := func(t *testing.T, opts Options) *RunResult {
		h := newHarness(t, opts)
		h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
			if strings.Contains(req.Prompt, "PROMPT p.b") {
				return nil, &llm.StatusError{StatusCode: 400, Body: "no"}
			}
			return okResponse("done"), nil
		}
		extras := stage("extras", "p.b")
		extras.Optional = true
		cmd := &command.Command{
			Name:   "mixed",
			Model:  "m1",
			Stages: []command.Stage{stage("core", "p.a"), extras},
		}
		result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
		require.NoError(t, err)
		return result
	}

	t.Run("default: optional failures never demote", func(t *testing.T) {
		result := run(t, Options{})
		assert.Equal(t, OutcomeSuccess, result.Outcome)
	})

	t.Run("policy knob: demote to partial", func(t *testing.T) {
		result := run(t, Options{DemoteOnOptionalFailure: true})
		assert.Equal(t, OutcomePartial, result.Outcome)
	})
}

func TestScheduler_CohortMembersFinishWhenSiblingFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		if strings.Contains(req.Prompt, "PROMPT p.a") {
			return nil, &llm.StatusError{StatusCode: 400, Body: "fast failure"}
		}
		time.Sleep(100 * time.Millisecond)
		return okResponse("slow but steady"), nil
	}

	a := stage("a", "p.a")
	a.ParallelGroup = "g"
	b := stage("b", "p.b")
	b.ParallelGroup = "g"
	cmd := &command.Command{Name: "cohort", Model: "m1", Stages: []command.Stage{a, b}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)

	// b completed even though its cohort sibling failed first.
	assert.Equal(t, "slow but steady", result.Outputs["b"]["result"])
	assert.Equal(t, []string{"a"}, result.FailedStages)
}

// ────────────────────────────────────────────────────────────
// Input validation and tool gate
// ────────────────────────────────────────────────────────────

func TestScheduler_InputInvalidFailsWithoutDispatch(t *testing.T) {
	h := newHarness(t, Options{})

	st := stage("needs-args", "p.a")
	st.InputsMap = map[string]string{"topic": "args.topic"}
	cmd := &command.Command{Name: "argful", Model: "m1", Stages: []command.Stage{st}}

	// No args supplied → input assembly fails before any dispatch.
	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, result.Outcome)

	assert.Empty(t, h.rec.ofKind(events.KindLLMRequest))
	errs := h.rec.ofKind(events.KindStageError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(llm.KindInputInvalid), errs[0].(*events.StageError).ErrKind)
	assert.Equal(t, 0, h.provider.callCount())
}

func TestScheduler_InputsFlowBetweenStages(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var prompts []string
	h.provider.fn = func(_ context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return okResponse("upstream-value"), nil
	}

	downstream := stage("two", "p.b", "one")
	downstream.InputsMap = map[string]string{
		"carried": "stages.one.result",
		"topic":   "args.topic",
		"sid":     "session.id",
	}
	// p.b declares no inputs, so bypass schema rejection with a prompt that
	// declares them.
	promptDir := t.TempDir()
	content := `---
id: p.with-inputs
category: work
inputs:
  - name: carried
    type: string
    required: true
  - name: topic
    type: string
    required: true
  - name: sid
    type: string
outputs:
  - name: result
    type: string
    required: true
---
PROMPT with-inputs
`
	require.NoError(t, os.WriteFile(filepath.Join(promptDir, "x.md"), []byte(content), 0o644))
	require.NoError(t, h.scheduler.prompts.Load(promptDir))
	downstream.PromptID = "p.with-inputs"

	cmd := &command.Command{
		Name:   "flow",
		Model:  "m1",
		Stages: []command.Stage{stage("one", "p.a"), downstream},
	}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, map[string]string{"topic": "auth"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "upstream-value")
	assert.Contains(t, prompts[1], "auth")
	assert.Contains(t, prompts[1], h.sess.ID)
}

// blockingGate denies every stage.
type blockingGate struct{}

func (blockingGate) Prepare(_ context.Context, sessionID, stage string, _ []string, sink events.Publisher) error {
	sink.Publish(&events.ToolHookBlocked{
		Meta:     events.Meta{Timestamp: time.Now(), SessionID: sessionID, Stage: stage},
		ServerID: "filesystem",
		Reason:   "approval_denied",
	})
	return fmt.Errorf("approval denied")
}

func TestScheduler_ToolGateBlockedFailsStage(t *testing.T) {
	h := newHarness(t, Options{})
	h.scheduler.gate = blockingGate{}

	st := stage("tooling", "p.a")
	st.MCPServers = []string{"filesystem"}
	cmd := &command.Command{Name: "tools", Model: "m1", Stages: []command.Stage{st}}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, result.Outcome)

	assert.Len(t, h.rec.ofKind(events.KindToolHookBlocked), 1)
	errs := h.rec.ofKind(events.KindStageError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(llm.KindToolBlocked), errs[0].(*events.StageError).ErrKind)
	assert.Equal(t, 0, h.provider.callCount(), "blocked stage never dispatches")
}

// ────────────────────────────────────────────────────────────
// Cancellation
// ────────────────────────────────────────────────────────────

func TestScheduler_CancellationStopsNewStages(t *testing.T) {
	h := newHarness(t, Options{})

	started := make(chan struct{})
	h.provider.fn = func(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
		close(started)
		select {
		case <-time.After(2 * time.Second): // cancelled well before this elapses
			return okResponse("too late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cmd := &command.Command{
		Name:  "cancellable",
		Model: "m1",
		Stages: []command.Stage{
			stage("first", "p.a"),
			stage("second", "p.b", "first"),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	result, err := h.scheduler.Run(ctx, cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Less(t, time.Since(begin), 1*time.Second, "in-flight stage aborted promptly")

	// No StageStart for the second stage.
	assert.Equal(t, -1, indexOfStageKind(h.rec.all(), "second", events.KindStageStart))
}

// ────────────────────────────────────────────────────────────
// S-F: resume
// ────────────────────────────────────────────────────────────

func TestScheduler_ResumeSkipsCompletedStages(t *testing.T) {
	h := newHarness(t, Options{})

	cmd := &command.Command{
		Name:  "resumable",
		Model: "m1",
		Stages: []command.Stage{
			stage("one", "p.a"),
			stage("two", "p.b", "one"),
			stage("three", "p.c", "two"),
		},
	}

	// Stages one and two already completed in a previous run.
	h.sess.Stages = map[string]*session.StageRecord{
		"one": {Name: "one", State: session.StageCompleted, Outputs: map[string]any{"result": "r1"}},
		"two": {Name: "two", State: session.StageCompleted, Outputs: map[string]any{"result": "r2"}},
	}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	// No LLMRequest for completed stages; exactly one for stage three.
	requests := h.rec.ofKind(events.KindLLMRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "three", requests[0].EventMeta().Stage)

	starts := h.rec.ofKind(events.KindStageStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "three", starts[0].EventMeta().Stage)

	// Prior outputs are still visible in the result.
	assert.Equal(t, "r1", result.Outputs["one"]["result"])
}

func TestScheduler_ResumeReplaysOrphanedResponse(t *testing.T) {
	h := newHarness(t, Options{})

	cmd := &command.Command{
		Name:   "replayable",
		Model:  "m1",
		Stages: []command.Stage{stage("only", "p.a")},
	}

	// The previous run dispatched and got a response, but post-processing
	// was interrupted: the record is running with a buffered response.
	h.sess.Stages = map[string]*session.StageRecord{
		"only": {
			Name:         "only",
			State:        session.StageRunning,
			Attempts:     1,
			ResponseText: `{"result": "from-buffer"}`,
		},
	}

	result, err := h.scheduler.Run(context.Background(), cmd, h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "from-buffer", result.Outputs["only"]["result"])

	// Replay parses only — no provider call, no new LLMRequest.
	assert.Equal(t, 0, h.provider.callCount())
	assert.Empty(t, h.rec.ofKind(events.KindLLMRequest))
	assert.Len(t, h.rec.ofKind(events.KindStageComplete), 1)
}
