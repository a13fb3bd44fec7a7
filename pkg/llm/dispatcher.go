package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
)

// Request is one fully-formed dispatch on behalf of a stage.
type Request struct {
	SessionID string
	StageName string
	PromptID  string
	Model     string

	System string
	Body   string
	Inputs map[string]any

	// MaxOutputTokens reserves output budget; zero means the model default.
	MaxOutputTokens int

	Retry command.RetryPolicy

	// Sink receives the LLMRequest/LLMResponse/StageProgress events for this
	// dispatch. During parallel cohorts the scheduler passes a per-stage
	// buffering sink here; otherwise the bus itself.
	Sink events.Publisher
}

// Response is a completed dispatch with exact token accounting.
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
	Duration     time.Duration
}

// Options tunes dispatcher thresholds.
type Options struct {
	// WarnPercent is the utilisation crossing at which a StageProgress
	// warning is emitted. Default 70.
	WarnPercent float64

	// StopPercent is the utilisation at which further dispatches for the
	// session are refused. Default 85.
	StopPercent float64
}

// Dispatcher routes requests to providers with context-window enforcement,
// retries and token accounting. It owns the per-session WindowState.
type Dispatcher struct {
	models    *config.ModelRegistry
	providers map[string]Provider
	opts      Options
	tracer    trace.Tracer

	mu      sync.Mutex
	windows map[string]*WindowState // session id → window
	warned  map[string]bool         // session id → warn threshold already reported
	serial  map[string]*sync.Mutex  // model id → per-model serialisation lock

	// sleep is swapped by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher over the given model registry and
// provider implementations (keyed by provider name).
func NewDispatcher(models *config.ModelRegistry, providers map[string]Provider, opts Options) *Dispatcher {
	if opts.WarnPercent <= 0 {
		opts.WarnPercent = config.DefaultContextWarnPercent
	}
	if opts.StopPercent <= 0 {
		opts.StopPercent = config.DefaultContextStopPercent
	}
	return &Dispatcher{
		models:    models,
		providers: providers,
		opts:      opts,
		tracer:    otel.Tracer("devflow/llm"),
		windows:   make(map[string]*WindowState),
		warned:    make(map[string]bool),
		serial:    make(map[string]*sync.Mutex),
		sleep:     sleepCtx,
	}
}

// InitSession creates the context-window tracker for a session's declared
// model. Must be called before the first Dispatch for the session.
func (d *Dispatcher) InitSession(sessionID, model string) error {
	mc, err := d.models.Get(model)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.windows[sessionID]; !exists {
		d.windows[sessionID] = NewWindowState(model, mc.ContextWindow)
	}
	return nil
}

// ReleaseSession drops the session's window tracker.
func (d *Dispatcher) ReleaseSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, sessionID)
	delete(d.warned, sessionID)
}

// Window returns the session's window tracker, or nil.
func (d *Dispatcher) Window(sessionID string) *WindowState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.windows[sessionID]
}

// Dispatch sends the request to its provider, enforcing the context window
// before any call, retrying transient failures per the stage's policy, and
// accounting tokens on success.
//
// No LLMRequest event is emitted for a dispatch refused by the window check.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	window := d.Window(req.SessionID)
	if window == nil {
		return nil, NewError(KindPermanent,
			fmt.Sprintf("no window state for session %s (InitSession not called)", req.SessionID), nil)
	}

	mc, err := d.models.Get(req.Model)
	if err != nil {
		return nil, NewError(KindPermanent, "unknown model", err)
	}
	provider, ok := d.providers[mc.Provider]
	if !ok {
		return nil, NewError(KindPermanent,
			fmt.Sprintf("no provider implementation for %q", mc.Provider), nil)
	}

	promptText := BuildPrompt(req.Body, req.Inputs)
	reserved := req.MaxOutputTokens
	if reserved <= 0 {
		reserved = mc.MaxOutputTokens
	}
	estimated := EstimateTokens(promptText) + EstimateTokens(req.System)

	// Context-window enforcement: fail fast, no provider call, no event.
	if err := window.Reserve(estimated, reserved, d.opts.StopPercent); err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "llm.dispatch", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("stage", req.StageName),
		attribute.String("model", req.Model),
	))
	defer span.End()

	logger := slog.With(
		"session_id", req.SessionID,
		"stage", req.StageName,
		"model", req.Model,
	)

	retry := req.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}

	var lastErr *Error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		req.Sink.Publish(&events.LLMRequest{
			Meta:                  events.Meta{Timestamp: time.Now(), SessionID: req.SessionID, Stage: req.StageName},
			Model:                 req.Model,
			PromptID:              req.PromptID,
			Attempt:               attempt,
			EstimatedPromptTokens: estimated,
			ReservedOutputTokens:  reserved,
		})

		resp, callErr := d.call(ctx, provider, mc, &ProviderRequest{
			Model:           req.Model,
			System:          req.System,
			Prompt:          promptText,
			MaxOutputTokens: reserved,
		})
		if callErr == nil {
			d.observe(req, window, resp)
			return resp, nil
		}

		lastErr = classifyProviderError(callErr)
		if !lastErr.Retryable() {
			logger.Warn("LLM dispatch failed permanently",
				"attempt", attempt, "kind", lastErr.Kind, "error", callErr)
			return nil, lastErr
		}
		if attempt == retry.MaxAttempts {
			break
		}

		backoff := backoffDelay(retry, attempt)
		logger.Info("LLM dispatch failed, retrying",
			"attempt", attempt, "kind", lastErr.Kind, "backoff", backoff)
		if err := d.sleep(ctx, backoff); err != nil {
			return nil, NewError(KindCancelled, "retry backoff interrupted", err)
		}
	}

	logger.Warn("LLM dispatch retries exhausted",
		"attempts", retry.MaxAttempts, "kind", lastErr.Kind)
	return nil, lastErr
}

// call performs one provider invocation, serialised per model when the
// model's configuration demands it, timed via the caller's deadline.
func (d *Dispatcher) call(ctx context.Context, provider Provider, mc *config.ModelConfig, preq *ProviderRequest) (*Response, error) {
	if mc.SerializeRequests {
		lock := d.modelLock(preq.Model)
		lock.Lock()
		defer lock.Unlock()
	}

	start := time.Now()
	presp, err := provider.Generate(ctx, preq)
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:         presp.Text,
		Model:        presp.Model,
		PromptTokens: presp.PromptTokens,
		OutputTokens: presp.OutputTokens,
		Duration:     time.Since(start),
	}, nil
}

// observe accounts tokens, emits LLMResponse and the warn-threshold
// StageProgress when utilisation first crosses the warning line.
func (d *Dispatcher) observe(req *Request, window *WindowState, resp *Response) {
	window.Observe(resp.PromptTokens, resp.OutputTokens)

	req.Sink.Publish(&events.LLMResponse{
		Meta:         events.Meta{Timestamp: time.Now(), SessionID: req.SessionID, Stage: req.StageName},
		Model:        resp.Model,
		PromptTokens: resp.PromptTokens,
		OutputTokens: resp.OutputTokens,
		DurationMS:   resp.Duration.Milliseconds(),
		Text:         resp.Text,
	})

	utilisation := window.Utilisation()
	if utilisation < d.opts.WarnPercent {
		return
	}
	d.mu.Lock()
	alreadyWarned := d.warned[req.SessionID]
	d.warned[req.SessionID] = true
	d.mu.Unlock()
	if alreadyWarned {
		return
	}

	req.Sink.Publish(&events.StageProgress{
		Meta:               events.Meta{Timestamp: time.Now(), SessionID: req.SessionID, Stage: req.StageName},
		Level:              events.ProgressLevelWarning,
		Message:            fmt.Sprintf("context window utilisation at %.1f%%", utilisation),
		UtilisationPercent: utilisation,
	})
}

func (d *Dispatcher) modelLock(model string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.serial[model]
	if !ok {
		lock = &sync.Mutex{}
		d.serial[model] = lock
	}
	return lock
}

// backoffDelay computes backoff_ms × multiplier^(attempt-1) + jitter.
func backoffDelay(retry command.RetryPolicy, attempt int) time.Duration {
	base := float64(retry.BackoffMS) * math.Pow(retry.BackoffMultiplier, float64(attempt-1))
	jitter := 0
	if retry.JitterMS > 0 {
		jitter = int(rand.Int64N(int64(retry.JitterMS)))
	}
	return time.Duration(base)*time.Millisecond + time.Duration(jitter)*time.Millisecond
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
