package llm

import (
	"fmt"
	"sync"
)

// WindowState is the per-session rolling view of context-window pressure
// for one model. Reads during the pre-dispatch check and writes on response
// are guarded so concurrent cohort stages do not race.
type WindowState struct {
	mu sync.Mutex

	model      string
	windowSize int

	promptTokensInFlight int // largest prompt currently reserved or last used
	outputTokensTotal    int
}

// NewWindowState creates the tracker for one session/model pair.
func NewWindowState(model string, windowSize int) *WindowState {
	return &WindowState{model: model, windowSize: windowSize}
}

// Model returns the tracked model id.
func (w *WindowState) Model() string { return w.model }

// WindowSize returns the model's context window in tokens.
func (w *WindowState) WindowSize() int { return w.windowSize }

// Reserve checks that a dispatch with the given prompt estimate and reserved
// output budget fits the window and is below the hard-stop utilisation.
// On success the prompt reservation is recorded; no provider call may be
// made without a successful Reserve.
func (w *WindowState) Reserve(estimatedPrompt, reservedOutput int, stopPercent float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if estimatedPrompt+reservedOutput > w.windowSize {
		return NewError(KindContextOverflow,
			fmt.Sprintf("estimated %d prompt + %d reserved output tokens exceed %s window of %d",
				estimatedPrompt, reservedOutput, w.model, w.windowSize), nil)
	}

	// The hard stop looks at current utilisation: once past it, the session
	// is refused further dispatches until utilisation drops (compaction is
	// external to the engine).
	if stopPercent > 0 {
		current := float64(w.promptTokensInFlight+w.outputTokensTotal) / float64(w.windowSize) * 100
		if current >= stopPercent {
			return NewError(KindSessionBlocked,
				fmt.Sprintf("session utilisation %.1f%% at or above hard stop %.0f%%",
					current, stopPercent), nil)
		}
	}

	if estimatedPrompt > w.promptTokensInFlight {
		w.promptTokensInFlight = estimatedPrompt
	}
	return nil
}

// Observe folds a provider response into the state: the reported prompt
// size replaces the in-flight estimate and output tokens accumulate.
func (w *WindowState) Observe(promptTokens, outputTokens int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.promptTokensInFlight = promptTokens
	w.outputTokensTotal += outputTokens
}

// Utilisation returns the current window utilisation percentage.
func (w *WindowState) Utilisation() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.windowSize == 0 {
		return 0
	}
	return float64(w.promptTokensInFlight+w.outputTokensTotal) / float64(w.windowSize) * 100
}

// Snapshot returns the current counters for observability.
func (w *WindowState) Snapshot() (promptInFlight, outputTotal int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.promptTokensInFlight, w.outputTokensTotal
}
