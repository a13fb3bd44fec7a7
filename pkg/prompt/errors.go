package prompt

import "errors"

var (
	// ErrPromptNotFound indicates a referenced prompt id is not in the registry.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrPromptMalformed indicates a prompt file could not be parsed.
	ErrPromptMalformed = errors.New("prompt malformed")

	// ErrPromptCycle indicates the required-dependency graph contains a cycle.
	ErrPromptCycle = errors.New("cyclic prompt dependency")

	// ErrNotLoaded indicates the registry was queried before Load.
	ErrNotLoaded = errors.New("prompt registry not loaded")
)
