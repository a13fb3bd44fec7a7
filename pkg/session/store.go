package session

import (
	"context"
	"errors"

	"github.com/devflow-ai/devflow/pkg/events"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal indicates an append to a completed/failed/aborted session.
	ErrSessionTerminal = errors.New("session is terminal")
)

// Store is the abstract session persistence contract.
//
// Append is durable before it returns. Within a single engine there is one
// writer per session; stores serialise appends per session regardless.
// External readers must use Get/Search/ListRecent — the underlying log
// format is not a supported contract and may migrate.
type Store interface {
	// Create allocates a new live session for a command invocation.
	Create(ctx context.Context, command string, args map[string]string) (*Session, error)

	// Append durably appends one event to a session's log and folds it into
	// the rolled-up summary. Fails with ErrSessionTerminal once the session
	// reached a terminal state.
	Append(ctx context.Context, sessionID string, ev events.Event) error

	// Get returns the full session including its ordered event log.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Search returns summaries of sessions matching the query (matched
	// against session id, command name and argument values).
	Search(ctx context.Context, query string) ([]Summary, error)

	// ListRecent returns up to limit summaries, most recently created first.
	ListRecent(ctx context.Context, limit int) ([]Summary, error)

	// Close releases backend resources.
	Close() error
}
