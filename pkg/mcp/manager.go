package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/version"
)

// Availability is the result of probing a configured server.
type Availability string

const (
	AvailabilityReady            Availability = "ready"
	AvailabilityNotConfigured    Availability = "not_configured"
	AvailabilityNotInstalled     Availability = "not_installed"
	AvailabilityDisabled         Availability = "disabled"
	AvailabilityConnectionFailed Availability = "connection_failed"
)

// Decision is a user's answer to an approval request.
type Decision struct {
	Approved     bool
	AllowedTools []string // nil means all tools
	Memory       MemoryKind
}

// Prompter obtains an approval decision from the user. Blocking; the
// calling stage is suspended until a decision is recorded or the context
// ends. Implementations live outside the core (TUI, HTTP endpoint).
type Prompter interface {
	RequestApproval(ctx context.Context, serverID string) (Decision, error)
}

// ToolCall identifies one tool invocation on behalf of a stage.
type ToolCall struct {
	SessionID string
	Stage     string
	ServerID  string
	Tool      string
	Args      map[string]any

	// Sink receives the tool hook events for this call.
	Sink events.Publisher
}

// ToolResult is the text outcome of a tool call.
type ToolResult struct {
	Content  string
	Duration time.Duration
}

// Manager owns the registry of configured tool servers, a pool of live
// connections, and approval enforcement in front of every call.
// Thread-safe: sessions may be used from parallel cohort stages.
type Manager struct {
	registry  *config.MCPServerRegistry
	approvals *ApprovalCache
	prompter  Prompter

	// mcpMode suppresses approval prompting: any call without a cached
	// approval is blocked instead of suspending on the prompter.
	mcpMode bool

	mu          sync.RWMutex
	connections map[string]*mcpsdk.ClientSession // serverID → live session

	// Per-server mutex for connection (re)creation to prevent thundering herd.
	reinitMu sync.Map // serverID → *sync.Mutex

	logger *slog.Logger
}

// NewManager creates a manager over the configured servers.
// prompter may be nil, which behaves like mcpMode for approval prompting.
func NewManager(registry *config.MCPServerRegistry, approvals *ApprovalCache, prompter Prompter, mcpMode bool) *Manager {
	return &Manager{
		registry:    registry,
		approvals:   approvals,
		prompter:    prompter,
		mcpMode:     mcpMode,
		connections: make(map[string]*mcpsdk.ClientSession),
		logger:      slog.Default(),
	}
}

// Approvals exposes the approval cache (for the API decision endpoint).
func (m *Manager) Approvals() *ApprovalCache {
	return m.approvals
}

// CheckAvailability probes one configured server without requiring approval.
func (m *Manager) CheckAvailability(ctx context.Context, serverID string) Availability {
	cfg, err := m.registry.Get(serverID)
	if err != nil {
		return AvailabilityNotConfigured
	}
	if cfg.Disabled {
		return AvailabilityDisabled
	}
	if cfg.Transport.Type == config.TransportTypeStdio {
		if cfg.Transport.Command == "" {
			return AvailabilityNotConfigured
		}
		if _, err := exec.LookPath(cfg.Transport.Command); err != nil {
			return AvailabilityNotInstalled
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	if err := m.ensureConnection(probeCtx, serverID); err != nil {
		return AvailabilityConnectionFailed
	}
	if _, err := m.listTools(probeCtx, serverID); err != nil {
		return AvailabilityConnectionFailed
	}
	return AvailabilityReady
}

// CheckAll probes every configured server concurrently and returns per-id
// availability. Individual failures never propagate to the caller.
func (m *Manager) CheckAll(ctx context.Context) map[string]Availability {
	ids := m.registry.ServerIDs()
	out := make(map[string]Availability, len(ids))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			availability := m.CheckAvailability(ctx, serverID)
			mu.Lock()
			out[serverID] = availability
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// CallTool executes one tool call after approval enforcement.
//
// Approval flow: a valid cached decision is applied directly. Without one,
// a ToolHookTriggered(needs_approval) event is emitted and the stage
// suspends on the prompter until a decision is recorded — unless prompting
// is suppressed (MCP_MODE), in which case the call is blocked immediately.
// Denials emit ToolHookBlocked; successful calls emit ToolHookPost.
func (m *Manager) CallTool(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	if !m.registry.Has(call.ServerID) {
		m.emitBlocked(call, "not_configured")
		return nil, fmt.Errorf("%w: %s", ErrServerNotConfigured, call.ServerID)
	}

	entry, err := m.resolveApproval(ctx, call)
	if err != nil {
		return nil, err
	}
	if !entry.AllowsTool(call.Tool) {
		m.emitBlocked(call, "approval_denied")
		return nil, fmt.Errorf("%w: %s.%s", ErrToolNotAllowed, call.ServerID, call.Tool)
	}

	if err := m.ensureConnection(ctx, call.ServerID); err != nil {
		m.emitBlocked(call, "unavailable")
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, call.ServerID, err)
	}

	start := time.Now()
	result, err := m.callWithRecovery(ctx, call)
	if err != nil {
		m.emitBlocked(call, "unavailable")
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrServerUnavailable, call.ServerID, call.Tool, err)
	}

	duration := time.Since(start)
	call.Sink.Publish(&events.ToolHookPost{
		Meta:       events.Meta{Timestamp: time.Now(), SessionID: call.SessionID, Stage: call.Stage},
		ServerID:   call.ServerID,
		Tool:       call.Tool,
		DurationMS: duration.Milliseconds(),
	})

	return &ToolResult{Content: extractTextContent(result), Duration: duration}, nil
}

// Prepare enforces approval and availability for every server a stage
// declares, before the stage dispatches. Satisfies the scheduler's ToolGate.
func (m *Manager) Prepare(ctx context.Context, sessionID, stage string, serverIDs []string, sink events.Publisher) error {
	for _, serverID := range serverIDs {
		call := &ToolCall{SessionID: sessionID, Stage: stage, ServerID: serverID, Sink: sink}

		if !m.registry.Has(serverID) {
			m.emitBlocked(call, "not_configured")
			return fmt.Errorf("%w: %s", ErrServerNotConfigured, serverID)
		}
		if _, err := m.resolveApproval(ctx, call); err != nil {
			return err
		}

		switch availability := m.CheckAvailability(ctx, serverID); availability {
		case AvailabilityReady:
		case AvailabilityDisabled:
			m.emitBlocked(call, "unavailable")
			return fmt.Errorf("%w: %s", ErrServerDisabled, serverID)
		default:
			m.emitBlocked(call, "unavailable")
			return fmt.Errorf("%w: %s (%s)", ErrServerUnavailable, serverID, availability)
		}
	}
	return nil
}

// Close shuts down all live connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, session := range m.connections {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection %q: %w", id, err)
		}
	}
	m.connections = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

// ────────────────────────────────────────────────────────────
// Approval resolution
// ────────────────────────────────────────────────────────────

// resolveApproval returns a valid positive approval entry or an error after
// emitting the appropriate hook events.
func (m *Manager) resolveApproval(ctx context.Context, call *ToolCall) (*ApprovalEntry, error) {
	if entry, ok := m.approvals.Lookup(call.ServerID); ok {
		if !entry.Approved {
			m.emitBlocked(call, "approval_denied")
			return nil, fmt.Errorf("%w: %s", ErrApprovalDenied, call.ServerID)
		}
		call.Sink.Publish(&events.ToolHookTriggered{
			Meta:          events.Meta{Timestamp: time.Now(), SessionID: call.SessionID, Stage: call.Stage},
			ServerID:      call.ServerID,
			Tool:          call.Tool,
			NeedsApproval: false,
		})
		return entry, nil
	}

	// No cached decision.
	call.Sink.Publish(&events.ToolHookTriggered{
		Meta:          events.Meta{Timestamp: time.Now(), SessionID: call.SessionID, Stage: call.Stage},
		ServerID:      call.ServerID,
		Tool:          call.Tool,
		NeedsApproval: true,
	})

	if m.mcpMode || m.prompter == nil {
		m.emitBlocked(call, "mcp_mode")
		return nil, fmt.Errorf("%w: %s", ErrApprovalRequired, call.ServerID)
	}

	decision, err := m.prompter.RequestApproval(ctx, call.ServerID)
	if err != nil {
		m.emitBlocked(call, "approval_denied")
		return nil, fmt.Errorf("approval request for %s: %w", call.ServerID, err)
	}
	if err := m.approvals.Cache(call.ServerID, decision.Approved, decision.AllowedTools, decision.Memory); err != nil {
		m.logger.Warn("Failed to cache approval decision",
			"server", call.ServerID, "error", err)
	}
	if !decision.Approved {
		m.emitBlocked(call, "approval_denied")
		return nil, fmt.Errorf("%w: %s", ErrApprovalDenied, call.ServerID)
	}

	return &ApprovalEntry{
		ServerID:     call.ServerID,
		Approved:     true,
		AllowedTools: decision.AllowedTools,
		MemoryKind:   decision.Memory,
	}, nil
}

func (m *Manager) emitBlocked(call *ToolCall, reason string) {
	call.Sink.Publish(&events.ToolHookBlocked{
		Meta:     events.Meta{Timestamp: time.Now(), SessionID: call.SessionID, Stage: call.Stage},
		ServerID: call.ServerID,
		Tool:     call.Tool,
		Reason:   reason,
	})
}

// ────────────────────────────────────────────────────────────
// Connection pool
// ────────────────────────────────────────────────────────────

// ensureConnection connects to a server if no live session exists.
// Uses a per-server mutex to serialise connection attempts.
func (m *Manager) ensureConnection(ctx context.Context, serverID string) error {
	muI, _ := m.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return m.connectLocked(ctx, serverID)
}

// connectLocked performs the actual connection. Caller holds the per-server
// reinit mutex.
func (m *Manager) connectLocked(ctx context.Context, serverID string) error {
	m.mu.RLock()
	_, exists := m.connections[serverID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	serverCfg, err := m.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrServerNotConfigured, serverID)
	}
	if serverCfg.Disabled {
		return fmt.Errorf("%w: %s", ErrServerDisabled, serverID)
	}

	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer to avoid leaking
		// stdio child processes on failed handshakes.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	m.mu.Lock()
	m.connections[serverID] = session
	m.mu.Unlock()

	m.logger.Info("MCP server connected", "server", serverID)
	return nil
}

// callWithRecovery performs the tool call with at most one retry after a
// jittered backoff, recreating the connection on transport failures.
func (m *Manager) callWithRecovery(ctx context.Context, call *ToolCall) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      call.Tool,
		Arguments: call.Args,
	}

	result, err := m.callOnce(ctx, call.ServerID, params)
	if err == nil {
		return result, nil
	}

	if ClassifyError(err) == NoRetry {
		return nil, err
	}

	m.logger.Info("MCP call failed, retrying",
		"server", call.ServerID, "tool", call.Tool, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := m.recreateConnection(ctx, call.ServerID); err != nil {
		return nil, fmt.Errorf("connection recreation failed for %q: %w", call.ServerID, err)
	}

	result, err = m.callOnce(ctx, call.ServerID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", call.ServerID, call.Tool, err)
	}
	return result, nil
}

func (m *Manager) callOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	m.mu.RLock()
	session, exists := m.connections[serverID]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no connection for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

func (m *Manager) listTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	m.mu.RLock()
	session, exists := m.connections[serverID]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no connection for server %q", serverID)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	return result.Tools, nil
}

// recreateConnection tears down and re-establishes a server connection.
func (m *Manager) recreateConnection(ctx context.Context, serverID string) error {
	muI, _ := m.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	if session, exists := m.connections[serverID]; exists {
		_ = session.Close()
		delete(m.connections, serverID)
	}
	m.mu.Unlock()

	return m.connectLocked(ctx, serverID)
}

// extractTextContent concatenates all TextContent items from a tool result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
