package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// RecoveryAction determines how to handle an MCP operation failure.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable (bad request, auth failure, timeout).
	NoRetry RecoveryAction = iota
	// RetryNewSession — transport failure, recreate the connection and retry.
	RetryNewSession
)

// Connection and recovery timing constants.
const (
	// InitTimeout is the per-server connection timeout (transport + handshake).
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	OperationTimeout = 90 * time.Second

	// ProbeTimeout bounds an availability probe.
	ProbeTimeout = 5 * time.Second

	// RetryBackoffMin is the minimum jittered backoff before a retry.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff before a retry.
	RetryBackoffMax = 750 * time.Millisecond
)

// ClassifyError determines the recovery action for an MCP operation error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	// Context errors — no retry
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	// Network errors — timeout vs connection
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry // could be a legitimately slow tool
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	// MCP JSON-RPC protocol errors — not retryable
	if isProtocolError(err) {
		return NoRetry
	}

	// Unknown errors are not safe to retry.
	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, e := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}

// isProtocolError detects MCP JSON-RPC protocol errors from the SDK using
// the typed jsonrpc.Error with standard JSON-RPC 2.0 codes.
func isProtocolError(err error) bool {
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) {
		return false
	}
	switch wireErr.Code {
	case jsonrpc.CodeParseError,
		jsonrpc.CodeInvalidRequest,
		jsonrpc.CodeMethodNotFound,
		jsonrpc.CodeInvalidParams:
		return true
	default:
		return false
	}
}
