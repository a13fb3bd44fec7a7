// Package mcp manages external tool-server connections: configuration
// lookup, availability probing, the two-tier approval cache, and tool
// invocation with approval enforcement.
package mcp

import "errors"

var (
	// ErrServerNotConfigured indicates the server id is not in the registry.
	ErrServerNotConfigured = errors.New("MCP server not configured")

	// ErrServerUnavailable indicates the server could not be reached.
	ErrServerUnavailable = errors.New("MCP server unavailable")

	// ErrServerDisabled indicates the server is configured but disabled.
	ErrServerDisabled = errors.New("MCP server disabled")

	// ErrApprovalDenied indicates the user declined use of the server.
	ErrApprovalDenied = errors.New("MCP approval denied")

	// ErrApprovalRequired indicates no cached decision exists and prompting
	// is suppressed (MCP_MODE).
	ErrApprovalRequired = errors.New("MCP approval required but prompting suppressed")

	// ErrToolNotAllowed indicates the approval restricts tools and the
	// requested tool is outside the allowed set.
	ErrToolNotAllowed = errors.New("MCP tool not in approved set")
)
