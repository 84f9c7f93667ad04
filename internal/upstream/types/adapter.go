package types

import (
	"context"
	"encoding/json"
)

// ToolDecl is one tool as declared by an upstream server, before namespacing.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallResult is the outcome of a tool invocation. Content is the MCP content
// array; IsError marks execution failures that still produced content.
type CallResult struct {
	Content []interface{} `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Adapter is the uniform surface over the four upstream variants
// (stdio, sse, streamable-http, openapi).
type Adapter interface {
	// Connect establishes the session: spawn/dial plus the MCP handshake,
	// or spec download and parse for OpenAPI upstreams.
	Connect(ctx context.Context) error

	// ListTools returns the server's current tool declarations.
	ListTools(ctx context.Context) ([]ToolDecl, error)

	// CallTool invokes a tool by its local (un-namespaced) name.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)

	// Ping probes liveness of the session.
	Ping(ctx context.Context) error

	// Close tears the session down and releases the child process or
	// HTTP connections. Safe to call more than once.
	Close() error
}

// ProgressNotifier is implemented by adapters that can surface upstream
// progress notifications, used to reset call timeouts.
type ProgressNotifier interface {
	OnProgress(fn func())
}
