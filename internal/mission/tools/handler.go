// Package tools executes tool calls against external capability servers.
// Calls whose name no handler claims stay pending for an external client
// to resolve over the API; handled calls resolve through the coordinator
// on the same path.
package tools

import "context"

// ToolHandler answers tool calls for the tool names it claims.
type ToolHandler interface {
	// Handles reports whether this handler serves the named tool.
	Handles(name string) bool

	// Call executes the tool and returns the result content. The bool
	// marks a tool-level error (the call itself succeeded but the tool
	// reports failure); a non-nil error means the call could not run.
	Call(ctx context.Context, name string, args map[string]interface{}) (string, bool, error)
}
