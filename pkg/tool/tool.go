// Package tool defines the MCP tools exposed by the triage server. Each tool
// is a thin adapter over the engine or the runbook catalog; transport-level
// concerns stay out of the handlers.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// Handler processes a single tool invocation.
type Handler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Definition pairs an MCP tool declaration with its handler.
type Definition struct {
	Tool    mcp.Tool
	Handler Handler
}

// CallToolSuccess wraps text in a successful tool result.
func CallToolSuccess(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

// CallToolError wraps an error in a tool result flagged as failed. Tool
// handlers return these with a nil error so the protocol layer reports the
// failure to the model instead of aborting the session.
func CallToolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult encodes a tool response as indented JSON.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return CallToolError(fmt.Errorf("marshaling response: %w", err)), nil
	}

	return CallToolSuccess(string(data)), nil
}

// Registry holds the tool definitions registered with the server.
type Registry interface {
	// Register adds a tool definition. Registering the same name twice
	// replaces the earlier definition.
	Register(def Definition)

	// Get returns the definition for a tool name.
	Get(name string) (Definition, bool)

	// List returns all definitions in registration order.
	List() []Definition
}

type registry struct {
	log   logrus.FieldLogger
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

var _ Registry = (*registry)(nil)

// NewRegistry creates an empty tool registry.
func NewRegistry(log logrus.FieldLogger) Registry {
	return &registry{
		log:  log.WithField("component", "tool_registry"),
		defs: make(map[string]Definition),
	}
}

func (r *registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Tool.Name]; !exists {
		r.order = append(r.order, def.Tool.Name)
	}

	r.defs[def.Tool.Name] = def

	r.log.WithField("tool", def.Tool.Name).Debug("Registered tool")
}

func (r *registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]

	return def, ok
}

func (r *registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}

	return defs
}
