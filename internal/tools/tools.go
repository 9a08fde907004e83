// Package tools defines the tool interface, the registry that dispatches
// model-requested tool calls, and the native tool implementations
// (Bash, Read, Write, Glob, Grep, WebFetch).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// maxOutput caps tool result text returned to the model.
const maxOutput = 30_000

// Args holds decoded tool-call arguments. JSON numbers arrive as float64;
// the accessors normalize.
type Args map[string]any

// String returns the named argument as a string, or "" when absent.
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the named argument as an int, or def when absent or not a
// number.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// Bool returns the named argument as a bool, or false when absent.
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// Tool is implemented by each native tool.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string
	// Description returns the description shown to the model.
	Description() string
	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() json.RawMessage
	// Execute runs the tool. Failures are reported as result text, never
	// as errors: the model sees what went wrong and can react.
	Execute(ctx context.Context, args Args) string
}

// Definition is a tool's wire-neutral description. Provider adapters
// render it into their protocol's schema shape.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Registry holds the tools enabled for an agent and dispatches calls.
type Registry struct {
	tools map[string]Tool
	order []string
	log   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger for the registry.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry builds a registry with the named tools enabled, all file and
// shell operations rooted at workDir. Unknown names are skipped.
func NewRegistry(workDir string, allowed []string, opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	available := []Tool{
		NewBashTool(workDir),
		NewReadTool(workDir),
		NewWriteTool(workDir),
		NewGlobTool(workDir),
		NewGrepTool(workDir),
		NewWebFetchTool(),
	}
	byName := make(map[string]Tool, len(available))
	for _, t := range available {
		byName[t.Name()] = t
	}
	for _, name := range allowed {
		t, ok := byName[name]
		if !ok {
			r.log.Warn("unknown tool in allowed list", "tool", name)
			continue
		}
		if _, dup := r.tools[name]; dup {
			continue
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r
}

// Definitions returns the enabled tools' definitions in registration order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Names returns the enabled tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute dispatches a tool call and returns the result text. It never
// fails: unknown tools and tool-level errors come back as text the model
// can read.
func (r *Registry) Execute(ctx context.Context, name string, args Args) string {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q.", name)
	}
	r.log.Debug("executing tool", "tool", name)
	return t.Execute(ctx, args)
}

// truncate caps s at max characters, appending a marker when cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... (truncated at %d chars)", max)
}
