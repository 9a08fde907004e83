// Package provider defines the contract between the agent orchestrator and
// the model backends, plus the error classification shared by the HTTP
// adapters.
package provider

import (
	"context"

	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/tools"
)

// Usage tracks token consumption for one or more model calls. Cache fields
// stay zero on backends that do not report prompt caching.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Add accumulates another call's usage into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON string exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Image is an inline image attached to the user message.
type Image struct {
	MediaType string // e.g. "image/jpeg"
	Data      string // base64-encoded bytes
}

// TurnRequest describes a single model turn.
type TurnRequest struct {
	Model        string
	Instructions string // system/developer prompt
	Entries      []history.Entry
	Prompt       string // new user input, used by stateful providers
	SessionID    string // resume pointer, used by stateful providers
	Images       []Image
	Tools        []tools.Definition
	NoTools      bool // read-only call, e.g. summarization
	MaxTokens    int
}

// Hooks receive streaming events during a turn. Nil fields are skipped.
type Hooks struct {
	OnText     func(delta string)
	OnThinking func(delta string)
	OnTool     func(name string, args map[string]any)
}

// Turn is the outcome of one model call.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	// Items holds completed output entries to append to history verbatim.
	// Only set by providers whose wire format is item-based.
	Items []history.Entry
	// SessionID is the provider-side conversation pointer, when the
	// provider keeps one.
	SessionID string
	Usage     Usage
}

// Provider is implemented by each model backend.
type Provider interface {
	// StreamTurn performs one streaming model call, firing hooks as
	// events arrive. Tool calls are only actionable after it returns.
	StreamTurn(ctx context.Context, req TurnRequest, hooks Hooks) (*Turn, error)
	// Stateful reports whether the provider keeps conversation state on
	// its side. Stateful providers consume Prompt+SessionID and ignore
	// Entries; stateless ones replay Entries every call.
	Stateful() bool
}
