// Package openai implements the streaming chat completions adapter used by
// OpenAI-compatible endpoints (OpenAI, Gemini, Grok).
package openai

import (
	"encoding/json"

	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/tools"
)

// message is a chat completions message. Content is a string for plain
// messages, a content-part array for messages with images, and nil for
// assistant messages that carry only tool calls.
type message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDefinition struct {
	Type     string             `json:"type"`
	Function functionDefinition `json:"function"`
}

type functionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []message        `json:"messages"`
	Tools         []toolDefinition `json:"tools,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chunk is one SSE frame of a streaming completion.
type chunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *usagePayload `json:"usage"`
}

type chunkChoice struct {
	Index        int    `json:"index"`
	Delta        delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type delta struct {
	Content   string          `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
}

// toolCallDelta is a fragment of a tool call. The first fragment for an
// index carries id and name; later fragments append argument text.
type toolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Function *functionCallDelta `json:"function"`
}

type functionCallDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// buildMessages converts history entries to the chat completions wire
// format. An assistant entry followed by tool-call entries collapses into
// one assistant message carrying the tool_calls array; a tool round with
// no leading text becomes an assistant message with null content.
func buildMessages(req provider.TurnRequest) []message {
	lastUser := -1
	for i, e := range req.Entries {
		if e.Kind == history.KindUser {
			lastUser = i
		}
	}

	var msgs []message
	if req.Instructions != "" && (len(req.Entries) == 0 || req.Entries[0].Kind != history.KindSystem) {
		msgs = append(msgs, message{Role: "system", Content: req.Instructions})
	}

	for i, e := range req.Entries {
		switch e.Kind {
		case history.KindSystem:
			msgs = append(msgs, message{Role: "system", Content: e.Content})
		case history.KindUser:
			var content any = e.Content
			if i == lastUser && len(req.Images) > 0 {
				content = imageContent(e.Content, req.Images)
			}
			msgs = append(msgs, message{Role: "user", Content: content})
		case history.KindAssistant:
			msgs = append(msgs, message{Role: "assistant", Content: e.Content})
		case history.KindToolCall:
			tc := toolCall{
				ID:   e.CallID,
				Type: "function",
				Function: functionCall{
					Name:      e.Name,
					Arguments: e.Arguments,
				},
			}
			if i > 0 && len(msgs) > 0 && msgs[len(msgs)-1].Role == "assistant" &&
				(req.Entries[i-1].Kind == history.KindAssistant || req.Entries[i-1].Kind == history.KindToolCall) {
				msgs[len(msgs)-1].ToolCalls = append(msgs[len(msgs)-1].ToolCalls, tc)
			} else {
				msgs = append(msgs, message{Role: "assistant", Content: nil, ToolCalls: []toolCall{tc}})
			}
		case history.KindToolResult:
			msgs = append(msgs, message{Role: "tool", Content: e.Content, ToolCallID: e.CallID})
		}
	}
	return msgs
}

func imageContent(text string, images []provider.Image) []contentPart {
	parts := make([]contentPart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:" + img.MediaType + ";base64," + img.Data,
			},
		})
	}
	parts = append(parts, contentPart{Type: "text", Text: text})
	return parts
}

func buildTools(defs []tools.Definition) []toolDefinition {
	out := make([]toolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, toolDefinition{
			Type: "function",
			Function: functionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
