// Package codex implements the ChatGPT backend Responses API adapter, used
// with OAuth login instead of an API key.
//
// The wire format is item-based: the model's completed output items are
// appended to history verbatim and replayed as input on later calls.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
)

// DefaultBaseURL is the ChatGPT backend Codex endpoint.
const DefaultBaseURL = "https://chatgpt.com/backend-api/codex"

const defaultTimeout = 300 * time.Second

// TokenSource supplies OAuth credentials for the backend API.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	AccountID() string
}

// Client streams responses from the ChatGPT backend API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the backend base URL.
func WithBaseURL(url string) Option {
	return func(cl *Client) {
		cl.baseURL = url
	}
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// NewClient creates a Responses API client over the given token source.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		tokens:     tokens,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stateful reports that conversation state lives client-side: each call
// replays the item history with store disabled.
func (c *Client) Stateful() bool { return false }

// responsesRequest is the POST body for /responses.
type responsesRequest struct {
	Model        string     `json:"model"`
	Input        []any      `json:"input"`
	Instructions string     `json:"instructions"`
	Stream       bool       `json:"stream"`
	Store        bool       `json:"store"`
	Tools        []flatTool `json:"tools,omitempty"`
}

// flatTool is the Responses API tool schema: function fields at top level.
type flatTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// event is one SSE frame, discriminated by the type field in its data.
type event struct {
	Type     string           `json:"type"`
	Delta    string           `json:"delta"`
	Item     json.RawMessage  `json:"item"`
	Response *responsePayload `json:"response"`
}

type responsePayload struct {
	ID    string `json:"id"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// outputItem is the subset of item fields needed for dispatch. The full
// raw item is what gets stored and replayed.
type outputItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamTurn performs one streaming Responses API call.
func (c *Client) StreamTurn(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, &provider.ClassifiedError{
			Provider: "codex",
			Type:     provider.ErrAuth,
			Message:  err.Error(),
		}
	}

	body := responsesRequest{
		Model:        req.Model,
		Input:        buildItems(req.Entries),
		Instructions: req.Instructions,
		Stream:       true,
		Store:        false,
	}
	if !req.NoTools {
		for _, d := range req.Tools {
			body.Tools = append(body.Tools, flatTool{
				Type:        "function",
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("chatgpt-account-id", c.tokens.AccountID())
	httpReq.Header.Set("originator", "codex_cli_rs")
	httpReq.Header.Set("OpenAI-Beta", "responses=experimental")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.ClassifiedError{
			Provider: "codex",
			Type:     provider.ErrTimeout,
			Message:  err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ClassifyHTTPError("codex", resp)
	}

	turn := &provider.Turn{}
	var text bytes.Buffer

	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		data := decoder.Event().Data
		if string(data) == "[DONE]" {
			break
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta == "" {
				continue
			}
			text.WriteString(ev.Delta)
			if hooks.OnText != nil {
				hooks.OnText(ev.Delta)
			}

		case "response.output_item.done":
			var item outputItem
			if err := json.Unmarshal(ev.Item, &item); err != nil {
				continue
			}
			entry := history.Entry{Kind: history.KindItem, Raw: ev.Item}
			if item.Type == "function_call" {
				entry.Kind = history.KindToolCall
				entry.CallID = item.CallID
				entry.Name = item.Name
				entry.Arguments = item.Arguments
				turn.ToolCalls = append(turn.ToolCalls, provider.ToolCall{
					ID:        item.CallID,
					Name:      item.Name,
					Arguments: item.Arguments,
				})
				if hooks.OnTool != nil {
					hooks.OnTool(item.Name, parseArgs(item.Arguments))
				}
			}
			turn.Items = append(turn.Items, entry)

		case "response.completed":
			if ev.Response == nil {
				continue
			}
			turn.SessionID = ev.Response.ID
			turn.Usage = provider.Usage{
				InputTokens:  ev.Response.Usage.InputTokens,
				OutputTokens: ev.Response.Usage.OutputTokens,
			}
		}
	}
	if err := decoder.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.ClassifiedError{
			Provider: "codex",
			Type:     provider.ErrMalformedResponse,
			Message:  fmt.Sprintf("read stream: %v", err),
		}
	}

	turn.Text = text.String()
	return turn, nil
}

// buildItems converts history entries into Responses API input items.
// Entries captured from earlier model output replay their raw item bytes
// unchanged.
func buildItems(entries []history.Entry) []any {
	items := make([]any, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case history.KindUser:
			items = append(items, map[string]any{"role": "user", "content": e.Content})
		case history.KindAssistant:
			items = append(items, map[string]any{"role": "assistant", "content": e.Content})
		case history.KindToolCall:
			if len(e.Raw) > 0 {
				items = append(items, e.Raw)
				continue
			}
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   e.CallID,
				"name":      e.Name,
				"arguments": e.Arguments,
			})
		case history.KindToolResult:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": e.CallID,
				"output":  e.Content,
			})
		case history.KindItem:
			if len(e.Raw) > 0 {
				items = append(items, e.Raw)
			}
		}
	}
	return items
}

// parseArgs decodes a function call's argument JSON, falling back to an
// empty map when the model produced garbage.
func parseArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw != "" {
		json.Unmarshal([]byte(raw), &args) //nolint:errcheck // malformed args stay empty
	}
	return args
}
