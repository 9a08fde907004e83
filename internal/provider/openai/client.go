package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/openai/openai-go/packages/ssestream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tinabots/tina/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 300 * time.Second
)

// Client streams chat completions from an OpenAI-compatible endpoint.
// It retries transient failures with exponential backoff + jitter and
// isolates failing models behind per-model circuit breakers.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *slog.Logger
	sleepFn    func(context.Context, time.Duration) // for testing

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*provider.Turn]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the default API base URL.
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

// WithSleepFunc overrides the retry sleep function (for testing).
func WithSleepFunc(fn func(context.Context, time.Duration)) Option {
	return func(cl *Client) {
		cl.sleepFn = fn
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// NewClient creates a chat completions client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		logger:     slog.Default(),
		sleepFn:    defaultSleep,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*provider.Turn]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stateful reports that this provider replays full history every call.
func (c *Client) Stateful() bool { return false }

// StreamTurn performs one streaming chat completion, merging tool-call
// fragments by index as they arrive. Tool calls become actionable only
// once the stream ends.
func (c *Client) StreamTurn(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	cb := c.getOrCreateBreaker(req.Model)

	turn, err := cb.Execute(func() (*provider.Turn, error) {
		return c.streamWithRetry(ctx, req, hooks)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, &provider.ClassifiedError{
				Provider: "openai",
				Type:     provider.ErrProviderOverloaded,
				Message:  fmt.Sprintf("circuit breaker open for model %s", req.Model),
			}
		}
		if err == gobreaker.ErrTooManyRequests {
			return nil, &provider.ClassifiedError{
				Provider: "openai",
				Type:     provider.ErrRateLimit,
				Message:  fmt.Sprintf("circuit breaker half-open, too many probes for model %s", req.Model),
			}
		}
		return nil, err
	}
	return turn, nil
}

// streamWithRetry retries transient failures, but only while nothing has
// been streamed to the hooks yet. Once output reached the caller a retry
// would duplicate it.
func (c *Client) streamWithRetry(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	for attempt := 0; ; attempt++ {
		turn, emitted, err := c.doStream(ctx, req, hooks)
		if err == nil {
			return turn, nil
		}

		classified, ok := err.(*provider.ClassifiedError)
		if !ok {
			return nil, err
		}
		if emitted || !classified.Retryable() || attempt >= classified.MaxRetries() {
			return nil, classified
		}

		delay := retryDelay(classified, attempt)
		c.logger.Warn("retrying chat completion",
			"model", req.Model,
			"error_type", classified.Type.String(),
			"attempt", attempt+1,
			"delay", delay,
		)

		c.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// doStream performs a single streaming request. emitted reports whether
// any hook fired before the error.
func (c *Client) doStream(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (turn *provider.Turn, emitted bool, err error) {
	body := chatRequest{
		Model:         req.Model,
		Messages:      buildMessages(req),
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if !req.NoTools {
		body.Tools = buildTools(req.Tools)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &provider.ClassifiedError{
			Provider: "openai",
			Type:     provider.ErrTimeout,
			Message:  err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, false, provider.ClassifyHTTPError("openai", resp)
	}

	turn = &provider.Turn{}
	var text bytes.Buffer
	calls := make(map[int]*provider.ToolCall)

	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		data := decoder.Event().Data
		if string(data) == "[DONE]" {
			break
		}

		var ch chunk
		if err := json.Unmarshal(data, &ch); err != nil {
			continue
		}

		// The final usage frame has no choices and overwrites whatever
		// came before it.
		if ch.Usage != nil {
			turn.Usage = provider.Usage{
				InputTokens:  ch.Usage.PromptTokens,
				OutputTokens: ch.Usage.CompletionTokens,
			}
		}
		if len(ch.Choices) == 0 {
			continue
		}

		d := ch.Choices[0].Delta
		if d.Content != "" {
			text.WriteString(d.Content)
			emitted = true
			if hooks.OnText != nil {
				hooks.OnText(d.Content)
			}
		}
		for _, frag := range d.ToolCalls {
			tc, ok := calls[frag.Index]
			if !ok {
				tc = &provider.ToolCall{}
				calls[frag.Index] = tc
			}
			if frag.ID != "" {
				tc.ID = frag.ID
			}
			if frag.Function != nil {
				if frag.Function.Name != "" {
					tc.Name = frag.Function.Name
				}
				tc.Arguments += frag.Function.Arguments
			}
		}
	}
	if err := decoder.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, emitted, ctx.Err()
		}
		return nil, emitted, &provider.ClassifiedError{
			Provider: "openai",
			Type:     provider.ErrMalformedResponse,
			Message:  fmt.Sprintf("read stream: %v", err),
		}
	}

	turn.Text = text.String()

	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		turn.ToolCalls = append(turn.ToolCalls, *calls[i])
	}

	if hooks.OnTool != nil {
		for _, tc := range turn.ToolCalls {
			hooks.OnTool(tc.Name, parseArgs(tc.Arguments))
		}
	}
	return turn, emitted, nil
}

// parseArgs decodes a tool call's argument JSON, falling back to an empty
// map when the model produced garbage.
func parseArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw != "" {
		json.Unmarshal([]byte(raw), &args) //nolint:errcheck // malformed args stay empty
	}
	return args
}

// retryDelay calculates the backoff before the next attempt. Rate limits
// respect Retry-After.
func retryDelay(err *provider.ClassifiedError, attempt int) time.Duration {
	if err.Type == provider.ErrRateLimit && err.RetryAfter > 0 {
		return jitter(err.RetryAfter)
	}
	base := time.Second * time.Duration(1<<uint(attempt))
	if base > 16*time.Second {
		base = 16 * time.Second
	}
	return jitter(base)
}

// jitter applies random jitter: delay * (0.5 + rand.Float64()).
func jitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(float64(d) * factor)
}

// getOrCreateBreaker returns the circuit breaker for the given model,
// creating one if it doesn't exist.
func (c *Client) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker[*provider.Turn] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*provider.Turn](gobreaker.Settings{
		Name:        "openai-" + model,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			classified, ok := err.(*provider.ClassifiedError)
			if !ok {
				return false
			}
			switch classified.Type {
			case provider.ErrAuth, provider.ErrContentFiltered, provider.ErrContextTooLong:
				return true // client-side problems, not provider failures
			default:
				return false
			}
		},
	})

	c.breakers[model] = cb
	return cb
}
