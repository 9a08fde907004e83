package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/tools"
)

// sseServer returns a test server that writes the given SSE data frames
// followed by [DONE].
func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestClient(url string) *Client {
	return NewClient("test-key",
		WithBaseURL(url),
		WithSleepFunc(func(context.Context, time.Duration) {}),
	)
}

func TestStreamTurnText(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
	)
	defer srv.Close()

	var deltas []string
	c := newTestClient(srv.URL)
	turn, err := c.StreamTurn(context.Background(), provider.TurnRequest{
		Model:   "gpt-5.2",
		Entries: []history.Entry{{Kind: history.KindUser, Content: "hi"}},
	}, provider.Hooks{OnText: func(d string) { deltas = append(deltas, d) }})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if turn.Text != "Hello" {
		t.Errorf("text = %q", turn.Text)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if turn.Usage.InputTokens != 12 || turn.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", turn.Usage)
	}
}

func TestStreamTurnMergesToolCallFragments(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"Read","arguments":"{\"file_"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"path\":\"a.txt\"}"}}]}}]}`,
	)
	defer srv.Close()

	c := newTestClient(srv.URL)
	turn, err := c.StreamTurn(context.Background(), provider.TurnRequest{
		Model:   "gpt-5.2",
		Entries: []history.Entry{{Kind: history.KindUser, Content: "read a file"}},
	}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(turn.ToolCalls))
	}
	tc := turn.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "Read" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"file_path":"a.txt"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
}

func TestStreamTurnOrdersToolCallsByIndex(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"Write","arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"Read","arguments":"{}"}}]}}]}`,
	)
	defer srv.Close()

	c := newTestClient(srv.URL)
	turn, err := c.StreamTurn(context.Background(), provider.TurnRequest{Model: "m"}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if len(turn.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(turn.ToolCalls))
	}
	if turn.ToolCalls[0].ID != "call_a" || turn.ToolCalls[1].ID != "call_b" {
		t.Errorf("order wrong: %+v", turn.ToolCalls)
	}
}

func TestStreamTurnUsageOverwrite(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"index":0,"delta":{"content":"x"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`,
		`{"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":20}}`,
	)
	defer srv.Close()

	c := newTestClient(srv.URL)
	turn, err := c.StreamTurn(context.Background(), provider.TurnRequest{Model: "m"}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if turn.Usage.InputTokens != 100 || turn.Usage.OutputTokens != 20 {
		t.Errorf("final frame should win: %+v", turn.Usage)
	}
}

func TestStreamTurnClassifiesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.StreamTurn(context.Background(), provider.TurnRequest{Model: "m"}, provider.Hooks{})
	classified, ok := err.(*provider.ClassifiedError)
	if !ok {
		t.Fatalf("expected ClassifiedError, got %v", err)
	}
	if classified.Type != provider.ErrAuth {
		t.Errorf("type = %s", classified.Type)
	}
	if !strings.Contains(classified.Message, "bad key") {
		t.Errorf("message = %q", classified.Message)
	}
}

func TestStreamTurnRetriesOverloaded(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	turn, err := c.StreamTurn(context.Background(), provider.TurnRequest{Model: "m"}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if turn.Text != "ok" {
		t.Errorf("text = %q", turn.Text)
	}
}

func TestStreamTurnSendsToolSchemas(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.StreamTurn(context.Background(), provider.TurnRequest{
		Model: "m",
		Tools: []tools.Definition{{
			Name:        "Bash",
			Description: "run a command",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if !got.Stream || got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
		t.Errorf("stream options not set: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "Bash" || got.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", got.Tools)
	}
}

func TestStreamTurnNoToolsOmitsSchemas(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.StreamTurn(context.Background(), provider.TurnRequest{
		Model:   "m",
		NoTools: true,
		Tools:   []tools.Definition{{Name: "Bash"}},
	}, provider.Hooks{})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if len(got.Tools) != 0 {
		t.Errorf("tools should be omitted: %+v", got.Tools)
	}
}

func TestBuildMessagesMergesToolRound(t *testing.T) {
	entries := []history.Entry{
		{Kind: history.KindSystem, Content: "sys"},
		{Kind: history.KindUser, Content: "do it"},
		{Kind: history.KindAssistant, Content: "working on it"},
		{Kind: history.KindToolCall, CallID: "c1", Name: "Bash", Arguments: `{"command":"ls"}`},
		{Kind: history.KindToolCall, CallID: "c2", Name: "Read", Arguments: `{"file_path":"x"}`},
		{Kind: history.KindToolResult, CallID: "c1", Content: "out1"},
		{Kind: history.KindToolResult, CallID: "c2", Content: "out2"},
		{Kind: history.KindAssistant, Content: "done"},
	}
	msgs := buildMessages(provider.TurnRequest{Entries: entries})

	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
	if len(msgs[2].ToolCalls) != 2 {
		t.Errorf("assistant message should carry both tool calls: %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "c1" || msgs[4].ToolCallID != "c2" {
		t.Errorf("tool results mis-paired: %+v %+v", msgs[3], msgs[4])
	}
}

func TestBuildMessagesBareToolRound(t *testing.T) {
	entries := []history.Entry{
		{Kind: history.KindUser, Content: "go"},
		{Kind: history.KindToolCall, CallID: "c1", Name: "Bash", Arguments: "{}"},
	}
	msgs := buildMessages(provider.TurnRequest{Entries: entries})
	if len(msgs) != 2 {
		t.Fatalf("msgs = %+v", msgs)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != nil || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("bare tool round should be assistant with null content: %+v", msgs[1])
	}
}

func TestBuildMessagesImagesOnLastUser(t *testing.T) {
	entries := []history.Entry{
		{Kind: history.KindUser, Content: "first"},
		{Kind: history.KindAssistant, Content: "ok"},
		{Kind: history.KindUser, Content: "what is this?"},
	}
	msgs := buildMessages(provider.TurnRequest{
		Entries: entries,
		Images:  []provider.Image{{MediaType: "image/png", Data: "QUJD"}},
	})
	if _, ok := msgs[0].Content.(string); !ok {
		t.Errorf("earlier user message should stay a plain string")
	}
	parts, ok := msgs[2].Content.([]contentPart)
	if !ok {
		t.Fatalf("last user message should be content parts: %+v", msgs[2].Content)
	}
	if len(parts) != 2 || parts[0].ImageURL == nil {
		t.Fatalf("parts = %+v", parts)
	}
	if !strings.HasPrefix(parts[0].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image url = %q", parts[0].ImageURL.URL)
	}
	if parts[1].Text != "what is this?" {
		t.Errorf("text part = %+v", parts[1])
	}
}

func TestBuildMessagesInstructionsFallback(t *testing.T) {
	msgs := buildMessages(provider.TurnRequest{
		Instructions: "be helpful",
		Entries:      []history.Entry{{Kind: history.KindUser, Content: "hi"}},
	})
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("instructions should become a system message: %+v", msgs[0])
	}
}

func TestParseArgsMalformed(t *testing.T) {
	if got := parseArgs("{not json"); len(got) != 0 {
		t.Errorf("malformed args should decode to empty map, got %v", got)
	}
	got := parseArgs(`{"a":1}`)
	if got["a"] != float64(1) {
		t.Errorf("got %v", got)
	}
}
