package agent

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinabots/tina/internal/config"
	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/task"
	"github.com/tinabots/tina/internal/tools"
)

// scriptedProvider replays a fixed sequence of turns, recording every
// request it receives. The last turn repeats once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	stateful bool
	turns    []*provider.Turn
	errs     []error
	calls    []provider.TurnRequest
}

func (p *scriptedProvider) Stateful() bool { return p.stateful }

func (p *scriptedProvider) StreamTurn(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	p.mu.Lock()
	i := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	turn := p.turns[len(p.turns)-1]
	if i < len(p.turns) {
		turn = p.turns[i]
	}
	if hooks.OnText != nil && turn.Text != "" {
		hooks.OnText(turn.Text)
	}
	out := *turn
	return &out, nil
}

func (p *scriptedProvider) recorded() []provider.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.TurnRequest(nil), p.calls...)
}

// blockingProvider parks until its context is cancelled.
type blockingProvider struct {
	stateful bool
	started  chan struct{}
	once     sync.Once
}

func (p *blockingProvider) Stateful() bool { return p.stateful }

func (p *blockingProvider) StreamTurn(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type stubSkills struct{ section string }

func (s stubSkills) PromptSection() string { return s.section }

type fixture struct {
	agent *Agent
	tasks *task.Store
	hist  *history.Store
	cfg   *config.Config
}

func newFixture(t *testing.T, prov provider.Provider) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Agent: config.AgentConfig{
			Model:          "gpt-4o",
			WorkDir:        dir,
			TimeoutSeconds: 30,
			MaxTokens:      512,
			AllowedTools:   []string{"Bash", "Read"},
		},
		Memory: config.MemoryConfig{
			DataDir:            dir,
			CompressAfterTurns: 20,
			MaxHistoryMessages: 100,
		},
	}
	tasks, err := task.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tasks.Close() })
	hist := history.NewStore(dir)
	reg := tools.NewRegistry(dir, cfg.Agent.AllowedTools)

	return &fixture{
		agent: New(cfg, prov, tasks, hist, reg, stubSkills{}),
		tasks: tasks,
		hist:  hist,
		cfg:   cfg,
	}
}

func TestFreshTaskTextOnlyTurn(t *testing.T) {
	prov := &scriptedProvider{
		stateful: true,
		turns: []*provider.Turn{
			{Text: "hi there", SessionID: "sess-1", Usage: provider.Usage{InputTokens: 10, OutputTokens: 3}},
		},
	}
	f := newFixture(t, prov)

	resp, err := f.agent.Process(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "hi there" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.RoundTrips != 1 {
		t.Errorf("RoundTrips = %d", resp.RoundTrips)
	}

	got, _ := f.tasks.Get(resp.Task.ID)
	if got.SessionID != "sess-1" {
		t.Errorf("session pointer = %q, want sess-1", got.SessionID)
	}
	if got.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", got.TurnCount)
	}
	if got.Name != "hello" {
		t.Errorf("task name = %q", got.Name)
	}
	if got.LastResponse != "hi there" {
		t.Errorf("last response = %q", got.LastResponse)
	}
}

func TestToolLoopExecutesAndPersists(t *testing.T) {
	prov := &scriptedProvider{
		turns: []*provider.Turn{
			{
				ToolCalls: []provider.ToolCall{
					{ID: "call_1", Name: "Bash", Arguments: `{"command":"echo loop-proof"}`},
				},
				Usage: provider.Usage{InputTokens: 10, OutputTokens: 5},
			},
			{Text: "done", Usage: provider.Usage{InputTokens: 20, OutputTokens: 2}},
		},
	}
	f := newFixture(t, prov)

	resp, err := f.agent.Process(context.Background(), "run it", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "done" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.RoundTrips != 2 {
		t.Errorf("RoundTrips = %d, want 2", resp.RoundTrips)
	}
	if len(resp.ToolsUsed) != 1 || resp.ToolsUsed[0] != "Bash" {
		t.Errorf("ToolsUsed = %v", resp.ToolsUsed)
	}
	if resp.Usage.InputTokens != 30 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage not additive: %+v", resp.Usage)
	}

	entries, _ := f.hist.Get(resp.Task.ID)
	kinds := make([]history.Kind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	want := []history.Kind{
		history.KindSystem, history.KindUser, history.KindAssistant,
		history.KindToolCall, history.KindToolResult, history.KindAssistant,
	}
	if !slices.Equal(kinds, want) {
		t.Fatalf("history kinds = %v, want %v", kinds, want)
	}
	if !strings.Contains(entries[4].Content, "loop-proof") {
		t.Errorf("tool result = %q", entries[4].Content)
	}
	if entries[4].CallID != "call_1" {
		t.Errorf("result call id = %q", entries[4].CallID)
	}
}

func TestIterationCeiling(t *testing.T) {
	prov := &scriptedProvider{
		turns: []*provider.Turn{
			{
				Text:      "working",
				ToolCalls: []provider.ToolCall{{ID: "c", Name: "Bash", Arguments: `{"command":"true"}`}},
				Usage:     provider.Usage{InputTokens: 1, OutputTokens: 1},
			},
		},
	}
	f := newFixture(t, prov)

	resp, err := f.agent.Process(context.Background(), "never converges", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.RoundTrips != maxToolIterations {
		t.Errorf("RoundTrips = %d, want %d", resp.RoundTrips, maxToolIterations)
	}
	if !strings.HasSuffix(resp.Text, iterationLimitNotice) {
		t.Errorf("Text missing limit notice: %q", resp.Text)
	}
	if resp.Usage.InputTokens != maxToolIterations {
		t.Errorf("usage = %+v, want %d input tokens", resp.Usage, maxToolIterations)
	}
}

func TestMalformedToolArgumentsRecovered(t *testing.T) {
	prov := &scriptedProvider{
		turns: []*provider.Turn{
			{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "Bash", Arguments: `{{{nope`}}},
			{Text: "recovered"},
		},
	}
	f := newFixture(t, prov)

	resp, err := f.agent.Process(context.Background(), "go", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q", resp.Text)
	}
	entries, _ := f.hist.Get(resp.Task.ID)
	var foundResult bool
	for _, e := range entries {
		if e.Kind == history.KindToolResult && e.CallID == "c1" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Error("tool result for malformed call not persisted")
	}
}

func TestTimeoutProducesNotice(t *testing.T) {
	prov := &blockingProvider{stateful: true, started: make(chan struct{})}
	f := newFixture(t, prov)
	f.cfg.Agent.TimeoutSeconds = 1

	resp, err := f.agent.Process(context.Background(), "slow", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := "Request timed out after 1s. You can retry or send a simpler request."
	if resp.Text != want {
		t.Errorf("Text = %q, want %q", resp.Text, want)
	}
}

func TestProviderErrorSurfacesAsText(t *testing.T) {
	prov := &scriptedProvider{
		stateful: true,
		turns:    []*provider.Turn{{}},
		errs: []error{&provider.ClassifiedError{
			Provider: "openai", Type: provider.ErrAuth, StatusCode: 401, Message: "bad key",
		}},
	}
	f := newFixture(t, prov)

	resp, err := f.agent.Process(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.HasPrefix(resp.Text, "Error: ") || !strings.Contains(resp.Text, "bad key") {
		t.Errorf("Text = %q", resp.Text)
	}
	got, _ := f.tasks.Get(resp.Task.ID)
	if got.TurnCount != 1 {
		t.Errorf("turn count = %d, failed turns still count", got.TurnCount)
	}
}

func TestThresholdCompression(t *testing.T) {
	prov := &scriptedProvider{
		stateful: true,
		turns: []*provider.Turn{
			{Text: "hi", SessionID: "sess-1"},
			{Text: "S"}, // summarization round trip
		},
	}
	f := newFixture(t, prov)
	f.cfg.Memory.CompressAfterTurns = 1

	resp, err := f.agent.Process(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.tasks.Get(resp.Task.ID)
	if got.Summary != "S" {
		t.Errorf("summary = %q, want S", got.Summary)
	}
	if got.SessionID != "" {
		t.Errorf("session pointer = %q, want cleared", got.SessionID)
	}
	if got.TurnCount != 0 {
		t.Errorf("turn count = %d, want 0", got.TurnCount)
	}

	calls := prov.recorded()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if !calls[1].NoTools {
		t.Error("summarization must withhold tools")
	}
	if calls[1].SessionID != "sess-1" {
		t.Errorf("summarization session = %q", calls[1].SessionID)
	}
	if calls[1].Prompt != compressionPrompt {
		t.Errorf("summarization prompt = %q", calls[1].Prompt)
	}
}

func TestEmptyCompressionLeavesStateUnchanged(t *testing.T) {
	prov := &scriptedProvider{
		stateful: true,
		turns: []*provider.Turn{
			{Text: "hi", SessionID: "sess-1"},
			{Text: ""}, // summarization yields nothing
		},
	}
	f := newFixture(t, prov)
	f.cfg.Memory.CompressAfterTurns = 1

	resp, err := f.agent.Process(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.tasks.Get(resp.Task.ID)
	if got.Summary != "" {
		t.Errorf("summary = %q, want empty", got.Summary)
	}
	if got.SessionID != "sess-1" || got.TurnCount != 1 {
		t.Errorf("state changed on failed compression: %+v", got)
	}
}

func TestForceCompressRequiresSession(t *testing.T) {
	prov := &scriptedProvider{stateful: true, turns: []*provider.Turn{{Text: "S"}}}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("empty")

	summary, err := f.agent.ForceCompress(context.Background(), tk)
	if err != nil {
		t.Fatalf("ForceCompress: %v", err)
	}
	if summary != "" {
		t.Errorf("summary = %q, want nothing to compress", summary)
	}
	if len(prov.recorded()) != 0 {
		t.Error("provider should not be called with nothing to compress")
	}
}

func TestForceCompressStateless(t *testing.T) {
	prov := &scriptedProvider{turns: []*provider.Turn{{Text: "the summary"}}}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("chatty")
	f.hist.SetSystem(tk.ID, "old system")
	f.hist.Append(tk.ID,
		history.Entry{Kind: history.KindUser, Content: "question"},
		history.Entry{Kind: history.KindAssistant, Content: "answer"},
	)

	summary, err := f.agent.ForceCompress(context.Background(), tk)
	if err != nil {
		t.Fatalf("ForceCompress: %v", err)
	}
	if summary != "the summary" {
		t.Errorf("summary = %q", summary)
	}

	got, _ := f.tasks.Get(tk.ID)
	if got.Summary != "the summary" {
		t.Errorf("persisted summary = %q", got.Summary)
	}
	entries, _ := f.hist.Get(tk.ID)
	if len(entries) != 0 {
		t.Errorf("history not cleared: %d entries", len(entries))
	}

	calls := prov.recorded()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0]
	if !req.NoTools {
		t.Error("summarization must withhold tools")
	}
	last := req.Entries[len(req.Entries)-1]
	if last.Kind != history.KindUser || last.Content != compressionPrompt {
		t.Errorf("last entry = %+v", last)
	}
	if req.Entries[0].Content != compressSystemPrompt {
		t.Errorf("system entry = %q", req.Entries[0].Content)
	}
}

func TestForceCompressStatelessNothingToCompress(t *testing.T) {
	prov := &scriptedProvider{turns: []*provider.Turn{{Text: "S"}}}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("quiet")
	f.hist.SetSystem(tk.ID, "system only")

	summary, err := f.agent.ForceCompress(context.Background(), tk)
	if err != nil || summary != "" {
		t.Errorf("ForceCompress = %q, %v; want nothing", summary, err)
	}
}

func TestCompressedTaskInjectsContextAndRecovers(t *testing.T) {
	prov := &scriptedProvider{
		stateful: true,
		turns: []*provider.Turn{
			{Text: "picking up", SessionID: "sess-new"},
		},
	}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("long work")
	f.tasks.UpdateSessionID(tk.ID, "sess-old")
	f.tasks.SaveLastResponse(tk.ID, "previous reply text")
	f.tasks.SaveSummary(tk.ID, "S")
	tk, _ = f.tasks.Get(tk.ID)

	resp, err := f.agent.Process(context.Background(), "continue", Options{Task: tk})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	req := prov.recorded()[0]
	if req.SessionID != "" {
		t.Errorf("compressed task must not resume, got %q", req.SessionID)
	}
	for _, want := range []string{
		"<previous-context>",
		"## Conversation Summary\nS",
		"## Your Last Response (for reference)\nprevious reply text",
	} {
		if !strings.Contains(req.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}

	got, _ := f.tasks.Get(resp.Task.ID)
	if got.SessionID != "sess-new" {
		t.Errorf("session = %q, want sess-new", got.SessionID)
	}
	if got.Summary != "" {
		t.Errorf("summary = %q, want cleared after resumed delivery", got.Summary)
	}
}

func TestSchedulingInstructionsGatedOnChat(t *testing.T) {
	prov := &scriptedProvider{stateful: true, turns: []*provider.Turn{{Text: "ok", SessionID: "s"}}}
	f := newFixture(t, prov)

	if _, err := f.agent.Process(context.Background(), "hi", Options{ChatID: 42}); err != nil {
		t.Fatal(err)
	}
	withChat := prov.recorded()[0].Instructions
	if !strings.Contains(withChat, "Scheduling & Reminders") || !strings.Contains(withChat, `"chat_id": 42`) {
		t.Error("scheduling block missing with chat ID")
	}

	prov2 := &scriptedProvider{stateful: true, turns: []*provider.Turn{{Text: "ok", SessionID: "s"}}}
	f2 := newFixture(t, prov2)
	if _, err := f2.agent.Process(context.Background(), "hi", Options{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(prov2.recorded()[0].Instructions, "Scheduling & Reminders") {
		t.Error("scheduling block present without chat ID")
	}
}

func TestNewMessageCancelsInFlightCall(t *testing.T) {
	prov := &blockingProvider{started: make(chan struct{})}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("busy")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.agent.Process(context.Background(), "first", Options{Task: tk})
		errCh <- err
	}()
	<-prov.started

	// Swap in a provider that answers, as a rebuilt call path would.
	f.agent.prov = &scriptedProvider{turns: []*provider.Turn{{Text: "second answer"}}}

	resp, err := f.agent.Process(context.Background(), "second", Options{Task: tk})
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if resp.Text != "second answer" {
		t.Errorf("Text = %q", resp.Text)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first call error = %v, want canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first call never unwound")
	}

	entries, _ := f.hist.Get(tk.ID)
	var sawMarker bool
	for i, e := range entries {
		if e.Kind == history.KindCancelled {
			sawMarker = true
			if i == 0 || entries[i-1].Kind != history.KindUser || entries[i-1].Content != "first" {
				t.Error("cancellation marker not adjacent to orphaned user entry")
			}
		}
		if e.Kind == history.KindAssistant && e.Content == "" {
			t.Error("cancelled call committed a partial assistant entry")
		}
	}
	if !sawMarker {
		t.Error("no cancellation marker recorded")
	}
}

func TestCancelledStreamCommitsNoPartialMutation(t *testing.T) {
	prov := &blockingProvider{started: make(chan struct{})}
	f := newFixture(t, prov)
	tk, _ := f.tasks.Create("interrupted")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.agent.Process(ctx, "doomed message", Options{Task: tk})
		errCh <- err
	}()
	<-prov.started
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}

	entries, _ := f.hist.Get(tk.ID)
	for _, e := range entries {
		if e.Kind == history.KindAssistant || e.Kind == history.KindToolResult {
			t.Errorf("cancelled call persisted %s entry", e.Kind)
		}
	}
}
