// Package agent orchestrates conversations between the front ends, the task
// store, and the model backends.
//
// The orchestrator is provider-agnostic: stateful backends resume a
// provider-side session by pointer, stateless backends replay persisted
// history and get a local tool-calling loop. Either way the caller receives a
// well-formed Response — timeouts and provider failures surface as response
// text, never as a panic or an unrenderable error.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinabots/tina/internal/budget"
	"github.com/tinabots/tina/internal/config"
	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/task"
	"github.com/tinabots/tina/internal/tools"
)

// maxToolIterations bounds the request → tool execution cycle for one user
// message. Hitting it is a degradation, not an error.
const maxToolIterations = 25

// cancelGrace is how long a new message waits for a cancelled in-flight call
// on the same task to clean up.
const cancelGrace = 5 * time.Second

// Response is what one processed user message produces. It is always
// renderable: failures are encoded in Text.
type Response struct {
	Text       string
	SessionID  string
	Usage      provider.Usage
	RoundTrips int
	ToolsUsed  []string
	CostUSD    float64
	Task       *task.Task
}

// Options tune a single Process call.
type Options struct {
	Task   *task.Task // nil: use the active task, or create one
	ChatID int64      // nonzero enables scheduling instructions
	Images []provider.Image
	Hooks  provider.Hooks
}

// Skills supplies the system-prompt section contributed by installed skills.
type Skills interface {
	PromptSection() string
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Agent routes user messages through the configured provider.
type Agent struct {
	cfg    *config.Config
	prov   provider.Provider
	tasks  *task.Store
	hist   *history.Store
	reg    *tools.Registry
	skills Skills
	spend  *budget.Tracker // nil: no spend tracking
	logger *slog.Logger

	schedulesDir string

	mu       sync.Mutex
	inflight map[string]*inflight
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithBudget enables spend tracking and daily-limit enforcement.
func WithBudget(t *budget.Tracker) Option {
	return func(a *Agent) { a.spend = t }
}

// New builds an Agent from its collaborators.
func New(cfg *config.Config, prov provider.Provider, tasks *task.Store, hist *history.Store, reg *tools.Registry, sk Skills, opts ...Option) *Agent {
	a := &Agent{
		cfg:          cfg,
		prov:         prov,
		tasks:        tasks,
		hist:         hist,
		reg:          reg,
		skills:       sk,
		logger:       slog.Default(),
		schedulesDir: filepath.Join(cfg.Memory.DataDir, "schedules"),
		inflight:     make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process handles one user message end to end: resolve the task, run the
// provider (with the tool loop for stateless backends), persist state, and
// compress when the turn threshold is crossed.
//
// At most one call per task is in flight: a newer message cancels the older
// call and waits briefly for it to unwind. A cancelled call returns
// ctx.Err(); every other failure resolves to a Response whose Text explains
// what happened.
func (a *Agent) Process(ctx context.Context, message string, opts Options) (*Response, error) {
	t, err := a.resolveTask(message, opts.Task)
	if err != nil {
		return nil, err
	}

	if a.spend != nil {
		if _, exhausted := a.spend.CheckDaily(); exhausted {
			return &Response{
				Task: t,
				Text: fmt.Sprintf("Daily budget exhausted ($%.2f spent today). Try again tomorrow or raise agent.dailyBudgetUSD.", a.spend.DailyCost()),
			}, nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	release := a.admit(t.ID, cancel)
	defer release()

	timeout := time.Duration(a.cfg.Agent.TimeoutSeconds) * time.Second
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	a.logger.Info("process",
		"task", t.ID,
		"resume", t.SessionID != "" && t.Summary == "",
		"summary", t.Summary != "",
		"turns", t.TurnCount)

	var resp *Response
	if a.prov.Stateful() {
		resp, err = a.runStateful(tctx, t, message, opts)
	} else {
		resp, err = a.runToolLoop(tctx, t, message, opts)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		// Anything else is surfaced as renderable text.
		resp = &Response{Text: fmt.Sprintf("Error: %v", err)}
	}
	resp.Task = t

	if a.spend != nil && resp.CostUSD > 0 {
		if err := a.spend.Record(t.ID, a.cfg.Agent.Model, resp.Usage, resp.CostUSD); err != nil {
			a.logger.Warn("spend record failed", "task", t.ID, "error", err)
		}
	}
	if resp.Text != "" {
		if err := a.tasks.SaveLastResponse(t.ID, resp.Text); err != nil {
			a.logger.Warn("save last response failed", "task", t.ID, "error", err)
		}
	}
	if _, err := a.tasks.IncrementTurns(t.ID); err != nil {
		a.logger.Warn("increment turns failed", "task", t.ID, "error", err)
	}

	a.maybeCompress(ctx, t.ID)
	return resp, nil
}

// resolveTask returns the explicit task, else the active one, else a new
// task named after the message.
func (a *Agent) resolveTask(message string, explicit *task.Task) (*task.Task, error) {
	if explicit != nil {
		return explicit, nil
	}
	t, err := a.tasks.Active()
	if err != nil {
		return nil, fmt.Errorf("resolve active task: %w", err)
	}
	if t != nil {
		return t, nil
	}
	return a.tasks.Create(message)
}

// admit enforces one in-flight call per task, cancelling and briefly waiting
// out any predecessor. The returned func releases the slot.
func (a *Agent) admit(taskID string, cancel context.CancelFunc) func() {
	for {
		a.mu.Lock()
		prev := a.inflight[taskID]
		if prev == nil {
			break
		}
		prev.cancel()
		a.mu.Unlock()
		select {
		case <-prev.done:
		case <-time.After(cancelGrace):
			a.logger.Warn("in-flight call did not unwind in time", "task", taskID)
		}
	}
	in := &inflight{cancel: cancel, done: make(chan struct{})}
	a.inflight[taskID] = in
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		if a.inflight[taskID] == in {
			delete(a.inflight, taskID)
		}
		a.mu.Unlock()
		close(in.done)
		cancel()
	}
}

// runStateful performs a single round trip against a backend that keeps its
// own session and runs its own tools.
func (a *Agent) runStateful(ctx context.Context, t *task.Task, message string, opts Options) (*Response, error) {
	resume := ""
	if t.SessionID != "" && t.Summary == "" {
		resume = t.SessionID
	}
	wasCompressed := t.Summary != ""

	prompt := message
	if len(opts.Images) > 0 {
		prompt = message + imageAttachments(opts.Images, a.logger)
	}

	resp := &Response{}
	hooks := opts.Hooks
	userOnTool := hooks.OnTool
	hooks.OnTool = func(name string, args map[string]any) {
		resp.ToolsUsed = append(resp.ToolsUsed, name)
		if userOnTool != nil {
			userOnTool(name, args)
		}
	}

	turn, err := a.prov.StreamTurn(ctx, provider.TurnRequest{
		Model:        a.cfg.Agent.Model,
		Instructions: a.buildSystemPrompt(t, opts.ChatID),
		Prompt:       prompt,
		SessionID:    resume,
	}, hooks)
	if err != nil {
		if timeoutHit(ctx, err) {
			resp.Text = a.timeoutNotice()
			return resp, nil
		}
		return nil, err
	}

	resp.Text = turn.Text
	resp.Usage = turn.Usage
	resp.RoundTrips = 1
	resp.SessionID = turn.SessionID
	resp.CostUSD = a.estimateCost(turn.Usage)

	if turn.SessionID != "" {
		if err := a.tasks.UpdateSessionID(t.ID, turn.SessionID); err != nil {
			a.logger.Warn("update session failed", "task", t.ID, "error", err)
		}
		// The summary was delivered into the new session's context, so
		// the pointer is authoritative again.
		if wasCompressed {
			if err := a.tasks.ClearSummary(t.ID); err != nil {
				a.logger.Warn("clear summary failed", "task", t.ID, "error", err)
			}
		}
	}
	return resp, nil
}

// runToolLoop drives a stateless backend: replay history, stream one round
// trip, execute any requested tools, repeat until a text-only reply or the
// iteration ceiling.
func (a *Agent) runToolLoop(ctx context.Context, t *task.Task, message string, opts Options) (*Response, error) {
	sysPrompt := a.buildSystemPrompt(t, opts.ChatID)
	if err := a.hist.SetSystem(t.ID, sysPrompt); err != nil {
		return nil, fmt.Errorf("set system entry: %w", err)
	}
	if err := a.hist.Append(t.ID, history.Entry{Kind: history.KindUser, Content: message}); err != nil {
		return nil, fmt.Errorf("append user entry: %w", err)
	}

	resp := &Response{}
	var lastText string

	for i := 0; i < maxToolIterations; i++ {
		entries, err := a.hist.Get(t.ID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}

		turn, err := a.prov.StreamTurn(ctx, provider.TurnRequest{
			Model:        a.cfg.Agent.Model,
			Instructions: sysPrompt,
			Entries:      entries,
			Images:       opts.Images,
			Tools:        a.reg.Definitions(),
			MaxTokens:    a.cfg.Agent.MaxTokens,
		}, opts.Hooks)
		if err != nil {
			if timeoutHit(ctx, err) {
				resp.Text = a.timeoutNotice()
				a.finishLoop(t.ID, resp)
				return resp, nil
			}
			if errors.Is(err, context.Canceled) {
				// Leave the user entry with a marker so the next
				// call knows this message never got an answer.
				a.hist.Append(t.ID, history.Entry{
					Kind:    history.KindCancelled,
					Content: "interrupted before a reply was produced",
				})
				return nil, err
			}
			return nil, err
		}

		resp.Usage.Add(turn.Usage)
		resp.RoundTrips++
		if turn.SessionID != "" {
			resp.SessionID = turn.SessionID
		}
		lastText = turn.Text

		if len(turn.ToolCalls) == 0 {
			resp.Text = turn.Text
			if turn.Text != "" {
				if err := a.hist.Append(t.ID, history.Entry{Kind: history.KindAssistant, Content: turn.Text}); err != nil {
					return nil, fmt.Errorf("append assistant entry: %w", err)
				}
			}
			a.finishLoop(t.ID, resp)
			return resp, nil
		}

		if err := a.runTools(ctx, t.ID, turn, resp); err != nil {
			return nil, err
		}
	}

	resp.Text = lastText + iterationLimitNotice
	a.finishLoop(t.ID, resp)
	return resp, nil
}

// runTools persists the model's tool-call entries and their results as one
// atomic batch, executing each call in the order reported.
func (a *Agent) runTools(ctx context.Context, taskID string, turn *provider.Turn, resp *Response) error {
	var batch []history.Entry
	if len(turn.Items) > 0 {
		// Item-based wire format: replay the provider's own output
		// items verbatim on the next round trip.
		batch = append(batch, turn.Items...)
	} else {
		batch = append(batch, history.Entry{Kind: history.KindAssistant, Content: turn.Text})
		for _, tc := range turn.ToolCalls {
			batch = append(batch, history.Entry{
				Kind:      history.KindToolCall,
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
	}

	for _, tc := range turn.ToolCalls {
		resp.ToolsUsed = append(resp.ToolsUsed, tc.Name)
		args := tools.Args(parseArgs(tc.Arguments))
		result := a.reg.Execute(ctx, tc.Name, args)
		batch = append(batch, history.Entry{
			Kind:    history.KindToolResult,
			CallID:  tc.ID,
			Content: result,
		})
	}

	if err := a.hist.Append(taskID, batch...); err != nil {
		return fmt.Errorf("append tool round: %w", err)
	}
	return nil
}

// finishLoop applies post-run bookkeeping for the stateless path.
func (a *Agent) finishLoop(taskID string, resp *Response) {
	if err := a.hist.Trim(taskID, a.cfg.Memory.MaxHistoryMessages); err != nil {
		a.logger.Warn("trim history failed", "task", taskID, "error", err)
	}
	resp.CostUSD = a.estimateCost(resp.Usage)
}

func (a *Agent) estimateCost(u provider.Usage) float64 {
	if a.cfg.ResolvedProvider() == config.ProviderCodex {
		// Subscription-backed, no per-token cost.
		return 0
	}
	return config.EstimateCost(a.cfg.Agent.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens)
}

func (a *Agent) timeoutNotice() string {
	return fmt.Sprintf("Request timed out after %ds. You can retry or send a simpler request.", a.cfg.Agent.TimeoutSeconds)
}

// timeoutHit reports whether err is the wall-clock budget expiring rather
// than a cancellation or provider failure.
func timeoutHit(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var cerr *provider.ClassifiedError
	return errors.As(err, &cerr) && cerr.Type == provider.ErrTimeout
}

func parseArgs(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// imageAttachments writes inline images to temp files and returns text
// references a file-reading backend can follow.
func imageAttachments(images []provider.Image, logger *slog.Logger) string {
	var b strings.Builder
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			logger.Warn("bad image payload", "error", err)
			continue
		}
		f, err := os.CreateTemp("", "tina-img-*"+imageExt(img.MediaType))
		if err != nil {
			logger.Warn("image temp file failed", "error", err)
			continue
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			continue
		}
		f.Close()
		fmt.Fprintf(&b, "\n\n[Attached image: %s]", f.Name())
	}
	return b.String()
}

func imageExt(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
