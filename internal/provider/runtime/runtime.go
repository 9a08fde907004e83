// Package runtime drives a locally installed agent CLI as a model backend.
//
// The CLI keeps the conversation state itself: each run returns a session ID
// that a later run resumes with --resume, so callers send only the new user
// prompt instead of replaying history.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/tinabots/tina/internal/provider"
)

const defaultBinary = "claude"

// scanner buffer: single stream-json lines can carry whole file contents.
const maxLineBytes = 1 << 20

// Client runs the agent CLI as a subprocess, one invocation per turn.
type Client struct {
	binary         string
	workDir        string
	permissionMode string
	maxTurns       int
	env            []string
	logger         *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBinary overrides the CLI executable path.
func WithBinary(path string) Option {
	return func(c *Client) { c.binary = path }
}

// WithWorkDir sets the working directory the CLI runs in.
func WithWorkDir(dir string) Option {
	return func(c *Client) { c.workDir = dir }
}

// WithPermissionMode sets the CLI permission mode for normal turns.
func WithPermissionMode(mode string) Option {
	return func(c *Client) { c.permissionMode = mode }
}

// WithMaxTurns caps the CLI's internal tool-use turns per invocation.
func WithMaxTurns(n int) Option {
	return func(c *Client) { c.maxTurns = n }
}

// WithEnv appends extra environment variables (KEY=value) to the subprocess.
func WithEnv(env ...string) Option {
	return func(c *Client) { c.env = append(c.env, env...) }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client with the given options applied.
func New(opts ...Option) *Client {
	c := &Client{
		binary:         defaultBinary,
		permissionMode: "bypassPermissions",
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stateful reports that this backend keeps conversation state itself.
func (c *Client) Stateful() bool { return true }

type streamEvent struct {
	Type         string            `json:"type"`
	Subtype      string            `json:"subtype"`
	SessionID    string            `json:"session_id"`
	Message      *assistantMessage `json:"message"`
	Result       string            `json:"result"`
	IsError      bool              `json:"is_error"`
	Usage        *usagePayload     `json:"usage"`
	TotalCostUSD float64           `json:"total_cost_usd"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

type usagePayload struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens"`
	CacheWriteTokens int `json:"cache_creation_input_tokens"`
}

// StreamTurn runs one CLI invocation, streaming assistant blocks through
// hooks as they arrive. The CLI executes its own tools, so the returned Turn
// never carries tool calls.
func (c *Client) StreamTurn(ctx context.Context, req provider.TurnRequest, hooks provider.Hooks) (*provider.Turn, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Instructions != "" {
		args = append(args, "--append-system-prompt", req.Instructions)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.NoTools {
		// Read-only turn: no edits, no tool loop.
		args = append(args, "--max-turns", "1", "--permission-mode", "plan")
	} else {
		args = append(args, "--permission-mode", c.permissionMode)
		if c.maxTurns > 0 {
			args = append(args, "--max-turns", strconv.Itoa(c.maxTurns))
		}
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.binary, err)
	}

	turn := &provider.Turn{}
	var text bytes.Buffer
	var resultErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("skipping unparsable stream line", "error", err)
			continue
		}
		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && ev.SessionID != "" {
				turn.SessionID = ev.SessionID
			}
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
					if hooks.OnText != nil {
						hooks.OnText(block.Text)
					}
				case "thinking":
					if hooks.OnThinking != nil {
						hooks.OnThinking(block.Thinking)
					}
				case "tool_use":
					if hooks.OnTool != nil {
						var input map[string]any
						if json.Unmarshal(block.Input, &input) != nil || input == nil {
							input = map[string]any{}
						}
						hooks.OnTool(block.Name, input)
					}
				}
			}
		case "result":
			if ev.SessionID != "" {
				turn.SessionID = ev.SessionID
			}
			if ev.Usage != nil {
				turn.Usage = provider.Usage{
					InputTokens:      ev.Usage.InputTokens,
					OutputTokens:     ev.Usage.OutputTokens,
					CacheReadTokens:  ev.Usage.CacheReadTokens,
					CacheWriteTokens: ev.Usage.CacheWriteTokens,
				}
			}
			if ev.IsError {
				resultErr = &provider.ClassifiedError{
					Provider: "claude",
					Type:     provider.ErrUnknown,
					Message:  ev.Result,
				}
			} else if ev.Result != "" {
				text.Reset()
				text.WriteString(ev.Result)
			}
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &provider.ClassifiedError{
				Provider: "claude",
				Type:     provider.ErrTimeout,
				Message:  "agent runtime timed out",
			}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", c.binary, exitErr.ExitCode(), stderr.String())
		}
		return nil, fmt.Errorf("%s run failed: %w", c.binary, err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read %s output: %w", c.binary, scanErr)
	}
	if resultErr != nil {
		return nil, resultErr
	}

	turn.Text = text.String()
	return turn, nil
}
