package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 600 * time.Second
)

// BashTool executes shell commands in the agent's working directory.
type BashTool struct {
	workDir string
}

// NewBashTool creates a BashTool rooted at workDir.
func NewBashTool(workDir string) *BashTool {
	return &BashTool{workDir: workDir}
}

func (t *BashTool) Name() string { return "Bash" }

func (t *BashTool) Description() string {
	return "Execute a bash command. Use for git, npm, system commands, " +
		"running tests, etc. Output is truncated at 30k characters."
}

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The bash command to execute."
			},
			"timeout": {
				"type": "integer",
				"description": "Timeout in seconds (default 120, max 600)."
			}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, args Args) string {
	command := args.String("command")
	if command == "" {
		return "Error: no command provided."
	}

	timeout := time.Duration(args.Int("timeout", 120)) * time.Second
	if timeout <= 0 {
		timeout = defaultBashTimeout
	}
	if timeout > maxBashTimeout {
		timeout = maxBashTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.workDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Command timed out after %ds.", int(timeout.Seconds()))
	}

	output := truncate(buf.String(), maxOutput)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return output + fmt.Sprintf("\n[exit code: %d]", code)
	}
	return output
}
