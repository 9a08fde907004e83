package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const grepTimeout = 30 * time.Second

// GrepTool searches file contents with ripgrep, falling back to grep when
// ripgrep is not installed.
type GrepTool struct {
	workDir string
}

// NewGrepTool creates a GrepTool that searches workDir by default.
func NewGrepTool(workDir string) *GrepTool {
	return &GrepTool{workDir: workDir}
}

func (t *GrepTool) Name() string { return "Grep" }

func (t *GrepTool) Description() string {
	return "Search file contents using ripgrep (or grep fallback). " +
		"Returns matching file paths or content lines."
}

func (t *GrepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Regex pattern to search for."
			},
			"path": {
				"type": "string",
				"description": "File or directory to search in (defaults to the working directory)."
			},
			"glob": {
				"type": "string",
				"description": "Glob to filter files, e.g. \"*.go\"."
			},
			"include_content": {
				"type": "boolean",
				"description": "If true, show matching lines instead of just file paths."
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GrepTool) Execute(ctx context.Context, args Args) string {
	pattern := args.String("pattern")
	if pattern == "" {
		return "Error: no pattern provided."
	}

	searchPath := args.String("path")
	if searchPath == "" {
		searchPath = t.workDir
	}
	searchPath = resolvePath(searchPath, t.workDir)
	includeContent := args.Bool("include_content")
	globFilter := args.String("glob")

	var argv []string
	if rg, err := exec.LookPath("rg"); err == nil {
		argv = []string{rg, "--no-heading"}
		if includeContent {
			argv = append(argv, "--line-number")
		} else {
			argv = append(argv, "--files-with-matches")
		}
		if globFilter != "" {
			argv = append(argv, "--glob", globFilter)
		}
		argv = append(argv, "--", pattern, searchPath)
	} else {
		argv = []string{"grep", "-r"}
		if includeContent {
			argv = append(argv, "-n")
		} else {
			argv = append(argv, "-l")
		}
		if globFilter != "" {
			argv = append(argv, "--include", globFilter)
		}
		argv = append(argv, "--", pattern, searchPath)
	}

	ctx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.workDir
	out, err := cmd.Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "Grep timed out after 30s."
	}
	// rg and grep exit 1 on zero matches. Anything else is a real failure.
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return fmt.Sprintf("Error: %v", err)
		}
	}
	if strings.TrimSpace(string(out)) == "" {
		return "No matches found."
	}
	return truncate(string(out), maxOutput)
}
