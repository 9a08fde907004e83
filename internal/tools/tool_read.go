package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxLineLength = 2000

// ReadTool reads files from disk with line numbers.
type ReadTool struct {
	workDir string
}

// NewReadTool creates a ReadTool that resolves relative paths against
// workDir.
func NewReadTool(workDir string) *ReadTool {
	return &ReadTool{workDir: workDir}
}

func (t *ReadTool) Name() string { return "Read" }

func (t *ReadTool) Description() string {
	return "Read a file from disk. Returns content with line numbers. " +
		"Supports offset/limit for large files."
}

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {
				"type": "string",
				"description": "Absolute path to the file to read."
			},
			"offset": {
				"type": "integer",
				"description": "Line number to start from (1-based)."
			},
			"limit": {
				"type": "integer",
				"description": "Max number of lines to read."
			}
		},
		"required": ["file_path"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, args Args) string {
	path := args.String("file_path")
	if path == "" {
		return "Error: no file_path provided."
	}
	path = resolvePath(path, t.workDir)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: file not found: %s", path)
	}
	if err == nil && info.IsDir() {
		return fmt.Sprintf("Error: not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error reading file: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")

	offset := args.Int("offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := args.Int("limit", len(lines))

	start := offset - 1
	if start > len(lines) {
		start = len(lines)
	}
	end := start + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i, line := range lines[start:end] {
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", start+i+1, line)
	}
	return truncate(strings.TrimSuffix(b.String(), "\n"), maxOutput)
}

// resolvePath expands ~ and joins relative paths onto workDir.
func resolvePath(path, workDir string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	return path
}
