package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const maxGlobMatches = 200

// GlobTool finds files matching a glob pattern.
type GlobTool struct {
	workDir string
}

// NewGlobTool creates a GlobTool that searches workDir by default.
func NewGlobTool(workDir string) *GlobTool {
	return &GlobTool{workDir: workDir}
}

func (t *GlobTool) Name() string { return "Glob" }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern. Returns up to 200 matching paths."
}

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Glob pattern, e.g. \"**/*.go\" or \"src/**/*.ts\"."
			},
			"path": {
				"type": "string",
				"description": "Directory to search in (defaults to the working directory)."
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Execute(ctx context.Context, args Args) string {
	pattern := args.String("pattern")
	if pattern == "" {
		return "Error: no pattern provided."
	}

	dir := args.String("path")
	if dir == "" {
		dir = t.workDir
	}
	dir = resolvePath(dir, t.workDir)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: directory not found: %s", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if len(matches) == 0 {
		return "No files matched."
	}

	sort.Strings(matches)
	if len(matches) > maxGlobMatches {
		matches = matches[:maxGlobMatches]
	}
	for i, m := range matches {
		matches[i] = filepath.Join(dir, m)
	}
	return strings.Join(matches, "\n")
}
