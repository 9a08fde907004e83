package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxFetchOutput = 50_000

// WebFetchTool fetches the content of a URL.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates a WebFetchTool with a 30-second request timeout.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *WebFetchTool) Name() string { return "WebFetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch content from a URL. Returns the text/HTML content, " +
		"truncated at 50k characters."
}

func (t *WebFetchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch."
			}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, args Args) string {
	url := args.String("url")
	if url == "" {
		return "Error: no url provided."
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("Error fetching URL: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error fetching URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("Error fetching URL: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchOutput+1))
	if err != nil {
		return fmt.Sprintf("Error fetching URL: %v", err)
	}
	if len(body) > maxFetchOutput {
		return string(body[:maxFetchOutput]) + "\n... (truncated at 50k chars)"
	}
	return string(body)
}
