package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/BillPolly/toolgate/internal/rategate"
)

// GitHubTool issues read-only GitHub API requests through the rate
// gate, so quota tracking and backoff apply to every call.
type GitHubTool struct {
	gate *rategate.Gate
}

// NewGitHubTool creates a GitHubTool on top of an existing gate.
func NewGitHubTool(gate *rategate.Gate) *GitHubTool {
	return &GitHubTool{gate: gate}
}

func (t *GitHubTool) Name() string { return "github_api" }
func (t *GitHubTool) Tier() int    { return TierReadOnly }

func (t *GitHubTool) Description() string {
	return "Query the GitHub REST API (GET only). Example endpoints: /repos/{owner}/{repo}, /repos/{owner}/{repo}/issues."
}

func (t *GitHubTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"endpoint": map[string]any{
				"type":        "string",
				"description": "API path starting with /, e.g. /repos/golang/go",
			},
		},
		"required": []string{"endpoint"},
	}
}

func (t *GitHubTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	endpoint := GetString(params, "endpoint", "")
	if endpoint == "" {
		return "Error: endpoint is required", nil
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	resp, err := t.gate.Do(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		return "", fmt.Errorf("github_api: %w", err)
	}
	return string(resp.Body), nil
}
