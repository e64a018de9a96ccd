package rategate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GitHubRequester is the authenticated HTTP collaborator for the
// GitHub REST API. Rate-limit responses surface as errors whose
// message contains "rate limit exceeded" so the gate can tell
// retryable failures from the rest.
type GitHubRequester struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGitHubRequester creates a requester for api.github.com. The token
// may be empty for anonymous (heavily limited) access.
func NewGitHubRequester(baseURL, token string) *GitHubRequester {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubRequester{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// MakeAuthenticatedRequest performs one call against the API.
func (r *GitHubRequester) MakeAuthenticatedRequest(ctx context.Context, endpoint, method string, payload []byte) (*Response, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github response: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
			return out, fmt.Errorf("github API rate limit exceeded (status %d)", resp.StatusCode)
		}
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("github API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
