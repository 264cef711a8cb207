// Package github is a minimal GitHub REST client covering what the fix
// workflow needs: opening pull requests and commenting on commits.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const defaultBaseURL = "https://api.github.com"

// APIError is a non-2xx answer from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github API error (status %d): %s", e.StatusCode, e.Message)
}

// Client calls the GitHub REST API with a bearer token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing and GitHub
// Enterprise).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a GitHub API client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PullRequest describes a pull request to open.
type PullRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"` // Branch with the changes.
	Base  string `json:"base"` // Branch to merge into.
	Body  string `json:"body"`
}

// CreatePullRequest opens a pull request on repo ("owner/name") and returns
// its URL.
func (c *Client) CreatePullRequest(ctx context.Context, repo string, pr PullRequest) (string, error) {
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/pulls", repo)
	if err := c.post(ctx, path, pr, &created); err != nil {
		return "", fmt.Errorf("creating pull request on %s: %w", repo, err)
	}
	c.logger.InfoContext(ctx, "pull request opened",
		slog.String("repository", repo),
		slog.String("url", created.HTMLURL),
	)
	return created.HTMLURL, nil
}

// CreateCommitComment posts a comment on the commit at ref and returns the
// comment's URL.
func (c *Client) CreateCommitComment(ctx context.Context, repo, ref, body string) (string, error) {
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/commits/%s/comments", repo, ref)
	payload := map[string]string{"body": body}
	if err := c.post(ctx, path, payload, &created); err != nil {
		return "", fmt.Errorf("commenting on %s@%s: %w", repo, ref, err)
	}
	c.logger.InfoContext(ctx, "commit comment posted",
		slog.String("repository", repo),
		slog.String("ref", ref),
		slog.String("url", created.HTMLURL),
	)
	return created.HTMLURL, nil
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiMsg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiMsg)
		if apiMsg.Message == "" {
			apiMsg.Message = string(respBody)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiMsg.Message}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
