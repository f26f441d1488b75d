// Package client talks to a running appmaker daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with the daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request; generation waits on the model, so keep it long.
	Timeout time.Duration
	Logger  *slog.Logger
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8000/api",
		Timeout: 5 * time.Minute,
	}
}

func New(config Config) *Client {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) ListProjects(ctx context.Context) ([]ProjectInfo, error) {
	var out []ProjectInfo
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// CreateProject generates a new project from a prompt.
func (c *Client) CreateProject(ctx context.Context, req GenerateRequest) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/projects", req, &out)
	return out, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Generate updates an existing project with a new instruction.
func (c *Client) Generate(ctx context.Context, id string, req GenerateRequest) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/generate", req, &out)
	return out, err
}

// Fix asks the model to repair the project's recorded problem.
func (c *Client) Fix(ctx context.Context, id string, req FixRequest) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/fix", req, &out)
	return out, err
}

func (c *Client) RenameProject(ctx context.Context, id, name string) (ProjectInfo, error) {
	var out ProjectInfo
	body := map[string]string{"new_name": name}
	err := c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(id)+"/rename", body, &out)
	return out, err
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(id), nil, nil)
}

// Problem returns the recorded problem, nil when the last run is healthy.
func (c *Client) Problem(ctx context.Context, id string) (*Problem, error) {
	var out struct {
		Problem *Problem `json:"problem"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id)+"/problem_status", nil, &out); err != nil {
		return nil, err
	}
	return out.Problem, nil
}

// Run launches a project, replacing any running application.
func (c *Client) Run(ctx context.Context, id string) (RunResponse, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/runner/run", map[string]string{"project_id": id}, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context) (StopResponse, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, "/runner/stop", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (RunStatus, error) {
	var out RunStatus
	err := c.do(ctx, http.MethodGet, "/runner/status", nil, &out)
	return out, err
}

// Logs returns the daemon's activity log.
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	var out struct {
		Logs []string `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/get_logs", nil, &out)
	return out.Logs, err
}

func (c *Client) LLMOptions(ctx context.Context) (map[string][]string, error) {
	out := map[string][]string{}
	err := c.do(ctx, http.MethodGet, "/llm_options", nil, &out)
	return out, err
}

// do performs a JSON request and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
