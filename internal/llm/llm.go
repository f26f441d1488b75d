// Package llm turns prompts into project files through OpenAI-compatible chat
// completion endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/project"
)

var (
	// ErrUnavailable covers transport failures, rate limiting and 5xx replies.
	ErrUnavailable = errors.New("llm provider unavailable")
	// ErrRejected covers 4xx replies and replies that carry no usable files.
	ErrRejected        = errors.New("llm request rejected")
	ErrUnknownProvider = errors.New("unknown llm provider")
)

type Request struct {
	Provider string
	Model    string
	Prompt   string
	// Files is the current project content sent as context; empty for new projects.
	Files project.FileSet
}

// Result carries the parsed files and the raw reply kept in project history.
type Result struct {
	Files project.FileSet
	Raw   string
}

// Generator produces project files for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Options() map[string][]string
}

// Client dispatches requests to configured providers.
type Client struct {
	cfg        Config
	providers  map[string]ProviderConfig
	httpClient *http.Client
	log        *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func New(cfg Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, providers: mergeProviders(cfg.Providers), log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Options lists the models of every provider with an API key.
func (c *Client) Options() map[string][]string {
	out := map[string][]string{}
	for _, name := range sortedNames(c.providers) {
		p := c.providers[name]
		if p.Key() == "" || len(p.Models) == 0 {
			continue
		}
		out[name] = append([]string(nil), p.Models...)
	}
	return out
}

func (c *Client) resolve(req Request) (string, ProviderConfig, string, error) {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		name = c.cfg.Default
	}
	p, ok := c.providers[name]
	if !ok {
		return "", ProviderConfig{}, "", fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	key := p.Key()
	if key == "" {
		return "", ProviderConfig{}, "", fmt.Errorf("%w: %s has no API key configured", ErrUnknownProvider, name)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" && len(p.Models) > 0 {
		model = p.Models[0]
	}
	if model == "" {
		return "", ProviderConfig{}, "", fmt.Errorf("%w: no model given for %s", ErrRejected, name)
	}
	return name, p, model, nil
}

// Generate sends the prompt with the current files and parses the reply.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	name, p, model, err := c.resolve(req)
	if err != nil {
		return Result{}, err
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	oc := openai.DefaultConfig(p.Key())
	if p.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(p.BaseURL, "/")
	}
	if c.httpClient != nil {
		oc.HTTPClient = c.httpClient
	}
	client := openai.NewClientWithConfig(oc)

	c.log.Debug("requesting generation", "provider", name, "model", model, "context_files", len(req.Files))
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildMessages(req)},
		},
	})
	if err != nil {
		err = classify(name, err)
		metrics.IncLLMRequest(name, outcome(err))
		c.log.Error("llm call failed", "provider", name, "model", model, "error", err)
		return Result{}, err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		metrics.IncLLMRequest(name, "rejected")
		return Result{}, fmt.Errorf("%w: %s returned no content", ErrRejected, name)
	}
	raw := resp.Choices[0].Message.Content
	files, err := ParseFiles(raw)
	if err != nil {
		metrics.IncLLMRequest(name, "rejected")
		return Result{}, err
	}
	metrics.IncLLMRequest(name, "ok")
	c.log.Debug("generation finished", "provider", name, "files", len(files), "finish_reason", resp.Choices[0].FinishReason)
	return Result{Files: files, Raw: raw}, nil
}

// classify maps client errors onto ErrUnavailable or ErrRejected.
func classify(provider string, err error) error {
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return fmt.Errorf("%w: %s: %v", ErrRejected, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, provider, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "error"
}
