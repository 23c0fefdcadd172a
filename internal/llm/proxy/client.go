// Package proxy implements a chat-completion client for an OpenAI-compatible
// AI worker proxy. Each client is bound at construction to exactly one route
// (the path component of its base URL); the route selects backend model and
// behavior server-side and is otherwise opaque to the client.
//
// The wire schema follows the go-openai types, but transport and response
// consumption are implemented here so that empty responses, truncated
// streams, and malformed chunks surface as distinct errors.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/internal/llm"

	openai "github.com/sashabaranov/go-openai"
)

const completionsPath = "/chat/completions"

const defaultTimeout = 120 * time.Second

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	route      string
	model      string
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Any Timeout on it
// applies to non-streaming calls only; streams are bounded by context
// cancellation instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client bound to the route selected by baseURL,
// e.g. https://worker.example.com/fast. The api key is passed through as an
// opaque bearer token and the model string is server-interpreted.
func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		route:      routeFromURL(baseURL),
		model:      model,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// routeFromURL extracts the route name from the base URL path.
func routeFromURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "default"
	}
	route := strings.Trim(u.Path, "/")
	if route == "" {
		return "default"
	}
	return route
}

func (c *Client) Route() string {
	return c.route
}

func (c *Client) Model() string {
	return c.model
}

// Chat sends a non-streaming chat completion and returns the first choice's
// message. Content and tool calls are surfaced independently; deciding
// precedence when both are present is the caller's business, as is parsing
// any tool-call arguments.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.post(ctx, c.httpClient, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	return fromWireResponse(&wire)
}

// ChatStream sends a streaming chat completion and returns a pull-based
// reader over the event stream. The caller drives consumption with Recv and
// may abandon it at any point; Close releases the connection.
func (c *Client) ChatStream(ctx context.Context, req *llm.ChatRequest) (llm.StreamReader, error) {
	resp, err := c.post(ctx, c.streamClient(), c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return newStreamReader(resp.Body), nil
}

// streamClient derives a client without the whole-exchange timeout.
// http.Client.Timeout spans reading the entire body, which would cut off
// any stream outliving it; a stream lives as long as the caller keeps
// pulling, bounded by its context.
func (c *Client) streamClient() *http.Client {
	if c.httpClient.Timeout == 0 {
		return c.httpClient
	}
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) buildRequest(req *llm.ChatRequest, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toWireMessages(req.Messages),
		Tools:       toWireTools(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (c *Client) post(ctx context.Context, hc *http.Client, body openai.ChatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", c.route, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	return resp, nil
}
