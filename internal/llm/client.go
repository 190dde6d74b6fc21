// internal/llm/client.go

// Package llm is an OpenAI-compatible chat completions client that walks
// a chain of endpoints until one answers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable indicates all LLM endpoints are down
var ErrUnavailable = errors.New("all LLM endpoints unavailable")

// ErrNotConfigured is returned when the client has no endpoints
var ErrNotConfigured = errors.New("no LLM endpoints configured")

// errTransient marks failures worth retrying on the next endpoint
var errTransient = errors.New("endpoint unavailable")

// Generator is the text generation contract the agent depends on
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Endpoint represents a single LLM provider
type Endpoint struct {
	URL    string
	Model  string
	APIKey string
}

// Client calls LLM inference APIs with fallback support
type Client struct {
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
}

// NewClient creates a client over the fallback chain. A zero timeout
// means 60 seconds.
func NewClient(endpoints []Endpoint, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoints: endpoints,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		logger: logger,
	}
}

// Configured reports whether any endpoint is set
func (c *Client) Configured() bool {
	return c != nil && len(c.endpoints) > 0
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate answers a single user prompt
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	text, _, err := c.complete(ctx, []message{{Role: "user", Content: prompt}}, 1024)
	return text, err
}

// complete tries each endpoint in order; it returns ErrUnavailable only
// if all of them fail with availability errors
func (c *Client) complete(ctx context.Context, msgs []message, maxTokens int) (string, time.Duration, error) {
	if !c.Configured() {
		return "", 0, ErrNotConfigured
	}

	var lastErr error
	var total time.Duration
	for i, ep := range c.endpoints {
		text, latency, err := c.tryEndpoint(ctx, ep, msgs, maxTokens)
		total += latency
		if err == nil {
			if i > 0 {
				c.logger.Info("llm fallback succeeded", "endpoint", i+1, "model", ep.Model, "failures", i)
			}
			return text, total, nil
		}

		lastErr = err
		if errors.Is(err, errTransient) {
			c.logger.Warn("llm endpoint unavailable", "endpoint", i+1, "model", ep.Model, "error", err)
			continue
		}
		// not an availability problem; other endpoints would fail the same way
		return "", total, err
	}
	return "", total, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) tryEndpoint(ctx context.Context, ep Endpoint, msgs []message, maxTokens int) (string, time.Duration, error) {
	start := time.Now()

	bodyBytes, err := json.Marshal(map[string]any{
		"model":      ep.Model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	})
	if err != nil {
		return "", 0, err
	}

	url := strings.TrimSuffix(ep.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		latency := time.Since(start)
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", latency, fmt.Errorf("%w: connection failed: %w", errTransient, err)
		}
		return "", latency, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return "", latency, fmt.Errorf("%w: HTTP %d", errTransient, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", latency, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", latency, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", latency, errors.New("empty response from API")
	}
	return apiResp.Choices[0].Message.Content, latency, nil
}

// IsUnavailable checks if the error indicates all LLM endpoints are down
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
