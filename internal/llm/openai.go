package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	fallbacks  []string
	httpClient *http.Client
	logger     *slog.Logger

	calls     atomic.Int64
	failures  atomic.Int64
	lastError atomic.Value // string
}

// NewOpenAIClient creates a client for the given API base. An empty
// base defaults to the OpenAI public endpoint.
func NewOpenAIClient(baseURL, apiKey string, fallbacks []string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		fallbacks: fallbacks,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5 * time.Minute), // tool-heavy completions can run long
		),
		logger: logger,
	}
}

// CreateChatCompletion sends the request, falling back through the
// configured fallback models when the primary model errors. The
// request's declared model is always tried first.
func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	models := append([]string{req.Model}, c.fallbacks...)

	var lastErr error
	for i, model := range models {
		if model == "" || (i > 0 && model == req.Model) {
			continue
		}
		req.Model = model

		resp, err := c.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.lastError.Store(err.Error())
		if ctx.Err() != nil {
			return nil, err
		}
		if i < len(models)-1 {
			c.logger.Warn("chat completion failed, trying fallback model",
				"model", model, "next", models[i+1], "error", err)
		}
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

func (c *OpenAIClient) send(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c.calls.Add(1)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "chat completion request",
		"model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools), "bytes", len(body))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "chat completion response",
		"model", chatResp.Model,
		"finish_reason", chatResp.FinishReason(),
		"tool_calls", len(chatResp.First().ToolCalls),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"duration", time.Since(start).Round(time.Millisecond))

	return &chatResp, nil
}

// Ping checks if the provider is reachable by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// Stats returns call counters for the status endpoint.
func (c *OpenAIClient) Stats() (calls, failures int64, lastError string) {
	if v, ok := c.lastError.Load().(string); ok {
		lastError = v
	}
	return c.calls.Load(), c.failures.Load(), lastError
}
