// Package agent implements the ReAct control loop: think (ask the
// model), act (execute tool calls), observe (feed results back), and
// repeat until the model answers in plain text or runs out of budget.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pawhq/paw/internal/conversation"
	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/llm"
	"github.com/pawhq/paw/internal/tools"
)

// maxIterationsNudge is appended as a synthetic user message when the
// iteration budget runs out, before the forced tool-less completion.
const maxIterationsNudge = "[SYSTEM: You have reached the maximum number of iterations. " +
	"Please provide your final answer now with what you have so far.]"

// Config bounds one loop invocation.
type Config struct {
	MaxIterations int
	MaxToolCalls  int
}

// DefaultConfig returns the stock budgets.
func DefaultConfig() Config {
	return Config{MaxIterations: 10, MaxToolCalls: 20}
}

// ToolLogEntry records one executed tool call for the caller.
type ToolLogEntry struct {
	Tool         string `json:"tool"`
	Arguments    any    `json:"arguments"`
	ResultLength int    `json:"result_length"`
	Iteration    int    `json:"iteration"`
}

// Result is the outcome of one loop invocation. Immutable once
// returned.
type Result struct {
	Response      string         `json:"response"`
	FinishReason  string         `json:"finish_reason"`
	ToolCallsMade int            `json:"tool_calls_made"`
	Iterations    int            `json:"iterations"`
	Usage         llm.Usage      `json:"usage"`
	ToolLog       []ToolLogEntry `json:"tool_log,omitempty"`
}

// RunOptions carry per-invocation overrides.
type RunOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Loop drives the model against the tool registry. Stateless across
// invocations; all mutable state lives in the conversation.
type Loop struct {
	client   llm.Client
	registry *tools.Registry
	config   Config
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a loop.
func New(client llm.Client, registry *tools.Registry, config Config, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:   client,
		registry: registry,
		config:   config,
		bus:      bus,
		logger:   logger,
	}
}

// Run executes the loop against the given conversation. The caller is
// responsible for holding the conversation's lock across the whole
// fetch, run, persist sequence.
//
// Model errors propagate out as this invocation's failure; tool errors
// never do, they come back to the model as textual observations.
func (l *Loop) Run(ctx context.Context, conv *conversation.Conversation, opts RunOptions) (*Result, error) {
	result := &Result{}
	toolSchema := l.registry.List()

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		result.Iterations = iteration
		l.logger.Info("agent iteration",
			"conversation", conv.ID,
			"iteration", iteration,
			"max", l.config.MaxIterations,
			"tool_calls_so_far", result.ToolCallsMade)

		resp, err := l.complete(ctx, conv, opts, toolSchema)
		if err != nil {
			return nil, err
		}
		result.Usage.Add(resp.Usage)

		message := resp.First()
		if len(message.ToolCalls) == 0 {
			conv.AddMessage("assistant", message.Content)
			result.Response = message.Content
			result.FinishReason = resp.FinishReason()
			if result.FinishReason == "" {
				result.FinishReason = "stop"
			}
			l.logger.Info("agent complete",
				"conversation", conv.ID,
				"iterations", iteration,
				"tool_calls", result.ToolCallsMade,
				"finish_reason", result.FinishReason)
			return result, nil
		}

		// Declare the calls in the transcript before running any of
		// them; tool results must always follow a matching declaration.
		conv.Append(llm.Message{
			Role:      "assistant",
			Content:   message.Content,
			ToolCalls: message.ToolCalls,
		})

		for _, tc := range message.ToolCalls {
			if result.ToolCallsMade >= l.config.MaxToolCalls {
				advisory := fmt.Sprintf(
					"Tool call limit reached (%d). Please provide a final answer with what you have so far.",
					l.config.MaxToolCalls)
				conv.AddToolResult(tc.ID, advisory)
				l.logger.Warn("tool call limit reached",
					"conversation", conv.ID, "limit", l.config.MaxToolCalls)
				continue
			}
			result.ToolCallsMade++

			l.logger.Info("agent tool call",
				"conversation", conv.ID,
				"tool", tc.Function.Name,
				"call_id", tc.ID,
				"iteration", iteration,
				"call_number", result.ToolCallsMade)
			l.publish(events.KindToolCall, map[string]any{
				"conversation_id": conv.ID,
				"tool":            tc.Function.Name,
				"iteration":       iteration,
			})

			start := time.Now()
			observation := l.registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)

			result.ToolLog = append(result.ToolLog, ToolLogEntry{
				Tool:         tc.Function.Name,
				Arguments:    safeParse(tc.Function.Arguments),
				ResultLength: len(observation),
				Iteration:    iteration,
			})
			conv.AddToolResult(tc.ID, observation)

			l.logger.Info("agent tool result",
				"conversation", conv.ID,
				"tool", tc.Function.Name,
				"result_length", len(observation),
				"duration", time.Since(start).Round(time.Millisecond))
			l.publish(events.KindToolDone, map[string]any{
				"conversation_id": conv.ID,
				"tool":            tc.Function.Name,
				"result_length":   len(observation),
			})
		}
	}

	// Budget exhausted without a plain-text answer. Nudge the model and
	// force one tool-less completion.
	l.logger.Warn("agent hit max iterations",
		"conversation", conv.ID, "iterations", l.config.MaxIterations)

	conv.AddMessage("user", maxIterationsNudge)

	resp, err := l.complete(ctx, conv, opts, nil)
	if err != nil {
		return nil, err
	}
	result.Usage.Add(resp.Usage)

	content := resp.First().Content
	conv.AddMessage("assistant", content)
	result.Response = content
	result.FinishReason = "max_iterations"
	return result, nil
}

func (l *Loop) complete(ctx context.Context, conv *conversation.Conversation, opts RunOptions, toolSchema []map[string]any) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       opts.Model,
		Messages:    conv.ToMessages(l.logger),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if len(toolSchema) > 0 {
		req.Tools = toolSchema
	}

	l.publish(events.KindLLMCall, map[string]any{
		"conversation_id": conv.ID,
		"model":           opts.Model,
		"messages":        len(req.Messages),
	})

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	return resp, nil
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}

// safeParse decodes tool arguments for the log, keeping the raw string
// when they are not valid JSON.
func safeParse(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return raw
	}
	return parsed
}
