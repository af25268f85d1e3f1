package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pawhq/paw/internal/agent"
	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/conversation"
	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/llm"
)

// Gateway unifies every inbound path into one pipeline: resolve the
// conversation, pick the model, run the loop, route the output.
// Stateless between calls; all durable state lives in the stores.
type Gateway struct {
	cfg           *config.Config
	conversations *conversation.Manager
	loop          *agent.Loop
	client        llm.Client
	router        *ChannelRouter
	output        *OutputRouter
	promptFn      func() string
	bus           *events.Bus
	logger        *slog.Logger
}

// New creates a gateway. promptFn supplies the current system prompt
// and is called at the start of every turn.
func New(cfg *config.Config, conversations *conversation.Manager, loop *agent.Loop, client llm.Client,
	router *ChannelRouter, output *OutputRouter, promptFn func() string, bus *events.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if promptFn == nil {
		promptFn = func() string { return "" }
	}
	return &Gateway{
		cfg:           cfg,
		conversations: conversations,
		loop:          loop,
		client:        client,
		router:        router,
		output:        output,
		promptFn:      promptFn,
		bus:           bus,
		logger:        logger,
	}
}

// ResolveModel picks the effective model for an event: an explicit
// model wins, otherwise smart mode selects the smart model.
func (g *Gateway) ResolveModel(event InboundEvent) string {
	if event.Model != "" {
		return event.Model
	}
	regular, smart := g.cfg.Models()
	if event.SmartMode {
		return smart
	}
	return regular
}

// HandleEvent processes one inbound event end to end.
func (g *Gateway) HandleEvent(ctx context.Context, event InboundEvent) (*ProcessedEventResult, error) {
	start := time.Now()

	conversationID := event.ConversationID
	if conversationID == "" && event.Channel != "" && event.SessionKey != "" {
		id, err := g.router.ResolveConversationID(event.Channel, event.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
		conversationID = id
	}

	result, err := g.HandleChatMessages(ctx, conversationID,
		[]ChatInput{{Role: "user", Content: event.Text}},
		ChatOptions{
			Model:       g.ResolveModel(event),
			Temperature: event.Temperature,
			MaxTokens:   event.MaxTokens,
			AgentMode:   event.AgentMode,
		})
	if err != nil {
		return nil, err
	}

	if event.OutputTarget != "" {
		metadata := map[string]any{
			"kind":            event.Kind,
			"conversation_id": result.ConversationID,
		}
		for k, v := range event.Metadata {
			metadata[k] = v
		}
		if event.PeerID != "" {
			metadata["peer_id"] = event.PeerID
		}
		source := event.Kind
		if event.Channel != "" {
			source += ":" + event.Channel
		}
		if ok := g.output.Dispatch(ctx, event.OutputTarget, result.Response, source, metadata); !ok {
			g.logger.Warn("event output dispatch failed",
				"kind", event.Kind, "target", event.OutputTarget)
		}
	}

	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindEventHandled,
		Data: map[string]any{
			"kind":            event.Kind,
			"channel":         event.Channel,
			"conversation_id": result.ConversationID,
			"tool_calls":      result.ToolCallsMade,
			"duration_ms":     time.Since(start).Milliseconds(),
		},
	})
	return result, nil
}

// ChatOptions carry per-turn completion settings.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	AgentMode   bool
}

// HandleChatMessages appends the caller's messages to a conversation
// and produces one assistant reply, via the agent loop in agent mode
// or a single tool-less completion otherwise.
//
// The conversation lock is held from system-prompt refresh through
// persistence; concurrent turns on the same conversation serialize
// here so tool call/result pairing never interleaves.
func (g *Gateway) HandleChatMessages(ctx context.Context, conversationID string, messages []ChatInput, opts ChatOptions) (*ProcessedEventResult, error) {
	conv, err := g.conversations.GetOrCreate(conversationID)
	if err != nil {
		return nil, err
	}

	conv.Lock()
	defer conv.Unlock()

	conv.RefreshSystem(g.promptFn())
	for _, m := range messages {
		conv.AddMessage(m.Role, m.Content)
	}

	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindRequestStart,
		Data:   map[string]any{"conversation_id": conv.ID, "agent_mode": opts.AgentMode},
	})

	result := &ProcessedEventResult{ConversationID: conv.ID, Model: opts.Model}

	if opts.AgentMode {
		loopResult, err := g.loop.Run(ctx, conv, agent.RunOptions{
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		})
		// Persist whatever was appended even when the run failed; the
		// transcript stays consistent because declarations precede
		// executions and normalization drops unmatched results.
		if saveErr := g.conversations.Save(conv); saveErr != nil {
			g.logger.Error("persist conversation failed", "conversation", conv.ID, "error", saveErr)
		}
		if err != nil {
			return nil, err
		}
		result.Response = loopResult.Response
		result.FinishReason = loopResult.FinishReason
		result.ToolCallsMade = loopResult.ToolCallsMade
		result.Iterations = loopResult.Iterations
		result.Usage = loopResult.Usage
	} else {
		resp, err := g.client.CreateChatCompletion(ctx, llm.ChatRequest{
			Model:       opts.Model,
			Messages:    conv.ToMessages(g.logger),
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("completion: %w", err)
		}
		content := resp.First().Content
		conv.AddMessage("assistant", content)
		if err := g.conversations.Save(conv); err != nil {
			g.logger.Error("persist conversation failed", "conversation", conv.ID, "error", err)
		}
		result.Response = content
		result.FinishReason = resp.FinishReason()
		if result.FinishReason == "" {
			result.FinishReason = "stop"
		}
		result.Iterations = 1
		result.Usage = resp.Usage
	}

	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"finish_reason":   result.FinishReason,
			"tool_calls":      result.ToolCallsMade,
		},
	})
	return result, nil
}

// EmitModelChanged notifies the configured model-change hooks. Used by
// the model switch endpoint; failures are logged only.
func (g *Gateway) EmitModelChanged(ctx context.Context, regular, smart string) {
	data := map[string]any{"model": regular, "smart_model": smart}
	text := fmt.Sprintf("Models switched: model=%s smart_model=%s", regular, smart)

	for _, target := range g.cfg.Hooks.ModelChangedTargets {
		g.output.Dispatch(ctx, target, text, KindHook, data)
	}
	for _, url := range g.cfg.Hooks.ModelChangedWebhooks {
		g.output.Dispatch(ctx, "webhook:"+url, text, KindHook, data)
	}
}
