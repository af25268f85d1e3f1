// Package gateway is the single entry point for inbound events: it
// resolves conversations and models, runs the agent loop (or a plain
// completion), and routes output to its destination.
package gateway

import "github.com/pawhq/paw/internal/llm"

// Event kinds.
const (
	KindUserMessage = "user_message"
	KindHeartbeat   = "heartbeat"
	KindCron        = "cron"
	KindHook        = "hook"
	KindWebhook     = "webhook"
)

// InboundEvent is a normalized inbound stimulus from any source:
// direct API call, channel message, webhook, or scheduler tick.
// Transient; it persists only through the conversation it touches.
type InboundEvent struct {
	Kind       string `json:"kind"`
	Channel    string `json:"channel,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	Text       string `json:"text"`

	ConversationID string   `json:"conversation_id,omitempty"`
	Model          string   `json:"model,omitempty"`
	SmartMode      bool     `json:"smart_mode,omitempty"`
	AgentMode      bool     `json:"agent_mode"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	OutputTarget   string   `json:"output_target,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatInput is one caller-supplied message for HandleChatMessages.
type ChatInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProcessedEventResult is the outcome of handling one inbound event.
type ProcessedEventResult struct {
	Response       string    `json:"response"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	FinishReason   string    `json:"finish_reason"`
	ToolCallsMade  int       `json:"tool_calls_made"`
	Iterations     int       `json:"iterations"`
	Usage          llm.Usage `json:"usage"`
}
