package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pawhq/paw/internal/agent"
	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/conversation"
	"github.com/pawhq/paw/internal/llm"
	"github.com/pawhq/paw/internal/tools"
)

type scriptedClient struct {
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
	err       error
}

func (s *scriptedClient) CreateChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedClient) Ping(context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
}

func newTestGateway(t *testing.T, client llm.Client) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.LLM.Model = "default-model"
	cfg.LLM.SmartModel = "smart-model"

	conversations := conversation.NewManager(newTestDB(t), nil)
	loop := agent.New(client, tools.NewRegistry(nil), agent.DefaultConfig(), nil, nil)
	router := NewChannelRouter(newTestDB(t), nil)
	output := NewOutputRouter(nil, nil, time.Second, nil, nil)
	promptFn := func() string { return "system prompt" }

	return New(cfg, conversations, loop, client, router, output, promptFn, nil, nil)
}

func TestResolveModel(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{})

	cases := []struct {
		name  string
		event InboundEvent
		want  string
	}{
		{"default", InboundEvent{}, "default-model"},
		{"smart mode", InboundEvent{SmartMode: true}, "smart-model"},
		{"explicit wins", InboundEvent{Model: "custom", SmartMode: true}, "custom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.ResolveModel(tc.event); got != tc.want {
				t.Errorf("ResolveModel = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHandleEventAgentMode(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{reply("hi from agent")}}
	g := newTestGateway(t, client)

	result, err := g.HandleEvent(context.Background(), InboundEvent{
		Kind:       KindUserMessage,
		Channel:    "telegram",
		SessionKey: "telegram:42",
		Text:       "hello",
		AgentMode:  true,
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if result.Response != "hi from agent" {
		t.Errorf("response = %q", result.Response)
	}
	if result.ConversationID == "" {
		t.Error("conversation id missing")
	}
	if result.Model != "default-model" {
		t.Errorf("model = %q", result.Model)
	}

	// Same session resolves to the same conversation.
	client.responses = []*llm.ChatResponse{reply("again")}
	second, err := g.HandleEvent(context.Background(), InboundEvent{
		Kind:       KindUserMessage,
		Channel:    "telegram",
		SessionKey: "telegram:42",
		Text:       "hello again",
		AgentMode:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != result.ConversationID {
		t.Errorf("conversation changed across turns: %q vs %q",
			second.ConversationID, result.ConversationID)
	}
}

func TestHandleEventExplicitConversationWins(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{reply("ok")}}
	g := newTestGateway(t, client)

	result, err := g.HandleEvent(context.Background(), InboundEvent{
		Kind:           KindWebhook,
		ConversationID: "pinned",
		Channel:        "telegram",
		SessionKey:     "telegram:42",
		Text:           "hi",
		AgentMode:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ConversationID != "pinned" {
		t.Errorf("explicit conversation id lost: %q", result.ConversationID)
	}
}

func TestHandleEventOutputSourceIncludesChannel(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	client := &scriptedClient{responses: []*llm.ChatResponse{reply("done")}}
	cfg := config.Default()
	cfg.LLM.Model = "default-model"
	conversations := conversation.NewManager(newTestDB(t), nil)
	loop := agent.New(client, tools.NewRegistry(nil), agent.DefaultConfig(), nil, nil)
	router := NewChannelRouter(newTestDB(t), nil)
	output := NewOutputRouter(nil, nil, time.Second, nil, nil)
	g := New(cfg, conversations, loop, client, router, output, func() string { return "" }, nil, nil)

	_, err := g.HandleEvent(context.Background(), InboundEvent{
		Kind:         KindCron,
		Channel:      "telegram",
		SessionKey:   "cron:daily",
		Text:         "run it",
		AgentMode:    true,
		OutputTarget: "webhook:" + srv.URL,
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got, _ := payload["source"].(string); got != "cron:telegram" {
		t.Errorf("dispatch source = %q, want cron:telegram", got)
	}
}

func TestHandleChatMessagesPassthrough(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{reply("plain answer")}}
	g := newTestGateway(t, client)

	result, err := g.HandleChatMessages(context.Background(), "",
		[]ChatInput{{Role: "user", Content: "just answer"}},
		ChatOptions{Model: "default-model", AgentMode: false})
	if err != nil {
		t.Fatal(err)
	}
	if result.Response != "plain answer" || result.ToolCallsMade != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(client.requests) != 1 {
		t.Fatalf("requests = %d", len(client.requests))
	}
	if client.requests[0].Tools != nil {
		t.Error("passthrough must not send tools")
	}
	if client.requests[0].Messages[0].Role != "system" || client.requests[0].Messages[0].Content != "system prompt" {
		t.Errorf("system prompt not refreshed: %+v", client.requests[0].Messages[0])
	}
}

func TestHandleChatMessagesRefreshesSystemEachTurn(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{reply("one"), reply("two")}}
	g := newTestGateway(t, client)

	prompt := "prompt v1"
	g.promptFn = func() string { return prompt }

	first, err := g.HandleChatMessages(context.Background(), "",
		[]ChatInput{{Role: "user", Content: "a"}}, ChatOptions{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	prompt = "prompt v2"
	if _, err := g.HandleChatMessages(context.Background(), first.ConversationID,
		[]ChatInput{{Role: "user", Content: "b"}}, ChatOptions{Model: "m"}); err != nil {
		t.Fatal(err)
	}

	last := client.requests[len(client.requests)-1]
	if last.Messages[0].Content != "prompt v2" {
		t.Errorf("system message = %q, want refreshed prompt", last.Messages[0].Content)
	}
	var systems int
	for _, m := range last.Messages {
		if m.Role == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("transcript has %d system messages, want 1", systems)
	}
}

func TestHandleChatMessagesClientErrorPropagates(t *testing.T) {
	client := &scriptedClient{err: errors.New("provider down")}
	g := newTestGateway(t, client)

	_, err := g.HandleChatMessages(context.Background(), "",
		[]ChatInput{{Role: "user", Content: "x"}}, ChatOptions{Model: "m", AgentMode: true})
	if err == nil {
		t.Error("expected provider error to propagate")
	}
}
