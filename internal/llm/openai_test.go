package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	if u.PromptTokens != 13 || u.CompletionTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("Add = %+v", u)
	}
}

func TestChatResponseEmptyChoices(t *testing.T) {
	var r *ChatResponse
	if r.First().Role != "" || r.FinishReason() != "" {
		t.Error("nil response should yield zero values")
	}
	r = &ChatResponse{}
	if r.First().Content != "" || r.FinishReason() != "" {
		t.Error("empty choices should yield zero values")
	}
}

func TestCreateChatCompletion(t *testing.T) {
	var gotAuth string
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model: gotReq.Model,
			Choices: []Choice{{
				Message:      Message{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "sk-test", nil, nil)
	resp, err := c.CreateChatCompletion(context.Background(), ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 1 {
		t.Errorf("request not forwarded: %+v", gotReq)
	}
	if resp.First().Content != "hello" || resp.FinishReason() != "stop" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCreateChatCompletionFallsBack(t *testing.T) {
	var models []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if req.Model == "primary" {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model:   req.Model,
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "", []string{"backup"}, nil)
	resp, err := c.CreateChatCompletion(context.Background(), ChatRequest{Model: "primary"})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.Model != "backup" {
		t.Errorf("expected fallback model, got %q", resp.Model)
	}
	if len(models) != 2 || models[0] != "primary" || models[1] != "backup" {
		t.Errorf("model attempt order = %v", models)
	}

	calls, failures, lastErr := c.Stats()
	if calls != 2 || failures != 1 {
		t.Errorf("stats = %d calls, %d failures", calls, failures)
	}
	if lastErr == "" {
		t.Error("expected last error recorded")
	}
}

func TestCreateChatCompletionAllFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "", []string{"backup"}, nil)
	_, err := c.CreateChatCompletion(context.Background(), ChatRequest{Model: "primary"})
	if err == nil {
		t.Fatal("expected error when every model fails")
	}
}
