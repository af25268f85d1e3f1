package conversation

import (
	"path/filepath"
	"testing"

	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/llm"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "paw.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewManager(database, nil)
}

func TestGetOrCreateMintsAndReuses(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.GetOrCreate("")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID == "" {
		t.Fatal("expected generated id")
	}

	again, err := m.GetOrCreate(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again != conv {
		t.Error("same id should return the same conversation")
	}

	other, err := m.GetOrCreate("custom-id")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID != "custom-id" {
		t.Errorf("client-provided id not honored: %q", other.ID)
	}
}

func TestRefreshSystemMutatesInPlace(t *testing.T) {
	conv := &Conversation{ID: "c"}
	conv.RefreshSystem("prompt v1")
	conv.AddMessage("user", "hello")
	conv.RefreshSystem("prompt v2")

	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (refresh must not append)", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "prompt v2" {
		t.Errorf("system message = %+v", msgs[0].Message)
	}
}

func TestRefreshSystemInsertsWhenMissing(t *testing.T) {
	conv := &Conversation{ID: "c"}
	conv.AddMessage("user", "hello")
	conv.RefreshSystem("prompt")

	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("messages = %+v", msgs)
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func TestToMessagesDropsOrphanedToolMessages(t *testing.T) {
	conv := &Conversation{ID: "c"}
	conv.AddMessage("user", "do something")
	conv.Append(llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{toolCall("call_1", "echo", "{}")},
	})
	conv.AddToolResult("call_1", "done")
	conv.AddToolResult("call_zombie", "from another life") // no matching declaration
	conv.AddMessage("assistant", "all set")

	wire := conv.ToMessages(nil)
	if len(wire) != 4 {
		t.Fatalf("got %d wire messages, want 4: %+v", len(wire), wire)
	}
	for _, m := range wire {
		if m.ToolCallID == "call_zombie" {
			t.Error("orphaned tool message survived normalization")
		}
	}
	if wire[2].Role != "tool" || wire[2].ToolCallID != "call_1" {
		t.Errorf("matched tool message missing: %+v", wire[2])
	}
}

func TestToMessagesToolBeforeDeclarationDropped(t *testing.T) {
	conv := &Conversation{ID: "c"}
	// Result appended before any assistant declared the call.
	conv.AddToolResult("call_1", "too early")
	conv.Append(llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{toolCall("call_1", "echo", "{}")},
	})

	wire := conv.ToMessages(nil)
	if len(wire) != 1 || wire[0].Role != "assistant" {
		t.Errorf("wire = %+v", wire)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.GetOrCreate("persist-me")
	if err != nil {
		t.Fatal(err)
	}
	conv.RefreshSystem("system prompt")
	conv.AddMessage("user", "hi")
	conv.Append(llm.Message{
		Role:      "assistant",
		Content:   "",
		ToolCalls: []llm.ToolCall{toolCall("call_1", "recall", `{"key":"x"}`)},
	})
	conv.AddToolResult("call_1", "value of x")

	if err := m.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh manager simulates a restart.
	m2 := NewManager(m.db, nil)
	loaded, err := m2.Get("persist-me")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("conversation not found after reload")
	}
	if loaded.Len() != 4 {
		t.Fatalf("got %d messages after reload, want 4", loaded.Len())
	}

	msgs := loaded.Messages()
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("tool_calls not round-tripped: %+v", msgs[2].ToolCalls)
	}
	if msgs[2].ToolCalls[0].Function.Arguments != `{"key":"x"}` {
		t.Errorf("arguments not preserved: %q", msgs[2].ToolCalls[0].Function.Arguments)
	}
	if msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool_call_id not round-tripped: %q", msgs[3].ToolCallID)
	}
}

func TestListAllAndDelete(t *testing.T) {
	m := newTestManager(t)

	conv, _ := m.GetOrCreate("a")
	conv.AddMessage("user", "hi")
	if err := m.Save(conv); err != nil {
		t.Fatal(err)
	}
	m.GetOrCreate("b") // in-memory only

	all, err := m.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll = %d entries, want 2", len(all))
	}

	deleted, err := m.Delete("a")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	got, err := m.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("conversation still loadable after delete")
	}
}
