// Package conversation holds PAW's conversation store: ordered message
// transcripts keyed by conversation id, with normalization into the
// strict transcript shape LLM providers accept.
package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/llm"
)

// Message is a stored transcript entry: the wire message plus when it
// was appended.
type Message struct {
	llm.Message
	Timestamp time.Time
}

// Conversation is an ordered message sequence. Appends only, with one
// exception: the leading system message is refreshed in place on each
// turn so soul edits and new memories reach the model without restart.
//
// The embedded mutex serializes the fetch-transcript / run-loop /
// persist critical section for one conversation id. Callers hold it
// across the whole turn; appends alone do not take it.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time

	sync.Mutex
	messages []Message
}

// Append adds a message to the transcript and returns it.
func (c *Conversation) Append(msg llm.Message) Message {
	m := Message{Message: msg, Timestamp: time.Now().UTC()}
	c.messages = append(c.messages, m)
	return m
}

// AddMessage appends a plain role/content message.
func (c *Conversation) AddMessage(role, content string) Message {
	return c.Append(llm.Message{Role: role, Content: content})
}

// AddToolResult appends a tool-role message answering a declared call.
func (c *Conversation) AddToolResult(toolCallID, content string) Message {
	return c.Append(llm.Message{Role: "tool", Content: content, ToolCallID: toolCallID})
}

// RefreshSystem replaces the leading system message's content in
// place, or inserts one when the transcript has none.
func (c *Conversation) RefreshSystem(prompt string) {
	if len(c.messages) > 0 && c.messages[0].Role == "system" {
		c.messages[0].Content = prompt
		return
	}
	c.messages = append([]Message{{
		Message:   llm.Message{Role: "system", Content: prompt},
		Timestamp: time.Now().UTC(),
	}}, c.messages...)
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of stored messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// ToMessages normalizes the transcript for the provider. Assistant
// messages register their tool call ids as valid-pending; a tool
// message survives only when its tool_call_id matches one, otherwise
// it is dropped with a warning. Providers reject transcripts where a
// tool result precedes its declaration, so the repair happens here
// rather than at call time.
func (c *Conversation) ToMessages(logger *slog.Logger) []llm.Message {
	if logger == nil {
		logger = slog.Default()
	}

	pending := make(map[string]bool)
	out := make([]llm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		switch m.Role {
		case "assistant":
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
			out = append(out, m.Message)
		case "tool":
			if !pending[m.ToolCallID] {
				logger.Warn("dropping orphaned tool message",
					"conversation", c.ID, "tool_call_id", m.ToolCallID)
				continue
			}
			out = append(out, m.Message)
		default:
			out = append(out, m.Message)
		}
	}
	return out
}

// Manager owns all conversations, backed by the SQLite store.
type Manager struct {
	mu     sync.Mutex
	convs  map[string]*Conversation
	db     *db.DB
	logger *slog.Logger
}

// NewManager creates a conversation manager. The database is optional;
// without one, conversations live only in memory.
func NewManager(database *db.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		convs:  make(map[string]*Conversation),
		db:     database,
		logger: logger,
	}
}

// GetOrCreate returns the conversation for id, loading it from the
// database or creating it as needed. An empty id mints a fresh one.
func (m *Manager) GetOrCreate(id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if conv, ok := m.convs[id]; ok {
			return conv, nil
		}
		if conv, err := m.loadLocked(id); err != nil {
			return nil, err
		} else if conv != nil {
			m.convs[id] = conv
			return conv, nil
		}
	}

	if id == "" {
		uid, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate conversation id: %w", err)
		}
		id = uid.String()
	}

	conv := &Conversation{ID: id, CreatedAt: time.Now().UTC()}
	m.convs[id] = conv
	return conv, nil
}

// Get returns an already-loaded or persisted conversation, or nil.
func (m *Manager) Get(id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.convs[id]; ok {
		return conv, nil
	}
	conv, err := m.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		m.convs[id] = conv
	}
	return conv, nil
}

// loadLocked reads a conversation from the database. Returns nil when
// it does not exist. Caller holds m.mu.
func (m *Manager) loadLocked(id string) (*Conversation, error) {
	if m.db == nil {
		return nil, nil
	}

	rows, err := m.db.LoadMessages(id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	conv := &Conversation{ID: id, CreatedAt: rows[0].Timestamp}
	for _, row := range rows {
		msg := llm.Message{Role: row.Role, Content: row.Content, ToolCallID: row.ToolCallID}
		if row.ToolCalls != "" {
			if err := json.Unmarshal([]byte(row.ToolCalls), &msg.ToolCalls); err != nil {
				m.logger.Warn("skipping undecodable tool_calls",
					"conversation", id, "error", err)
			}
		}
		conv.messages = append(conv.messages, Message{Message: msg, Timestamp: row.Timestamp})
	}
	return conv, nil
}

// Save persists a conversation's current transcript. Call with the
// conversation's own lock held when a loop may be appending.
func (m *Manager) Save(conv *Conversation) error {
	if m.db == nil {
		return nil
	}

	rows := make([]db.MessageRow, 0, len(conv.messages))
	for _, msg := range conv.messages {
		row := db.MessageRow{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Timestamp:  msg.Timestamp,
		}
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool_calls: %w", err)
			}
			row.ToolCalls = string(data)
		}
		rows = append(rows, row)
	}

	return m.db.SaveConversation(db.ConversationRow{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
	}, rows)
}

// ListAll returns conversation headers, persisted ones included.
func (m *Manager) ListAll() ([]db.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var all []db.ConversationRow

	if m.db != nil {
		persisted, err := m.db.ListConversations()
		if err != nil {
			return nil, err
		}
		for _, c := range persisted {
			seen[c.ID] = true
			all = append(all, c)
		}
	}

	for id, conv := range m.convs {
		if !seen[id] {
			all = append(all, db.ConversationRow{ID: id, Title: conv.Title, CreatedAt: conv.CreatedAt})
		}
	}
	return all, nil
}

// Delete removes a conversation from memory and the database. Returns
// true when anything was deleted.
func (m *Manager) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.convs[id]
	delete(m.convs, id)

	if m.db != nil {
		persisted, err := m.db.DeleteConversation(id)
		if err != nil {
			return false, err
		}
		return existed || persisted, nil
	}
	return existed, nil
}
