// Package memory exposes PAW's long-term key-value memory as agent
// tools backed by the SQLite store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/tools"
)

// Store wraps the database memory table with tool handlers.
type Store struct {
	db *db.DB
}

// NewStore creates a memory store over the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// RegisterAll adds the memory tools to the registry.
func (s *Store) RegisterAll(r *tools.Registry) {
	r.Register(&tools.Tool{
		Name:        "remember",
		Description: "Store a fact in long-term memory under a key. Overwrites any previous value for that key.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Short identifier for the fact (e.g., user_birthday)",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The fact to remember",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: s.handleRemember,
	})

	r.Register(&tools.Tool{
		Name:        "recall",
		Description: "Retrieve a fact from long-term memory by key.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The key to look up",
				},
			},
			"required": []string{"key"},
		},
		Handler: s.handleRecall,
	})

	r.Register(&tools.Tool{
		Name:        "forget",
		Description: "Delete a fact from long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "The key to delete",
				},
			},
			"required": []string{"key"},
		},
		Handler: s.handleForget,
	})

	r.Register(&tools.Tool{
		Name:        "list_memories",
		Description: "List all stored memory keys and values.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: s.handleList,
	})
}

func (s *Store) handleRemember(_ context.Context, args map[string]any) (string, error) {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	if key == "" || value == "" {
		return "", fmt.Errorf("key and value are required")
	}
	if err := s.db.MemorySet(key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("Remembered '%s'.", key), nil
}

func (s *Store) handleRecall(_ context.Context, args map[string]any) (string, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	value, ok, err := s.db.MemoryGet(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("No memory stored under '%s'.", key), nil
	}
	return value, nil
}

func (s *Store) handleForget(_ context.Context, args map[string]any) (string, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	deleted, err := s.db.MemoryDelete(key)
	if err != nil {
		return "", err
	}
	if !deleted {
		return fmt.Sprintf("No memory stored under '%s'.", key), nil
	}
	return fmt.Sprintf("Forgot '%s'.", key), nil
}

func (s *Store) handleList(_ context.Context, _ map[string]any) (string, error) {
	all, err := s.db.MemoryAll()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No memories stored.", nil
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, all[k])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// All returns every stored memory, for the API and prompt builder.
func (s *Store) All() (map[string]string, error) {
	return s.db.MemoryAll()
}

// Set stores a memory directly, bypassing the tool layer.
func (s *Store) Set(key, value string) error {
	return s.db.MemorySet(key, value)
}

// Delete removes a memory directly. Returns true when a row existed.
func (s *Store) Delete(key string) (bool, error) {
	return s.db.MemoryDelete(key)
}
