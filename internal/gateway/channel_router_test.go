package gateway

import (
	"path/filepath"
	"testing"

	"github.com/pawhq/paw/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "paw.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestResolveConversationIDIdempotent(t *testing.T) {
	database := newTestDB(t)
	r := NewChannelRouter(database, nil)

	first, err := r.ResolveConversationID("telegram", "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("expected an id")
	}

	second, err := r.ResolveConversationID("telegram", "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("resolution not idempotent: %q then %q", first, second)
	}

	other, err := r.ResolveConversationID("telegram", "telegram:43")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("distinct sessions share a conversation")
	}

	// Same session key on a different channel is a different session.
	crossChannel, err := r.ResolveConversationID("email", "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if crossChannel == first {
		t.Error("channels must not share session mappings")
	}
}

func TestResolveConversationIDSurvivesRestart(t *testing.T) {
	database := newTestDB(t)

	r1 := NewChannelRouter(database, nil)
	id, err := r1.ResolveConversationID("telegram", "telegram:42")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh router over the same database simulates a restart.
	r2 := NewChannelRouter(database, nil)
	again, err := r2.ResolveConversationID("telegram", "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("mapping lost across restart: %q vs %q", again, id)
	}
}

func TestResolveConversationIDWithoutDB(t *testing.T) {
	r := NewChannelRouter(nil, nil)

	first, err := r.ResolveConversationID("api", "s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.ResolveConversationID("api", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("in-memory resolution not idempotent")
	}
}
