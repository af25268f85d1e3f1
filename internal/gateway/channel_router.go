package gateway

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pawhq/paw/internal/db"
)

// ChannelRouter maps (channel, session_key) pairs to durable
// conversation ids. Resolution is idempotent: the first mapping
// written for a session key is the one every later call sees, so a
// messaging thread stays pinned to one conversation across restarts.
type ChannelRouter struct {
	mu     sync.Mutex
	db     *db.DB
	cache  map[string]string
	logger *slog.Logger
}

// NewChannelRouter creates a router over the given database.
func NewChannelRouter(database *db.DB, logger *slog.Logger) *ChannelRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelRouter{
		db:     database,
		cache:  make(map[string]string),
		logger: logger,
	}
}

// ResolveConversationID returns the conversation id for a channel
// session, minting and persisting a new one on first sight.
func (r *ChannelRouter) ResolveConversationID(channel, sessionKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cacheKey := channel + "\x00" + sessionKey
	if id, ok := r.cache[cacheKey]; ok {
		return id, nil
	}

	if r.db != nil {
		id, err := r.db.ChannelSessionGet(channel, sessionKey)
		if err != nil {
			return "", fmt.Errorf("lookup session: %w", err)
		}
		if id != "" {
			r.cache[cacheKey] = id
			return id, nil
		}
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate conversation id: %w", err)
	}
	id := uid.String()

	if r.db != nil {
		if err := r.db.ChannelSessionSet(channel, sessionKey, id); err != nil {
			return "", fmt.Errorf("persist session: %w", err)
		}
		// Another writer may have won the insert; the stored mapping is
		// authoritative either way.
		stored, err := r.db.ChannelSessionGet(channel, sessionKey)
		if err != nil {
			return "", fmt.Errorf("re-read session: %w", err)
		}
		if stored != "" {
			id = stored
		}
	}

	r.cache[cacheKey] = id
	r.logger.Info("new channel session",
		"channel", channel, "session_key", sessionKey, "conversation_id", id)
	return id, nil
}
