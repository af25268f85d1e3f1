package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Manager owns the registered channel providers. It satisfies the
// output router's ChannelSender interface.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	logger    *slog.Logger
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider under its lowercase name.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[strings.ToLower(p.Name())] = p
}

// StartAll starts every enabled provider. A provider failing to start
// is logged and skipped; the rest still come up.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, p := range m.providers {
		if !p.Enabled() {
			m.logger.Info("channel disabled", "channel", name)
			continue
		}
		if err := p.Start(ctx); err != nil {
			m.logger.Error("channel failed to start", "channel", name, "error", err)
			continue
		}
		m.logger.Info("channel started", "channel", name)
	}
}

// StopAll stops every provider.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.providers {
		p.Stop()
	}
}

// Statuses returns a snapshot of every provider's runtime state.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p.Status())
	}
	return out
}

// HasChannel reports whether a provider with this name is registered.
func (m *Manager) HasChannel(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.providers[strings.ToLower(name)]
	return ok
}

// SendText delivers text on the named channel.
func (m *Manager) SendText(ctx context.Context, name, peerID, text string) error {
	m.mu.RLock()
	p, ok := m.providers[strings.ToLower(name)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel named %q", name)
	}
	return p.SendText(ctx, peerID, text)
}
