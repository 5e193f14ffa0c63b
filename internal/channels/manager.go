package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered platforms and their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewManager creates an empty manager. Platforms are registered externally
// via Register.
func NewManager() *Manager {
	return &Manager{platforms: make(map[string]Platform)}
}

// Register adds a platform under its name.
func (m *Manager) Register(p Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platforms[p.Name()] = p
}

// Get returns a registered platform.
func (m *Manager) Get(name string) (Platform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[name]
	return p, ok
}

// Platforms returns a snapshot of the registered platforms keyed by name.
func (m *Manager) Platforms() map[string]Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Platform, len(m.platforms))
	for name, p := range m.platforms {
		out[name] = p
	}
	return out
}

// Connected reports whether a platform is registered and currently
// running. The store uses this to skip entries of disconnected platforms
// when resolving edits and deletions.
func (m *Manager) Connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[name]
	return ok && p.IsRunning()
}

// Len returns the number of registered platforms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.platforms)
}

// StartAll starts every registered platform, stopping the already started
// ones when one fails.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []Platform
	for name, p := range m.Platforms() {
		if err := p.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		slog.Info("platform started", "platform", name)
		started = append(started, p)
	}
	return nil
}

// StopAll stops every registered platform, logging failures instead of
// aborting.
func (m *Manager) StopAll(ctx context.Context) {
	for name, p := range m.Platforms() {
		if err := p.Stop(ctx); err != nil {
			slog.Warn("platform stop failed", "platform", name, "error", err)
		}
	}
}
