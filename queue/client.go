package queue

import "golang.org/x/time/rate"

// ClientConfig defines rate limits and concurrency for one client across
// every tier.
type ClientConfig struct {
	// ClientID is the client identifier. It is ignored by
	// SetDefaultClientConfig.
	ClientID string

	// RateLimit is the sustained job starts per second for this client.
	RateLimit float64

	// RateBurst is the burst size for the client's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous jobs for this client in the
	// local pool. Zero means no client-specific limit.
	MaxConcurrency int
}

// clientState tracks runtime state for a single client.
type clientState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newClientState(cfg ClientConfig) *clientState {
	cs := &clientState{maxConcurrency: cfg.MaxConcurrency}
	if cfg.RateLimit > 0 {
		cs.limiter = newLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return cs
}

// SetClientConfig configures limits for one client. Calling it again for
// the same client replaces the previous configuration and keeps the
// active count.
func (m *Manager) SetClientConfig(cfg ClientConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := newClientState(cfg)
	if existing := m.clients[cfg.ClientID]; existing != nil {
		cs.active = existing.active
	}
	m.clients[cfg.ClientID] = cs
}

// SetDefaultClientConfig sets the limits applied to clients without an
// explicit configuration. Clients already seen keep their current state.
func (m *Manager) SetDefaultClientConfig(cfg ClientConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientDefault = &cfg
}

// ClientActiveCount returns the current number of active jobs for a client.
func (m *Manager) ClientActiveCount(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.clients[clientID]; cs != nil {
		return cs.active
	}
	return 0
}

// clientLocked returns the state for clientID, creating it from the
// default configuration on first use. It returns nil when the client has
// no limits. m.mu must be held.
func (m *Manager) clientLocked(clientID string) *clientState {
	if clientID == "" {
		return nil
	}
	if cs := m.clients[clientID]; cs != nil {
		return cs
	}
	if m.clientDefault == nil {
		return nil
	}
	cs := newClientState(*m.clientDefault)
	m.clients[clientID] = cs
	return cs
}
