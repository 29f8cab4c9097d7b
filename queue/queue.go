package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-tier behaviour such as rate limiting and concurrency.
type Config struct {
	// Name is the queue name (one of QueueHigh, QueueNormal, QueueLow).
	Name string

	// MaxConcurrency limits how many jobs from this tier may run
	// simultaneously in the local worker pool. Zero means no tier-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may start
	// from this tier. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// tierState tracks runtime state for a single tier.
type tierState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager gates job starts in the local worker pool by tier and by client.
// A denied job is handed back to its source and retried later. It is safe
// for concurrent use.
type Manager struct {
	mu            sync.Mutex
	tiers         map[string]*tierState
	clients       map[string]*clientState
	clientDefault *ClientConfig
}

// NewManager creates a Manager with the given tier configurations.
// Tiers not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		tiers:   make(map[string]*tierState, len(configs)),
		clients: make(map[string]*clientState),
	}
	for _, cfg := range configs {
		m.tiers[cfg.Name] = newTierState(cfg)
	}
	return m
}

func newTierState(cfg Config) *tierState {
	ts := &tierState{config: cfg}
	if cfg.RateLimit > 0 {
		ts.limiter = newLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return ts
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Acquire checks concurrency and rate limits for the tier and client. If
// the job may start it increments both active counters and returns true.
// The caller MUST call Release when the job finishes.
//
// Concurrency is checked before any rate token is spent, so a job denied
// for lack of a slot does not consume rate budget.
func (m *Manager) Acquire(queue, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tiers[queue]
	cs := m.clientLocked(clientID)

	if ts != nil && ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	if cs != nil && cs.maxConcurrency > 0 && cs.active >= cs.maxConcurrency {
		return false
	}
	if ts != nil && ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if cs != nil && cs.limiter != nil && !cs.limiter.Allow() {
		return false
	}

	if ts != nil {
		ts.active++
	}
	if cs != nil {
		cs.active++
	}
	return true
}

// Release decrements the active counts for the tier and client.
func (m *Manager) Release(queue, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tiers[queue]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if cs := m.clients[clientID]; clientID != "" && cs != nil && cs.active > 0 {
		cs.active--
	}
}

// SetQueueConfig dynamically updates (or creates) a tier configuration.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := newTierState(cfg)
	if existing := m.tiers[cfg.Name]; existing != nil {
		ts.active = existing.active
	}
	m.tiers[cfg.Name] = ts
}

// ActiveCount returns the current number of active jobs for a tier.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tiers[queue]; ts != nil {
		return ts.active
	}
	return 0
}
