package resilience

import "sync"

// Manager owns the named circuit breakers for one broker account. It is
// passed explicitly to the components that need it, never held as a
// process-wide global.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    Config
	callbacks []func(Event)
}

// NewManager creates a manager with the given default breaker config.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns or creates the circuit breaker for the given dependency name.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	return m.createLocked(name, m.config)
}

// GetWithConfig returns or creates a circuit breaker with custom config.
func (m *Manager) GetWithConfig(name string, config Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	return m.createLocked(name, config)
}

func (m *Manager) createLocked(name string, config Config) *CircuitBreaker {
	cb := NewCircuitBreaker(name, config)
	for _, fn := range m.callbacks {
		cb.OnStateChange(fn)
	}
	m.breakers[name] = cb
	return cb
}

// OnStateChange registers a callback on every breaker the manager owns now
// and creates later.
func (m *Manager) OnStateChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cb := range m.breakers {
		cb.OnStateChange(fn)
	}
	m.callbacks = append(m.callbacks, fn)
}

// AllStats returns statistics for all circuit breakers.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.breakers))
	for _, cb := range m.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// ResetAll resets all circuit breakers.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
