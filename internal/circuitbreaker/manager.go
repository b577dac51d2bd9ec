package circuitbreaker

import (
	"sort"
	"sync"

	"ci-replicator/internal/common/logging"
)

// Manager hands out one breaker per backend
type Manager struct {
	breakers map[string]*Breaker
	logger   logging.Logger
	mu       sync.Mutex
}

// NewManager creates a new manager
func NewManager(logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate gets an existing breaker or creates a new one
func (m *Manager) GetOrCreate(name string, config Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}
	breaker := New(name, config, m.logger)
	m.breakers[name] = breaker
	return breaker
}

// States returns the state of every breaker keyed by name
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}
	return states
}

// Open returns the names of open breakers in sorted order
func (m *Manager) Open() []string {
	var open []string
	for name, state := range m.States() {
		if state == "open" {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
