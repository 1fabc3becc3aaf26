package cache

import (
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Manager is the process-wide registry of named stores. It owns the single
// timer that sweeps expired entries out of every registered store. A Manager
// is created once at process start and closed at shutdown.
type Manager struct {
	mu       sync.Mutex
	stores   map[string]*Store
	interval time.Duration
	logger   log.Interface
	stopCh   chan struct{}
	stopped  chan struct{}
	closed   bool
}

// NewManager creates a manager sweeping at the given interval. A
// non-positive interval disables the background sweep; stores still expire
// entries lazily on access.
func NewManager(interval time.Duration) *Manager {
	m := &Manager{
		stores:   make(map[string]*Store),
		interval: interval,
		logger:   log.WithField("component", "cache"),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if interval > 0 {
		go m.sweepLoop()
	} else {
		close(m.stopped)
	}
	return m
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(logger log.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// CreateStore registers a store under name, or returns the existing one: a
// second call with the same name is idempotent and ignores config.
func (m *Manager) CreateStore(name string, config StoreConfig) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New(errors.ErrCodeStoreClosed, "cache manager is shut down").
			WithComponent("cache").WithOp("create_store")
	}

	if existing, ok := m.stores[name]; ok {
		return existing, nil
	}

	store, err := NewStore(name, config)
	if err != nil {
		return nil, err
	}

	m.stores[name] = store
	m.logger.WithFields(log.Fields{
		"store":    name,
		"max_size": config.MaxSize,
		"ttl":      config.DefaultTTL.String(),
		"policy":   string(store.Config().Policy),
	}).Info("cache store created")
	return store, nil
}

// GetStore returns the store registered under name.
func (m *Manager) GetStore(name string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	return s, ok
}

// ListStores returns the names of all registered stores.
func (m *Manager) ListStores() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	return names
}

// RemoveStore unregisters and clears a store, reporting whether it existed.
func (m *Manager) RemoveStore(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return false
	}
	s.Clear()
	delete(m.stores, name)
	m.logger.WithField("store", name).Info("cache store removed")
	return true
}

// StatsByStore returns a snapshot of every store's counters.
func (m *Manager) StatsByStore() map[string]Stats {
	m.mu.Lock()
	snapshot := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(snapshot))
	for _, s := range snapshot {
		out[s.Name()] = s.Stats()
	}
	return out
}

// Sweep runs one expiry pass over every store, returning the total number of
// entries removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	snapshot := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	total := 0
	for _, s := range snapshot {
		total += s.Sweep()
	}
	return total
}

// Close stops the sweep timer and clears all stores. It is safe to call
// more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sweeping := m.interval > 0
	m.mu.Unlock()

	if sweeping {
		close(m.stopCh)
		<-m.stopped
	}

	m.mu.Lock()
	for _, s := range m.stores {
		s.Clear()
	}
	m.stores = make(map[string]*Store)
	m.mu.Unlock()

	m.logger.Info("cache manager closed")
}

func (m *Manager) sweepLoop() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.WithField("expired", n).Debug("sweep removed expired entries")
			}
		}
	}
}
