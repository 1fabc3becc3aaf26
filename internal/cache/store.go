package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Entry is a single cached value with its bookkeeping metadata. Entries are
// owned exclusively by their Store and must not be retained across calls.
type Entry struct {
	Key            string
	Value          interface{}
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero value means the entry never expires
	LastAccessedAt time.Time
	AccessCount    int64

	element *list.Element
	seq     uint64 // insertion order within the store, for eviction tie-breaks
}

// expired reports whether the entry's deadline has passed at now.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// StoreConfig configures a single named store.
type StoreConfig struct {
	// MaxSize is the maximum number of entries; inserts beyond it evict one
	// entry chosen by Policy.
	MaxSize int `yaml:"max_size"`

	// DefaultTTL applies to Set; zero or negative means entries never expire
	// unless SetWithTTL says otherwise.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Policy is the eviction strategy: lru, lfu, or fifo.
	Policy EvictionPolicy `yaml:"eviction_policy"`
}

// Stats is a point-in-time snapshot of a store's counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
}

// Store is a thread-safe key/value cache with TTL expiration and a pluggable
// eviction policy. All mutation paths take the single per-store lock, so a
// Set is visible to every Get issued after it returns.
type Store struct {
	mu      sync.Mutex
	name    string
	config  StoreConfig
	entries map[string]*Entry
	tracker evictionTracker
	seq     uint64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewStore creates a store, failing fast on invalid configuration.
func NewStore(name string, config StoreConfig) (*Store, error) {
	if name == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "store name must not be empty").
			WithComponent("cache")
	}
	if config.MaxSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "max_size must be positive, got %d", config.MaxSize).
			WithComponent("cache")
	}
	if config.Policy == "" {
		config.Policy = PolicyLRU
	}
	if !config.Policy.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown eviction policy %q", config.Policy).
			WithComponent("cache")
	}

	return &Store{
		name:    name,
		config:  config,
		entries: make(map[string]*Entry),
		tracker: newEvictionTracker(config.Policy),
	}, nil
}

// Name returns the store's registry name.
func (s *Store) Name() string { return s.name }

// Config returns the store's configuration.
func (s *Store) Config() StoreConfig { return s.config }

// Get returns the value for key and whether it was an unexpired hit. An
// expired entry found here is removed, counting an expiration and a miss.
// A plain missing key has no side effects beyond the miss counter.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	now := time.Now()
	if e.expired(now) {
		s.removeLocked(e)
		s.expirations++
		s.misses++
		return nil, false
	}

	e.LastAccessedAt = now
	e.AccessCount++
	s.tracker.onAccess(e)
	s.hits++
	return e.Value, true
}

// GetOrDefault returns the cached value, or def on a miss.
func (s *Store) GetOrDefault(key string, def interface{}) interface{} {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set inserts or overwrites key with the store's default TTL. It reports
// whether the insert evicted another entry.
func (s *Store) Set(key string, value interface{}) bool {
	return s.SetWithTTL(key, value, s.config.DefaultTTL)
}

// SetWithTTL inserts or overwrites key with an explicit TTL; ttl <= 0 means
// the entry never expires. Overwrites never evict. A new key that would push
// the store past MaxSize first evicts exactly one entry chosen by policy.
func (s *Store) SetWithTTL(key string, value interface{}, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if old, ok := s.entries[key]; ok {
		// Overwrite resets the entry's lifetime and access history.
		s.removeLocked(old)
	}

	evicted := false
	if len(s.entries) >= s.config.MaxSize {
		if v := s.tracker.victim(); v != nil {
			s.removeLocked(v)
			s.evictions++
			evicted = true
		}
	}

	s.seq++
	e := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		seq:            s.seq,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	s.entries[key] = e
	s.tracker.onInsert(e)
	return evicted
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// Clear removes every entry. Statistics are preserved; use ResetStats to
// zero counters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	s.tracker.reset()
}

// Exists reports whether key is present, without touching access metadata or
// the hit/miss counters. Expired entries still count as present until removed.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Keys returns a snapshot of all keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store's counters. HitRate is zero before
// any access.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Size:        len(s.entries),
		MaxSize:     s.config.MaxSize,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// ResetStats zeroes all counters.
func (s *Store) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses, s.evictions, s.expirations = 0, 0, 0, 0
}

// Sweep removes every expired entry, returning how many were dropped. The
// Manager invokes this on its cleanup interval.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*Entry
	for _, e := range s.entries {
		if e.expired(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.removeLocked(e)
		s.expirations++
	}
	return len(expired)
}

func (s *Store) removeLocked(e *Entry) {
	s.tracker.onRemove(e)
	delete(s.entries, e.Key)
}
