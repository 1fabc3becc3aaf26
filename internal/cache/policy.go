package cache

import (
	"container/list"
)

// EvictionPolicy selects which entry is discarded when a store is full.
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "lru"
	PolicyLFU  EvictionPolicy = "lfu"
	PolicyFIFO EvictionPolicy = "fifo"
)

// Valid reports whether the policy is one of the supported strategies.
func (p EvictionPolicy) Valid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyFIFO:
		return true
	}
	return false
}

// evictionTracker maintains the per-policy bookkeeping needed to pick a
// victim in O(1) for LRU/FIFO and O(n) for LFU. All methods are called with
// the owning store's lock held.
type evictionTracker interface {
	onInsert(e *Entry)
	onAccess(e *Entry)
	onRemove(e *Entry)
	victim() *Entry
	reset()
}

func newEvictionTracker(policy EvictionPolicy) evictionTracker {
	switch policy {
	case PolicyLFU:
		return &lfuTracker{entries: make(map[string]*Entry)}
	case PolicyFIFO:
		return &orderTracker{order: list.New(), moveOnAccess: false}
	default:
		return &orderTracker{order: list.New(), moveOnAccess: true}
	}
}

// orderTracker backs both LRU and FIFO with one linked list: the front is the
// next victim. LRU refreshes an entry's position on access, FIFO does not.
type orderTracker struct {
	order        *list.List
	moveOnAccess bool
}

func (t *orderTracker) onInsert(e *Entry) {
	e.element = t.order.PushBack(e)
}

func (t *orderTracker) onAccess(e *Entry) {
	if t.moveOnAccess && e.element != nil {
		t.order.MoveToBack(e.element)
	}
}

func (t *orderTracker) onRemove(e *Entry) {
	if e.element != nil {
		t.order.Remove(e.element)
		e.element = nil
	}
}

func (t *orderTracker) victim() *Entry {
	front := t.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

func (t *orderTracker) reset() {
	t.order.Init()
}

// lfuTracker picks the entry with the smallest access count. Ties fall back
// to the oldest last-access time, then to insertion order, so the victim is
// deterministic even when timestamps collide.
type lfuTracker struct {
	entries map[string]*Entry
}

func (t *lfuTracker) onInsert(e *Entry) { t.entries[e.Key] = e }
func (t *lfuTracker) onAccess(e *Entry) {}
func (t *lfuTracker) onRemove(e *Entry) { delete(t.entries, e.Key) }

func (t *lfuTracker) victim() *Entry {
	var v *Entry
	for _, e := range t.entries {
		if v == nil || lessLFU(e, v) {
			v = e
		}
	}
	return v
}

// lessLFU reports whether a is a better eviction victim than b.
func lessLFU(a, b *Entry) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	return a.seq < b.seq
}

func (t *lfuTracker) reset() {
	t.entries = make(map[string]*Entry)
}
