/*
Package cache provides named, thread-safe in-memory stores with TTL expiration
and pluggable eviction policies.

# Architecture

	┌─────────────────────────────────────────────┐
	│                 Callers                     │
	│   (optimizer workers, prefetcher, reads)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Manager                     │  ← process-wide registry
	│   • CreateStore is idempotent by name       │
	│   • owns the periodic expiry sweep          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                  Store                      │  ← one lock per store
	│   • key → Entry with TTL metadata           │
	│   • LRU / LFU / FIFO eviction               │
	│   • hit/miss/eviction statistics            │
	└─────────────────────────────────────────────┘

# Eviction Policies

LRU evicts the entry with the smallest last-access time, LFU the entry with
the smallest access count (ties broken by oldest last access), FIFO the entry
with the smallest creation time. Exactly one entry is evicted per insert that
would otherwise exceed MaxSize.

# Expiration

An entry whose deadline has passed is never returned as a hit. It is removed
lazily on access (counting a miss and an expiration) or by the Manager's
background sweep, whichever runs first.

# Usage

	mgr := cache.NewManager(time.Minute)
	defer mgr.Close()

	store, err := mgr.CreateStore("quotes", cache.StoreConfig{
		MaxSize:    10000,
		DefaultTTL: 5 * time.Minute,
		Policy:     cache.PolicyLRU,
	})
	if err != nil {
		log.Fatalf("create store: %v", err)
	}

	store.Set("AAPL", quote)
	if v, ok := store.Get("AAPL"); ok {
		fmt.Println(v)
	}
*/
package cache
