// Package optimizer schedules expensive operations through a bounded worker
// pool with priority ordering, request batching, retries, and cache
// integration.
//
// Architecture:
//
//	Submit ──► priority queue ──► workers (MaxWorkers)
//	              │                  │
//	           Cancel            cache probe ──hit──► resolve handle
//	                                 │
//	                              miss│
//	                                 ▼
//	                  batch? ──yes──► batcher (BatchKey/BatchWindow)
//	                    │no                │
//	                    ▼                  ▼
//	                 operation        batch operation
//	                 (w/ retry)       (per-item fallback retry)
//	                    │                  │
//	                    └──────► cache write + resolve handle
//
// Requests are ordered by ascending priority value (lower is more urgent);
// requests at the same priority complete in submission order. Every Submit
// returns a Handle that resolves exactly once, to either a value or a typed
// error. Cancellation removes requests that are still queued; a request that
// has already been handed to a worker runs to completion, but cancelling it
// suppresses any further retry attempts.
package optimizer
