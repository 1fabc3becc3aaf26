package optimizer

import (
	"sync/atomic"
	"time"
)

// request is the internal unit of work behind a Handle.
type request struct {
	id       uint64
	seq      uint64
	priority int
	key      string
	batchKey string
	ttl      time.Duration
	deadline time.Time
	op       Operation

	handle      *Handle
	submittedAt time.Time

	// members marks an internal batch-execution job: a flushed batch queued
	// so one of the workers performs the coalesced call. Nil for ordinary
	// requests.
	members []*request

	// index is the heap position while queued; -1 once dispatched.
	index int

	// noMoreRetries is set by Cancel on an already-dispatched request.
	noMoreRetries int32
}

func (r *request) suppressRetries() { atomic.StoreInt32(&r.noMoreRetries, 1) }

func (r *request) retriesSuppressed() bool { return atomic.LoadInt32(&r.noMoreRetries) != 0 }

// requestHeap orders requests by ascending priority value; ties resolve in
// submission order via the monotonic sequence number.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	req := x.(*request)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
