package optimizer

import (
	"sync"
	"time"
)

// batcher coalesces dispatched requests that share a BatchKey. A batch is
// flushed when it reaches BatchSize or when BatchWindow elapses after its
// first member, whichever comes first.
type batcher struct {
	opt *Optimizer

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool
}

type pendingBatch struct {
	batchKey string
	members  []*request
	timer    *time.Timer
}

func newBatcher(opt *Optimizer) *batcher {
	return &batcher{opt: opt, pending: make(map[string]*pendingBatch)}
}

func (b *batcher) add(req *request) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.opt.runBatch(req.batchKey, []*request{req})
		return
	}

	pb, ok := b.pending[req.batchKey]
	if !ok {
		pb = &pendingBatch{batchKey: req.batchKey}
		b.pending[req.batchKey] = pb
		key := req.batchKey
		pb.timer = time.AfterFunc(b.opt.config.BatchWindow, func() {
			b.flush(key)
		})
	}
	pb.members = append(pb.members, req)

	if len(pb.members) >= b.opt.config.BatchSize {
		pb.timer.Stop()
		delete(b.pending, req.batchKey)
		members := pb.members
		b.mu.Unlock()
		// The adding goroutine is a worker, so executing here keeps the
		// coalesced call inside the MaxWorkers bound.
		b.opt.runBatch(pb.batchKey, members)
		return
	}
	b.mu.Unlock()
}

// flush hands a window-expired batch back to the worker pool. Running it
// here, on the timer goroutine, would let executions exceed MaxWorkers.
func (b *batcher) flush(batchKey string) {
	b.mu.Lock()
	pb, ok := b.pending[batchKey]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, batchKey)
	b.mu.Unlock()

	b.opt.enqueueBatchJob(pb.batchKey, pb.members)
}

// close stops all window timers and flushes every pending batch
// synchronously.
func (b *batcher) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	remaining := make([]*pendingBatch, 0, len(b.pending))
	for key, pb := range b.pending {
		pb.timer.Stop()
		remaining = append(remaining, pb)
		delete(b.pending, key)
	}
	b.mu.Unlock()

	for _, pb := range remaining {
		b.opt.runBatch(pb.batchKey, pb.members)
	}
}
