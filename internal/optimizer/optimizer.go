package optimizer

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/hotfetch/hotfetch/internal/cache"
	"github.com/hotfetch/hotfetch/pkg/errors"
	"github.com/hotfetch/hotfetch/pkg/retry"
)

// Operation produces the value for a single request.
type Operation func(ctx context.Context) (interface{}, error)

// BatchOperation services a coalesced batch in one call, returning results
// keyed by request key. A key missing from the result map fails that request.
type BatchOperation func(ctx context.Context, keys []string) (map[string]interface{}, error)

// Backpressure modes for a full queue.
const (
	BackpressureBlock  = "block"
	BackpressureReject = "reject"
)

// Priority bands. Lower values are serviced first; PriorityPrefetch is
// reserved for background prefetching and foreground submissions are clamped
// below it.
const (
	PriorityUrgent   = 0
	PriorityHigh     = 10
	PriorityNormal   = 100
	PriorityLow      = 1000
	PriorityPrefetch = 1 << 20
)

// Config configures an Optimizer.
type Config struct {
	MaxWorkers       int           `yaml:"max_workers"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	BackpressureMode string        `yaml:"backpressure_mode"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"` // block mode; 0 waits indefinitely
	BatchSize        int           `yaml:"batch_size"`
	BatchWindow      time.Duration `yaml:"batch_window"`
	MaxRetries       int           `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
}

// Request describes one submission.
type Request struct {
	// Key is the cache key probed before dispatch and written on success.
	// Empty disables cache integration for this request.
	Key string

	// Priority orders the queue; lower is more urgent.
	Priority int

	// BatchKey routes the request to the BatchOperation registered under
	// that key instead of Operation. Empty disables batching.
	BatchKey string

	// Operation is required when BatchKey is empty.
	Operation Operation

	// TTL overrides the store default for the cached result.
	TTL time.Duration

	// Deadline, when set, bounds every execution attempt.
	Deadline time.Time

	// Prefetch pins the request into the background priority band.
	Prefetch bool
}

// Stats is a snapshot of optimizer counters.
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	Succeeded       uint64        `json:"succeeded"`
	Failed          uint64        `json:"failed"`
	Canceled        uint64        `json:"canceled"`
	CacheHitsServed uint64        `json:"cache_hits_served"`
	AverageLatency  time.Duration `json:"average_latency"`
	QueueDepth      int           `json:"queue_depth"`
}

// Optimizer dispatches submitted requests to a fixed pool of workers in
// priority order.
type Optimizer struct {
	config Config
	store  *cache.Store
	logger log.Interface

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    requestHeap
	requests map[uint64]*request // every unresolved request; queued iff index >= 0
	seq      uint64
	stopped  bool

	nextID uint64 // atomic

	batchMu  sync.RWMutex
	batchOps map[string]BatchOperation

	batcher *batcher
	wg      sync.WaitGroup

	statsMu      sync.Mutex
	total        uint64
	succeeded    uint64
	failed       uint64
	canceled     uint64
	cacheHits    uint64
	completed    uint64
	totalLatency time.Duration
}

// New creates an optimizer and starts its workers. store may be nil to run
// without cache integration.
func New(config Config, store *cache.Store) (*Optimizer, error) {
	if config.MaxWorkers < 0 || config.QueueCapacity < 0 || config.BatchSize < 0 ||
		config.MaxRetries < 0 || config.BatchWindow < 0 || config.BackoffBase < 0 || config.SubmitTimeout < 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "optimizer settings must not be negative").
			WithComponent("optimizer")
	}
	if config.MaxWorkers == 0 {
		config.MaxWorkers = 4
	}
	if config.QueueCapacity == 0 {
		config.QueueCapacity = 256
	}
	if config.BatchSize == 0 {
		config.BatchSize = 16
	}
	if config.BatchWindow == 0 {
		config.BatchWindow = 10 * time.Millisecond
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 100 * time.Millisecond
	}
	switch config.BackpressureMode {
	case "":
		config.BackpressureMode = BackpressureBlock
	case BackpressureBlock, BackpressureReject:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown backpressure mode %q", config.BackpressureMode).
			WithComponent("optimizer")
	}

	o := &Optimizer{
		config:   config,
		store:    store,
		logger:   log.WithField("component", "optimizer"),
		requests: make(map[uint64]*request),
		batchOps: make(map[string]BatchOperation),
	}
	o.notEmpty = sync.NewCond(&o.mu)
	o.notFull = sync.NewCond(&o.mu)
	o.batcher = newBatcher(o)

	for i := 0; i < config.MaxWorkers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.WithField("workers", config.MaxWorkers).Info("optimizer started")
	return o, nil
}

// SetLogger replaces the optimizer's logger.
func (o *Optimizer) SetLogger(logger log.Interface) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger = logger
}

// RegisterBatch installs the BatchOperation for a batch key. Submitting with
// an unregistered BatchKey fails.
func (o *Optimizer) RegisterBatch(batchKey string, op BatchOperation) {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()
	o.batchOps[batchKey] = op
}

// Submit enqueues a request and returns its handle. With a full queue, block
// mode waits (bounded by SubmitTimeout when set) and reject mode fails
// immediately, both with CAPACITY_EXCEEDED.
func (o *Optimizer) Submit(ctx context.Context, r Request) (*Handle, error) {
	if r.BatchKey == "" && r.Operation == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "request needs an operation or a batch key").
			WithComponent("optimizer").WithOp("submit")
	}
	if r.BatchKey != "" {
		o.batchMu.RLock()
		_, ok := o.batchOps[r.BatchKey]
		o.batchMu.RUnlock()
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "no batch operation registered for %q", r.BatchKey).
				WithComponent("optimizer").WithOp("submit")
		}
	}

	priority := r.Priority
	switch {
	case r.Prefetch:
		priority = PriorityPrefetch
	case priority < 0:
		priority = PriorityUrgent
	case priority >= PriorityPrefetch:
		priority = PriorityPrefetch - 1
	}

	// Wake blocked submitters when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.notFull.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	var deadline time.Time
	if o.config.SubmitTimeout > 0 {
		deadline = time.Now().Add(o.config.SubmitTimeout)
	}

	o.mu.Lock()
	for {
		if o.stopped {
			o.mu.Unlock()
			return nil, errors.New(errors.ErrCodeOptimizerStopped, "optimizer is stopped").
				WithComponent("optimizer").WithOp("submit")
		}
		if ctx.Err() != nil {
			o.mu.Unlock()
			return nil, errors.Wrap(errors.ErrCodeRequestCanceled, "submit canceled", ctx.Err()).
				WithComponent("optimizer").WithOp("submit")
		}
		if len(o.queue) < o.config.QueueCapacity {
			break
		}
		if o.config.BackpressureMode == BackpressureReject {
			o.mu.Unlock()
			return nil, errors.Newf(errors.ErrCodeCapacityExceeded, "queue full (%d requests)", o.config.QueueCapacity).
				WithComponent("optimizer").WithOp("submit")
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				o.mu.Unlock()
				return nil, errors.Newf(errors.ErrCodeCapacityExceeded, "queue full after waiting %s", o.config.SubmitTimeout).
					WithComponent("optimizer").WithOp("submit")
			}
			timer := time.AfterFunc(remaining, func() {
				o.mu.Lock()
				o.notFull.Broadcast()
				o.mu.Unlock()
			})
			o.notFull.Wait()
			timer.Stop()
		} else {
			o.notFull.Wait()
		}
	}

	o.seq++
	req := &request{
		id:          atomic.AddUint64(&o.nextID, 1),
		seq:         o.seq,
		priority:    priority,
		key:         r.Key,
		batchKey:    r.BatchKey,
		ttl:         r.TTL,
		deadline:    r.Deadline,
		op:          r.Operation,
		submittedAt: time.Now(),
	}
	req.handle = newHandle(req.id)
	o.requests[req.id] = req
	heap.Push(&o.queue, req)
	// Count the request before any worker can pop it, so Stats never shows
	// more completions than submissions.
	o.statsMu.Lock()
	o.total++
	o.statsMu.Unlock()
	o.notEmpty.Signal()
	o.mu.Unlock()
	return req.handle, nil
}

// Cancel removes a queued request, resolving its handle with
// REQUEST_CANCELED, and returns true. For a request already handed to a
// worker it only suppresses further retries and returns false.
func (o *Optimizer) Cancel(id uint64) bool {
	o.mu.Lock()
	req, ok := o.requests[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if req.index < 0 {
		// Already dispatched; the current attempt runs to completion.
		req.suppressRetries()
		o.mu.Unlock()
		return false
	}
	heap.Remove(&o.queue, req.index)
	delete(o.requests, id)
	o.notFull.Signal()
	o.mu.Unlock()

	req.handle.resolve(nil, errors.New(errors.ErrCodeRequestCanceled, "request canceled while queued").
		WithComponent("optimizer"), false)
	o.statsMu.Lock()
	o.canceled++
	o.statsMu.Unlock()
	return true
}

// Stats returns a snapshot of optimizer counters.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	depth := len(o.queue)
	o.mu.Unlock()

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s := Stats{
		TotalRequests:   o.total,
		Succeeded:       o.succeeded,
		Failed:          o.failed,
		Canceled:        o.canceled,
		CacheHitsServed: o.cacheHits,
		QueueDepth:      depth,
	}
	if o.completed > 0 {
		s.AverageLatency = o.totalLatency / time.Duration(o.completed)
	}
	return s
}

// Close stops intake, lets the workers drain the queue, and flushes pending
// batches. Safe to call more than once.
func (o *Optimizer) Close() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.notEmpty.Broadcast()
	o.notFull.Broadcast()
	o.mu.Unlock()

	o.wg.Wait()
	o.batcher.close()
	o.logger.Info("optimizer stopped")
	return nil
}

func (o *Optimizer) worker() {
	defer o.wg.Done()
	for {
		req := o.pop()
		if req == nil {
			return
		}
		o.process(req)
	}
}

// pop blocks until a request is available. It returns nil only once the
// optimizer is stopped and the queue has drained.
func (o *Optimizer) pop() *request {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.stopped {
		o.notEmpty.Wait()
	}
	if len(o.queue) == 0 {
		return nil
	}
	req := heap.Pop(&o.queue).(*request)
	o.notFull.Signal()
	return req
}

func (o *Optimizer) process(req *request) {
	if req.members != nil {
		o.runBatch(req.batchKey, req.members)
		return
	}
	if o.store != nil && req.key != "" {
		if value, ok := o.store.Get(req.key); ok {
			o.resolve(req, value, nil, true)
			return
		}
	}
	if req.batchKey != "" {
		o.batcher.add(req)
		return
	}
	o.execute(req)
}

// execute runs a single (non-batched) request through the retry engine.
func (o *Optimizer) execute(req *request) {
	ctx, cancel := o.requestContext(req)
	defer cancel()

	var value interface{}
	err := o.retryer(req).DoWithContext(ctx, func(ctx context.Context) error {
		v, err := req.op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	o.resolve(req, value, err, false)
}

// enqueueBatchJob hands a flushed batch back to the priority queue so one of
// the workers performs the coalesced call. The job inherits the most urgent
// member priority. During shutdown the workers may already be gone, so the
// batch runs inline instead of being stranded in the queue.
func (o *Optimizer) enqueueBatchJob(batchKey string, members []*request) {
	priority := members[0].priority
	for _, m := range members[1:] {
		if m.priority < priority {
			priority = m.priority
		}
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.runBatch(batchKey, members)
		return
	}
	o.seq++
	heap.Push(&o.queue, &request{
		seq:      o.seq,
		priority: priority,
		batchKey: batchKey,
		members:  members,
	})
	o.notEmpty.Signal()
	o.mu.Unlock()
}

// runBatch performs one coalesced call for every member whose deadline has
// not already passed; expired members resolve with OPERATION_TIMEOUT without
// reaching the operation. On a batch-level failure, or for members missing
// from the result map, each affected member is retried individually.
func (o *Optimizer) runBatch(batchKey string, members []*request) {
	o.batchMu.RLock()
	op := o.batchOps[batchKey]
	o.batchMu.RUnlock()

	now := time.Now()
	live := make([]*request, 0, len(members))
	for _, m := range members {
		if !m.deadline.IsZero() && now.After(m.deadline) {
			o.resolve(m, nil, errors.New(errors.ErrCodeOperationTimeout, "deadline exceeded while awaiting batch").
				WithComponent("optimizer"), false)
			continue
		}
		live = append(live, m)
	}
	if len(live) == 0 {
		return
	}

	keys := make([]string, len(live))
	for i, m := range live {
		keys[i] = m.key
	}

	results, err := op(context.Background(), keys)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"batch_key": batchKey,
			"size":      len(live),
		}).Debug("batch call failed, retrying members individually")
		for _, m := range live {
			o.executeBatchMember(op, m)
		}
		return
	}

	for _, m := range live {
		if value, ok := results[m.key]; ok {
			o.resolve(m, value, nil, false)
		} else {
			o.executeBatchMember(op, m)
		}
	}
}

// executeBatchMember falls back to a single-key call with retries.
func (o *Optimizer) executeBatchMember(op BatchOperation, req *request) {
	ctx, cancel := o.requestContext(req)
	defer cancel()

	var value interface{}
	err := o.retryer(req).DoWithContext(ctx, func(ctx context.Context) error {
		results, err := op(ctx, []string{req.key})
		if err != nil {
			return err
		}
		v, ok := results[req.key]
		if !ok {
			return errors.Newf(errors.ErrCodeRequestFailed, "no result for key %q", req.key).
				WithComponent("optimizer").WithRetryable(false)
		}
		value = v
		return nil
	})
	o.resolve(req, value, err, false)
}

func (o *Optimizer) retryer(req *request) *retry.Retryer {
	return retry.New(retry.Config{
		MaxRetries: o.config.MaxRetries,
		BaseDelay:  o.config.BackoffBase,
		Jitter:     true,
		RetryIf: func(err error) bool {
			if req.retriesSuppressed() {
				return false
			}
			return errors.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.logger.WithError(err).WithFields(log.Fields{
				"request": req.id,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("retrying request")
		},
	})
}

// requestContext applies the per-request deadline so it is checked before
// every retry attempt.
func (o *Optimizer) requestContext(req *request) (context.Context, context.CancelFunc) {
	if req.deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), req.deadline)
}

// resolve finishes a request exactly once: cache write on fresh success,
// handle resolution, stats accounting.
func (o *Optimizer) resolve(req *request, value interface{}, err error, fromCache bool) {
	if err == nil && !fromCache && o.store != nil && req.key != "" {
		if req.ttl > 0 {
			o.store.SetWithTTL(req.key, value, req.ttl)
		} else {
			o.store.Set(req.key, value)
		}
	}

	o.mu.Lock()
	delete(o.requests, req.id)
	o.mu.Unlock()

	req.handle.resolve(value, err, fromCache)

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.completed++
	o.totalLatency += time.Since(req.submittedAt)
	if err != nil {
		o.failed++
		return
	}
	o.succeeded++
	if fromCache {
		o.cacheHits++
	}
}
