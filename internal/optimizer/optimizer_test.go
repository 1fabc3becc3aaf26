package optimizer

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hotfetch/hotfetch/internal/cache"
	"github.com/hotfetch/hotfetch/pkg/errors"
)

func newTestOptimizer(t *testing.T, config Config, store *cache.Store) *Optimizer {
	t.Helper()
	o, err := New(config, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func newTestStore(t *testing.T, maxSize int) *cache.Store {
	t.Helper()
	s, err := cache.NewStore("optimizer-test", cache.StoreConfig{MaxSize: maxSize})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func constOp(value interface{}) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return value, nil
	}
}

func TestNew_ConfigValidation(t *testing.T) {
	if _, err := New(Config{MaxWorkers: -1}, nil); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("negative workers: expected INVALID_CONFIG, got %v", err)
	}
	if _, err := New(Config{BackpressureMode: "drop"}, nil); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("bad backpressure mode: expected INVALID_CONFIG, got %v", err)
	}
}

func TestSubmit_ResolvesValue(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 2}, nil)

	handle, err := o.Submit(context.Background(), Request{Operation: constOp("hello")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	value, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if value != "hello" {
		t.Errorf("expected %q, got %v", "hello", value)
	}

	stats := o.Stats()
	if stats.TotalRequests != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSubmit_RequiresOperationOrBatchKey(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, nil)

	if _, err := o.Submit(context.Background(), Request{}); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
	if _, err := o.Submit(context.Background(), Request{BatchKey: "unregistered"}); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("unregistered batch key: expected INVALID_CONFIG, got %v", err)
	}
}

func TestSubmit_PriorityOrder(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, QueueCapacity: 16}, nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	blocker, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started // the single worker is now occupied

	var mu sync.Mutex
	var order []int
	submit := func(priority int) *Handle {
		h, err := o.Submit(context.Background(), Request{
			Priority: priority,
			Operation: func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, priority)
				mu.Unlock()
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit(%d): %v", priority, err)
		}
		return h
	}

	handles := []*Handle{submit(50), submit(1), submit(10)}
	close(gate)

	if _, err := blocker.Wait(context.Background()); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	for _, h := range handles {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 10, 50}
	for i, p := range want {
		if order[i] != p {
			t.Fatalf("completion order %v, want %v", order, want)
		}
	}
}

func TestSubmit_FIFOWithinPriority(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, QueueCapacity: 16}, nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	if _, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started

	var mu sync.Mutex
	var order []int
	var handles []*Handle
	for i := 0; i < 5; i++ {
		i := i
		h, err := o.Submit(context.Background(), Request{
			Priority: PriorityNormal,
			Operation: func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}
	close(gate)
	for _, h := range handles {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("same-priority requests completed out of submission order: %v", order)
		}
	}
}

func TestWorkers_ConcurrencyNeverExceedsMaxWorkers(t *testing.T) {
	const maxWorkers = 3
	o := newTestOptimizer(t, Config{MaxWorkers: maxWorkers, QueueCapacity: 64}, nil)

	var inFlight, peak int64
	var handles []*Handle
	for i := 0; i < 24; i++ {
		h, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil, nil
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	if peak > maxWorkers {
		t.Errorf("peak concurrency %d exceeded %d workers", peak, maxWorkers)
	}
}

func TestSubmit_RejectModeCapacityExceeded(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:       2,
		QueueCapacity:    1,
		BackpressureMode: BackpressureReject,
	}, nil)

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{}, 2)
	blockingOp := func(ctx context.Context) (interface{}, error) {
		started <- struct{}{}
		<-gate
		return nil, nil
	}

	// Occupy both workers.
	for i := 0; i < 2; i++ {
		if _, err := o.Submit(context.Background(), Request{Operation: blockingOp}); err != nil {
			t.Fatalf("Submit worker-filler: %v", err)
		}
	}
	<-started
	<-started

	// Fill the single queue slot.
	if _, err := o.Submit(context.Background(), Request{Operation: constOp(nil)}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	waitForQueueDepth(t, o, 1)

	if _, err := o.Submit(context.Background(), Request{Operation: constOp(nil)}); !errors.IsCode(err, errors.ErrCodeCapacityExceeded) {
		t.Errorf("expected CAPACITY_EXCEEDED, got %v", err)
	}
}

func TestSubmit_BlockModeTimesOut(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:       1,
		QueueCapacity:    1,
		BackpressureMode: BackpressureBlock,
		SubmitTimeout:    20 * time.Millisecond,
	}, nil)

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	if _, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started

	if _, err := o.Submit(context.Background(), Request{Operation: constOp(nil)}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	waitForQueueDepth(t, o, 1)

	start := time.Now()
	_, err := o.Submit(context.Background(), Request{Operation: constOp(nil)})
	if !errors.IsCode(err, errors.ErrCodeCapacityExceeded) {
		t.Fatalf("expected CAPACITY_EXCEEDED after timeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("block-mode submit returned before SubmitTimeout")
	}
}

func TestSubmit_BlockModeUnblocksWhenSlotFrees(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:       1,
		QueueCapacity:    1,
		BackpressureMode: BackpressureBlock,
	}, nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	if _, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started
	if _, err := o.Submit(context.Background(), Request{Operation: constOp(nil)}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	waitForQueueDepth(t, o, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), Request{Operation: constOp(nil)})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	close(gate) // worker drains the queue, freeing a slot

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("blocked submit should succeed once a slot frees: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked submit never returned")
	}
}

func TestCancel_QueuedRequest(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, QueueCapacity: 8}, nil)

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	if _, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started

	ran := int32(0)
	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !o.Cancel(handle.ID()) {
		t.Fatal("Cancel of a queued request should return true")
	}
	if _, err := handle.Wait(context.Background()); !errors.IsCode(err, errors.ErrCodeRequestCanceled) {
		t.Errorf("expected REQUEST_CANCELED, got %v", err)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("canceled request must not run")
	}
	if o.Stats().Canceled != 1 {
		t.Errorf("expected 1 canceled, got %d", o.Stats().Canceled)
	}
}

func TestCancel_DispatchedSuppressesRetries(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, MaxRetries: 5, BackoffBase: time.Millisecond}, nil)

	attempts := int32(0)
	started := make(chan struct{})
	proceed := make(chan struct{})
	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			close(started)
			<-proceed
		}
		return nil, errors.New(errors.ErrCodeNetworkError, "flaky upstream")
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	if o.Cancel(handle.ID()) {
		t.Error("Cancel of a dispatched request should return false")
	}
	close(proceed)

	if _, err := handle.Wait(context.Background()); err == nil {
		t.Fatal("expected the in-flight attempt's failure to surface")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("cancellation should suppress retries, got %d attempts", n)
	}
}

func TestCancel_UnknownID(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, nil)
	if o.Cancel(99999) {
		t.Error("Cancel of an unknown id should return false")
	}
}

func TestRetry_TransientFailureThenSuccess(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, nil)

	attempts := int32(0)
	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New(errors.ErrCodeNetworkError, "flaky upstream")
		}
		return "recovered", nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	value, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if value != "recovered" {
		t.Errorf("expected %q, got %v", "recovered", value)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ExhaustionResolvesRequestFailed(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, MaxRetries: 2, BackoffBase: time.Millisecond}, nil)

	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		return nil, errors.New(errors.ErrCodeNetworkError, "always down")
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = handle.Wait(context.Background())
	if !errors.IsCode(err, errors.ErrCodeRequestFailed) {
		t.Fatalf("expected REQUEST_FAILED, got %v", err)
	}
	hfe, _ := errors.AsHotfetchError(err)
	if hfe.Attempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", hfe.Attempts)
	}
	if o.Stats().Failed != 1 {
		t.Errorf("expected 1 failed, got %d", o.Stats().Failed)
	}
}

func TestRequestDeadline_FailsWithTimeout(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1, MaxRetries: 3, BackoffBase: 50 * time.Millisecond}, nil)

	attempts := int32(0)
	handle, err := o.Submit(context.Background(), Request{
		Deadline: time.Now().Add(20 * time.Millisecond),
		Operation: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New(errors.ErrCodeNetworkError, "slow upstream")
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := handle.Wait(context.Background()); !errors.IsCode(err, errors.ErrCodeOperationTimeout) {
		t.Fatalf("expected OPERATION_TIMEOUT, got %v", err)
	}
	// The deadline is shorter than the first backoff, so the retry loop must
	// stop after the initial attempt.
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected the deadline to cut off retries after 1 attempt, got %d", n)
	}
}

func TestCacheIntegration_HitSkipsOperation(t *testing.T) {
	store := newTestStore(t, 16)
	store.Set("answer", 42)
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, store)

	ran := int32(0)
	handle, err := o.Submit(context.Background(), Request{
		Key: "answer",
		Operation: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&ran, 1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	value, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if value != 42 {
		t.Errorf("expected cached 42, got %v", value)
	}
	if !handle.FromCache() {
		t.Error("handle should report a cache-served result")
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("operation must not run on a cache hit")
	}
	if o.Stats().CacheHitsServed != 1 {
		t.Errorf("expected 1 cache hit served, got %d", o.Stats().CacheHitsServed)
	}
}

func TestCacheIntegration_SuccessWritesThrough(t *testing.T) {
	store := newTestStore(t, 16)
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, store)

	handle, err := o.Submit(context.Background(), Request{Key: "fresh", Operation: constOp("value")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if v, ok := store.Get("fresh"); !ok || v != "value" {
		t.Errorf("successful result should be cached, got %v (ok=%v)", v, ok)
	}
}

func TestCacheIntegration_FailureNeverTouchesCache(t *testing.T) {
	store := newTestStore(t, 16)
	o := newTestOptimizer(t, Config{MaxWorkers: 1, MaxRetries: 0}, store)

	handle, err := o.Submit(context.Background(), Request{
		Key: "doomed",
		Operation: func(ctx context.Context) (interface{}, error) {
			return nil, stderrors.New("permanent failure")
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err == nil {
		t.Fatal("expected failure")
	}

	if store.Exists("doomed") {
		t.Error("failed request must not write to the cache")
	}
	if store.Stats().Hits != 0 {
		t.Error("failed request must not count cache hits")
	}
}

func TestBatching_CoalescesIntoOneCall(t *testing.T) {
	store := newTestStore(t, 16)
	o := newTestOptimizer(t, Config{
		MaxWorkers:  2,
		BatchSize:   8,
		BatchWindow: 50 * time.Millisecond,
	}, store)

	calls := int32(0)
	o.RegisterBatch("quotes", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		results := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			results[k] = "price:" + k
		}
		return results, nil
	})

	var handles []*Handle
	for _, key := range []string{"aapl", "msft", "goog"} {
		h, err := o.Submit(context.Background(), Request{Key: key, BatchKey: "quotes"})
		if err != nil {
			t.Fatalf("Submit(%s): %v", key, err)
		}
		handles = append(handles, h)
	}

	for i, key := range []string{"aapl", "msft", "goog"} {
		value, err := handles[i].Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait(%s): %v", key, err)
		}
		if value != "price:"+key {
			t.Errorf("key %s: expected %q, got %v", key, "price:"+key, value)
		}
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 batch call, got %d", n)
	}
	if !store.Exists("aapl") || !store.Exists("msft") || !store.Exists("goog") {
		t.Error("batch results should be written to the cache")
	}
}

func TestBatching_SizeThresholdFlushesEarly(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:  2,
		BatchSize:   2,
		BatchWindow: 10 * time.Second, // must not be what triggers the flush
	}, nil)

	batched := make(chan int, 1)
	o.RegisterBatch("bulk", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		batched <- len(keys)
		results := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			results[k] = true
		}
		return results, nil
	})

	h1, err := o.Submit(context.Background(), Request{Key: "a", BatchKey: "bulk"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h2, err := o.Submit(context.Background(), Request{Key: "b", BatchKey: "bulk"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h1.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := h2.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := <-batched; n != 2 {
		t.Errorf("expected a 2-key batch, got %d", n)
	}
}

func TestBatching_BatchFailureFallsBackPerItem(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:  2,
		BatchSize:   8,
		BatchWindow: 20 * time.Millisecond,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	}, nil)

	var batchCalls, singleCalls int32
	o.RegisterBatch("flaky", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		if len(keys) > 1 {
			atomic.AddInt32(&batchCalls, 1)
			return nil, errors.New(errors.ErrCodeNetworkError, "bulk endpoint down")
		}
		atomic.AddInt32(&singleCalls, 1)
		return map[string]interface{}{keys[0]: "single:" + keys[0]}, nil
	})

	h1, err := o.Submit(context.Background(), Request{Key: "x", BatchKey: "flaky"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h2, err := o.Submit(context.Background(), Request{Key: "y", BatchKey: "flaky"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	v1, err := h1.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait x: %v", err)
	}
	v2, err := h2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait y: %v", err)
	}
	if v1 != "single:x" || v2 != "single:y" {
		t.Errorf("per-item fallback results wrong: %v, %v", v1, v2)
	}
	if atomic.LoadInt32(&batchCalls) != 1 {
		t.Errorf("expected 1 failed batch call, got %d", batchCalls)
	}
	if atomic.LoadInt32(&singleCalls) != 2 {
		t.Errorf("expected 2 per-item fallback calls, got %d", singleCalls)
	}
}

func TestBatching_MissingKeyFailsThatRequestOnly(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:  2,
		BatchSize:   8,
		BatchWindow: 20 * time.Millisecond,
		MaxRetries:  0,
	}, nil)

	o.RegisterBatch("partial", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		results := make(map[string]interface{})
		for _, k := range keys {
			if k != "missing" {
				results[k] = "ok"
			}
		}
		return results, nil
	})

	hGood, err := o.Submit(context.Background(), Request{Key: "present", BatchKey: "partial"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	hBad, err := o.Submit(context.Background(), Request{Key: "missing", BatchKey: "partial"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if v, err := hGood.Wait(context.Background()); err != nil || v != "ok" {
		t.Errorf("present key: got %v, %v", v, err)
	}
	if _, err := hBad.Wait(context.Background()); !errors.IsCode(err, errors.ErrCodeRequestFailed) {
		t.Errorf("missing key: expected REQUEST_FAILED, got %v", err)
	}
}

func TestBatching_WindowFlushStaysWithinWorkerBound(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:  1,
		BatchSize:   8,
		BatchWindow: 15 * time.Millisecond,
	}, nil)

	var inFlight, peak int64
	track := func() func() {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		return func() { atomic.AddInt64(&inFlight, -1) }
	}

	o.RegisterBatch("bound", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		defer track()()
		time.Sleep(5 * time.Millisecond)
		results := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			results[k] = "ok"
		}
		return results, nil
	})

	// Park a member in the batch window, then occupy the only worker past
	// the window's expiry. The flushed batch must wait for that worker
	// rather than run on the flush timer's goroutine.
	hBatch, err := o.Submit(context.Background(), Request{Key: "k", BatchKey: "bound"})
	if err != nil {
		t.Fatalf("Submit batched: %v", err)
	}
	hSlow, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		defer track()()
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("Submit foreground: %v", err)
	}

	if _, err := hSlow.Wait(context.Background()); err != nil {
		t.Fatalf("Wait foreground: %v", err)
	}
	if v, err := hBatch.Wait(context.Background()); err != nil || v != "ok" {
		t.Fatalf("Wait batched: got %v, %v", v, err)
	}

	if p := atomic.LoadInt64(&peak); p > 1 {
		t.Errorf("peak concurrency %d exceeded the single worker", p)
	}
}

func TestBatching_ExpiredMemberTimesOutBeforeCall(t *testing.T) {
	o := newTestOptimizer(t, Config{
		MaxWorkers:  2,
		BatchSize:   8,
		BatchWindow: 40 * time.Millisecond,
		MaxRetries:  0,
	}, nil)

	var mu sync.Mutex
	var seen []string
	o.RegisterBatch("slowwin", func(ctx context.Context, keys []string) (map[string]interface{}, error) {
		mu.Lock()
		seen = append(seen, keys...)
		mu.Unlock()
		results := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			results[k] = "ok"
		}
		return results, nil
	})

	hExpired, err := o.Submit(context.Background(), Request{
		Key:      "stale",
		BatchKey: "slowwin",
		Deadline: time.Now().Add(2 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Submit expired: %v", err)
	}
	hFresh, err := o.Submit(context.Background(), Request{Key: "fresh", BatchKey: "slowwin"})
	if err != nil {
		t.Fatalf("Submit fresh: %v", err)
	}

	// The deadline lapses while the batch window is still open; the member
	// must fail rather than ride the late flush to a success.
	if _, err := hExpired.Wait(context.Background()); !errors.IsCode(err, errors.ErrCodeOperationTimeout) {
		t.Fatalf("expired member: expected OPERATION_TIMEOUT, got %v", err)
	}
	if v, err := hFresh.Wait(context.Background()); err != nil || v != "ok" {
		t.Fatalf("fresh member: got %v, %v", v, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, k := range seen {
		if k == "stale" {
			t.Error("expired member's key was still passed to the batch operation")
		}
	}
}

func TestStats_CompletionsNeverExceedSubmissions(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 4, QueueCapacity: 256}, nil)

	stop := make(chan struct{})
	var violated int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := o.Stats()
			if s.Succeeded+s.Failed+s.Canceled > s.TotalRequests {
				atomic.StoreInt32(&violated, 1)
				return
			}
		}
	}()

	var handles []*Handle
	for i := 0; i < 200; i++ {
		h, err := o.Submit(context.Background(), Request{Operation: constOp(nil)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	close(stop)

	if atomic.LoadInt32(&violated) == 1 {
		t.Error("stats snapshot showed more completions than submissions")
	}
	if s := o.Stats(); s.TotalRequests != 200 || s.Succeeded != 200 {
		t.Errorf("unexpected final stats: %+v", s)
	}
}

func TestClose_RejectsNewSubmitsAndDrains(t *testing.T) {
	o, err := New(Config{MaxWorkers: 2, QueueCapacity: 16}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := int32(0)
	var handles []*Handle
	for i := 0; i < 8; i++ {
		h, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&done, 1)
			return nil, nil
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if atomic.LoadInt32(&done) != 8 {
		t.Errorf("Close should drain queued requests, ran %d of 8", done)
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle unresolved after Close")
		}
	}

	if _, err := o.Submit(context.Background(), Request{Operation: constOp(nil)}); !errors.IsCode(err, errors.ErrCodeOptimizerStopped) {
		t.Errorf("expected OPTIMIZER_STOPPED, got %v", err)
	}
}

func TestHandleWait_BoundedByContext(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, nil)

	gate := make(chan struct{})
	defer close(gate)
	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := handle.Wait(ctx); !errors.IsCode(err, errors.ErrCodeOperationTimeout) {
		t.Errorf("expected OPERATION_TIMEOUT from bounded wait, got %v", err)
	}
}

func TestStats_AverageLatency(t *testing.T) {
	o := newTestOptimizer(t, Config{MaxWorkers: 1}, nil)

	handle, err := o.Submit(context.Background(), Request{Operation: func(ctx context.Context) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if o.Stats().AverageLatency <= 0 {
		t.Error("average latency should be positive after a completed request")
	}
}

// waitForQueueDepth polls until the queue holds exactly n requests.
func waitForQueueDepth(t *testing.T, o *Optimizer, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if o.Stats().QueueDepth == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", n, o.Stats().QueueDepth)
}
