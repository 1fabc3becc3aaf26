// Package prefetch warms the cache in the background. Prefetched keys are
// submitted in the optimizer's lowest-urgency priority band, so a prefetch
// can never delay a foreground request.
package prefetch

import (
	"context"
	"sync"

	"github.com/apex/log"

	"github.com/hotfetch/hotfetch/internal/cache"
	"github.com/hotfetch/hotfetch/internal/optimizer"
	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Factory produces the value for one prefetched key.
type Factory func(ctx context.Context, key string) (interface{}, error)

// Config configures a Prefetcher.
type Config struct {
	// ChunkSize bounds how many keys are submitted per chunk; between chunks
	// the context is re-checked so a canceled prefetch stops early.
	ChunkSize int `yaml:"chunk_size"`
}

// Stats is a snapshot of prefetcher counters.
type Stats struct {
	Issued  uint64 `json:"issued"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Prefetcher issues background cache warmups through an optimizer.
type Prefetcher struct {
	opt    *optimizer.Optimizer
	store  *cache.Store
	logger log.Interface
	chunk  int

	wg sync.WaitGroup

	mu      sync.Mutex
	issued  uint64
	skipped uint64
	failed  uint64
}

// New creates a prefetcher feeding the given store through opt.
func New(opt *optimizer.Optimizer, store *cache.Store, config Config) (*Prefetcher, error) {
	if opt == nil || store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "prefetcher needs an optimizer and a store").
			WithComponent("prefetch")
	}
	if config.ChunkSize < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "chunk_size must not be negative, got %d", config.ChunkSize).
			WithComponent("prefetch")
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = 32
	}
	return &Prefetcher{
		opt:    opt,
		store:  store,
		logger: log.WithField("component", "prefetch"),
		chunk:  config.ChunkSize,
	}, nil
}

// Prefetch submits background fetches for every key not already cached.
// It returns once all keys are submitted; results land in the cache
// asynchronously. Submission errors abort the remaining keys.
func (p *Prefetcher) Prefetch(ctx context.Context, keys []string, factory Factory) error {
	if factory == nil {
		return errors.New(errors.ErrCodeInvalidConfig, "prefetch factory must not be nil").
			WithComponent("prefetch")
	}

	for start := 0; start < len(keys); start += p.chunk {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeRequestCanceled, "prefetch canceled", err).
				WithComponent("prefetch")
		}
		end := start + p.chunk
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			if p.store.Exists(key) {
				p.mu.Lock()
				p.skipped++
				p.mu.Unlock()
				continue
			}
			if err := p.submit(ctx, key, factory); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Prefetcher) submit(ctx context.Context, key string, factory Factory) error {
	handle, err := p.opt.Submit(ctx, optimizer.Request{
		Key:      key,
		Prefetch: true,
		Operation: func(ctx context.Context) (interface{}, error) {
			return factory(ctx, key)
		},
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.issued++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := handle.Wait(context.Background()); err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			p.logger.WithError(err).WithField("key", key).Debug("prefetch failed")
		}
	}()
	return nil
}

// Wait blocks until every issued prefetch has resolved, or ctx expires.
func (p *Prefetcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeOperationTimeout, "timed out waiting for prefetches", ctx.Err()).
			WithComponent("prefetch").WithOp("wait")
	}
}

// Stats returns a snapshot of prefetch counters.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Issued: p.issued, Skipped: p.skipped, Failed: p.failed}
}
