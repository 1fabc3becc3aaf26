package optimizer

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Handle is the future returned by Submit. It resolves exactly once, to a
// value or an error.
type Handle struct {
	id   uint64
	done chan struct{}

	once      sync.Once
	value     interface{}
	err       error
	fromCache bool
}

func newHandle(id uint64) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID identifies the request for Cancel.
func (h *Handle) ID() uint64 { return h.id }

// Done is closed when the request has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the request resolves or ctx expires. A ctx expiry bounds
// the wait only; the request itself keeps running.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(errors.ErrCodeOperationTimeout, "timed out waiting for request", ctx.Err()).
				WithComponent("optimizer").WithOp("wait")
		}
		return nil, errors.Wrap(errors.ErrCodeRequestCanceled, "wait canceled", ctx.Err()).
			WithComponent("optimizer").WithOp("wait")
	}
}

// FromCache reports whether the result was served from cache. Only meaningful
// after Done is closed.
func (h *Handle) FromCache() bool {
	select {
	case <-h.done:
		return h.fromCache
	default:
		return false
	}
}

func (h *Handle) resolve(value interface{}, err error, fromCache bool) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		h.fromCache = fromCache
		close(h.done)
	})
}
