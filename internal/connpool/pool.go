// Package connpool manages a bounded set of reusable expensive resources,
// such as database or network connections, handing out exclusive validated
// leases.
package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Factory dials a new connection.
type Factory[C any] func(ctx context.Context) (C, error)

// Validator is a cheap liveness probe run before an idle connection is
// handed out. Returning false discards the connection and dials a fresh one
// transparently.
type Validator[C any] func(ctx context.Context, conn C) bool

// Closer releases the underlying resource.
type Closer[C any] func(conn C) error

// Config configures a Pool.
type Config struct {
	// MaxConnections bounds idle + leased connections.
	MaxConnections int `yaml:"max_connections"`

	// AcquireTimeout is how long Acquire waits for a free slot before
	// failing with CONNECTION_TIMEOUT.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	MaxConnections     int    `json:"max_connections"`
	Idle               int    `json:"idle"`
	Leased             int    `json:"leased"`
	Created            uint64 `json:"created"`
	Destroyed          uint64 `json:"destroyed"`
	Reused             uint64 `json:"reused"`
	Timeouts           uint64 `json:"timeouts"`
	ValidationFailures uint64 `json:"validation_failures"`
}

// Pool hands out exclusive leases over at most MaxConnections live
// connections. Idle connections are validated on checkout; a connection is
// never leased to two operations at once.
type Pool[C any] struct {
	mu        sync.Mutex
	idle      chan C
	factory   Factory[C]
	validator Validator[C]
	closer    Closer[C]
	config    Config
	logger    log.Interface

	// live = idle + leased; guarded by mu so a dial reserves its slot
	// before it completes.
	live   int
	leased int
	closed bool

	created            uint64
	destroyed          uint64
	reused             uint64
	timeouts           uint64
	validationFailures uint64
}

// New creates a pool. factory is required; validator and closer may be nil,
// in which case connections are assumed healthy and need no teardown.
func New[C any](config Config, factory Factory[C], validator Validator[C], closer Closer[C]) (*Pool[C], error) {
	if factory == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "connection factory must not be nil").
			WithComponent("connpool")
	}
	if config.MaxConnections <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "max_connections must be positive, got %d", config.MaxConnections).
			WithComponent("connpool")
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 30 * time.Second
	}

	return &Pool[C]{
		idle:      make(chan C, config.MaxConnections),
		factory:   factory,
		validator: validator,
		closer:    closer,
		config:    config,
		logger:    log.WithField("component", "connpool"),
	}, nil
}

// SetLogger replaces the pool's logger.
func (p *Pool[C]) SetLogger(logger log.Interface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// Acquire returns a validated lease, waiting up to the configured
// AcquireTimeout when every connection is leased out.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	return p.AcquireTimeout(ctx, p.config.AcquireTimeout)
}

// AcquireTimeout is Acquire with an explicit wait bound.
func (p *Pool[C]) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Lease[C], error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrCodePoolClosed, "pool is closed").
				WithComponent("connpool").WithOp("acquire")
		}

		// Prefer an idle connection.
		select {
		case conn := <-p.idle:
			p.mu.Unlock()
			if lease, ok := p.checkout(ctx, conn); ok {
				return lease, nil
			}
			// Validation failed; the slot was freed, try again.
			continue
		default:
		}

		// No idle connection: dial a new one if there is room.
		if p.live < p.config.MaxConnections {
			p.live++
			p.mu.Unlock()

			conn, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, errors.Wrap(errors.ErrCodeNetworkError, "failed to open connection", err).
					WithComponent("connpool").WithOp("acquire")
			}

			p.mu.Lock()
			p.created++
			p.leased++
			p.mu.Unlock()
			return &Lease[C]{pool: p, conn: conn}, nil
		}
		p.mu.Unlock()

		// Pool exhausted: block until a lease is released, the timeout
		// elapses, or the caller gives up.
		select {
		case conn := <-p.idle:
			if lease, ok := p.checkout(ctx, conn); ok {
				return lease, nil
			}
		case <-deadline.C:
			p.mu.Lock()
			p.timeouts++
			p.mu.Unlock()
			return nil, errors.Newf(errors.ErrCodeConnectionTimeout, "no connection available within %s", timeout).
				WithComponent("connpool").WithOp("acquire")
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeRequestCanceled, "acquire canceled", ctx.Err()).
				WithComponent("connpool").WithOp("acquire")
		}
	}
}

// WithConn acquires a lease, runs fn, and guarantees release on every exit
// path. fn may mark the lease invalid to have the connection discarded
// instead of returned to idle.
func (p *Pool[C]) WithConn(ctx context.Context, fn func(lease *Lease[C]) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// Warmup pre-dials up to n connections (capped at MaxConnections) so the
// first callers do not pay dial latency.
func (p *Pool[C]) Warmup(ctx context.Context, n int) error {
	if n <= 0 || n > p.config.MaxConnections {
		n = p.config.MaxConnections
	}

	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || p.live >= p.config.MaxConnections {
			p.mu.Unlock()
			return nil
		}
		p.live++
		p.mu.Unlock()

		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return errors.Wrap(errors.ErrCodeNetworkError, "warmup dial failed", err).
				WithComponent("connpool").WithOp("warmup")
		}

		p.mu.Lock()
		p.created++
		p.mu.Unlock()
		p.idle <- conn
	}
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool[C]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxConnections:     p.config.MaxConnections,
		Idle:               len(p.idle),
		Leased:             p.leased,
		Created:            p.created,
		Destroyed:          p.destroyed,
		Reused:             p.reused,
		Timeouts:           p.timeouts,
		ValidationFailures: p.validationFailures,
	}
}

// Close drains and closes all idle connections. Outstanding leases are
// discarded when released. Safe to call more than once.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			p.destroy(conn)
		default:
			p.logger.Info("connection pool closed")
			return nil
		}
	}
}

// checkout validates an idle connection and converts it into a lease. On
// validation failure the connection is destroyed and false is returned.
func (p *Pool[C]) checkout(ctx context.Context, conn C) (*Lease[C], bool) {
	if p.validator != nil && !p.validator(ctx, conn) {
		p.mu.Lock()
		p.validationFailures++
		p.mu.Unlock()
		p.destroy(conn)
		p.logger.Debug("discarded connection that failed validation")
		return nil, false
	}

	p.mu.Lock()
	p.leased++
	p.reused++
	p.mu.Unlock()
	return &Lease[C]{pool: p, conn: conn}, true
}

func (p *Pool[C]) destroy(conn C) {
	if p.closer != nil {
		if err := p.closer(conn); err != nil {
			p.logger.WithError(err).Warn("error closing connection")
		}
	}
	p.mu.Lock()
	p.live--
	p.destroyed++
	p.mu.Unlock()
}

// release returns a leased connection to the idle set, or destroys it when
// it was marked invalid or the pool has been closed. The closed check and
// the idle send happen under one lock, so a concurrent Close either sees the
// connection in the channel when draining or forces this release to destroy
// it; a connection can never strand in the channel after Close.
func (p *Pool[C]) release(conn C, invalid bool) {
	p.mu.Lock()
	p.leased--
	if invalid || p.closed {
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	// Cannot block: the channel holds MaxConnections and live never
	// exceeds it.
	p.idle <- conn
	p.mu.Unlock()
}
