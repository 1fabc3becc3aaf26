package connpool

import "sync"

// Lease is an exclusive, scoped checkout of one connection. Exactly one
// in-flight operation owns a lease at a time; Release must be invoked on
// every exit path, typically via defer or Pool.WithConn.
type Lease[C any] struct {
	pool    *Pool[C]
	conn    C
	invalid bool
	once    sync.Once
}

// Conn returns the leased connection. The caller must not retain it past
// Release.
func (l *Lease[C]) Conn() C {
	return l.conn
}

// MarkInvalid flags the connection as broken so Release discards it instead
// of returning it to the idle set.
func (l *Lease[C]) MarkInvalid() {
	l.invalid = true
}

// Release returns the connection to the pool (or discards it when marked
// invalid). Calling Release more than once is a no-op.
func (l *Lease[C]) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn, l.invalid)
	})
}
