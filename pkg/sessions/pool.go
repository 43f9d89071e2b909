package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/txn2/duckhub/pkg/engine"
)

var (
	// ErrPoolClosed is returned when borrowing from a torn-down session.
	ErrPoolClosed = errors.New("sessions: pool closed")

	// ErrPoolTimeout is returned when no connection frees up before the
	// caller's context expires. Safe to retry.
	ErrPoolTimeout = errors.New("sessions: timed out waiting for a free connection")
)

// Pool manages a bounded set of engine connections for one session.
// Connections are created lazily up to the bound; past it, Borrow blocks
// until a connection is released or the context expires.
type Pool struct {
	eng     engine.Engine
	sem     *semaphore.Weighted
	metrics *Metrics

	mu       sync.Mutex
	free     []engine.Conn
	borrowed map[engine.Conn]struct{}
	closed   bool
}

// NewPool creates a pool bounded at max connections against eng.
func NewPool(eng engine.Engine, max int, metrics *Metrics) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		eng:      eng,
		sem:      semaphore.NewWeighted(int64(max)),
		metrics:  metrics,
		borrowed: make(map[engine.Conn]struct{}),
	}
}

// Borrow lends out a connection. It reuses a free one when available,
// creates a new one while under the bound, and otherwise blocks.
func (p *Pool) Borrow(ctx context.Context) (engine.Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.metrics.PoolTimeouts.Inc()
		return nil, fmt.Errorf("%w: %v", ErrPoolTimeout, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		conn := p.free[n-1]
		p.free = p.free[:n-1]
		p.borrowed[conn] = struct{}{}
		p.mu.Unlock()
		p.metrics.PoolBorrows.Inc()
		p.metrics.PoolInUse.Inc()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.eng.Connect(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("opening pooled connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.borrowed[conn] = struct{}{}
	p.mu.Unlock()

	p.metrics.PoolBorrows.Inc()
	p.metrics.PoolInUse.Inc()
	return conn, nil
}

// Release returns a borrowed connection to the free list. Releasing a
// connection that is not currently borrowed is a no-op, which makes a
// double release harmless.
func (p *Pool) Release(conn engine.Conn) {
	p.mu.Lock()
	if _, ok := p.borrowed[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, conn)
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		p.sem.Release(1)
		p.metrics.PoolInUse.Dec()
		return
	}
	p.free = append(p.free, conn)
	p.mu.Unlock()

	p.sem.Release(1)
	p.metrics.PoolInUse.Dec()
}

// Discard closes a borrowed connection instead of returning it, freeing
// its pool slot. Used when the connection may be poisoned, e.g. after a
// query timeout.
func (p *Pool) Discard(conn engine.Conn) {
	p.mu.Lock()
	if _, ok := p.borrowed[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, conn)
	p.mu.Unlock()

	_ = conn.Close()
	p.sem.Release(1)
	p.metrics.PoolInUse.Dec()
}

// Close tears the pool down, closing free and outstanding connections.
// Outstanding borrows become unusable; their Release turns into a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	outstanding := make([]engine.Conn, 0, len(p.borrowed))
	for conn := range p.borrowed {
		outstanding = append(outstanding, conn)
	}
	for _, conn := range outstanding {
		delete(p.borrowed, conn)
	}
	p.mu.Unlock()

	for _, conn := range free {
		_ = conn.Close()
	}
	for _, conn := range outstanding {
		_ = conn.Close()
		p.metrics.PoolInUse.Dec()
	}
}
