package ldap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MaxSessionPoolLimit is the maximum number of idle sessions a pool keeps.
const MaxSessionPoolLimit = 100

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// SessionFactory opens and binds a new session.
type SessionFactory func(ctx context.Context) (Session, error)

// SessionPool keeps idle, already bound sessions for reuse.
type SessionPool struct {
	factory SessionFactory
	idle    chan Session
	mu      sync.RWMutex
	closed  bool

	// Statistics
	activeSessions int64
	totalCreated   int64
	totalErrors    int64
}

// PoolStats provides statistics about the session pool.
type PoolStats struct {
	Active  int64 // Sessions checked out
	Idle    int   // Sessions waiting for reuse
	Created int64 // Total sessions created
	Errors  int64 // Total session creation errors
}

// NewSessionPool creates a pool holding at most maxIdle idle sessions.
func NewSessionPool(factory SessionFactory, maxIdle int) *SessionPool {
	if maxIdle <= 0 {
		maxIdle = 1
	}
	maxIdle = min(maxIdle, MaxSessionPoolLimit)

	return &SessionPool{
		factory: factory,
		idle:    make(chan Session, maxIdle),
	}
}

// Get retrieves an idle session or creates a new one.
func (p *SessionPool) Get(ctx context.Context) (Session, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case session := <-p.idle:
		atomic.AddInt64(&p.activeSessions, 1)
		LogPoolEvent(ctx, "session_acquired", map[string]any{"reused": true})
		return session, nil
	default:
	}

	session, err := p.factory(ctx)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		LogPoolEvent(ctx, "bind_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	atomic.AddInt64(&p.totalCreated, 1)
	atomic.AddInt64(&p.activeSessions, 1)
	LogPoolEvent(ctx, "session_acquired", map[string]any{"reused": false})
	return session, nil
}

// Put returns a healthy session to the pool.
func (p *SessionPool) Put(ctx context.Context, session Session) {
	if session == nil {
		return
	}
	atomic.AddInt64(&p.activeSessions, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		_ = session.Close()
		return
	}

	select {
	case p.idle <- session:
		LogPoolEvent(ctx, "session_released", nil)
	default:
		LogPoolEvent(ctx, "pool_full", nil)
		_ = session.Close()
	}
}

// Discard closes a session that must not be reused.
func (p *SessionPool) Discard(ctx context.Context, session Session) {
	if session == nil {
		return
	}
	atomic.AddInt64(&p.activeSessions, -1)
	LogPoolEvent(ctx, "session_discarded", nil)
	_ = session.Close()
}

// Do runs fn with a pooled session. Sessions whose operation failed with a
// connection-level error are discarded instead of being returned.
func (p *SessionPool) Do(ctx context.Context, fn func(Session) error) error {
	session, err := p.Get(ctx)
	if err != nil {
		return err
	}

	err = fn(session)
	if err != nil && IsServerUnavailable(err) {
		p.Discard(ctx, session)
		return err
	}

	p.Put(ctx, session)
	return err
}

// Close closes all idle sessions and shuts down the pool.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	close(p.idle)
	for session := range p.idle {
		_ = session.Close()
	}

	return nil
}

// Stats returns pool statistics.
func (p *SessionPool) Stats() PoolStats {
	return PoolStats{
		Active:  atomic.LoadInt64(&p.activeSessions),
		Idle:    len(p.idle),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
	}
}
