// Package pool manages per-resource connection pools with bounded
// capacity, FIFO waiter fairness, idle eviction, and health probing.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
)

// Conn is an opaque pooled connection with a stable id.
type Conn interface {
	ID() string
	// Ping is a cheap liveness check.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory opens a new connection for the resource.
type Factory func(ctx context.Context) (Conn, error)

// Config sizes a pool. Max is required and finite.
type Config struct {
	Resource       string
	Max            int
	AcquireTimeout time.Duration
	MaxIdleTime    time.Duration
	Factory        Factory
}

type idleConn struct {
	conn      Conn
	idleSince time.Time
}

// Pool owns all connections for one resource. It is the sole mutator of the
// idle and active sets.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	idle    []idleConn
	active  map[string]Conn
	pending int // connections being created, reserved against Max
	waiters []chan Conn
	closed  bool

	// metrics, read by the lifecycle manager
	acquires     uint64
	failures     uint64
	totalLatency time.Duration
	lastUsed     time.Time
}

// New creates a pool. Max must be positive: the runtime mandates a finite
// connection bound for every resource.
func New(cfg Config) (*Pool, error) {
	if cfg.Max < 1 {
		return nil, fmt.Errorf("pool %s: max connections must be positive, got %d", cfg.Resource, cfg.Max)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool %s: factory is required", cfg.Resource)
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	return &Pool{
		cfg:    cfg,
		active: make(map[string]Conn),
	}, nil
}

// Acquire returns an idle connection, creates one under the capacity bound,
// or blocks FIFO-fair until a connection returns or the deadline elapses.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.New(apperrors.KindShuttingDown, "pool_acquire", p.cfg.Resource, apperrors.ErrShuttingDown)
	}
	p.lastUsed = start

	if len(p.idle) > 0 {
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.active[entry.conn.ID()] = entry.conn
		p.recordAcquireLocked(start)
		p.mu.Unlock()
		return entry.conn, nil
	}

	if p.sizeLocked() < p.cfg.Max {
		p.pending++
		p.mu.Unlock()
		return p.createConn(ctx, start)
	}

	// At capacity: join the FIFO waiter queue.
	waiter := make(chan Conn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case conn, ok := <-waiter:
		if !ok {
			// Close drained the waiter queue without a hand-off.
			return nil, apperrors.New(apperrors.KindShuttingDown, "pool_acquire", p.cfg.Resource, apperrors.ErrShuttingDown)
		}
		p.mu.Lock()
		p.recordAcquireLocked(start)
		p.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		if conn, ok := p.drainWaiter(waiter); ok {
			// A hand-off raced the deadline; keep the connection.
			return conn, nil
		}
		p.countFailure()
		if ctx.Err() == context.Canceled {
			return nil, apperrors.New(apperrors.KindCancelled, "pool_acquire", p.cfg.Resource, ctx.Err())
		}
		return nil, apperrors.New(apperrors.KindTimeout, "pool_acquire", p.cfg.Resource, ctx.Err())
	}
}

func (p *Pool) createConn(ctx context.Context, start time.Time) (Conn, error) {
	conn, err := p.cfg.Factory(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.failures++
		p.mu.Unlock()
		return nil, apperrors.WrapUnavailable("pool_create", p.cfg.Resource, err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return nil, apperrors.New(apperrors.KindShuttingDown, "pool_acquire", p.cfg.Resource, apperrors.ErrShuttingDown)
	}
	p.active[conn.ID()] = conn
	p.recordAcquireLocked(start)
	p.mu.Unlock()
	return conn, nil
}

// Release returns a connection to the pool, handing it to the oldest waiter
// when one is queued. The caller must not use the connection afterward.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[conn.ID()]; !ok {
		p.mu.Unlock()
		log.Warn().Str("resource", p.cfg.Resource).Str("conn", conn.ID()).Msg("Release of connection not in active set")
		return
	}

	if p.closed {
		delete(p.active, conn.ID())
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return
	}

	// Direct hand-off keeps the connection in the active set.
	for len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		if waiter == nil {
			continue // abandoned by a timed-out caller
		}
		waiter <- conn
		p.mu.Unlock()
		return
	}

	delete(p.active, conn.ID())
	if len(p.idle)+len(p.active)+p.pending < p.cfg.Max {
		p.idle = append(p.idle, idleConn{conn: conn, idleSince: time.Now()})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = conn.Close(context.Background())
}

// Discard removes a broken connection from the pool and closes it. Use
// instead of Release when the connection failed mid-use.
func (p *Pool) Discard(conn Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.active, conn.ID())
	p.failures++
	p.mu.Unlock()
	_ = conn.Close(context.Background())
}

// Probe checks liveness. On failure the connection is closed and removed;
// callers get one re-acquire attempt from AcquireHealthy.
func (p *Pool) Probe(ctx context.Context, conn Conn) bool {
	if err := conn.Ping(ctx); err != nil {
		log.Debug().Str("resource", p.cfg.Resource).Str("conn", conn.ID()).Err(err).Msg("Probe failed; discarding connection")
		p.Discard(conn)
		return false
	}
	return true
}

// AcquireHealthy acquires and probes, retrying once when the probe fails.
func (p *Pool) AcquireHealthy(ctx context.Context) (Conn, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if p.Probe(ctx, conn) {
			return conn, nil
		}
	}
	return nil, apperrors.WrapUnavailable("pool_acquire", p.cfg.Resource, fmt.Errorf("no healthy connection after probe retry"))
}

// CleanupIdle closes connections idle longer than MaxIdleTime and returns
// how many were closed.
func (p *Pool) CleanupIdle() int {
	cutoff := time.Now().Add(-p.cfg.MaxIdleTime)

	p.mu.Lock()
	var keep []idleConn
	var expired []Conn
	for _, entry := range p.idle {
		if entry.idleSince.Before(cutoff) {
			expired = append(expired, entry.conn)
		} else {
			keep = append(keep, entry)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range expired {
		_ = conn.Close(context.Background())
	}
	if len(expired) > 0 {
		log.Debug().Str("resource", p.cfg.Resource).Int("closed", len(expired)).Msg("Closed idle connections")
	}
	return len(expired)
}

// Close drains the pool. Active connections are closed as they are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, waiter := range waiters {
		if waiter != nil {
			close(waiter)
		}
	}
	for _, entry := range idle {
		_ = entry.conn.Close(ctx)
	}
	return nil
}

// Stats is a point-in-time view of pool state for the lifecycle manager.
type Stats struct {
	Resource     string        `json:"resource"`
	Active       int           `json:"active"`
	Idle         int           `json:"idle"`
	Max          int           `json:"max"`
	Waiters      int           `json:"waiters"`
	Acquires     uint64        `json:"acquires"`
	Failures     uint64        `json:"failures"`
	AvgAcquire   time.Duration `json:"avgAcquire"`
	LastUsed     time.Time     `json:"lastUsed"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Resource: p.cfg.Resource,
		Active:   len(p.active),
		Idle:     len(p.idle),
		Max:      p.cfg.Max,
		Waiters:  len(p.waiters),
		Acquires: p.acquires,
		Failures: p.failures,
		LastUsed: p.lastUsed,
	}
	if p.acquires > 0 {
		stats.AvgAcquire = p.totalLatency / time.Duration(p.acquires)
	}
	return stats
}

func (p *Pool) sizeLocked() int {
	return len(p.active) + len(p.idle) + p.pending
}

func (p *Pool) recordAcquireLocked(start time.Time) {
	p.acquires++
	p.totalLatency += time.Since(start)
}

func (p *Pool) countFailure() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

// abandonWaiter marks the waiter slot nil so Release skips it.
func (p *Pool) abandonWaiter(waiter chan Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters[i] = nil
			return
		}
	}
}

// drainWaiter recovers a connection delivered concurrently with a timeout.
func (p *Pool) drainWaiter(waiter chan Conn) (Conn, bool) {
	select {
	case conn, ok := <-waiter:
		if ok && conn != nil {
			return conn, true
		}
	default:
	}
	return nil, false
}
