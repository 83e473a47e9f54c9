package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
)

type testConn struct {
	id      string
	pingErr error
	closed  atomic.Bool
}

func (c *testConn) ID() string { return c.id }
func (c *testConn) Ping(ctx context.Context) error {
	return c.pingErr
}
func (c *testConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

func newTestPool(t *testing.T, max int, acquireTimeout time.Duration) (*Pool, *atomic.Int64) {
	t.Helper()
	var created atomic.Int64
	p, err := New(Config{
		Resource:       "test",
		Max:            max,
		AcquireTimeout: acquireTimeout,
		Factory: func(ctx context.Context) (Conn, error) {
			n := created.Add(1)
			return &testConn{id: fmt.Sprintf("conn-%d", n)}, nil
		},
	})
	require.NoError(t, err)
	return p, &created
}

func TestNewRequiresFiniteMax(t *testing.T) {
	_, err := New(Config{Resource: "bad", Max: 0, Factory: func(ctx context.Context) (Conn, error) { return nil, nil }})
	assert.Error(t, err)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p, created := newTestPool(t, 2, time.Second)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), again.ID())
	assert.Equal(t, int64(1), created.Load())
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	const max = 3
	p, _ := newTestPool(t, max, 2*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			stats := p.Stats()
			assert.LessOrEqual(t, stats.Active+stats.Idle, max)
			time.Sleep(time.Millisecond)
			p.Release(conn)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Active+stats.Idle, max)
	assert.Zero(t, stats.Active)
}

func TestSaturationWaitsForRelease(t *testing.T) {
	p, _ := newTestPool(t, 2, 2*time.Second)
	const hold = 100 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			require.NoError(t, err)
			time.Sleep(hold)
			p.Release(conn)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	// Third caller acquires only after one of the first two releases.
	assert.GreaterOrEqual(t, elapsed, 2*hold)
	assert.Less(t, elapsed, 2*hold+150*time.Millisecond)
}

func TestAcquireTimeoutAtCapacity(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	const deadline = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTimeout))
	assert.InDelta(t, float64(deadline), float64(elapsed), float64(50*time.Millisecond))
}

func TestAcquireCancelledContext(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
}

func TestWaitersServedFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var order []int
	var orderMu sync.Mutex
	ready := make(chan struct{}, 2)
	done := make(chan struct{}, 2)

	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			ready <- struct{}{}
			got, err := p.Acquire(context.Background())
			require.NoError(t, err)
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			time.Sleep(20 * time.Millisecond)
			p.Release(got)
			done <- struct{}{}
		}()
		<-ready
		// Give the goroutine time to join the waiter queue before the
		// next one, so queue order matches loop order.
		time.Sleep(30 * time.Millisecond)
	}

	p.Release(conn)
	<-done
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestProbeFailureDiscards(t *testing.T) {
	var created atomic.Int64
	p, err := New(Config{
		Resource: "flaky",
		Max:      2,
		Factory: func(ctx context.Context) (Conn, error) {
			n := created.Add(1)
			c := &testConn{id: fmt.Sprintf("conn-%d", n)}
			if n == 1 {
				c.pingErr = errors.New("dead")
			}
			return c, nil
		},
	})
	require.NoError(t, err)

	conn, err := p.AcquireHealthy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conn-2", conn.ID(), "first connection fails its probe and is replaced")
	assert.Equal(t, int64(2), created.Load())
}

func TestCleanupIdleClosesExpired(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Second)
	p.cfg.MaxIdleTime = 10 * time.Millisecond

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	time.Sleep(30 * time.Millisecond)
	closed := p.CleanupIdle()
	assert.Equal(t, 1, closed)
	assert.Zero(t, p.Stats().Idle)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Second)
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Acquire(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrShuttingDown))
}

func TestCloseFailsQueuedWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	type acquireResult struct {
		conn Conn
		err  error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		got, err := p.Acquire(context.Background())
		resultCh <- acquireResult{conn: got, err: err}
	}()

	// Let the second caller park in the waiter queue before closing.
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close(context.Background()))

	res := <-resultCh
	require.Error(t, res.err, "a parked waiter must not get a nil connection")
	assert.True(t, errors.Is(res.err, apperrors.ErrShuttingDown))
	assert.Nil(t, res.conn)

	p.Release(conn)
}

func TestReleaseAfterCloseClosesConnection(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Second)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	p.Release(conn)
	assert.True(t, conn.(*testConn).closed.Load())
}

func TestDiscardRemovesBrokenConnection(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Second)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Discard(conn)

	assert.True(t, conn.(*testConn).closed.Load())
	// Capacity is free again.
	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), replacement.ID())
}
