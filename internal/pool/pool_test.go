package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failing bool
	pingErr error
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return nil, errors.New("connection refused")
	}
	d.dials++
	return &fakeConn{pingErr: d.pingErr}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func newTestPool(t *testing.T, cfg Config, d Dialer) *Pool {
	t.Helper()
	p := New(cfg, d, nil, nil)
	t.Cleanup(p.Close)
	return p
}

func TestPool_AcquireRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{Name: "primary", PoolSize: 2, AcquireTimeout: time.Second}, d)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Active)

	require.NoError(t, p.Release(slot))
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Idle)

	// The idle slot is reused, not re-dialed.
	slot2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, d.dialCount())
	require.NoError(t, p.Release(slot2))
}

func TestPool_OverflowDestroyedOnRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{Name: "primary", PoolSize: 2, MaxOverflow: 1, AcquireTimeout: 100 * time.Millisecond}, d)

	ctx := context.Background()
	s1, err := p.Acquire(ctx)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	s3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stats().Active)

	// A fourth acquire has nothing left and times out.
	start := time.Now()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "must fail within the acquire timeout")

	require.NoError(t, p.Release(s1))
	require.NoError(t, p.Release(s2))
	require.NoError(t, p.Release(s3))

	// Steady state drains back to pool_size idle slots.
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 2, st.Idle)
}

func TestPool_AcquireTimeoutNeverHangs(t *testing.T) {
	p := newTestPool(t, Config{Name: "primary", PoolSize: 1, AcquireTimeout: 100 * time.Millisecond}, &fakeDialer{})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Release(slot) }()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)
}

func TestPool_UnreachableFailsFast(t *testing.T) {
	p := newTestPool(t, Config{Name: "primary", PoolSize: 1, AcquireTimeout: 5 * time.Second}, &fakeDialer{})
	p.SetHealth(Unreachable)

	start := time.Now()
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must not queue while unreachable")

	p.SetHealth(Healthy)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(slot))
}

func TestPool_DialFailure(t *testing.T) {
	d := &fakeDialer{failing: true}
	p := newTestPool(t, Config{Name: "primary", PoolSize: 1, AcquireTimeout: time.Second}, d)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrConnectionTimeout)

	// Bookkeeping is rolled back; a later acquire succeeds.
	d.setFailing(false)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(slot))
}

func TestPool_ReleaseValidation(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{Name: "a", PoolSize: 1, AcquireTimeout: time.Second}, d)
	other := newTestPool(t, Config{Name: "b", PoolSize: 1, AcquireTimeout: time.Second}, d)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Wrong pool.
	require.ErrorIs(t, other.Release(slot), ErrInvalidSlot)

	require.NoError(t, p.Release(slot))

	// Second release of the same slot does not corrupt the counts.
	require.ErrorIs(t, p.Release(slot), ErrInvalidSlot)
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Idle)
}

func TestPool_IdleRecycle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{
		Name:                "primary",
		PoolSize:            1,
		AcquireTimeout:      time.Second,
		IdleRecycleInterval: 20 * time.Millisecond,
	}, d)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := slot.Conn().(*fakeConn)
	require.NoError(t, p.Release(slot))

	time.Sleep(50 * time.Millisecond)

	// The expired slot is recycled and a fresh connection dialed.
	slot2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, conn.closed.Load(), "expired connection must be closed")
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, uint64(1), p.Stats().RecycledTotal)
	require.NoError(t, p.Release(slot2))
}

func TestPool_DiscardDestroysSlot(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{Name: "primary", PoolSize: 1, AcquireTimeout: time.Second}, d)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := slot.Conn().(*fakeConn)

	require.NoError(t, p.Discard(slot))
	assert.True(t, conn.closed.Load())
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 0, st.Idle)
}

func TestPool_CancelledAcquireAssignsNoSlot(t *testing.T) {
	p := newTestPool(t, Config{Name: "primary", PoolSize: 1, AcquireTimeout: 5 * time.Second}, &fakeDialer{})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The slot freed after cancellation stays idle rather than being lost.
	require.NoError(t, p.Release(slot))
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Idle)
}

func TestPool_CloseFailsWaiters(t *testing.T) {
	p := New(Config{Name: "primary", PoolSize: 1, AcquireTimeout: 5 * time.Second}, &fakeDialer{}, nil, nil)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Release(slot)
	}()
	p.Close()

	require.ErrorIs(t, <-errCh, ErrPoolUnavailable)

	// Acquire after close fails fast too.
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolUnavailable)
	assert.Equal(t, 0, p.Stats().Idle, "close destroys idle slots")
}

// gatedDialer parks in Dial until released, so a test can interleave other
// pool operations with an in-flight dial.
type gatedDialer struct {
	entered chan struct{}
	proceed chan struct{}

	mu   sync.Mutex
	conn *fakeConn
}

func (d *gatedDialer) Dial(context.Context) (Conn, error) {
	close(d.entered)
	<-d.proceed
	c := &fakeConn{}
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()
	return c, nil
}

func TestPool_CloseDuringDialFailsAcquire(t *testing.T) {
	d := &gatedDialer{entered: make(chan struct{}), proceed: make(chan struct{})}
	p := New(Config{Name: "primary", PoolSize: 1, AcquireTimeout: 5 * time.Second}, d, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	<-d.entered

	closeDone := make(chan struct{})
	go func() {
		p.Close()
		close(closeDone)
	}()
	time.Sleep(20 * time.Millisecond)
	close(d.proceed)

	// The dial completed after Close began: the acquirer must not receive
	// a slot from a closed pool, and the fresh connection is destroyed.
	require.ErrorIs(t, <-errCh, ErrPoolUnavailable)
	<-closeDone

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	require.NotNil(t, conn)
	assert.True(t, conn.closed.Load(), "connection dialed during close must be closed")

	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 0, st.Idle)
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, Config{Name: "primary", PoolSize: 4, MaxOverflow: 2, AcquireTimeout: time.Second}, d)

	var inUse atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				slot, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}
				// No slot is ever handed to two acquirers at once.
				if n := inUse.Add(1); n > 6 {
					t.Errorf("more slots in use than capacity: %d", n)
				}
				inUse.Add(-1)
				_ = p.Release(slot)
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.LessOrEqual(t, st.Idle, 4)
}
