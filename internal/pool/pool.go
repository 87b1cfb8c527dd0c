package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthState is the connectivity state of a pool's endpoint. It is mutated
// only by the health monitor; lag-based degradation is tracked separately by
// the replica set (lag and connectivity are independent axes).
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unreachable
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Config sizes and times one pool. Immutable once the pool is built.
type Config struct {
	Name                string
	PoolSize            int
	MaxOverflow         int
	AcquireTimeout      time.Duration
	IdleRecycleInterval time.Duration
}

// Stats is a point-in-time view of pool bookkeeping.
type Stats struct {
	Active        int
	Idle          int
	CreatedTotal  uint64
	RecycledTotal uint64
	Timeouts      uint64
	PeakActive    int
}

// Pool is a bounded set of slots to one endpoint. Slots are handed to at
// most one acquirer at a time; waiting acquirers park on a semaphore channel
// with no fairness guarantee.
type Pool struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger
	obs    Observer

	sem    chan struct{} // capacity PoolSize+MaxOverflow
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup // in-use slots

	health atomic.Int32

	mu      sync.Mutex
	idle    []*Slot
	created int // live slots, idle + in-use
	active  int

	createdTotal  atomic.Uint64
	recycledTotal atomic.Uint64
	timeouts      atomic.Uint64
	peakActive    int // guarded by mu
}

// New builds a pool. It dials nothing up front; slots are created lazily on
// acquire, up to PoolSize plus MaxOverflow.
func New(cfg Config, dialer Dialer, obs Observer, logger *zap.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if obs == nil {
		obs = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(zap.String("pool", cfg.Name)),
		obs:    obs,
		sem:    make(chan struct{}, cfg.PoolSize+cfg.MaxOverflow),
		closed: make(chan struct{}),
	}
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.cfg.Name }

// Health returns the current health state.
func (p *Pool) Health() HealthState {
	return HealthState(p.health.Load())
}

// SetHealth transitions the health state. Called only by the health monitor.
func (p *Pool) SetHealth(state HealthState) {
	prev := HealthState(p.health.Swap(int32(state)))
	if prev != state {
		p.logger.Info("pool health changed",
			zap.String("from", prev.String()),
			zap.String("to", state.String()))
		p.obs.SetHealth(state)
	}
}

// Acquire returns a slot, dialing a new connection if none is idle and
// capacity remains. It blocks the calling goroutine until a slot frees, the
// acquire timeout elapses, or ctx is canceled — never indefinitely. When the
// endpoint is marked unreachable it fails fast with ErrPoolUnavailable
// instead of queuing.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()

	if p.isClosed() || p.Health() == Unreachable {
		p.obs.ObserveAcquire(0, KindUnavailable)
		return nil, fmt.Errorf("%w: endpoint %s", ErrPoolUnavailable, p.cfg.Name)
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		p.timeouts.Add(1)
		p.obs.ObserveAcquire(time.Since(start), KindExhausted)
		return nil, fmt.Errorf("%w: no slot within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
	case <-ctx.Done():
		// The caller abandoned the acquire; no slot is assigned. A slot
		// freed concurrently keeps its semaphore token and stays idle.
		p.obs.ObserveAcquire(time.Since(start), KindCanceled)
		return nil, fmt.Errorf("pool: acquire canceled: %w", ctx.Err())
	case <-p.closed:
		p.obs.ObserveAcquire(time.Since(start), KindUnavailable)
		return nil, fmt.Errorf("%w: pool closed", ErrPoolUnavailable)
	}

	// Counted before takeSlot so Close's wait covers in-flight dials, not
	// just handed-out slots.
	p.wg.Add(1)

	slot, err := p.takeSlot(ctx)
	if err != nil {
		p.wg.Done()
		<-p.sem
		p.obs.ObserveAcquire(time.Since(start), FailureKind(err))
		return nil, err
	}

	if p.isClosed() {
		// Close ran while we were dialing; a closed pool never hands out
		// a slot.
		p.mu.Lock()
		p.active--
		slot.state = SlotRecycling
		p.destroyLocked(slot)
		p.mu.Unlock()
		p.wg.Done()
		<-p.sem
		p.obs.ObserveAcquire(time.Since(start), KindUnavailable)
		return nil, fmt.Errorf("%w: pool closed", ErrPoolUnavailable)
	}

	p.obs.ObserveAcquire(time.Since(start), "")
	p.publishCounts()
	return slot, nil
}

// takeSlot pops a reusable idle slot or dials a new one. The caller holds a
// semaphore token.
func (p *Pool) takeSlot(ctx context.Context) (*Slot, error) {
	now := time.Now()

	p.mu.Lock()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if s.expired(now, p.cfg.IdleRecycleInterval) {
			// Recycling -> Dead; a replacement is dialed below.
			s.state = SlotRecycling
			p.destroyLocked(s)
			continue
		}
		s.state = SlotInUse
		s.lastUsedAt = now
		p.active++
		if p.active > p.peakActive {
			p.peakActive = p.active
		}
		p.mu.Unlock()
		return s, nil
	}
	overflow := p.created >= p.cfg.PoolSize
	p.created++
	p.active++
	if p.active > p.peakActive {
		p.peakActive = p.active
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}

	p.createdTotal.Add(1)
	return &Slot{
		conn:       conn,
		owner:      p,
		state:      SlotInUse,
		overflow:   overflow,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// Release returns a slot to the idle set. Overflow slots, expired slots and
// slots of a closed pool are destroyed instead, keeping steady-state size at
// PoolSize. Releasing a slot not owned by this pool, or not in use, fails
// with ErrInvalidSlot.
func (p *Pool) Release(s *Slot) error {
	return p.putBack(s, false)
}

// Discard destroys a slot after a failed use instead of returning it to the
// idle set.
func (p *Pool) Discard(s *Slot) error {
	return p.putBack(s, true)
}

func (p *Pool) putBack(s *Slot, broken bool) error {
	if s == nil || s.owner != p {
		return fmt.Errorf("%w: slot does not belong to pool %s", ErrInvalidSlot, p.cfg.Name)
	}

	p.mu.Lock()
	if s.state != SlotInUse {
		p.mu.Unlock()
		return fmt.Errorf("%w: slot is %s, not in use", ErrInvalidSlot, s.state)
	}
	p.active--
	now := time.Now()
	switch {
	case broken:
		s.state = SlotDead
		p.destroyLocked(s)
	case s.overflow || p.isClosed():
		s.state = SlotRecycling
		p.destroyLocked(s)
	case s.expired(now, p.cfg.IdleRecycleInterval):
		s.state = SlotRecycling
		p.destroyLocked(s)
	default:
		s.state = SlotIdle
		s.lastUsedAt = now
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	p.wg.Done()
	<-p.sem
	p.obs.ObserveRelease()
	p.publishCounts()
	return nil
}

// destroyLocked closes a slot's connection and drops it from bookkeeping.
// Caller holds p.mu.
func (p *Pool) destroyLocked(s *Slot) {
	p.created--
	if s.state == SlotRecycling {
		p.recycledTotal.Add(1)
	}
	s.state = SlotDead
	if err := s.conn.Close(); err != nil {
		p.logger.Warn("closing connection", zap.Error(err))
	}
}

// ProbeConn dials a standalone connection and pings it. It bypasses slot
// accounting so a saturated pool does not read as an unreachable endpoint.
// The caller owns the returned connection and must close it.
func (p *Pool) ProbeConn(ctx context.Context) (Conn, error) {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: probe dial %s: %w", p.cfg.Name, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pool: probe ping %s: %w", p.cfg.Name, err)
	}
	return conn, nil
}

// Stats returns a point-in-time snapshot of pool bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Active:     p.active,
		Idle:       len(p.idle),
		PeakActive: p.peakActive,
	}
	p.mu.Unlock()
	st.CreatedTotal = p.createdTotal.Load()
	st.RecycledTotal = p.recycledTotal.Load()
	st.Timeouts = p.timeouts.Load()
	return st
}

// Close drains the pool: waiting acquirers fail with ErrPoolUnavailable,
// in-use slots are destroyed as they come back, idle slots are destroyed
// now. Close blocks until every in-use slot has been returned and every
// in-flight dial has resolved.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closed)
		p.wg.Wait()

		p.mu.Lock()
		for _, s := range p.idle {
			s.state = SlotRecycling
			p.destroyLocked(s)
		}
		p.idle = nil
		p.mu.Unlock()

		p.publishCounts()
		p.logger.Info("pool closed")
	})
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Pool) publishCounts() {
	p.mu.Lock()
	active, idle := p.active, len(p.idle)
	p.mu.Unlock()
	p.obs.SetConnections(active, idle)
}
