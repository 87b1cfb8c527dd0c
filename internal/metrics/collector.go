// internal/metrics/collector.go
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FairForge/poolgate/internal/pool"
)

// Collector aggregates per-pool counters on a private prometheus registry
// and mirrors them into atomics so snapshots never depend on scraping.
// Updates are fire-and-forget relative to acquire/release callers.
type Collector struct {
	registry *prometheus.Registry

	acquireSuccess *prometheus.CounterVec
	acquireFailure *prometheus.CounterVec
	releases       *prometheus.CounterVec
	usageErrors    *prometheus.CounterVec
	routingFails   *prometheus.CounterVec
	activeConns    *prometheus.GaugeVec
	idleConns      *prometheus.GaugeVec
	healthState    *prometheus.GaugeVec
	replicaLag     *prometheus.GaugeVec
	waitSeconds    *prometheus.HistogramVec

	mu    sync.RWMutex
	pools map[string]map[string]*poolStats // group -> pool
}

type poolStats struct {
	role string

	acquireSuccess atomic.Uint64
	releases       atomic.Uint64
	active         atomic.Int64
	idle           atomic.Int64
	waitNanos      atomic.Int64
	waitCount      atomic.Uint64
	health         atomic.Int32
	lagNanos       atomic.Int64

	failMu   sync.Mutex
	failures map[string]uint64
}

// NewCollector builds a collector with its own registry so tests never trip
// over duplicate registration.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		pools:    make(map[string]map[string]*poolStats),
		acquireSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_acquire_success_total",
			Help: "Successful slot acquisitions",
		}, []string{"group", "pool", "role"}),
		acquireFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_acquire_failure_total",
			Help: "Failed slot acquisitions by kind",
		}, []string{"group", "pool", "role", "kind"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_releases_total",
			Help: "Slot releases",
		}, []string{"group", "pool", "role"}),
		usageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_usage_errors_total",
			Help: "Programmer errors (double release, unknown group)",
		}, []string{"group", "kind"}),
		routingFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_routing_failures_total",
			Help: "Intents that could not be routed to any pool",
		}, []string{"group", "kind"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolgate_active_connections",
			Help: "Slots currently in use",
		}, []string{"group", "pool", "role"}),
		idleConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolgate_idle_connections",
			Help: "Slots currently idle",
		}, []string{"group", "pool", "role"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolgate_health_state",
			Help: "Pool health state (0 healthy, 1 degraded, 2 unreachable)",
		}, []string{"group", "pool", "role"}),
		replicaLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolgate_replica_lag_seconds",
			Help: "Last measured replication lag",
		}, []string{"group", "pool"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poolgate_acquire_wait_seconds",
			Help:    "Time spent waiting for a slot",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "pool", "role"}),
	}

	registry.MustRegister(
		c.acquireSuccess, c.acquireFailure, c.releases, c.usageErrors,
		c.routingFails, c.activeConns, c.idleConns, c.healthState,
		c.replicaLag, c.waitSeconds,
	)
	return c
}

// Handler returns the prometheus scrape handler for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordUsageError counts a programmer error against a group.
func (c *Collector) RecordUsageError(group, kind string) {
	c.usageErrors.WithLabelValues(group, kind).Inc()
}

// RecordRoutingFailure counts an intent that no pool could serve.
func (c *Collector) RecordRoutingFailure(group, kind string) {
	c.routingFails.WithLabelValues(group, kind).Inc()
}

func (c *Collector) stats(group, poolName, role string) *poolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byPool, ok := c.pools[group]
	if !ok {
		byPool = make(map[string]*poolStats)
		c.pools[group] = byPool
	}
	st, ok := byPool[poolName]
	if !ok {
		st = &poolStats{role: role, failures: make(map[string]uint64)}
		byPool[poolName] = st
	}
	return st
}

// DropGroup forgets a group's snapshot state after teardown.
func (c *Collector) DropGroup(group string) {
	c.mu.Lock()
	delete(c.pools, group)
	c.mu.Unlock()
}

// PoolObserver returns an observer bound to one pool's labels. It also
// implements health.LagSink for replica pools.
func (c *Collector) PoolObserver(group, poolName, role string) *PoolObserver {
	return &PoolObserver{
		c:     c,
		group: group,
		pool:  poolName,
		role:  role,
		stats: c.stats(group, poolName, role),
	}
}

// PoolObserver forwards one pool's events into the collector.
type PoolObserver struct {
	c     *Collector
	group string
	pool  string
	role  string
	stats *poolStats
}

var _ pool.Observer = (*PoolObserver)(nil)

// ObserveAcquire implements pool.Observer.
func (o *PoolObserver) ObserveAcquire(wait time.Duration, errKind string) {
	o.c.waitSeconds.WithLabelValues(o.group, o.pool, o.role).Observe(wait.Seconds())
	o.stats.waitNanos.Add(int64(wait))
	o.stats.waitCount.Add(1)

	if errKind == "" {
		o.c.acquireSuccess.WithLabelValues(o.group, o.pool, o.role).Inc()
		o.stats.acquireSuccess.Add(1)
		return
	}
	o.c.acquireFailure.WithLabelValues(o.group, o.pool, o.role, errKind).Inc()
	o.stats.failMu.Lock()
	o.stats.failures[errKind]++
	o.stats.failMu.Unlock()
}

// ObserveRelease implements pool.Observer.
func (o *PoolObserver) ObserveRelease() {
	o.c.releases.WithLabelValues(o.group, o.pool, o.role).Inc()
	o.stats.releases.Add(1)
}

// SetConnections implements pool.Observer.
func (o *PoolObserver) SetConnections(active, idle int) {
	o.c.activeConns.WithLabelValues(o.group, o.pool, o.role).Set(float64(active))
	o.c.idleConns.WithLabelValues(o.group, o.pool, o.role).Set(float64(idle))
	o.stats.active.Store(int64(active))
	o.stats.idle.Store(int64(idle))
}

// SetHealth implements pool.Observer.
func (o *PoolObserver) SetHealth(state pool.HealthState) {
	o.c.healthState.WithLabelValues(o.group, o.pool, o.role).Set(float64(state))
	o.stats.health.Store(int32(state))
}

// ReportLag implements health.LagSink for replica pools.
func (o *PoolObserver) ReportLag(lag time.Duration, err error) {
	if err != nil {
		return
	}
	o.c.replicaLag.WithLabelValues(o.group, o.pool).Set(lag.Seconds())
	o.stats.lagNanos.Store(int64(lag))
}

// PoolSnapshot is a point-in-time view of one pool's counters.
type PoolSnapshot struct {
	Role           string            `json:"role"`
	AcquireSuccess uint64            `json:"acquire_success"`
	AcquireFailure map[string]uint64 `json:"acquire_failure"`
	Releases       uint64            `json:"releases"`
	Active         int               `json:"active"`
	Idle           int               `json:"idle"`
	MeanWait       time.Duration     `json:"mean_wait_ns"`
	Health         string            `json:"health"`
	Lag            time.Duration     `json:"lag_ns"`
}

// GroupSnapshot is a point-in-time view of every pool in a group.
type GroupSnapshot struct {
	Group string                  `json:"group"`
	Pools map[string]PoolSnapshot `json:"pools"`
}

// Snapshot returns the current counters for a group. The second return is
// false when the group has recorded nothing.
func (c *Collector) Snapshot(group string) (GroupSnapshot, bool) {
	c.mu.RLock()
	byPool, ok := c.pools[group]
	if !ok {
		c.mu.RUnlock()
		return GroupSnapshot{}, false
	}
	stats := make(map[string]*poolStats, len(byPool))
	for name, st := range byPool {
		stats[name] = st
	}
	c.mu.RUnlock()

	snap := GroupSnapshot{Group: group, Pools: make(map[string]PoolSnapshot, len(stats))}
	for name, st := range stats {
		ps := PoolSnapshot{
			Role:           st.role,
			AcquireSuccess: st.acquireSuccess.Load(),
			AcquireFailure: make(map[string]uint64),
			Releases:       st.releases.Load(),
			Active:         int(st.active.Load()),
			Idle:           int(st.idle.Load()),
			Health:         pool.HealthState(st.health.Load()).String(),
			Lag:            time.Duration(st.lagNanos.Load()),
		}
		if n := st.waitCount.Load(); n > 0 {
			ps.MeanWait = time.Duration(st.waitNanos.Load() / int64(n))
		}
		st.failMu.Lock()
		for kind, v := range st.failures {
			ps.AcquireFailure[kind] = v
		}
		st.failMu.Unlock()
		snap.Pools[name] = ps
	}
	return snap, true
}
