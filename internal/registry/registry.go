// internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/health"
	"github.com/FairForge/poolgate/internal/metrics"
	"github.com/FairForge/poolgate/internal/pool"
	"github.com/FairForge/poolgate/internal/replica"
)

// DialerFactory builds a dialer for one endpoint. Production wiring uses
// database.NewDialer; tests inject fakes.
type DialerFactory func(ep config.Endpoint) (pool.Dialer, error)

// Registry is the process-wide directory of named pool groups and the entry
// point for collaborators. Created at startup, torn down explicitly with
// CloseAll — never an ambient singleton.
type Registry struct {
	dialers   DialerFactory
	lag       health.LagFunc
	collector *metrics.Collector
	logger    *zap.Logger

	mu     sync.RWMutex
	groups map[string]*Group
	closed bool
}

// New builds an empty registry. lag measures replication lag on replica
// probe connections and may be nil when no replica probing is wanted.
func New(dialers DialerFactory, lag health.LagFunc, collector *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Registry{
		dialers:   dialers,
		lag:       lag,
		collector: collector,
		logger:    logger,
		groups:    make(map[string]*Group),
	}
}

// Collector returns the metrics collector owned by this registry.
func (r *Registry) Collector() *metrics.Collector { return r.collector }

// Register builds the primary pool, replica pools and health monitors for a
// group and starts the monitors. Registering a duplicate name fails with
// ErrDuplicateGroup.
func (r *Registry) Register(cfg config.GroupConfig) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry is closed", pool.ErrPoolUnavailable)
	}
	if _, exists := r.groups[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateGroup, cfg.Name)
	}

	primary, err := r.buildPool(cfg.Name, cfg.Name+"-primary", "primary", cfg.Primary)
	if err != nil {
		return nil, err
	}

	monCfg := health.Config{
		Interval:         cfg.HealthCheckInterval,
		ProbeTimeout:     cfg.ProbeTimeout,
		FailureThreshold: cfg.ConsecutiveFailureThreshold,
	}

	g := &Group{
		name:               cfg.Name,
		primary:            primary,
		policy:             cfg.FailoverPolicy,
		readFromPrimary:    cfg.AllowReadFromPrimaryOnReplicaOutage,
		logger:             r.logger.With(zap.String("group", cfg.Name)),
		primaryEndpoint:    cfg.Primary,
		endpointsByReplica: make(map[string]config.Endpoint, len(cfg.Replicas)),
	}
	for _, rc := range cfg.Replicas {
		g.endpointsByReplica[rc.Name] = rc.Endpoint
	}

	nodes, monitors, err := r.buildReplicas(g, monCfg, cfg.Replicas, nil)
	if err != nil {
		primary.Close()
		return nil, err
	}
	g.replicas = replica.NewSet(nodes, g.logger)

	g.primaryMonitor = health.NewMonitor(primary, monCfg, nil, nil, r.logger)
	g.primaryMonitor.Start()
	g.swapReplicaMonitors(monitors)

	r.groups[cfg.Name] = g
	r.logger.Info("group registered",
		zap.String("group", cfg.Name),
		zap.Int("replicas", len(nodes)),
		zap.String("failover_policy", cfg.FailoverPolicy))
	return g, nil
}

func (r *Registry) buildPool(group, name, role string, ep config.Endpoint) (*pool.Pool, error) {
	dialer, err := r.dialers(ep)
	if err != nil {
		return nil, fmt.Errorf("registry: dialer for %s: %w", name, err)
	}
	obs := r.collector.PoolObserver(group, name, role)
	return pool.New(pool.Config{
		Name:                name,
		PoolSize:            ep.PoolSize,
		MaxOverflow:         ep.MaxOverflow,
		AcquireTimeout:      ep.AcquireTimeout,
		IdleRecycleInterval: ep.IdleRecycleInterval,
	}, dialer, obs, r.logger), nil
}

// buildReplicas builds nodes and monitors for a replica list, reusing pools
// from prior nodes whose name and endpoint are unchanged. reuse maps replica
// name to the previous node and endpoint.
func (r *Registry) buildReplicas(g *Group, monCfg health.Config, specs []config.ReplicaConfig, reuse map[string]*replicaBinding) ([]*replica.Node, []*health.Monitor, error) {
	var (
		nodes    []*replica.Node
		monitors []*health.Monitor
		fresh    []*pool.Pool
	)
	for _, rc := range specs {
		var p *pool.Pool
		if prev, ok := reuse[rc.Name]; ok && prev.endpoint == rc.Endpoint {
			p = prev.node.Pool
			delete(reuse, rc.Name)
		} else {
			built, err := r.buildPool(g.name, rc.Name, "replica", rc.Endpoint)
			if err != nil {
				// Unwind only the pools built for this attempt. Reused
				// pools belong to the serving snapshot and must keep
				// serving when the new topology is rejected.
				for _, fp := range fresh {
					fp.Close()
				}
				return nil, nil, err
			}
			p = built
			fresh = append(fresh, p)
		}

		node := replica.NewNode(replica.Spec{
			Name:   rc.Name,
			Weight: rc.Weight,
			MaxLag: rc.MaxLag,
		}, p)
		nodes = append(nodes, node)

		sink := multiSink{node, r.collector.PoolObserver(g.name, rc.Name, "replica")}
		monitors = append(monitors, health.NewMonitor(p, monCfg, r.lag, sink, r.logger))
	}
	return nodes, monitors, nil
}

type replicaBinding struct {
	node     *replica.Node
	endpoint config.Endpoint
}

// multiSink fans a lag measurement out to the replica node and the metrics
// collector.
type multiSink []health.LagSink

func (m multiSink) ReportLag(lag time.Duration, err error) {
	for _, s := range m {
		s.ReportLag(lag, err)
	}
}

// UpdateReplicas applies a new replica topology to a running group as an
// atomic snapshot swap. Pools whose endpoint is unchanged are kept; removed
// replicas are drained. The primary endpoint cannot change here.
func (r *Registry) UpdateReplicas(groupName string, specs []config.ReplicaConfig, monCfg health.Config) error {
	g, err := r.Group(groupName)
	if err != nil {
		return err
	}

	nodes, monitors, err := r.buildReplicasForUpdate(g, monCfg, specs)
	if err != nil {
		return err
	}

	old := g.replicas.Nodes()
	g.replicas.Replace(nodes)
	g.swapReplicaMonitors(monitors)

	// Drain pools that did not survive into the new snapshot.
	kept := make(map[*pool.Pool]bool, len(nodes))
	for _, n := range nodes {
		kept[n.Pool] = true
	}
	for _, n := range old {
		if !kept[n.Pool] {
			n.Pool.Close()
		}
	}
	return nil
}

func (r *Registry) buildReplicasForUpdate(g *Group, monCfg health.Config, specs []config.ReplicaConfig) ([]*replica.Node, []*health.Monitor, error) {
	g.mu.Lock()
	prevEndpoints := g.endpointsByReplica
	g.mu.Unlock()

	reuse := make(map[string]*replicaBinding)
	for _, n := range g.replicas.Nodes() {
		if ep, ok := prevEndpoints[n.Spec.Name]; ok {
			reuse[n.Spec.Name] = &replicaBinding{node: n, endpoint: ep}
		}
	}

	nodes, monitors, err := r.buildReplicas(g, monCfg, specs, reuse)
	if err != nil {
		return nil, nil, err
	}

	next := make(map[string]config.Endpoint, len(specs))
	for _, rc := range specs {
		next[rc.Name] = rc.Endpoint
	}
	g.mu.Lock()
	g.endpointsByReplica = next
	g.mu.Unlock()

	return nodes, monitors, nil
}

// ApplyConfig reconciles a reloaded config against running groups: replica
// topology is swapped atomically, new groups are registered, and primary
// endpoint changes are rejected (promotion is out of scope).
func (r *Registry) ApplyConfig(cfg *config.Config) {
	for _, gc := range cfg.Groups {
		monCfg := health.Config{
			Interval:         gc.HealthCheckInterval,
			ProbeTimeout:     gc.ProbeTimeout,
			FailureThreshold: gc.ConsecutiveFailureThreshold,
		}

		r.mu.RLock()
		g, exists := r.groups[gc.Name]
		var prevPrimary config.Endpoint
		if exists {
			prevPrimary = g.primaryEndpoint
		}
		r.mu.RUnlock()

		if !exists {
			if _, err := r.Register(gc); err != nil {
				r.logger.Error("reload: register group", zap.String("group", gc.Name), zap.Error(err))
			}
			continue
		}
		if prevPrimary != gc.Primary {
			r.logger.Error("reload: primary endpoint change rejected, promotion requires explicit reconfiguration",
				zap.String("group", gc.Name))
			continue
		}
		if err := r.UpdateReplicas(gc.Name, gc.Replicas, monCfg); err != nil {
			r.logger.Error("reload: update replicas", zap.String("group", gc.Name), zap.Error(err))
		}
	}
}

// Group looks up a registered group.
func (r *Registry) Group(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	if !ok {
		r.collector.RecordUsageError(name, "unknown_group")
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g, nil
}

// Groups returns every registered group, for the status surface.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Acquire routes the intent inside the named group and checks out a slot.
func (r *Registry) Acquire(ctx context.Context, groupName string, intent Intent) (*Handle, error) {
	g, err := r.Group(groupName)
	if err != nil {
		return nil, err
	}

	p, err := g.Resolve(intent)
	if err != nil {
		r.collector.RecordRoutingFailure(groupName, routingKind(err))
		return nil, err
	}

	slot, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return newHandle(groupName, p, slot), nil
}

// Release returns a handle's slot to its pool. A handle releases exactly
// once; a second release is reported as a usage error, never silently
// ignored.
func (r *Registry) Release(h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", pool.ErrInvalidSlot)
	}
	if !h.released.CompareAndSwap(false, true) {
		r.collector.RecordUsageError(h.group, "double_release")
		return fmt.Errorf("%w: handle %s released twice", pool.ErrInvalidSlot, h.id)
	}
	return h.pool.Release(h.slot)
}

// Discard destroys a handle's slot after a failed use instead of returning
// it to the idle set.
func (r *Registry) Discard(h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", pool.ErrInvalidSlot)
	}
	if !h.released.CompareAndSwap(false, true) {
		r.collector.RecordUsageError(h.group, "double_release")
		return fmt.Errorf("%w: handle %s released twice", pool.ErrInvalidSlot, h.id)
	}
	return h.pool.Discard(h.slot)
}

// Metrics returns a point-in-time counter snapshot for a group.
func (r *Registry) Metrics(groupName string) (metrics.GroupSnapshot, error) {
	if _, err := r.Group(groupName); err != nil {
		return metrics.GroupSnapshot{}, err
	}
	snap, _ := r.collector.Snapshot(groupName)
	return snap, nil
}

// CloseAll tears every group down: monitors stop first, then pools drain
// concurrently. In-flight acquires fail with PoolUnavailable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.groups = make(map[string]*Group)
	r.mu.Unlock()

	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			g.Close()
			r.collector.DropGroup(g.name)
			return nil
		})
	}
	_ = eg.Wait()
	r.logger.Info("registry closed", zap.Int("groups", len(groups)))
}

func routingKind(err error) string {
	switch {
	case errors.Is(err, ErrWriteUnavailable):
		return "write_unavailable"
	case errors.Is(err, replica.ErrNoHealthyReplica):
		return "no_healthy_replica"
	case errors.Is(err, ErrReadUnavailable):
		return "read_unavailable"
	default:
		return "unknown"
	}
}
