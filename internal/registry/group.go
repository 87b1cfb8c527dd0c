// internal/registry/group.go
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/health"
	"github.com/FairForge/poolgate/internal/pool"
	"github.com/FairForge/poolgate/internal/replica"
)

var (
	// ErrWriteUnavailable means the primary is unreachable; the manager
	// never promotes a replica, so writes fail closed.
	ErrWriteUnavailable = errors.New("registry: write unavailable")

	// ErrReadUnavailable means no pool is currently eligible to serve a
	// read.
	ErrReadUnavailable = errors.New("registry: read unavailable")

	// ErrDuplicateGroup means a group with that name is already
	// registered.
	ErrDuplicateGroup = errors.New("registry: duplicate group")

	// ErrUnknownGroup means no group with that name exists.
	ErrUnknownGroup = errors.New("registry: unknown group")
)

// Intent says whether the caller will read or write.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// ServingState is a group's effective ability to serve traffic, derived
// purely from health signals.
type ServingState int

const (
	FullyHealthy ServingState = iota
	DegradedReads
	PrimaryLostReadOnly
	FullyUnavailable
)

func (s ServingState) String() string {
	switch s {
	case FullyHealthy:
		return "fully_healthy"
	case DegradedReads:
		return "degraded_reads"
	case PrimaryLostReadOnly:
		return "primary_lost_read_only"
	case FullyUnavailable:
		return "fully_unavailable"
	default:
		return "unknown"
	}
}

// Group binds one primary pool and a replica set under a logical name and
// makes the read/write routing decision.
type Group struct {
	name            string
	primary         *pool.Pool
	replicas        *replica.Set
	policy          string
	readFromPrimary bool
	logger          *zap.Logger

	mu              sync.Mutex
	primaryMonitor  *health.Monitor
	replicaMonitors []*health.Monitor

	// Endpoint identity for reload reconciliation. primaryEndpoint is
	// immutable after registration; endpointsByReplica is guarded by mu.
	primaryEndpoint    config.Endpoint
	endpointsByReplica map[string]config.Endpoint
}

// Name returns the group's logical name.
func (g *Group) Name() string { return g.name }

// Primary returns the primary pool.
func (g *Group) Primary() *pool.Pool { return g.primary }

// Replicas returns the group's replica set.
func (g *Group) Replicas() *replica.Set { return g.replicas }

// Resolve routes an intent to a pool. Writes always go to the primary; the
// manager never silently promotes a replica. Reads go through weighted
// replica selection, falling back to the primary only when configured.
func (g *Group) Resolve(intent Intent) (*pool.Pool, error) {
	switch intent {
	case IntentWrite:
		if g.primary.Health() == pool.Unreachable {
			return nil, fmt.Errorf("%w: primary for group %s is unreachable", ErrWriteUnavailable, g.name)
		}
		return g.primary, nil

	case IntentRead:
		if g.policy == config.FailoverFailClosed && g.primary.Health() == pool.Unreachable {
			// Fail-closed groups reject everything on primary loss.
			return nil, fmt.Errorf("%w: group %s is fail-closed and its primary is unreachable", ErrReadUnavailable, g.name)
		}
		node, err := g.replicas.Select()
		if err != nil {
			if g.readFromPrimary && g.primary.Health() != pool.Unreachable {
				return g.primary, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrReadUnavailable, err)
		}
		return node.Pool, nil

	default:
		return nil, fmt.Errorf("registry: unknown intent %q", intent)
	}
}

// ServingState derives the group's current serving state from primary
// health and replica eligibility.
func (g *Group) ServingState() ServingState {
	nodes := g.replicas.Nodes()
	eligible := 0
	for _, n := range nodes {
		if n.State() == pool.Healthy {
			eligible++
		}
	}

	if g.primary.Health() == pool.Unreachable {
		if g.policy == config.FailoverReadOnlyOnPrimary && eligible > 0 {
			return PrimaryLostReadOnly
		}
		return FullyUnavailable
	}
	if eligible < len(nodes) {
		return DegradedReads
	}
	return FullyHealthy
}

// ReplicaStatus is one replica's view in a group status report.
type ReplicaStatus struct {
	Name   string        `json:"name"`
	State  string        `json:"state"`
	Weight int           `json:"weight"`
	Lag    time.Duration `json:"lag_ns"`
}

// Status is a group's point-in-time serving report.
type Status struct {
	Name          string          `json:"name"`
	ServingState  string          `json:"serving_state"`
	PrimaryHealth string          `json:"primary_health"`
	Replicas      []ReplicaStatus `json:"replicas"`
}

// Status reports the group's serving state and per-replica health.
func (g *Group) Status() Status {
	st := Status{
		Name:          g.name,
		ServingState:  g.ServingState().String(),
		PrimaryHealth: g.primary.Health().String(),
	}
	for _, n := range g.replicas.Nodes() {
		st.Replicas = append(st.Replicas, ReplicaStatus{
			Name:   n.Spec.Name,
			State:  n.State().String(),
			Weight: n.Spec.Weight,
			Lag:    n.Lag(),
		})
	}
	return st
}

// swapReplicaMonitors installs the monitor set, stopping any previous
// replica monitors first.
func (g *Group) swapReplicaMonitors(monitors []*health.Monitor) {
	g.mu.Lock()
	old := g.replicaMonitors
	g.replicaMonitors = monitors
	g.mu.Unlock()

	for _, m := range old {
		m.Stop()
	}
	for _, m := range monitors {
		m.Start()
	}
}

// Close stops all monitors, then drains the primary and every replica pool
// concurrently.
func (g *Group) Close() {
	g.mu.Lock()
	monitors := append([]*health.Monitor{g.primaryMonitor}, g.replicaMonitors...)
	g.replicaMonitors = nil
	g.mu.Unlock()

	for _, m := range monitors {
		if m != nil {
			m.Stop()
		}
	}

	var eg errgroup.Group
	eg.Go(func() error {
		g.primary.Close()
		return nil
	})
	for _, n := range g.replicas.Nodes() {
		p := n.Pool
		eg.Go(func() error {
			p.Close()
			return nil
		})
	}
	_ = eg.Wait()
	g.logger.Info("group closed", zap.String("group", g.name))
}
