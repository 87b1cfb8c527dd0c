// internal/replica/set.go
package replica

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/poolgate/internal/pool"
)

// ErrNoHealthyReplica means no replica is currently eligible for reads. The
// pool group decides the fallback.
var ErrNoHealthyReplica = errors.New("replica: no healthy replica")

// Spec is the static configuration of one replica.
type Spec struct {
	Name string
	// Weight is the relative read-traffic share among eligible replicas.
	Weight int
	// MaxLag excludes the replica from reads when measured lag exceeds it.
	MaxLag time.Duration
}

// Node binds a replica spec to its pool plus dynamic lag state. Lag is
// updated by the health monitor; membership changes go through Set.Replace.
type Node struct {
	Spec Spec
	Pool *pool.Pool

	lagNanos atomic.Int64
	lagOK    atomic.Bool
}

// NewNode builds a node. A fresh node is read-eligible until a probe says
// otherwise.
func NewNode(spec Spec, p *pool.Pool) *Node {
	if spec.Weight <= 0 {
		spec.Weight = 1
	}
	n := &Node{Spec: spec, Pool: p}
	n.lagOK.Store(true)
	return n
}

// ReportLag records a lag measurement. Implements health.LagSink.
func (n *Node) ReportLag(lag time.Duration, err error) {
	if err != nil {
		n.lagOK.Store(false)
		return
	}
	n.lagNanos.Store(int64(lag))
	n.lagOK.Store(true)
}

// Lag returns the last measured replication lag.
func (n *Node) Lag() time.Duration {
	return time.Duration(n.lagNanos.Load())
}

// State reports the node's effective read-serving state. Lag-based
// degradation does not touch the underlying pool's connection health.
func (n *Node) State() pool.HealthState {
	if h := n.Pool.Health(); h != pool.Healthy {
		return h
	}
	if !n.lagOK.Load() || n.Lag() > n.Spec.MaxLag {
		return pool.Degraded
	}
	return pool.Healthy
}

func (n *Node) eligible() bool {
	return n.State() == pool.Healthy
}

// Set holds the replica nodes behind an atomically swapped immutable
// snapshot, so concurrent selections never observe a half-updated list.
type Set struct {
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

type snapshot struct {
	nodes []*Node
}

// NewSet builds a replica set over the given nodes.
func NewSet(nodes []*Node, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{logger: logger}
	s.snap.Store(&snapshot{nodes: nodes})
	return s
}

// Nodes returns the current membership snapshot.
func (s *Set) Nodes() []*Node {
	return s.snap.Load().nodes
}

// Replace swaps the whole membership list atomically. Selections in flight
// keep using the snapshot they read.
func (s *Set) Replace(nodes []*Node) {
	s.snap.Store(&snapshot{nodes: nodes})
	s.logger.Info("replica set replaced", zap.Int("replicas", len(nodes)))
}

// Select performs weighted random selection over the currently eligible
// replicas: healthy pool, known lag within MaxLag. Each eligible replica
// gets a read share proportional to its weight among eligible peers, so the
// share of an excluded replica redistributes automatically.
func (s *Set) Select() (*Node, error) {
	nodes := s.snap.Load().nodes

	var (
		eligible []*Node
		total    int64
	)
	for _, n := range nodes {
		if n.eligible() {
			eligible = append(eligible, n)
			total += int64(n.Spec.Weight)
		}
	}
	if len(eligible) == 0 || total <= 0 {
		return nil, ErrNoHealthyReplica
	}

	// Cumulative-weight scan; ties broken by list order.
	r := rand.Int63n(total)
	var cum int64
	for _, n := range eligible {
		cum += int64(n.Spec.Weight)
		if r < cum {
			return n, nil
		}
	}
	return eligible[len(eligible)-1], nil
}
