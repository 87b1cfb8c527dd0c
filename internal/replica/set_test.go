// internal/replica/set_test.go
package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/poolgate/internal/pool"
)

type fakeConn struct{}

func (fakeConn) Ping(context.Context) error { return nil }
func (fakeConn) Close() error               { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(context.Context) (pool.Conn, error) { return fakeConn{}, nil }

func newNode(t *testing.T, name string, weight int, maxLag time.Duration) *Node {
	t.Helper()
	p := pool.New(pool.Config{Name: name, PoolSize: 1, AcquireTimeout: time.Second}, fakeDialer{}, nil, nil)
	t.Cleanup(p.Close)
	return NewNode(Spec{Name: name, Weight: weight, MaxLag: maxLag}, p)
}

func TestSet_WeightedDistribution(t *testing.T) {
	a := newNode(t, "a", 2, 5*time.Second)
	b := newNode(t, "b", 1, 5*time.Second)
	set := NewSet([]*Node{a, b}, nil)

	counts := map[string]int{}
	const draws = 3000
	for i := 0; i < draws; i++ {
		n, err := set.Select()
		require.NoError(t, err)
		counts[n.Spec.Name]++
	}

	// a has weight 2 of 3 total: expect ~2000 of 3000 selections.
	assert.InDelta(t, draws*2/3, counts["a"], draws*0.05, "weight-2 replica share")
	assert.InDelta(t, draws/3, counts["b"], draws*0.05, "weight-1 replica share")
}

func TestSet_LaggingReplicaNeverSelected(t *testing.T) {
	heavy := newNode(t, "heavy", 100, time.Second)
	light := newNode(t, "light", 1, time.Second)
	heavy.ReportLag(2*time.Second, nil) // over max_lag
	set := NewSet([]*Node{heavy, light}, nil)

	for i := 0; i < 200; i++ {
		n, err := set.Select()
		require.NoError(t, err)
		assert.Equal(t, "light", n.Spec.Name, "lagging replica must be excluded regardless of weight")
	}
	assert.Equal(t, pool.Degraded, heavy.State())

	// Lag recovery makes it eligible again.
	heavy.ReportLag(100*time.Millisecond, nil)
	assert.Equal(t, pool.Healthy, heavy.State())
}

func TestSet_UnhealthyPoolExcluded(t *testing.T) {
	a := newNode(t, "a", 1, time.Second)
	b := newNode(t, "b", 1, time.Second)
	a.Pool.SetHealth(pool.Unreachable)
	set := NewSet([]*Node{a, b}, nil)

	for i := 0; i < 100; i++ {
		n, err := set.Select()
		require.NoError(t, err)
		assert.Equal(t, "b", n.Spec.Name)
	}
}

func TestSet_NoHealthyReplica(t *testing.T) {
	a := newNode(t, "a", 1, time.Second)
	a.ReportLag(0, errors.New("probe failed"))
	set := NewSet([]*Node{a}, nil)

	_, err := set.Select()
	require.ErrorIs(t, err, ErrNoHealthyReplica)

	empty := NewSet(nil, nil)
	_, err = empty.Select()
	require.ErrorIs(t, err, ErrNoHealthyReplica)
}

func TestSet_ShareRedistributesOnExclusion(t *testing.T) {
	a := newNode(t, "a", 2, time.Second)
	b := newNode(t, "b", 1, time.Second)
	c := newNode(t, "c", 1, time.Second)
	set := NewSet([]*Node{a, b, c}, nil)

	a.Pool.SetHealth(pool.Unreachable)

	counts := map[string]int{}
	const draws = 2000
	for i := 0; i < draws; i++ {
		n, err := set.Select()
		require.NoError(t, err)
		counts[n.Spec.Name]++
	}
	assert.Zero(t, counts["a"])
	// b and c split the traffic evenly once a is out.
	assert.InDelta(t, draws/2, counts["b"], draws*0.06)
	assert.InDelta(t, draws/2, counts["c"], draws*0.06)
}

func TestSet_ReplaceIsAtomicSnapshot(t *testing.T) {
	a := newNode(t, "a", 1, time.Second)
	set := NewSet([]*Node{a}, nil)

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := set.Select(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	// Concurrent membership swaps never leave a selector with a torn or
	// empty list.
	for i := 0; i < 100; i++ {
		b := newNode(t, "b", 1, time.Second)
		set.Replace([]*Node{a, b})
		set.Replace([]*Node{a})
	}
	close(stop)
	require.NoError(t, <-errCh)
	assert.Len(t, set.Nodes(), 1)
}

func TestNode_DefaultsToEligible(t *testing.T) {
	n := newNode(t, "fresh", 0, time.Second)
	assert.Equal(t, 1, n.Spec.Weight, "non-positive weight normalizes to 1")
	assert.Equal(t, pool.Healthy, n.State(), "unprobed replica starts eligible")
}
