// internal/registry/group_test.go
package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/pool"
)

func TestGroup_ServingStateTransitions(t *testing.T) {
	r := newTestRegistry(t)
	g, err := r.Register(groupConfig("app", config.FailoverReadOnlyOnPrimary, false))
	require.NoError(t, err)

	assert.Equal(t, FullyHealthy, g.ServingState())

	// One replica out: reads degrade but keep flowing.
	nodes := g.Replicas().Nodes()
	nodes[0].Pool.SetHealth(pool.Unreachable)
	assert.Equal(t, DegradedReads, g.ServingState())

	// Primary lost with an eligible replica left: read-only mode.
	g.Primary().SetHealth(pool.Unreachable)
	assert.Equal(t, PrimaryLostReadOnly, g.ServingState())

	// Everything out.
	nodes[1].Pool.SetHealth(pool.Unreachable)
	assert.Equal(t, FullyUnavailable, g.ServingState())

	// Recovery walks back to fully healthy.
	g.Primary().SetHealth(pool.Healthy)
	nodes[0].Pool.SetHealth(pool.Healthy)
	nodes[1].Pool.SetHealth(pool.Healthy)
	assert.Equal(t, FullyHealthy, g.ServingState())
}

func TestGroup_FailClosedNeverReadOnly(t *testing.T) {
	r := newTestRegistry(t)
	g, err := r.Register(groupConfig("app", config.FailoverFailClosed, false))
	require.NoError(t, err)

	g.Primary().SetHealth(pool.Unreachable)
	assert.Equal(t, FullyUnavailable, g.ServingState(),
		"fail-closed groups do not serve degraded reads on primary loss")
}

func TestGroup_LagDegradesServingState(t *testing.T) {
	r := newTestRegistry(t)
	g, err := r.Register(groupConfig("app", config.FailoverFailClosed, false))
	require.NoError(t, err)

	g.Replicas().Nodes()[0].ReportLag(time.Minute, nil)
	assert.Equal(t, DegradedReads, g.ServingState())
}

func TestGroup_StatusReport(t *testing.T) {
	r := newTestRegistry(t)
	g, err := r.Register(groupConfig("app", config.FailoverFailClosed, false))
	require.NoError(t, err)

	g.Replicas().Nodes()[1].ReportLag(2*time.Second, nil)

	st := g.Status()
	assert.Equal(t, "app", st.Name)
	assert.Equal(t, "degraded_reads", st.ServingState)
	assert.Equal(t, "healthy", st.PrimaryHealth)
	require.Len(t, st.Replicas, 2)
	assert.Equal(t, "degraded", st.Replicas[1].State)
	assert.Equal(t, 2*time.Second, st.Replicas[1].Lag)
}

func TestGroup_UnknownIntent(t *testing.T) {
	r := newTestRegistry(t)
	g, err := r.Register(groupConfig("app", config.FailoverFailClosed, false))
	require.NoError(t, err)

	_, err = g.Resolve(Intent("upsert"))
	require.Error(t, err)
}
