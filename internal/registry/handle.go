// internal/registry/handle.go
package registry

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/FairForge/poolgate/internal/pool"
)

// Handle is the opaque token returned from Acquire. It encodes which pool
// issued the slot and enforces exactly-once release.
type Handle struct {
	id       uuid.UUID
	group    string
	pool     *pool.Pool
	slot     *pool.Slot
	released atomic.Bool
}

func newHandle(group string, p *pool.Pool, s *pool.Slot) *Handle {
	return &Handle{
		id:    uuid.New(),
		group: group,
		pool:  p,
		slot:  s,
	}
}

// ID returns the handle's unique token.
func (h *Handle) ID() uuid.UUID { return h.id }

// Group returns the group the handle was issued for.
func (h *Handle) Group() string { return h.group }

// PoolName returns the name of the pool that issued the slot.
func (h *Handle) PoolName() string { return h.pool.Name() }

// Conn exposes the underlying connection for the query layer.
func (h *Handle) Conn() pool.Conn { return h.slot.Conn() }
