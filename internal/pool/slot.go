package pool

import (
	"context"
	"time"
)

// Conn is a single managed database connection.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new connections to one endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// SlotState tracks the lifecycle of a managed connection.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotInUse
	SlotRecycling
	SlotDead
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotInUse:
		return "in_use"
	case SlotRecycling:
		return "recycling"
	case SlotDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Slot is one managed connection plus lifecycle metadata. A slot is owned
// exclusively by the pool that created it and is never shared across pools.
type Slot struct {
	conn     Conn
	owner    *Pool
	state    SlotState // guarded by owner.mu
	overflow bool      // destroyed on release instead of returning to idle

	createdAt  time.Time
	lastUsedAt time.Time
}

// Conn returns the underlying connection.
func (s *Slot) Conn() Conn { return s.conn }

// CreatedAt returns when the slot's connection was dialed.
func (s *Slot) CreatedAt() time.Time { return s.createdAt }

// expired reports whether the slot outlived the pool's recycle interval.
func (s *Slot) expired(now time.Time, recycle time.Duration) bool {
	return recycle > 0 && now.Sub(s.createdAt) >= recycle
}
