package pool

import "time"

// Observer receives pool lifecycle events. Implementations must not block;
// the pool calls these on the acquire/release paths.
type Observer interface {
	// ObserveAcquire records an acquire attempt. errKind is empty on
	// success, otherwise one of the Kind* constants.
	ObserveAcquire(wait time.Duration, errKind string)
	// ObserveRelease records a slot going back to the pool (or being
	// destroyed on release).
	ObserveRelease()
	// SetConnections records the current active/idle slot counts.
	SetConnections(active, idle int)
	// SetHealth records a health state transition.
	SetHealth(state HealthState)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ObserveAcquire(time.Duration, string) {}
func (NopObserver) ObserveRelease()                      {}
func (NopObserver) SetConnections(int, int)              {}
func (NopObserver) SetHealth(HealthState)                {}
