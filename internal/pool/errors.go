package pool

import "errors"

var (
	// ErrPoolExhausted means no slot became available within the acquire
	// timeout. Retryable by the caller with backoff.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrConnectionTimeout means a new connection could not be dialed in
	// time. Retryable by the caller with backoff.
	ErrConnectionTimeout = errors.New("pool: connection timeout")

	// ErrPoolUnavailable means the pool is closed or its endpoint is marked
	// unreachable; acquires fail fast instead of queuing.
	ErrPoolUnavailable = errors.New("pool: unavailable")

	// ErrInvalidSlot means the slot is not owned by this pool or was
	// already released. Programmer error, never retried.
	ErrInvalidSlot = errors.New("pool: invalid slot")
)

// Failure kinds used as metric labels.
const (
	KindExhausted   = "exhausted"
	KindConnTimeout = "connection_timeout"
	KindUnavailable = "unavailable"
	KindInvalidSlot = "invalid_slot"
	KindCanceled    = "canceled"
	KindUnknown     = "unknown"
)

// FailureKind classifies an acquire error for metrics labels.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return KindExhausted
	case errors.Is(err, ErrConnectionTimeout):
		return KindConnTimeout
	case errors.Is(err, ErrPoolUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrInvalidSlot):
		return KindInvalidSlot
	case err == nil:
		return ""
	default:
		return KindUnknown
	}
}
