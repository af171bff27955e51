package common

// Err is the host-side result taxonomy. Every foreign status code is
// translated onto exactly one of these before it reaches the replication
// layer.
type Err string

const (
	OK                   Err = "OK"
	ErrStaleEpoch        Err = "ErrStaleEpoch"
	ErrNotReady          Err = "ErrNotReady"
	ErrResourceExhausted Err = "ErrResourceExhausted"
	ErrEngineError       Err = "ErrEngineError"
	ErrProtocolViolation Err = "ErrProtocolViolation"
	ErrSnapInProgress    Err = "ErrSnapInProgress"
	ErrNoRegion          Err = "ErrNoRegion"
	ErrDuplicate         Err = "ErrDuplicate"
)

// Retryable reports whether the caller may retry the same operation after
// re-fetching region state (stale) or backing off (not ready, exhausted).
// ErrEngineError is non-retryable; transience is flagged separately by the
// adapter when the engine reports it.
func (e Err) Retryable() bool {
	switch e {
	case ErrStaleEpoch, ErrNotReady, ErrResourceExhausted, ErrSnapInProgress:
		return true
	default:
		return false
	}
}
