package common

// StatusCode is the closed integer enumeration carried across the foreign
// boundary. The numbering is part of the ABI and must not be reordered.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusStaleEpoch
	StatusNotReady
	StatusResourceExhausted
	StatusEngineError
	StatusProtocolViolation
	StatusSnapInProgress
	StatusNoRegion
	StatusDuplicate
	// StatusTransientError is an engine error the external side explicitly
	// flagged as transient; it translates to ErrEngineError but is retryable.
	StatusTransientError
)

// Err maps a foreign status code onto the host taxonomy. The mapping is
// total: any code outside the known set is treated as an opaque engine error.
func (s StatusCode) Err() Err {
	switch s {
	case StatusOK:
		return OK
	case StatusStaleEpoch:
		return ErrStaleEpoch
	case StatusNotReady:
		return ErrNotReady
	case StatusResourceExhausted:
		return ErrResourceExhausted
	case StatusEngineError, StatusTransientError:
		return ErrEngineError
	case StatusProtocolViolation:
		return ErrProtocolViolation
	case StatusSnapInProgress:
		return ErrSnapInProgress
	case StatusNoRegion:
		return ErrNoRegion
	case StatusDuplicate:
		return ErrDuplicate
	default:
		return ErrEngineError
	}
}

// Transient reports whether the engine explicitly flagged the failure as
// worth retrying even though it translates to ErrEngineError.
func (s StatusCode) Transient() bool {
	return s == StatusTransientError
}

// ErrToStatus is the reverse mapping, used by engine-side implementations
// (the mock store) to answer in wire terms.
func ErrToStatus(e Err) StatusCode {
	switch e {
	case OK:
		return StatusOK
	case ErrStaleEpoch:
		return StatusStaleEpoch
	case ErrNotReady:
		return StatusNotReady
	case ErrResourceExhausted:
		return StatusResourceExhausted
	case ErrProtocolViolation:
		return StatusProtocolViolation
	case ErrSnapInProgress:
		return StatusSnapInProgress
	case ErrNoRegion:
		return StatusNoRegion
	case ErrDuplicate:
		return StatusDuplicate
	default:
		return StatusEngineError
	}
}

func (s StatusCode) String() string {
	return string(s.Err())
}
