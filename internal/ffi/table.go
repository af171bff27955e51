package ffi

import (
	"github.com/raftkv/enginebridge/pkg/common"
)

// Op identifies one host→engine operation of the call table. The numbering
// is part of the ABI.
type Op uint32

const (
	OpWriteBatch Op = iota + 1
	OpIngest
	OpRegionEvent
	OpOpenSnapshot
	OpWriteSnapChunk
	OpFinishSnapshot
	OpReleaseHandle
)

func (op Op) String() string {
	switch op {
	case OpWriteBatch:
		return "write_batch"
	case OpIngest:
		return "ingest"
	case OpRegionEvent:
		return "region_event"
	case OpOpenSnapshot:
		return "open_snapshot"
	case OpWriteSnapChunk:
		return "write_snap_chunk"
	case OpFinishSnapshot:
		return "finish_snapshot"
	case OpReleaseHandle:
		return "release_handle"
	default:
		return "unknown"
	}
}

// CallTable is the engine-supplied half of the boundary: one slot per
// operation, populated once at registration. Payloads are flat msgpack
// buffers of the wire structs in pkg/common; tokens are engine-owned opaque
// resource identifiers.
//
// Every slot is synchronous: a call occupies the calling goroutine until the
// engine returns. Operations the engine completes on its own schedule
// (snapshot application) return immediately with an accepted status and
// resolve later through the host callbacks.
type CallTable struct {
	HandleWriteBatch  func(payload []byte) common.StatusCode
	HandleIngest      func(payload []byte) common.StatusCode
	HandleRegionEvent func(payload []byte) common.StatusCode

	// OpenSnapshot starts an inbound transfer and returns the engine-side
	// token subsequent chunk writes address.
	OpenSnapshot       func(payload []byte) (common.StatusCode, uint64)
	WriteSnapshotChunk func(token uint64, payload []byte) common.StatusCode
	// FinishSnapshot signals end-of-transfer. The final apply result is
	// delivered asynchronously through OnSnapshotApplied with corrId.
	FinishSnapshot func(token uint64, corrId uint64) common.StatusCode

	// ReleaseHandle frees the engine-side resource behind a token. Exactly
	// one release per token; the engine rejects a second one.
	ReleaseHandle func(token uint64) common.StatusCode
}

// complete reports whether every slot is populated. A partially filled table
// is a registration error, not something to discover at call time.
func (t *CallTable) complete() bool {
	return t != nil &&
		t.HandleWriteBatch != nil &&
		t.HandleIngest != nil &&
		t.HandleRegionEvent != nil &&
		t.OpenSnapshot != nil &&
		t.WriteSnapshotChunk != nil &&
		t.FinishSnapshot != nil &&
		t.ReleaseHandle != nil
}

// HostCallbacks is the host-supplied half: the engine invokes these to
// resolve asynchronous completions. Both slots are safe to call from any
// engine thread.
type HostCallbacks struct {
	OnApplyResult     func(corrId uint64, status common.StatusCode, payload []byte)
	OnSnapshotApplied func(corrId uint64, status common.StatusCode)
}
