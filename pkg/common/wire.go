package common

import (
	"bytes"
	"hash/crc32"
)

// CF selects the column family a batch entry targets. The engine keeps the
// families physically separate; the selector crosses the boundary as a
// single byte.
type CF uint8

const (
	CFDefault CF = iota
	CFLock
	CFWrite
	CFRaft
)

func (cf CF) String() string {
	switch cf {
	case CFDefault:
		return "default"
	case CFLock:
		return "lock"
	case CFWrite:
		return "write"
	case CFRaft:
		return "raft"
	default:
		return "unknown"
	}
}

// Valid reports whether cf is one of the closed set of families.
func (cf CF) Valid() bool {
	return cf <= CFRaft
}

// RegionEpoch identifies a region's current configuration. Version advances
// on split/merge, ConfVersion on peer membership change.
type RegionEpoch struct {
	Version     uint64
	ConfVersion uint64
}

// Stale reports whether e is older than cur in either dimension.
func (e RegionEpoch) Stale(cur RegionEpoch) bool {
	return e.Version < cur.Version || e.ConfVersion < cur.ConfVersion
}

func (e RegionEpoch) Equal(o RegionEpoch) bool {
	return e.Version == o.Version && e.ConfVersion == o.ConfVersion
}

// RegionMeta describes one raft-replicated key range. StartKey is inclusive,
// EndKey exclusive; an empty EndKey means +inf.
type RegionMeta struct {
	Id       uint64
	StartKey []byte
	EndKey   []byte
	Epoch    RegionEpoch
	Peer     uint64
}

// Contains reports whether key falls inside the region's range.
func (m RegionMeta) Contains(key []byte) bool {
	if bytes.Compare(key, m.StartKey) < 0 {
		return false
	}
	return len(m.EndKey) == 0 || bytes.Compare(key, m.EndKey) < 0
}

const (
	OpPut    = "PUT"
	OpDelete = "DELETE"
)

// WriteBatchEntry is one ordered operation within a batch.
type WriteBatchEntry struct {
	CF    CF
	Op    string
	Key   []byte
	Value []byte
}

// WriteBatch is the unit of application: all entries apply atomically and in
// order on the engine side. Index/Term tie the batch to the raft log
// position it was committed at; the engine advances its in-memory apply
// state with them.
type WriteBatch struct {
	RegionId uint64
	Epoch    RegionEpoch
	Index    uint64
	Term     uint64
	Entries  []WriteBatchEntry
}

// RaftApplyState is the apply progress of one region. The engine keeps an
// in-memory copy advanced on every batch and a durable copy advanced only
// when a compact-log event forces a flush.
type RaftApplyState struct {
	AppliedIndex   uint64
	AppliedTerm    uint64
	TruncatedIndex uint64
	TruncatedTerm  uint64
}

// RegionEventType enumerates lifecycle notifications forwarded to the
// engine. Delivery order must match the order the replication layer
// committed them in.
type RegionEventType uint8

const (
	EventCreate RegionEventType = iota + 1
	EventSplit
	EventMerge
	EventDestroy
	// EventCompactLog asks the engine to flush, advance its durable apply
	// state and forget log entries up to CompactIndex/CompactTerm.
	EventCompactLog
)

func (t RegionEventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventSplit:
		return "split"
	case EventMerge:
		return "merge"
	case EventDestroy:
		return "destroy"
	case EventCompactLog:
		return "compact-log"
	default:
		return "unknown"
	}
}

// RegionEvent is a lifecycle notification. Region always carries the epoch
// the event was committed under. Splits holds the resulting regions of a
// split; Target the surviving region of a merge.
type RegionEvent struct {
	Type         RegionEventType
	Region       RegionMeta
	Splits       []RegionMeta
	Target       uint64
	CompactIndex uint64
	CompactTerm  uint64
}

// SSTFileRef references one bulk-load file handed to the engine by an
// ingest. The mock engine consumes the inlined payload; a real engine would
// open the named file.
type SSTFileRef struct {
	CF   CF
	Name string
	Data []byte
}

// IngestRequest forwards resolved bulk imports for one region.
type IngestRequest struct {
	RegionId uint64
	Epoch    RegionEpoch
	Files    []SSTFileRef
}

// SnapshotChunk is one piece of a region state transfer. Data is an opaque,
// length-delimited payload (compressed on the sending side); Checksum covers
// Data. Seq starts at 0 and increases by one per chunk; Last marks the final
// chunk of the transfer.
type SnapshotChunk struct {
	TransferId string
	RegionId   uint64
	Epoch      RegionEpoch
	Seq        uint64
	Last       bool
	Checksum   uint32
	Data       []byte
}

// ChunkChecksum is the checksum every chunk carries over its payload.
func ChunkChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SnapshotMeta opens a transfer: it announces the region meta the snapshot
// was taken at, the apply position it captures, and the transfer id
// subsequent chunks will carry.
type SnapshotMeta struct {
	TransferId   string
	Region       RegionMeta
	AppliedIndex uint64
	AppliedTerm  uint64
}
