package mockstore

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"

	"github.com/raftkv/enginebridge/internal/ffi"
	"github.com/raftkv/enginebridge/pkg/common"
	"github.com/raftkv/enginebridge/pkg/common/utils"
)

const regionDBCap = 1 << 16

// MockStore is the engine-side half of the call table, backed by one
// in-memory ordered store per region. It exists to exercise the bridge
// deterministically: batches apply atomically in submission order, snapshot
// chunks stage until the end-of-transfer signal, and named failpoints let
// tests force any status at any step. Nothing persists and nothing leaves
// the process.
type MockStore struct {
	mu      sync.RWMutex
	regions map[uint64]*mockRegion

	transfers  map[uint64]*transfer
	nextToken  uint64
	liveTokens int

	failpoints map[string]*failpoint

	callbacks ffi.HostCallbacks
	applyC    chan applyJob
	killedC   chan struct{}
	stopped   sync.Once

	log *log.Logger
}

type mockRegion struct {
	meta      common.RegionMeta
	db        *memdb.DB
	memState  common.RaftApplyState
	diskState common.RaftApplyState
}

type applyJob struct {
	token  uint64
	corrId uint64
}

func MakeMockStore(logger *log.Logger) *MockStore {
	s := new(MockStore)
	s.regions = make(map[uint64]*mockRegion)
	s.transfers = make(map[uint64]*transfer)
	s.failpoints = make(map[string]*failpoint)
	s.applyC = make(chan applyJob, 16)
	s.killedC = make(chan struct{})
	s.log = logger
	go s.applier()
	return s
}

// CallTable exposes the store as the engine half of the boundary.
func (s *MockStore) CallTable() *ffi.CallTable {
	return &ffi.CallTable{
		HandleWriteBatch:   s.HandleWriteBatch,
		HandleIngest:       s.HandleIngest,
		HandleRegionEvent:  s.HandleRegionEvent,
		OpenSnapshot:       s.OpenSnapshot,
		WriteSnapshotChunk: s.WriteSnapshotChunk,
		FinishSnapshot:     s.FinishSnapshot,
		ReleaseHandle:      s.ReleaseHandle,
	}
}

// BindCallbacks installs the host callback slots snapshot acknowledgements
// are delivered through.
func (s *MockStore) BindCallbacks(cb ffi.HostCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *MockStore) Close() {
	s.stopped.Do(func() { close(s.killedC) })
}

func makeRegion(meta common.RegionMeta) *mockRegion {
	return &mockRegion{
		meta: meta,
		db:   memdb.New(comparer.DefaultComparer, regionDBCap),
	}
}

// dbKey prefixes a user key with its column family selector so one ordered
// store holds all families of a region.
func dbKey(cf common.CF, key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, byte(cf))
	return append(out, key...)
}

// HandleWriteBatch applies one batch atomically and in entry order. The
// whole batch is validated before the first entry touches the store, so a
// rejected batch leaves no partial state behind.
func (s *MockStore) HandleWriteBatch(payload []byte) common.StatusCode {
	if st, ok := s.shouldFail(FailWriteBatch); ok {
		return st
	}

	var batch common.WriteBatch
	if err := utils.MsgpDecode(payload, &batch); err != nil {
		s.log.Errorf("MockStore failed to decode write batch: %v", err)
		return common.StatusProtocolViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[batch.RegionId]
	if !ok {
		return common.StatusNoRegion
	}
	if batch.Epoch.Stale(r.meta.Epoch) {
		return common.StatusStaleEpoch
	}
	if batch.Index != 0 && batch.Index <= r.memState.AppliedIndex {
		return common.StatusDuplicate
	}
	for _, e := range batch.Entries {
		if !e.CF.Valid() || (e.Op != common.OpPut && e.Op != common.OpDelete) || len(e.Key) == 0 {
			return common.StatusProtocolViolation
		}
	}

	for _, e := range batch.Entries {
		k := dbKey(e.CF, e.Key)
		if e.Op == common.OpPut {
			if err := r.db.Put(k, e.Value); err != nil {
				s.log.Errorf("MockStore put failed for region %d: %v", batch.RegionId, err)
				return common.StatusEngineError
			}
		} else {
			// Deleting an absent key is a no-op, same as the real engine.
			_ = r.db.Delete(k)
		}
	}

	if batch.Index != 0 {
		r.memState.AppliedIndex = batch.Index
		r.memState.AppliedTerm = batch.Term
	}
	return common.StatusOK
}

// HandleIngest installs bulk-load payloads after the epoch check. File data
// arrives inlined as msgpack-encoded entries; a real engine would open the
// referenced files instead.
func (s *MockStore) HandleIngest(payload []byte) common.StatusCode {
	if st, ok := s.shouldFail(FailIngest); ok {
		return st
	}

	var req common.IngestRequest
	if err := utils.MsgpDecode(payload, &req); err != nil {
		s.log.Errorf("MockStore failed to decode ingest request: %v", err)
		return common.StatusProtocolViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[req.RegionId]
	if !ok {
		return common.StatusNoRegion
	}
	if req.Epoch.Stale(r.meta.Epoch) {
		return common.StatusStaleEpoch
	}

	for _, f := range req.Files {
		var entries []common.WriteBatchEntry
		if err := utils.MsgpDecode(f.Data, &entries); err != nil {
			s.log.Errorf("MockStore failed to decode ingest file %s: %v", f.Name, err)
			return common.StatusProtocolViolation
		}
		for _, e := range entries {
			if err := r.db.Put(dbKey(f.CF, e.Key), e.Value); err != nil {
				return common.StatusEngineError
			}
		}
	}
	return common.StatusOK
}

// HandleRegionEvent mutates the per-region bookkeeping the engine keys its
// state by. Events arrive in commit order; anything that contradicts the
// current state is a protocol violation, not something to paper over.
func (s *MockStore) HandleRegionEvent(payload []byte) common.StatusCode {
	if st, ok := s.shouldFail(FailRegionEvent); ok {
		return st
	}

	var ev common.RegionEvent
	if err := utils.MsgpDecode(payload, &ev); err != nil {
		s.log.Errorf("MockStore failed to decode region event: %v", err)
		return common.StatusProtocolViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case common.EventCreate:
		if _, ok := s.regions[ev.Region.Id]; ok {
			return common.StatusProtocolViolation
		}
		s.regions[ev.Region.Id] = makeRegion(ev.Region)
		s.log.Infof("MockStore created region %d at epoch %v", ev.Region.Id, ev.Region.Epoch)
		return common.StatusOK

	case common.EventSplit:
		return s.applySplit(ev)

	case common.EventMerge:
		return s.applyMerge(ev)

	case common.EventDestroy:
		if _, ok := s.regions[ev.Region.Id]; !ok {
			return common.StatusNoRegion
		}
		delete(s.regions, ev.Region.Id)
		s.log.Infof("MockStore destroyed region %d", ev.Region.Id)
		return common.StatusOK

	case common.EventCompactLog:
		return s.applyCompactLog(ev)

	default:
		return common.StatusProtocolViolation
	}
}

// applySplit shrinks the parent to its new range and moves keys that now
// belong to the sibling regions.
func (s *MockStore) applySplit(ev common.RegionEvent) common.StatusCode {
	parent, ok := s.regions[ev.Region.Id]
	if !ok {
		return common.StatusNoRegion
	}
	if ev.Region.Epoch.Stale(parent.meta.Epoch) {
		return common.StatusStaleEpoch
	}
	if len(ev.Splits) == 0 {
		return common.StatusProtocolViolation
	}

	siblings := make([]*mockRegion, 0, len(ev.Splits))
	for _, meta := range ev.Splits {
		if _, exists := s.regions[meta.Id]; exists {
			return common.StatusProtocolViolation
		}
		siblings = append(siblings, makeRegion(meta))
	}

	parent.meta = ev.Region
	for _, sib := range siblings {
		s.regions[sib.meta.Id] = sib
		s.moveRange(parent, sib)
		s.log.Infof("MockStore split region %d -> %d at epoch %v",
			parent.meta.Id, sib.meta.Id, sib.meta.Epoch)
	}
	return common.StatusOK
}

// applyMerge absorbs ev.Target into the surviving region described by
// ev.Region.
func (s *MockStore) applyMerge(ev common.RegionEvent) common.StatusCode {
	survivor, ok := s.regions[ev.Region.Id]
	if !ok {
		return common.StatusNoRegion
	}
	absorbed, ok := s.regions[ev.Target]
	if !ok {
		return common.StatusNoRegion
	}
	if ev.Region.Epoch.Stale(survivor.meta.Epoch) {
		return common.StatusStaleEpoch
	}

	survivor.meta = ev.Region
	iter := absorbed.db.NewIterator(nil)
	for iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := survivor.db.Put(k, v); err != nil {
			iter.Release()
			return common.StatusEngineError
		}
	}
	iter.Release()
	delete(s.regions, ev.Target)
	s.log.Infof("MockStore merged region %d into %d at epoch %v",
		ev.Target, ev.Region.Id, ev.Region.Epoch)
	return common.StatusOK
}

// applyCompactLog flushes: the durable apply state catches up with the
// in-memory one and the truncation point advances. Compacting past the
// applied index is a bridge ordering bug.
func (s *MockStore) applyCompactLog(ev common.RegionEvent) common.StatusCode {
	r, ok := s.regions[ev.Region.Id]
	if !ok {
		return common.StatusNoRegion
	}
	if ev.CompactIndex > r.memState.AppliedIndex {
		return common.StatusProtocolViolation
	}
	r.memState.TruncatedIndex = ev.CompactIndex
	r.memState.TruncatedTerm = ev.CompactTerm
	r.diskState = r.memState
	return common.StatusOK
}

// moveRange migrates every key of src that falls inside dst's range.
func (s *MockStore) moveRange(src, dst *mockRegion) {
	iter := src.db.NewIterator(nil)
	var moved [][2][]byte
	for iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		if len(k) < 1 {
			continue
		}
		if dst.meta.Contains(k[1:]) {
			moved = append(moved, [2][]byte{k, append([]byte(nil), iter.Value()...)})
		}
	}
	iter.Release()
	for _, kv := range moved {
		if err := dst.db.Put(kv[0], kv[1]); err != nil {
			s.log.Errorf("MockStore move to region %d failed: %v", dst.meta.Id, err)
			return
		}
		_ = src.db.Delete(kv[0])
	}
}

// applier drains end-of-transfer signals on its own schedule, the way the
// real engine applies snapshots asynchronously, and acknowledges through the
// host callbacks.
func (s *MockStore) applier() {
	for {
		select {
		case <-s.killedC:
			return
		case job := <-s.applyC:
			st := s.commitSnapshot(job.token)
			s.mu.RLock()
			cb := s.callbacks.OnSnapshotApplied
			s.mu.RUnlock()
			if cb != nil {
				cb(job.corrId, st)
			} else {
				s.log.Warnf("MockStore has no snapshot callback bound, dropping ack for corr %d", job.corrId)
			}
		}
	}
}
