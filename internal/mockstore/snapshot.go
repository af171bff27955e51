package mockstore

import (
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"

	"github.com/raftkv/enginebridge/pkg/common"
	"github.com/raftkv/enginebridge/pkg/common/utils"
)

// transfer is the staging area of one inbound snapshot. Chunks accumulate
// here and touch the region store only when the end-of-transfer signal
// commits them atomically; a released transfer leaves zero committed bytes.
type transfer struct {
	meta     common.SnapshotMeta
	chunks   [][]byte
	nextSeq  uint64
	sawLast  bool
	finished bool
	released bool
}

// OpenSnapshot starts an inbound transfer and hands back the engine token
// subsequent chunk writes and the final release address.
func (s *MockStore) OpenSnapshot(payload []byte) (common.StatusCode, uint64) {
	if st, ok := s.shouldFail(FailOpenSnapshot); ok {
		return st, 0
	}

	var meta common.SnapshotMeta
	if err := utils.MsgpDecode(payload, &meta); err != nil {
		s.log.Errorf("MockStore failed to decode snapshot meta: %v", err)
		return common.StatusProtocolViolation, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.regions[meta.Region.Id]; ok && meta.Region.Epoch.Stale(r.meta.Epoch) {
		return common.StatusStaleEpoch, 0
	}
	s.nextToken++
	token := s.nextToken
	s.transfers[token] = &transfer{meta: meta}
	s.liveTokens++
	s.log.Infof("MockStore opened snapshot transfer %s for region %d as token %d",
		meta.TransferId, meta.Region.Id, token)
	return common.StatusOK, token
}

// WriteSnapshotChunk stages one chunk. Sequence numbers must arrive in
// strictly increasing order starting at zero; gaps and replays are protocol
// violations.
func (s *MockStore) WriteSnapshotChunk(token uint64, payload []byte) common.StatusCode {
	var chunk common.SnapshotChunk
	if err := utils.MsgpDecode(payload, &chunk); err != nil {
		s.log.Errorf("MockStore failed to decode snapshot chunk: %v", err)
		return common.StatusProtocolViolation
	}

	if st, ok := s.shouldFail(FailChunk(chunk.Seq)); ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[token]
	if !ok || t.released {
		return common.StatusProtocolViolation
	}
	if t.finished || t.sawLast {
		return common.StatusProtocolViolation
	}
	if chunk.TransferId != t.meta.TransferId || chunk.Seq != t.nextSeq {
		return common.StatusProtocolViolation
	}
	if common.ChunkChecksum(chunk.Data) != chunk.Checksum {
		return common.StatusProtocolViolation
	}

	t.chunks = append(t.chunks, chunk.Data)
	t.nextSeq++
	t.sawLast = chunk.Last
	return common.StatusOK
}

// FinishSnapshot accepts the end-of-transfer signal and schedules the apply
// on the store's own applier goroutine. The final result reaches the host
// asynchronously through OnSnapshotApplied keyed by corrId.
func (s *MockStore) FinishSnapshot(token uint64, corrId uint64) common.StatusCode {
	if st, ok := s.shouldFail(FailFinishSnapshot); ok {
		return st
	}

	s.mu.Lock()
	t, ok := s.transfers[token]
	if !ok || t.released || t.finished || !t.sawLast {
		s.mu.Unlock()
		return common.StatusProtocolViolation
	}
	t.finished = true
	s.mu.Unlock()

	select {
	case s.applyC <- applyJob{token: token, corrId: corrId}:
		return common.StatusOK
	case <-s.killedC:
		return common.StatusNotReady
	}
}

// commitSnapshot decompresses the staged chunks and atomically replaces the
// target region's contents. Any defect in the staged data discards the whole
// transfer; the region is never left half-replaced.
func (s *MockStore) commitSnapshot(token uint64) common.StatusCode {
	if st, ok := s.shouldFail(FailSnapshotApply); ok {
		s.discardStaging(token)
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[token]
	if !ok || t.released {
		return common.StatusProtocolViolation
	}

	var entries []common.WriteBatchEntry
	for _, raw := range t.chunks {
		plain, err := snappy.Decode(nil, raw)
		if err != nil {
			s.log.Errorf("MockStore failed to decompress snapshot chunk: %v", err)
			t.chunks = nil
			return common.StatusProtocolViolation
		}
		var part []common.WriteBatchEntry
		if err := utils.MsgpDecode(plain, &part); err != nil {
			s.log.Errorf("MockStore failed to decode snapshot chunk: %v", err)
			t.chunks = nil
			return common.StatusProtocolViolation
		}
		entries = append(entries, part...)
	}

	r, ok := s.regions[t.meta.Region.Id]
	if ok && t.meta.Region.Epoch.Stale(r.meta.Epoch) {
		t.chunks = nil
		return common.StatusStaleEpoch
	}

	// Build the replacement store off to the side; the live one is swapped
	// out only once every entry landed, so a mid-apply failure leaves the
	// previous committed state untouched.
	fresh := memdb.New(comparer.DefaultComparer, regionDBCap)
	for _, e := range entries {
		if err := fresh.Put(dbKey(e.CF, e.Key), e.Value); err != nil {
			t.chunks = nil
			return common.StatusEngineError
		}
	}

	if !ok {
		r = new(mockRegion)
		s.regions[t.meta.Region.Id] = r
	}
	r.meta = t.meta.Region
	r.db = fresh

	r.memState.AppliedIndex = t.meta.AppliedIndex
	r.memState.AppliedTerm = t.meta.AppliedTerm
	r.diskState = r.memState
	t.chunks = nil
	s.log.Infof("MockStore applied snapshot %s to region %d (%d entries)",
		t.meta.TransferId, t.meta.Region.Id, len(entries))
	return common.StatusOK
}

// ReleaseHandle frees the staging behind a token. Releasing twice is
// rejected so the bridge's single-release invariant stays observable.
func (s *MockStore) ReleaseHandle(token uint64) common.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[token]
	if !ok {
		return common.StatusProtocolViolation
	}
	if t.released {
		return common.StatusProtocolViolation
	}
	t.released = true
	t.chunks = nil
	s.liveTokens--
	return common.StatusOK
}

func (s *MockStore) discardStaging(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[token]; ok {
		t.chunks = nil
	}
}
