package mockstore

import (
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/raftkv/enginebridge/pkg/common"
)

// RegionContents reads back the committed keys of one column family, for
// test assertions.
func (s *MockStore) RegionContents(regionId uint64, cf common.CF) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.regions[regionId]
	if !ok {
		return nil
	}
	out := make(map[string][]byte)
	rng := &util.Range{Start: []byte{byte(cf)}, Limit: []byte{byte(cf) + 1}}
	iter := r.db.NewIterator(rng)
	for iter.Next() {
		k := iter.Key()
		out[string(k[1:])] = append([]byte(nil), iter.Value()...)
	}
	iter.Release()
	return out
}

// HasRegion reports whether the store currently tracks the region.
func (s *MockStore) HasRegion(regionId uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.regions[regionId]
	return ok
}

// RegionMeta returns the engine's current view of a region.
func (s *MockStore) RegionMeta(regionId uint64) (common.RegionMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[regionId]
	if !ok {
		return common.RegionMeta{}, false
	}
	return r.meta, true
}

// MemApplyState is the in-memory apply progress, advanced on every batch.
func (s *MockStore) MemApplyState(regionId uint64) (common.RaftApplyState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[regionId]
	if !ok {
		return common.RaftApplyState{}, false
	}
	return r.memState, true
}

// DiskApplyState is the durable apply progress, advanced only when a
// compact-log event or a snapshot apply forces a flush.
func (s *MockStore) DiskApplyState(regionId uint64) (common.RaftApplyState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[regionId]
	if !ok {
		return common.RaftApplyState{}, false
	}
	return r.diskState, true
}

// StagedBytes reports how many chunk bytes a transfer holds uncommitted.
func (s *MockStore) StagedBytes(transferId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.meta.TransferId == transferId {
			n := 0
			for _, c := range t.chunks {
				n += len(c)
			}
			return n
		}
	}
	return 0
}

// LiveHandles counts engine tokens issued and not yet released, for no-leak
// assertions.
func (s *MockStore) LiveHandles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveTokens
}
