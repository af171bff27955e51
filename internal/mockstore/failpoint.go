package mockstore

import (
	"fmt"

	"github.com/raftkv/enginebridge/pkg/common"
)

// Named trigger points tests can arm to force a status.
const (
	FailWriteBatch     = "write-batch"
	FailIngest         = "ingest"
	FailRegionEvent    = "region-event"
	FailOpenSnapshot   = "open-snapshot"
	FailFinishSnapshot = "finish-snapshot"
	FailSnapshotApply  = "snapshot-apply"
)

// FailChunk names the trigger point hit when the chunk with the given
// sequence number arrives.
func FailChunk(seq uint64) string {
	return fmt.Sprintf("snapshot-chunk-%d", seq)
}

type failpoint struct {
	status    common.StatusCode
	remaining int
}

// Fail arms a trigger point: the next `times` hits answer with status
// instead of executing. times < 0 keeps the point armed until cleared.
func (s *MockStore) Fail(name string, status common.StatusCode, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failpoints[name] = &failpoint{status: status, remaining: times}
}

// ClearFail disarms a trigger point.
func (s *MockStore) ClearFail(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failpoints, name)
}

func (s *MockStore) shouldFail(name string) (common.StatusCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.failpoints[name]
	if !ok {
		return common.StatusOK, false
	}
	if fp.remaining == 0 {
		delete(s.failpoints, name)
		return common.StatusOK, false
	}
	if fp.remaining > 0 {
		fp.remaining--
		if fp.remaining == 0 {
			delete(s.failpoints, name)
		}
	}
	return fp.status, true
}
