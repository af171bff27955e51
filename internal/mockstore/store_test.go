package mockstore

import (
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftkv/enginebridge/pkg/common"
	"github.com/raftkv/enginebridge/pkg/common/utils"
)

func testLogger(t *testing.T) *log.Logger {
	logger, err := common.InitLogger("error", "mockstore-test")
	require.NoError(t, err)
	return logger
}

func makeStore(t *testing.T) *MockStore {
	s := MakeMockStore(testLogger(t))
	t.Cleanup(s.Close)
	return s
}

func createRegion(t *testing.T, s *MockStore, id uint64, epoch common.RegionEpoch) common.RegionMeta {
	meta := common.RegionMeta{Id: id, Epoch: epoch}
	ev := common.RegionEvent{Type: common.EventCreate, Region: meta}
	require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&ev)))
	return meta
}

func putEntry(key, val string) common.WriteBatchEntry {
	return common.WriteBatchEntry{CF: common.CFDefault, Op: common.OpPut, Key: []byte(key), Value: []byte(val)}
}

func delEntry(key string) common.WriteBatchEntry {
	return common.WriteBatchEntry{CF: common.CFDefault, Op: common.OpDelete, Key: []byte(key)}
}

func TestCreateWriteReadBack(t *testing.T) {
	s := makeStore(t)
	createRegion(t, s, 1, common.RegionEpoch{Version: 1, ConfVersion: 1})

	batch := common.WriteBatch{
		RegionId: 1,
		Epoch:    common.RegionEpoch{Version: 1, ConfVersion: 1},
		Index:    5, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("a", "1"), putEntry("b", "2")},
	}
	require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&batch)))

	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")},
		s.RegionContents(1, common.CFDefault))

	state, ok := s.MemApplyState(1)
	require.True(t, ok)
	assert.Equal(t, uint64(5), state.AppliedIndex)
	assert.Equal(t, uint64(1), state.AppliedTerm)
}

// Order-preservation property: for any sequence of batches against one
// region, the final state equals the in-order fold of the batches.
func TestBatchOrderPreservation(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	createRegion(t, s, 1, epoch)

	expect := make(map[string][]byte)
	idx := uint64(0)
	for round := 0; round < 20; round++ {
		var entries []common.WriteBatchEntry
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("k%d", (round*3+i*7)%11)
			if (round+i)%4 == 0 {
				entries = append(entries, delEntry(key))
				delete(expect, key)
			} else {
				val := fmt.Sprintf("v%d-%d", round, i)
				entries = append(entries, putEntry(key, val))
				expect[key] = []byte(val)
			}
		}
		idx++
		batch := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: idx, Term: 1, Entries: entries}
		require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&batch)))
	}

	assert.Equal(t, expect, s.RegionContents(1, common.CFDefault))
}

func TestStaleEpochLeavesStateUnchanged(t *testing.T) {
	s := makeStore(t)
	createRegion(t, s, 1, common.RegionEpoch{Version: 2, ConfVersion: 1})

	before := s.RegionContents(1, common.CFDefault)
	batch := common.WriteBatch{
		RegionId: 1,
		Epoch:    common.RegionEpoch{Version: 1, ConfVersion: 1},
		Index:    1, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("a", "1")},
	}
	assert.Equal(t, common.StatusStaleEpoch, s.HandleWriteBatch(utils.MsgpEncode(&batch)))
	assert.Equal(t, before, s.RegionContents(1, common.CFDefault))
}

func TestDuplicateIndexRejected(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	createRegion(t, s, 1, epoch)

	batch := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 7, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("a", "1")}}
	require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&batch)))

	replay := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 7, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("a", "other")}}
	assert.Equal(t, common.StatusDuplicate, s.HandleWriteBatch(utils.MsgpEncode(&replay)))
	assert.Equal(t, []byte("1"), s.RegionContents(1, common.CFDefault)["a"])
}

func TestMalformedBatchIsProtocolViolation(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	createRegion(t, s, 1, epoch)

	bad := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 1, Term: 1,
		Entries: []common.WriteBatchEntry{{CF: common.CFDefault, Op: "APPEND", Key: []byte("a")}}}
	assert.Equal(t, common.StatusProtocolViolation, s.HandleWriteBatch(utils.MsgpEncode(&bad)))

	assert.Equal(t, common.StatusProtocolViolation, s.HandleWriteBatch([]byte("garbage")))
	assert.Empty(t, s.RegionContents(1, common.CFDefault))
}

func TestCompactLogAdvancesDiskState(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	meta := createRegion(t, s, 1, epoch)

	for i := uint64(1); i <= 3; i++ {
		batch := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: i, Term: 1,
			Entries: []common.WriteBatchEntry{putEntry(fmt.Sprintf("k%d", i), "v")}}
		require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&batch)))
	}

	// Plain batches advance only the in-memory state.
	disk, _ := s.DiskApplyState(1)
	assert.Zero(t, disk.AppliedIndex)

	ev := common.RegionEvent{Type: common.EventCompactLog, Region: meta, CompactIndex: 2, CompactTerm: 1}
	require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&ev)))

	disk, _ = s.DiskApplyState(1)
	assert.Equal(t, uint64(3), disk.AppliedIndex)
	assert.Equal(t, uint64(2), disk.TruncatedIndex)

	// Compacting beyond the applied index is a bridge ordering bug.
	bad := common.RegionEvent{Type: common.EventCompactLog, Region: meta, CompactIndex: 99, CompactTerm: 1}
	assert.Equal(t, common.StatusProtocolViolation, s.HandleRegionEvent(utils.MsgpEncode(&bad)))
}

func TestSplitMovesKeysToSibling(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	meta := common.RegionMeta{Id: 1, StartKey: []byte("a"), EndKey: nil, Epoch: epoch}
	ev := common.RegionEvent{Type: common.EventCreate, Region: meta}
	require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&ev)))

	batch := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 1, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("b", "1"), putEntry("x", "2")}}
	require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&batch)))

	parent := common.RegionMeta{Id: 1, StartKey: []byte("a"), EndKey: []byte("m"),
		Epoch: common.RegionEpoch{Version: 2, ConfVersion: 1}}
	sibling := common.RegionMeta{Id: 2, StartKey: []byte("m"), EndKey: nil,
		Epoch: common.RegionEpoch{Version: 2, ConfVersion: 1}}
	split := common.RegionEvent{Type: common.EventSplit, Region: parent,
		Splits: []common.RegionMeta{sibling}}
	require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&split)))

	assert.Equal(t, map[string][]byte{"b": []byte("1")}, s.RegionContents(1, common.CFDefault))
	assert.Equal(t, map[string][]byte{"x": []byte("2")}, s.RegionContents(2, common.CFDefault))
}

func TestMergeAbsorbsTarget(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	left := common.RegionMeta{Id: 1, StartKey: []byte("a"), EndKey: []byte("m"), Epoch: epoch}
	right := common.RegionMeta{Id: 2, StartKey: []byte("m"), EndKey: nil, Epoch: epoch}
	for _, m := range []common.RegionMeta{left, right} {
		ev := common.RegionEvent{Type: common.EventCreate, Region: m}
		require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&ev)))
	}

	b1 := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 1, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("b", "1")}}
	b2 := common.WriteBatch{RegionId: 2, Epoch: epoch, Index: 1, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("x", "2")}}
	require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&b1)))
	require.Equal(t, common.StatusOK, s.HandleWriteBatch(utils.MsgpEncode(&b2)))

	survivor := common.RegionMeta{Id: 1, StartKey: []byte("a"), EndKey: nil,
		Epoch: common.RegionEpoch{Version: 2, ConfVersion: 1}}
	merge := common.RegionEvent{Type: common.EventMerge, Region: survivor, Target: 2}
	require.Equal(t, common.StatusOK, s.HandleRegionEvent(utils.MsgpEncode(&merge)))

	assert.False(t, s.HasRegion(2))
	got := s.RegionContents(1, common.CFDefault)
	assert.Equal(t, map[string][]byte{"b": []byte("1"), "x": []byte("2")}, got)
}

func TestIngestRespectsEpoch(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 2, ConfVersion: 1}
	createRegion(t, s, 1, epoch)

	entries := []common.WriteBatchEntry{putEntry("a", "1"), putEntry("b", "2")}
	file := common.SSTFileRef{CF: common.CFWrite, Name: "bulk-1.sst", Data: utils.MsgpEncode(entries)}

	stale := common.IngestRequest{RegionId: 1, Epoch: common.RegionEpoch{Version: 1, ConfVersion: 1},
		Files: []common.SSTFileRef{file}}
	assert.Equal(t, common.StatusStaleEpoch, s.HandleIngest(utils.MsgpEncode(&stale)))
	assert.Empty(t, s.RegionContents(1, common.CFWrite))

	req := common.IngestRequest{RegionId: 1, Epoch: epoch, Files: []common.SSTFileRef{file}}
	require.Equal(t, common.StatusOK, s.HandleIngest(utils.MsgpEncode(&req)))
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")},
		s.RegionContents(1, common.CFWrite))
}

func TestFailpointFiresConfiguredTimes(t *testing.T) {
	s := makeStore(t)
	epoch := common.RegionEpoch{Version: 1, ConfVersion: 1}
	createRegion(t, s, 1, epoch)

	s.Fail(FailWriteBatch, common.StatusResourceExhausted, 2)

	batch := common.WriteBatch{RegionId: 1, Epoch: epoch, Index: 1, Term: 1,
		Entries: []common.WriteBatchEntry{putEntry("a", "1")}}
	payload := utils.MsgpEncode(&batch)
	assert.Equal(t, common.StatusResourceExhausted, s.HandleWriteBatch(payload))
	assert.Equal(t, common.StatusResourceExhausted, s.HandleWriteBatch(payload))
	assert.Equal(t, common.StatusOK, s.HandleWriteBatch(payload))
}
