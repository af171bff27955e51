package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/raftkv/enginebridge/internal/ffi"
	"github.com/raftkv/enginebridge/pkg/common"
	"github.com/raftkv/enginebridge/pkg/common/utils"
)

// SnapState is the snapshot pipeline's phase for one region.
type SnapState int32

const (
	SnapIdle SnapState = iota
	SnapBuilding
	SnapStreaming
	SnapAwaitingAck
	SnapComplete
	SnapAborted
)

func (s SnapState) String() string {
	switch s {
	case SnapIdle:
		return "Idle"
	case SnapBuilding:
		return "Building"
	case SnapStreaming:
		return "Streaming"
	case SnapAwaitingAck:
		return "AwaitingAck"
	case SnapComplete:
		return "Complete"
	case SnapAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// SnapshotSource enumerates a region's committed state in key order. The
// replication layer owns the data; the pipeline only moves it.
type SnapshotSource interface {
	Each(fn func(e common.WriteBatchEntry) error) error
}

// SliceSource adapts an already-ordered entry list, mostly for tests.
type SliceSource []common.WriteBatchEntry

func (s SliceSource) Each(fn func(e common.WriteBatchEntry) error) error {
	for _, e := range s {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotResult summarizes a completed transfer.
type SnapshotResult struct {
	TransferId string
	RegionId   uint64
	Chunks     int
	Bytes      int
}

type snapshotRun struct {
	regionId     uint64
	epoch        common.RegionEpoch
	state        int32
	cancelled    int32
	epochChanged int32
}

func (r *snapshotRun) setState(s SnapState) { atomic.StoreInt32(&r.state, int32(s)) }
func (r *snapshotRun) State() SnapState     { return SnapState(atomic.LoadInt32(&r.state)) }

// abortErr reports why the run must stop between chunk sends, if it must.
func (r *snapshotRun) abortErr() error {
	if atomic.LoadInt32(&r.epochChanged) == 1 {
		return localErr(common.ErrStaleEpoch, "snapshot", r.regionId, r.epoch)
	}
	if atomic.LoadInt32(&r.cancelled) == 1 {
		return ErrSnapshotCancelled
	}
	return nil
}

type snapTask struct {
	ctx  context.Context
	run  *snapshotRun
	src  SnapshotSource
	resC chan snapOutcome
}

type snapOutcome struct {
	res *SnapshotResult
	err error
}

// SnapshotState reports the phase of the in-flight snapshot for a region, or
// Idle when none is running.
func (a *Adapter) SnapshotState(regionId uint64) SnapState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if run, ok := a.snaps[regionId]; ok {
		return run.State()
	}
	return SnapIdle
}

// CancelSnapshot requests cooperative cancellation of the in-flight transfer
// for a region. The flag is checked between chunk sends; a foreign call
// already in flight runs to completion.
func (a *Adapter) CancelSnapshot(regionId uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	run, ok := a.snaps[regionId]
	if !ok {
		return false
	}
	atomic.StoreInt32(&run.cancelled, 1)
	return true
}

// flagEpochChangeLocked marks an in-flight snapshot stale after a lifecycle
// event touched its region. Caller holds a.mu.
func (a *Adapter) flagEpochChangeLocked(regionId uint64) {
	if run, ok := a.snaps[regionId]; ok {
		atomic.StoreInt32(&run.epochChanged, 1)
	}
}

// SendSnapshot transfers a region's committed state to the engine. At most
// one transfer per region is in flight; a second request is rejected with
// ErrSnapInProgress while the first is running. The transfer executes on a
// dedicated snapshot worker, never on the caller's raft thread.
func (a *Adapter) SendSnapshot(ctx context.Context, regionId uint64, src SnapshotSource) (*SnapshotResult, error) {
	run, err := a.acquireSnapSlot(regionId)
	if err != nil {
		return nil, err
	}

	task := &snapTask{ctx: ctx, run: run, src: src, resC: make(chan snapOutcome, 1)}
	select {
	case a.snapC <- task:
	case <-a.killedC:
		a.releaseSnapSlot(run)
		return nil, localErr(common.ErrNotReady, "snapshot", regionId, run.epoch)
	case <-ctx.Done():
		a.releaseSnapSlot(run)
		return nil, ctx.Err()
	}

	out := <-task.resC
	return out.res, out.err
}

func (a *Adapter) acquireSnapSlot(regionId uint64) (*snapshotRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regions[regionId]
	if !ok {
		return nil, localErr(common.ErrNoRegion, "snapshot", regionId, common.RegionEpoch{})
	}
	if _, busy := a.snaps[regionId]; busy {
		return nil, localErr(common.ErrSnapInProgress, "snapshot", regionId, r.meta.Epoch)
	}
	run := &snapshotRun{regionId: regionId, epoch: r.meta.Epoch}
	run.setState(SnapBuilding)
	a.snaps[regionId] = run
	return run, nil
}

func (a *Adapter) releaseSnapSlot(run *snapshotRun) {
	a.mu.Lock()
	delete(a.snaps, run.regionId)
	a.mu.Unlock()
}

func (a *Adapter) snapWorker(id int) {
	for {
		select {
		case <-a.killedC:
			return
		case task := <-a.snapC:
			res, err := a.runSnapshot(task.ctx, task.run, task.src)
			a.releaseSnapSlot(task.run)
			if err != nil {
				a.log.Warnf("snapshot worker %d: transfer for region %d aborted: %v",
					id, task.run.regionId, err)
			}
			task.resC <- snapOutcome{res: res, err: err}
		}
	}
}

// runSnapshot drives one transfer through
// Building → Streaming → AwaitingAck → Complete, or to Aborted from any
// phase. Every exit path releases the foreign handle exactly once.
func (a *Adapter) runSnapshot(ctx context.Context, run *snapshotRun, src SnapshotSource) (res *SnapshotResult, err error) {
	start := time.Now()

	meta := common.SnapshotMeta{TransferId: uuid.New().String()}
	a.mu.RLock()
	r, ok := a.regions[run.regionId]
	if ok {
		meta.Region = r.meta
		meta.AppliedIndex = r.state.AppliedIndex
		meta.AppliedTerm = r.state.AppliedTerm
	}
	a.mu.RUnlock()
	if !ok {
		run.setState(SnapAborted)
		return nil, localErr(common.ErrNoRegion, "snapshot", run.regionId, run.epoch)
	}

	st, token := a.proxy.OpenSnapshot(utils.MsgpEncode(&meta))
	opsTotal.WithLabelValues("open_snapshot", st.String()).Inc()
	if st != common.StatusOK {
		run.setState(SnapAborted)
		return nil, translate(st, "snapshot", run.regionId, run.epoch)
	}

	handle := a.handles.Issue(ffi.HandleSnapshotWriter, token)
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		tok, rerr := a.handles.Release(handle)
		if rerr != nil {
			// Double release is a programming error; make it loud.
			a.log.Errorf("snapshot %s: handle release failed: %v", meta.TransferId, rerr)
			return
		}
		if rst := a.proxy.ReleaseHandle(tok); rst != common.StatusOK {
			a.log.Warnf("snapshot %s: foreign release answered %s", meta.TransferId, rst)
		}
	}
	defer release()

	chunks, bytes, err := a.streamChunks(ctx, run, src, meta, token)
	if err != nil {
		run.setState(SnapAborted)
		return nil, err
	}

	// End of transfer: register the correlation id before the finish call so
	// the ack cannot race past the dispatcher.
	run.setState(SnapAwaitingAck)
	corrId, ch := a.proxy.Dispatcher().Register()
	st = a.proxy.FinishSnapshot(token, corrId)
	opsTotal.WithLabelValues("finish_snapshot", st.String()).Inc()
	if st != common.StatusOK {
		a.proxy.Dispatcher().Cancel(corrId)
		run.setState(SnapAborted)
		return nil, translate(st, "snapshot", run.regionId, run.epoch)
	}

	ackCtx := ctx
	if a.conf.Snap.AckTimeoutMs > 0 {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(ctx, time.Duration(a.conf.Snap.AckTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	comp, waitErr := a.proxy.Dispatcher().Await(ackCtx, corrId, ch)
	if waitErr != nil {
		run.setState(SnapAborted)
		return nil, waitErr
	}
	if comp.Status != common.StatusOK {
		run.setState(SnapAborted)
		return nil, translate(comp.Status, "snapshot", run.regionId, run.epoch)
	}

	release()
	run.setState(SnapComplete)
	snapshotDuration.Observe(time.Since(start).Seconds())
	a.log.Infof("snapshot %s for region %d complete: %d chunks, %d bytes",
		meta.TransferId, run.regionId, chunks, bytes)
	return &SnapshotResult{
		TransferId: meta.TransferId,
		RegionId:   run.regionId,
		Chunks:     chunks,
		Bytes:      bytes,
	}, nil
}

// streamChunks builds and streams the chunk sequence. The builder enumerates
// the source into entry groups while the streamer compresses and sends them
// one at a time in strictly increasing order; the unbuffered channel between
// the two stages and the synchronous chunk call provide the backpressure.
func (a *Adapter) streamChunks(ctx context.Context, run *snapshotRun, src SnapshotSource,
	meta common.SnapshotMeta, token uint64) (int, int, error) {

	run.setState(SnapStreaming)

	chunkBytes := a.conf.Snap.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 1024 * 1024
	}

	g, gctx := errgroup.WithContext(ctx)
	groupC := make(chan []common.WriteBatchEntry)

	g.Go(func() error {
		defer close(groupC)
		var group []common.WriteBatchEntry
		size := 0
		flush := func() error {
			if len(group) == 0 {
				return nil
			}
			select {
			case groupC <- group:
				group, size = nil, 0
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		err := src.Each(func(e common.WriteBatchEntry) error {
			group = append(group, e)
			size += len(e.Key) + len(e.Value)
			if size >= chunkBytes {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return flush()
	})

	var chunks, sent int
	g.Go(func() error {
		var seq uint64
		var pending []common.WriteBatchEntry
		havePending := false

		emit := func(entries []common.WriteBatchEntry, last bool) error {
			if err := run.abortErr(); err != nil {
				return err
			}
			plain := utils.MsgpEncode(entries)
			chunk := common.SnapshotChunk{
				TransferId: meta.TransferId,
				RegionId:   run.regionId,
				Epoch:      meta.Region.Epoch,
				Seq:        seq,
				Last:       last,
			}
			chunk.Data = snappy.Encode(nil, plain)
			chunk.Checksum = common.ChunkChecksum(chunk.Data)

			st := a.proxy.WriteSnapshotChunk(token, utils.MsgpEncode(&chunk))
			opsTotal.WithLabelValues("write_snap_chunk", st.String()).Inc()
			if st != common.StatusOK {
				return translate(st, "snapshot", run.regionId, run.epoch)
			}
			snapshotBytes.Add(float64(len(chunk.Data)))
			seq++
			chunks++
			sent += len(chunk.Data)
			return nil
		}

		for {
			select {
			case group, ok := <-groupC:
				if !ok {
					// Channel drained: the held group, or an empty marker
					// when the region had no data, closes the sequence.
					if havePending {
						return emit(pending, true)
					}
					return emit([]common.WriteBatchEntry{}, true)
				}
				if havePending {
					if err := emit(pending, false); err != nil {
						return err
					}
				}
				pending, havePending = group, true
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return chunks, sent, err
	}
	return chunks, sent, nil
}
