package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/raftkv/enginebridge/internal/bridge/etc"
	"github.com/raftkv/enginebridge/internal/ffi"
	"github.com/raftkv/enginebridge/pkg/common"
	"github.com/raftkv/enginebridge/pkg/common/utils"
)

// Adapter implements the storage-engine contract the replication layer
// expects, translating each call into foreign invocations. The caller
// serializes per-region operations; the adapter only keeps a read-mostly
// per-region view (epoch + apply state) so calls for different regions never
// block each other.
type Adapter struct {
	proxy   *ffi.Proxy
	handles *ffi.HandleRegistry
	conf    etc.BridgeConf

	mu      sync.RWMutex
	regions map[uint64]*regionEntry
	snaps   map[uint64]*snapshotRun

	snapC   chan *snapTask
	killedC chan struct{}
	stopped sync.Once

	log *log.Logger
}

type regionEntry struct {
	meta  common.RegionMeta
	state common.RaftApplyState
}

func MakeAdapter(proxy *ffi.Proxy, conf etc.BridgeConf, logger *log.Logger) *Adapter {
	a := new(Adapter)
	a.proxy = proxy
	a.handles = ffi.MakeHandleRegistry()
	a.conf = conf
	a.regions = make(map[uint64]*regionEntry)
	a.snaps = make(map[uint64]*snapshotRun)
	a.snapC = make(chan *snapTask)
	a.killedC = make(chan struct{})
	a.log = logger

	workers := conf.Snap.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go a.snapWorker(i)
	}
	return a
}

// Close stops the snapshot workers. In-flight foreign calls run to
// completion; the boundary provides no interrupt.
func (a *Adapter) Close() {
	a.stopped.Do(func() { close(a.killedC) })
}

// Handles exposes the foreign-handle registry for leak assertions.
func (a *Adapter) Handles() *ffi.HandleRegistry {
	return a.handles
}

// WriteBatch forwards one batch and succeeds only if the engine reports
// full, ordered application. On any failure the batch is reported unapplied
// as a whole, tagged with the region and epoch it targeted.
func (a *Adapter) WriteBatch(ctx context.Context, batch common.WriteBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	r, ok := a.regions[batch.RegionId]
	var cur common.RegionEpoch
	if ok {
		cur = r.meta.Epoch
	}
	a.mu.RUnlock()

	if !ok {
		return localErr(common.ErrNoRegion, "write_batch", batch.RegionId, batch.Epoch)
	}
	if batch.Epoch.Stale(cur) {
		return localErr(common.ErrStaleEpoch, "write_batch", batch.RegionId, batch.Epoch)
	}

	start := time.Now()
	st := a.proxy.WriteBatch(utils.MsgpEncode(&batch))
	applyDuration.Observe(time.Since(start).Seconds())
	opsTotal.WithLabelValues("write_batch", st.String()).Inc()

	if st == common.StatusOK && batch.Index != 0 {
		a.mu.Lock()
		if r, ok := a.regions[batch.RegionId]; ok {
			r.state.AppliedIndex = batch.Index
			r.state.AppliedTerm = batch.Term
		}
		a.mu.Unlock()
	}
	return translate(st, "write_batch", batch.RegionId, batch.Epoch)
}

// WriteBatchWithRetry retries retryable failures (stale epoch, not ready,
// resource exhaustion, engine-flagged transient errors) under exponential
// backoff until ctx expires. Non-retryable failures return immediately.
func (a *Adapter) WriteBatchWithRetry(ctx context.Context, batch common.WriteBatch) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := a.WriteBatch(ctx, batch)
		if err == nil {
			return nil
		}
		if ae, ok := AsApplyError(err); ok && ae.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// Ingest forwards resolved bulk imports. The epoch must match the adapter's
// current view before anything crosses the boundary.
func (a *Adapter) Ingest(ctx context.Context, req common.IngestRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	r, ok := a.regions[req.RegionId]
	var cur common.RegionEpoch
	if ok {
		cur = r.meta.Epoch
	}
	a.mu.RUnlock()

	if !ok {
		return localErr(common.ErrNoRegion, "ingest", req.RegionId, req.Epoch)
	}
	if req.Epoch.Stale(cur) {
		return localErr(common.ErrStaleEpoch, "ingest", req.RegionId, req.Epoch)
	}

	st := a.proxy.Ingest(utils.MsgpEncode(&req))
	opsTotal.WithLabelValues("ingest", st.String()).Inc()
	return translate(st, "ingest", req.RegionId, req.Epoch)
}

// RegionEvent forwards one lifecycle notification. Events must be delivered
// in the order they were observed from the replication layer; the adapter
// checks the epoch never regresses and refreshes its region view on success.
// A lifecycle change also flags any in-flight snapshot of the affected
// regions so it aborts instead of streaming stale state.
func (a *Adapter) RegionEvent(ctx context.Context, ev common.RegionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.precheckEvent(ev); err != nil {
		return err
	}

	st := a.proxy.RegionEvent(utils.MsgpEncode(&ev))
	opsTotal.WithLabelValues("region_event", st.String()).Inc()
	if st != common.StatusOK {
		return translate(st, "region_event", ev.Region.Id, ev.Region.Epoch)
	}

	a.applyEventLocally(ev)
	return nil
}

func (a *Adapter) precheckEvent(ev common.RegionEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	op := "region_event"
	switch ev.Type {
	case common.EventCreate:
		if _, ok := a.regions[ev.Region.Id]; ok {
			return localErr(common.ErrProtocolViolation, op, ev.Region.Id, ev.Region.Epoch)
		}
	case common.EventSplit, common.EventMerge:
		r, ok := a.regions[ev.Region.Id]
		if !ok {
			return localErr(common.ErrNoRegion, op, ev.Region.Id, ev.Region.Epoch)
		}
		if ev.Region.Epoch.Stale(r.meta.Epoch) {
			return localErr(common.ErrProtocolViolation, op, ev.Region.Id, ev.Region.Epoch)
		}
	case common.EventDestroy, common.EventCompactLog:
		if _, ok := a.regions[ev.Region.Id]; !ok {
			return localErr(common.ErrNoRegion, op, ev.Region.Id, ev.Region.Epoch)
		}
	default:
		return localErr(common.ErrProtocolViolation, op, ev.Region.Id, ev.Region.Epoch)
	}
	return nil
}

func (a *Adapter) applyEventLocally(ev common.RegionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case common.EventCreate:
		a.regions[ev.Region.Id] = &regionEntry{meta: ev.Region}
		a.log.Infof("Adapter registered region %d at epoch %v", ev.Region.Id, ev.Region.Epoch)

	case common.EventSplit:
		if r, ok := a.regions[ev.Region.Id]; ok {
			r.meta = ev.Region
		}
		for _, meta := range ev.Splits {
			a.regions[meta.Id] = &regionEntry{meta: meta}
		}
		a.flagEpochChangeLocked(ev.Region.Id)

	case common.EventMerge:
		if r, ok := a.regions[ev.Region.Id]; ok {
			r.meta = ev.Region
		}
		delete(a.regions, ev.Target)
		a.flagEpochChangeLocked(ev.Region.Id)
		a.flagEpochChangeLocked(ev.Target)

	case common.EventDestroy:
		delete(a.regions, ev.Region.Id)
		a.flagEpochChangeLocked(ev.Region.Id)

	case common.EventCompactLog:
		if r, ok := a.regions[ev.Region.Id]; ok {
			r.state.TruncatedIndex = ev.CompactIndex
			r.state.TruncatedTerm = ev.CompactTerm
		}
	}
}

// ApplyState returns the adapter's view of a region's apply progress.
func (a *Adapter) ApplyState(regionId uint64) (common.RaftApplyState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.regions[regionId]
	if !ok {
		return common.RaftApplyState{}, false
	}
	return r.state, true
}

// RegionView returns the adapter's current view of a region.
func (a *Adapter) RegionView(regionId uint64) (common.RegionMeta, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.regions[regionId]
	if !ok {
		return common.RegionMeta{}, false
	}
	return r.meta, true
}
