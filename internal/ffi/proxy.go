package ffi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"

	"github.com/raftkv/enginebridge/pkg/common"
)

var (
	ErrTableRegistered = errors.New("call table already registered")
	ErrTableIncomplete = errors.New("call table has unpopulated slots")
)

// Proxy is the process-scoped contact point with the external engine. It is
// created once, registered once, and shut down once; the engine gives no
// idempotence guarantee for registration, so a second Register is rejected
// rather than replayed.
//
// All state mutation happens on the engine side. The proxy only checks
// liveness, forwards, times the call, and hands the raw status back.
type Proxy struct {
	mu    sync.RWMutex
	table *CallTable

	alive    int32
	inflight sync.WaitGroup

	dispatch *Dispatcher
	registry metrics.Registry

	log *log.Logger
}

func MakeProxy(logger *log.Logger) *Proxy {
	p := new(Proxy)
	p.dispatch = MakeDispatcher()
	p.registry = metrics.NewRegistry()
	p.log = logger
	return p
}

// Register installs the engine's call table. Write-once: a second call fails
// with ErrTableRegistered regardless of the table passed.
func (p *Proxy) Register(table *CallTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table != nil {
		return ErrTableRegistered
	}
	if !table.complete() {
		return ErrTableIncomplete
	}
	p.table = table
	atomic.StoreInt32(&p.alive, 1)
	p.log.Infof("Proxy registered engine call table")
	return nil
}

// Shutdown flips the liveness flag first, so new invocations fail fast with
// NotReady, then waits for in-flight calls to drain. The flip happens under
// the write lock so it cannot interleave with an invocation between its
// liveness check and its in-flight registration. Safe to call more than once.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	if !atomic.CompareAndSwapInt32(&p.alive, 1, 0) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.inflight.Wait()
	p.dispatch.Close()
	p.log.Infof("Proxy shut down, in-flight calls drained")
}

// Alive reports whether the table is registered and the engine has not
// signaled shutdown.
func (p *Proxy) Alive() bool {
	return atomic.LoadInt32(&p.alive) == 1
}

// Callbacks returns the host-side callback slots handed to the engine at
// wiring time. Completions feed the dispatcher keyed by correlation id.
func (p *Proxy) Callbacks() HostCallbacks {
	return HostCallbacks{
		OnApplyResult: func(corrId uint64, status common.StatusCode, payload []byte) {
			if !p.dispatch.Resolve(corrId, status, payload) {
				p.log.Warnf("Proxy dropped apply result for unknown correlation id %d", corrId)
			}
		},
		OnSnapshotApplied: func(corrId uint64, status common.StatusCode) {
			if !p.dispatch.Resolve(corrId, status, nil) {
				p.log.Warnf("Proxy dropped snapshot ack for unknown correlation id %d", corrId)
			}
		},
	}
}

// Dispatcher exposes the pending-call table so callers can register a
// correlation id before issuing a call that completes asynchronously.
func (p *Proxy) Dispatcher() *Dispatcher {
	return p.dispatch
}

// invoke is the single funnel every foreign call goes through: liveness
// check, in-flight accounting, per-op latency timer. The liveness check and
// the in-flight registration form one critical section against Shutdown, so
// once Shutdown's Wait returns no call can still cross the boundary.
func (p *Proxy) invoke(op Op, call func(t *CallTable) common.StatusCode) common.StatusCode {
	p.mu.RLock()
	if atomic.LoadInt32(&p.alive) != 1 || p.table == nil {
		p.mu.RUnlock()
		return common.StatusNotReady
	}
	t := p.table
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	start := time.Now()
	st := call(t)
	p.opTimer(op).UpdateSince(start)
	return st
}

func (p *Proxy) WriteBatch(payload []byte) common.StatusCode {
	return p.invoke(OpWriteBatch, func(t *CallTable) common.StatusCode {
		return t.HandleWriteBatch(payload)
	})
}

func (p *Proxy) Ingest(payload []byte) common.StatusCode {
	return p.invoke(OpIngest, func(t *CallTable) common.StatusCode {
		return t.HandleIngest(payload)
	})
}

func (p *Proxy) RegionEvent(payload []byte) common.StatusCode {
	return p.invoke(OpRegionEvent, func(t *CallTable) common.StatusCode {
		return t.HandleRegionEvent(payload)
	})
}

func (p *Proxy) OpenSnapshot(payload []byte) (common.StatusCode, uint64) {
	var token uint64
	st := p.invoke(OpOpenSnapshot, func(t *CallTable) common.StatusCode {
		var st common.StatusCode
		st, token = t.OpenSnapshot(payload)
		return st
	})
	return st, token
}

func (p *Proxy) WriteSnapshotChunk(token uint64, payload []byte) common.StatusCode {
	return p.invoke(OpWriteSnapChunk, func(t *CallTable) common.StatusCode {
		return t.WriteSnapshotChunk(token, payload)
	})
}

func (p *Proxy) FinishSnapshot(token uint64, corrId uint64) common.StatusCode {
	return p.invoke(OpFinishSnapshot, func(t *CallTable) common.StatusCode {
		return t.FinishSnapshot(token, corrId)
	})
}

func (p *Proxy) ReleaseHandle(token uint64) common.StatusCode {
	return p.invoke(OpReleaseHandle, func(t *CallTable) common.StatusCode {
		return t.ReleaseHandle(token)
	})
}

func (p *Proxy) opTimer(op Op) metrics.Timer {
	return metrics.GetOrRegisterTimer(fmt.Sprintf("ffi.invoke.%s", op), p.registry)
}

// OpCount returns how many times op crossed the boundary. Used by tests and
// the inspection surface; the registry itself is never exported.
func (p *Proxy) OpCount(op Op) int64 {
	return p.opTimer(op).Count()
}
