package ffi

import (
	"context"
	"sync"

	"github.com/raftkv/enginebridge/pkg/common"
)

// Completion is the terminal result of one asynchronous foreign call.
type Completion struct {
	Status  common.StatusCode
	Payload []byte
}

// Dispatcher models pending foreign calls as correlation-id keyed requests.
// The engine's callback resolves an id into its channel; waiters block on
// the channel under a context, never on a raw callback.
type Dispatcher struct {
	mu      sync.Mutex
	nextId  uint64
	pending map[uint64]chan Completion
	closed  bool
}

func MakeDispatcher() *Dispatcher {
	return &Dispatcher{
		pending: make(map[uint64]chan Completion),
	}
}

// Register allocates a correlation id and its completion channel. The caller
// must either Await or Cancel the id on every path.
func (d *Dispatcher) Register() (uint64, <-chan Completion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextId++
	id := d.nextId
	ch := make(chan Completion, 1)
	if d.closed {
		ch <- Completion{Status: common.StatusNotReady}
	} else {
		d.pending[id] = ch
	}
	return id, ch
}

// Resolve delivers a completion for corrId. Returns false if the id is
// unknown (already resolved, cancelled, or never registered); the engine
// calling back twice is tolerated but the second result is dropped.
func (d *Dispatcher) Resolve(corrId uint64, status common.StatusCode, payload []byte) bool {
	d.mu.Lock()
	ch, ok := d.pending[corrId]
	if ok {
		delete(d.pending, corrId)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Completion{Status: status, Payload: payload}
	return true
}

// Cancel forgets a pending id. A callback arriving afterwards is dropped by
// Resolve.
func (d *Dispatcher) Cancel(corrId uint64) {
	d.mu.Lock()
	delete(d.pending, corrId)
	d.mu.Unlock()
}

// Await blocks until the id resolves or ctx ends. On context expiry the id
// is cancelled so a late callback cannot leak into a recycled wait.
func (d *Dispatcher) Await(ctx context.Context, corrId uint64, ch <-chan Completion) (Completion, error) {
	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		d.Cancel(corrId)
		return Completion{}, ctx.Err()
	}
}

// Pending returns the number of unresolved calls, for leak assertions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending waits with NotReady. Called once during proxy
// shutdown after in-flight invocations drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.pending {
		delete(d.pending, id)
		ch <- Completion{Status: common.StatusNotReady}
	}
}
