package ffi

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftkv/enginebridge/pkg/common"
)

func testLogger(t *testing.T) *log.Logger {
	logger, err := common.InitLogger("error", "ffi-test")
	require.NoError(t, err)
	return logger
}

// stubTable returns a fully populated table whose write slot reports into
// calls.
func stubTable(calls *int) *CallTable {
	return &CallTable{
		HandleWriteBatch: func([]byte) common.StatusCode {
			(*calls)++
			return common.StatusOK
		},
		HandleIngest:       func([]byte) common.StatusCode { return common.StatusOK },
		HandleRegionEvent:  func([]byte) common.StatusCode { return common.StatusOK },
		OpenSnapshot:       func([]byte) (common.StatusCode, uint64) { return common.StatusOK, 1 },
		WriteSnapshotChunk: func(uint64, []byte) common.StatusCode { return common.StatusOK },
		FinishSnapshot:     func(uint64, uint64) common.StatusCode { return common.StatusOK },
		ReleaseHandle:      func(uint64) common.StatusCode { return common.StatusOK },
	}
}

func TestRegisterIsWriteOnce(t *testing.T) {
	p := MakeProxy(testLogger(t))
	var calls int

	require.NoError(t, p.Register(stubTable(&calls)))
	assert.ErrorIs(t, p.Register(stubTable(&calls)), ErrTableRegistered)
}

func TestRegisterRejectsIncompleteTable(t *testing.T) {
	p := MakeProxy(testLogger(t))
	assert.ErrorIs(t, p.Register(&CallTable{}), ErrTableIncomplete)
}

func TestInvokeFailsFastWhenNotReady(t *testing.T) {
	p := MakeProxy(testLogger(t))
	assert.Equal(t, common.StatusNotReady, p.WriteBatch(nil))

	var calls int
	require.NoError(t, p.Register(stubTable(&calls)))
	assert.Equal(t, common.StatusOK, p.WriteBatch(nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), p.OpCount(OpWriteBatch))

	p.Shutdown()
	assert.Equal(t, common.StatusNotReady, p.WriteBatch(nil))
	assert.Equal(t, 1, calls, "no call may cross the boundary after shutdown")
}

// Shutdown must not return while a caller that already passed the liveness
// check is still on its way across the boundary.
func TestShutdownDrainsConcurrentInvocations(t *testing.T) {
	logger := testLogger(t)
	for i := 0; i < 2000; i++ {
		p := MakeProxy(logger)

		var shutdownReturned, crossedAfter int32
		var calls int
		table := stubTable(&calls)
		table.HandleWriteBatch = func([]byte) common.StatusCode {
			if atomic.LoadInt32(&shutdownReturned) == 1 {
				atomic.StoreInt32(&crossedAfter, 1)
			}
			return common.StatusOK
		}
		require.NoError(t, p.Register(table))

		var wg sync.WaitGroup
		for c := 0; c < 2; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.WriteBatch(nil)
			}()
		}
		p.Shutdown()
		atomic.StoreInt32(&shutdownReturned, 1)
		wg.Wait()

		require.Zero(t, atomic.LoadInt32(&crossedAfter),
			"a foreign call crossed the boundary after shutdown returned (iteration %d)", i)
	}
}

func TestDispatcherResolvesByCorrelationId(t *testing.T) {
	d := MakeDispatcher()

	id, ch := d.Register()
	require.True(t, d.Resolve(id, common.StatusOK, []byte("done")))

	comp, err := d.Await(context.Background(), id, ch)
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, comp.Status)
	assert.Equal(t, []byte("done"), comp.Payload)

	// A late or duplicate callback for the same id is dropped.
	assert.False(t, d.Resolve(id, common.StatusOK, nil))
	assert.Zero(t, d.Pending())
}

func TestDispatcherAwaitHonorsContext(t *testing.T) {
	d := MakeDispatcher()
	id, ch := d.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Await(ctx, id, ch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The id was cancelled on expiry; a stray callback cannot resurrect it.
	assert.False(t, d.Resolve(id, common.StatusOK, nil))
	assert.Zero(t, d.Pending())
}

func TestDispatcherCloseFailsPendingWaits(t *testing.T) {
	d := MakeDispatcher()
	id, ch := d.Register()
	d.Close()

	comp, err := d.Await(context.Background(), id, ch)
	require.NoError(t, err)
	assert.Equal(t, common.StatusNotReady, comp.Status)
}

func TestCallbacksFeedDispatcher(t *testing.T) {
	p := MakeProxy(testLogger(t))
	cb := p.Callbacks()

	id, ch := p.Dispatcher().Register()
	cb.OnApplyResult(id, common.StatusOK, []byte("applied"))
	comp, err := p.Dispatcher().Await(context.Background(), id, ch)
	require.NoError(t, err)
	assert.Equal(t, []byte("applied"), comp.Payload)

	id, ch = p.Dispatcher().Register()
	cb.OnSnapshotApplied(id, common.StatusStaleEpoch)
	comp, err = p.Dispatcher().Await(context.Background(), id, ch)
	require.NoError(t, err)
	assert.Equal(t, common.StatusStaleEpoch, comp.Status)

	// Unknown correlation ids are dropped, not crashed on.
	cb.OnSnapshotApplied(9999, common.StatusOK)
}

func TestHandleRegistrySingleRelease(t *testing.T) {
	r := MakeHandleRegistry()

	h := r.Issue(HandleSnapshotWriter, 42)
	assert.Equal(t, 1, r.Live())

	tok, err := r.Token(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tok)

	tok, err = r.Release(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tok)
	assert.Zero(t, r.Live())

	// Double release is rejected, not ignored.
	_, err = r.Release(h)
	assert.ErrorIs(t, err, ErrHandleReleased)
	_, err = r.Token(h)
	assert.ErrorIs(t, err, ErrHandleReleased)

	_, err = r.Release(Handle(999))
	assert.ErrorIs(t, err, ErrUnknownHandle)
}
