package ffi

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownHandle  = errors.New("unknown foreign handle")
	ErrHandleReleased = errors.New("foreign handle already released")
)

// HandleKind names the engine-side resource class behind a handle, for
// diagnostics only.
type HandleKind uint8

const (
	HandleSnapshotWriter HandleKind = iota + 1
)

func (k HandleKind) String() string {
	switch k {
	case HandleSnapshotWriter:
		return "snapshot-writer"
	default:
		return "unknown"
	}
}

// Handle is a bridge-issued index over an engine-owned token. The engine
// owns the resource; the bridge owns the obligation to release it exactly
// once on every exit path.
type Handle uint64

type handleEntry struct {
	kind     HandleKind
	token    uint64
	released bool
}

// HandleRegistry is the arena the bridge issues handles from. Released
// entries keep a consumed marker so a double release is detected and
// rejected instead of silently ignored.
type HandleRegistry struct {
	mu      sync.Mutex
	next    uint64
	entries map[Handle]*handleEntry
	live    int
}

func MakeHandleRegistry() *HandleRegistry {
	return &HandleRegistry{
		entries: make(map[Handle]*handleEntry),
	}
}

// Issue records an engine token under a fresh handle.
func (r *HandleRegistry) Issue(kind HandleKind, token uint64) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := Handle(r.next)
	r.entries[h] = &handleEntry{kind: kind, token: token}
	r.live++
	return h
}

// Token resolves a live handle back to its engine token.
func (r *HandleRegistry) Token(h Handle) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if e.released {
		return 0, fmt.Errorf("%s handle %d: %w", e.kind, h, ErrHandleReleased)
	}
	return e.token, nil
}

// Release consumes the handle and returns the engine token so the caller can
// issue the matching foreign release. The second release of the same handle
// is a programming error and fails.
func (r *HandleRegistry) Release(h Handle) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if e.released {
		return 0, fmt.Errorf("%s handle %d: %w", e.kind, h, ErrHandleReleased)
	}
	e.released = true
	r.live--
	return e.token, nil
}

// Live returns the number of unreleased handles, for no-leak assertions.
func (r *HandleRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
