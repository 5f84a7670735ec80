// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package fsproto defines the vocabulary the ingest and filter filesystem
// sessions share: the operation set spec.md §6 lists for "Filesystem
// session operations (both backend consumer and ingest producer
// surface)", the session-handle numbering scheme (real vs. virtual
// hash-root handles) spec.md's Data Model section describes, and a
// bounded handle registry the ingest session uses to enforce its
// per-session handle cap. The filter session uses only the operation
// set; it keeps no handle table.
//
// The reference implementation multiplexes these operations through a
// single Genode packet-transport session; this package exists only to
// give the two Go sessions (internal/ingest, internal/filterfs) a common
// type vocabulary for what an operation and a handle are, not to
// reintroduce the packet queue itself — each session still dispatches
// operations as ordinary synchronous method calls.
package fsproto

import (
	"fmt"
	"sync"

	"nichts.build/store/storeerr"
)

// Op identifies one of the filesystem session operations common to both
// the ingest session's backend-consumer surface and the filter session's
// served surface: dir, file, symlink, node, status, close, unlink,
// truncate, move, sigh, control (spec.md §6).
type Op int

const (
	OpDir Op = iota
	OpFile
	OpSymlink
	OpNode
	OpStatus
	OpClose
	OpUnlink
	OpTruncate
	OpMove
	OpSigh
	OpControl
)

func (op Op) String() string {
	switch op {
	case OpDir:
		return "dir"
	case OpFile:
		return "file"
	case OpSymlink:
		return "symlink"
	case OpNode:
		return "node"
	case OpStatus:
		return "status"
	case OpClose:
		return "close"
	case OpUnlink:
		return "unlink"
	case OpTruncate:
		return "truncate"
	case OpMove:
		return "move"
	case OpSigh:
		return "sigh"
	case OpControl:
		return "control"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// PermissionDenied returns the [storeerr.PermissionDenied] error a
// session reports when op is attempted against a surface that forbids
// it, such as the filter session's read-only view rejecting every
// mutating op outright.
func PermissionDenied(op Op) error {
	return storeerr.New(storeerr.PermissionDenied, fmt.Errorf("%s: operation not permitted", op))
}

// Handle is an opaque per-session identifier for an open backend node or
// an in-flight hash root. The high bit distinguishes a virtual handle (a
// hash root observed through its root-symlink node) from a real backend
// handle, matching spec.md's "Session handle" distinguishing prefix.
type Handle uint32

const virtualBit Handle = 1 << 31

// RealHandle returns the handle for the i'th real backend handle.
func RealHandle(i uint32) Handle { return Handle(i) }

// VirtualHandle returns the handle for the i'th virtual (hash-root)
// handle.
func VirtualHandle(i uint32) Handle { return virtualBit | Handle(i) }

// IsVirtual reports whether h was minted by [VirtualHandle].
func (h Handle) IsVirtual() bool { return h&virtualBit != 0 }

// Index returns h's index, stripped of the virtual-handle prefix.
func (h Handle) Index() uint32 { return uint32(h &^ virtualBit) }

func (h Handle) String() string {
	if h.IsVirtual() {
		return fmt.Sprintf("virtual#%d", h.Index())
	}
	return fmt.Sprintf("real#%d", h.Index())
}

// Table is a bounded registry of open handles of one kind, used by the
// ingest session to enforce a per-session handle cap with one piece of
// bookkeeping instead of a hand-rolled counter.
type Table[T any] struct {
	max     int
	virtual bool

	mu      sync.Mutex
	next    uint32
	entries map[Handle]T
}

// NewTable returns an empty table bounded to max concurrently open
// handles. If virtual is true, minted handles carry the virtual-handle
// prefix (for hash-root registries); otherwise they are real handles
// (for backend file/directory handles).
func NewTable[T any](max int, virtual bool) *Table[T] {
	return &Table[T]{max: max, virtual: virtual, entries: make(map[Handle]T)}
}

// Acquire allocates a fresh handle bound to value, failing with
// [storeerr.OutOfNodeHandles] if the table is already at capacity.
func (t *Table[T]) Acquire(value T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.max {
		return 0, storeerr.New(storeerr.OutOfNodeHandles, fmt.Errorf("table already holds %d handles", t.max))
	}
	i := t.next
	t.next++
	h := RealHandle(i)
	if t.virtual {
		h = VirtualHandle(i)
	}
	t.entries[h] = value
	return h, nil
}

// Lookup returns the value bound to h, or [storeerr.InvalidHandle] if h
// is not currently open.
func (t *Table[T]) Lookup(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	if !ok {
		var zero T
		return zero, storeerr.New(storeerr.InvalidHandle, fmt.Errorf("%s: no such handle", h))
	}
	return v, nil
}

// Release closes h, freeing its slot. Releasing an unknown handle is a
// no-op, matching a close of an already-closed handle being harmless.
func (t *Table[T]) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, h)
}

// Len reports the number of currently open handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
