// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package ingest implements the ingest session: a filesystem view that
// lets a builder stream bytes into the store while this package hashes
// them, then atomically renames the result to its content-addressed name.
//
// The original implementation multiplexes this behavior through a
// Genode packet-transport session, matching client and backend packets by
// (handle, operation, position) in an explicit queue. That plumbing exists
// to let a single-threaded event loop pump asynchronous I/O; it is not
// part of the session's observable behavior, so this package exposes the
// same virtual-path / hash-root / finalize semantics as ordinary
// synchronous method calls guarded by a mutex, and lets goroutines block
// on them the way the original blocked its single event loop on a queued
// ack.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nichts.build/store/internal/fsproto"
	"nichts.build/store/internal/hashtree"
	"nichts.build/store/internal/localstore"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

// MaxHashRoots is the maximum number of concurrently in-flight hash roots
// a single session may hold, matching the reference implementation's
// small-integer root index space.
const MaxHashRoots = 64

// MaxHandles is the maximum number of concurrently open backend handles a
// single session may hold.
const MaxHandles = 128

// root tracks one top-level ingest in flight: a temporary backend name, the
// hash-tree node accumulating its digest, and whether it has finalized.
type root struct {
	humanName string
	tempName  string
	node      hashtree.Node
	done      bool
	finalName string
	openCount int
}

// Session is an ingest session attached to a store. Each root created
// through the session is written to a temporary "ingest-<nonce>" location
// under the store directory and, on finalize, atomically renamed to its
// content-addressed name.
type Session struct {
	store *localstore.Store
	alg   storepath.Algorithm

	mu       sync.Mutex
	roots    map[string]*root
	strict   bool
	expected map[string]bool
	handles  *fsproto.Table[string]
}

// NewSession returns a new ingest session backed by store, hashing with
// alg (ordinarily [storepath.BLAKE2s]).
func NewSession(store *localstore.Store, alg storepath.Algorithm) *Session {
	return &Session{
		store:    store,
		alg:      alg,
		roots:    make(map[string]*root),
		expected: make(map[string]bool),
		handles:  fsproto.NewTable[string](MaxHandles, false),
	}
}

// Expect pre-declares name as an output root the session will create. Once
// any name is pre-declared, the session enters strict mode: creating a
// root whose name was never pre-declared fails with
// [storeerr.PermissionDenied]. This is how a build is fenced to exactly
// its derivation's declared outputs.
func (s *Session) Expect(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strict = true
	s.expected[name] = true
}

func (s *Session) checkAllowed(name string) error {
	if !s.strict {
		return nil
	}
	if !s.expected[name] {
		return storeerr.New(storeerr.PermissionDenied, fmt.Errorf("root %q was not pre-declared", name))
	}
	return nil
}

// CreateFileRoot begins a new hash root named name backed by a regular
// file, and returns the root's temporary path on the backend filesystem
// for the caller to open and write through (see [Session.NoteWrite]).
func (s *Session) CreateFileRoot(name string) (tempPath string, err error) {
	node, err := hashtree.NewFile(s.alg, name)
	if err != nil {
		return "", err
	}
	return s.createRoot(name, node, false)
}

// CreateDirRoot begins a new hash root named name backed by a directory,
// and returns the root's temporary path on the backend filesystem.
func (s *Session) CreateDirRoot(name string) (tempPath string, err error) {
	node, err := hashtree.NewDirectory(s.alg, name)
	if err != nil {
		return "", err
	}
	return s.createRoot(name, node, true)
}

func (s *Session) createRoot(name string, node hashtree.Node, isDir bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAllowed(name); err != nil {
		return "", err
	}
	if _, exists := s.roots[name]; exists {
		return "", storeerr.New(storeerr.PermissionDenied, fmt.Errorf("root %q already exists", name))
	}
	inFlight := 0
	for _, other := range s.roots {
		if !other.done {
			inFlight++
		}
	}
	if inFlight >= MaxHashRoots {
		return "", storeerr.New(storeerr.OutOfNodeHandles, fmt.Errorf("session already holds %d hash roots", MaxHashRoots))
	}

	tempName, err := localstore.NewIngestName()
	if err != nil {
		return "", err
	}
	tempPath := s.store.Path(tempName)
	if isDir {
		if err := os.Mkdir(tempPath, 0o755); err != nil {
			return "", fmt.Errorf("create hash root %q: %w", name, err)
		}
	} else {
		f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return "", fmt.Errorf("create hash root %q: %w", name, err)
		}
		f.Close()
	}

	s.roots[name] = &root{humanName: name, tempName: tempName, node: node}
	return tempPath, nil
}

// rootNode returns the locked root's hash-tree node, type-asserted to T.
func rootNode[T hashtree.Node](s *Session, name string) (T, *root, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[name]
	if !ok {
		return zero, nil, storeerr.New(storeerr.InvalidHandle, fmt.Errorf("no in-flight root %q", name))
	}
	if r.done {
		return zero, nil, storeerr.New(storeerr.PermissionDenied, fmt.Errorf("root %q is already finalized", name))
	}
	n, ok := r.node.(T)
	if !ok {
		return zero, nil, storeerr.New(storeerr.InvalidHandle, fmt.Errorf("root %q is not the requested node kind", name))
	}
	return n, r, nil
}

// NoteWrite records a write of buf at offset into the file root name,
// absorbing it into the root's running hash. The caller is responsible for
// performing the corresponding write against the backend file at the
// root's temp path; NoteWrite should be called with the bytes the backend
// actually committed (not the client's original buffer), matching the
// reference implementation's "only hash what was confirmed written" rule.
func (s *Session) NoteWrite(name string, buf []byte, offset int64) error {
	f, _, err := rootNode[*hashtree.File](s, name)
	if err != nil {
		return err
	}
	f.Write(buf, offset)
	return nil
}

// NoteTruncate records a truncation of the file root name to size.
func (s *Session) NoteTruncate(name string, size int64) error {
	f, _, err := rootNode[*hashtree.File](s, name)
	if err != nil {
		return err
	}
	f.Truncate(size)
	return nil
}

// WriteText ingests data as a complete single-file root named name in one
// call, mirroring the original implementation's write_text convenience
// component used to inject small scratch files (e.g. a derivation's own
// serialized bytes) into the store without a full streaming session.
func (s *Session) WriteText(ctx context.Context, name string, data []byte) (finalName string, err error) {
	tempPath, err := s.CreateFileRoot(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write text root %q: %w", name, err)
	}
	if err := s.NoteWrite(name, data, 0); err != nil {
		return "", err
	}
	return s.Finalize(ctx, name)
}

// subPath splits a virtual path "/X/a/b" into its hash-root name "X" and
// the remaining "a/b" (empty if the path names the root itself).
func subPath(path string) (rootName, rest string, err error) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", "", storeerr.New(storeerr.PermissionDenied, fmt.Errorf("operation on session root is denied"))
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, "", nil
	}
	return path[:i], path[i+1:], nil
}

// ResolveWrite maps a client-visible path "/X/sub/path" to the absolute
// backend path it should be written to, returning the root name for
// [Session.NoteWrite] bookkeeping. It fails with [storeerr.LookupFailed] if
// X is not a known in-flight root.
func (s *Session) ResolveWrite(path string) (backendPath, rootName string, err error) {
	rootName, rest, err := subPath(path)
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	r, ok := s.roots[rootName]
	s.mu.Unlock()
	if !ok {
		return "", "", storeerr.New(storeerr.LookupFailed, fmt.Errorf("no in-flight root %q", rootName))
	}
	if rest == "" {
		return s.store.Path(r.tempName), rootName, nil
	}
	return filepath.Join(s.store.Path(r.tempName), rest), rootName, nil
}

// Finalize completes the hash root named name: it flushes the hash tree
// (reading back any un-hashed tail of file content from the backend),
// computes the content-addressed final name, and atomically renames the
// backend tree into place. It returns the final name, or "" if
// finalization failed. A duplicate finalize of content identical to an
// existing store object is reported as success with the existing name.
func (s *Session) Finalize(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	r, ok := s.roots[name]
	if !ok {
		s.mu.Unlock()
		return "", storeerr.New(storeerr.InvalidHandle, fmt.Errorf("no in-flight root %q", name))
	}
	if r.done {
		final := r.finalName
		s.mu.Unlock()
		return final, nil
	}
	s.mu.Unlock()

	tempPath := s.store.Path(r.tempName)
	var finalNode hashtree.Node
	switch n := r.node.(type) {
	case *hashtree.File:
		f, err := os.Open(tempPath)
		if err != nil {
			return "", fmt.Errorf("finalize %q: %w", name, err)
		}
		err = n.Flush(f)
		f.Close()
		if err != nil {
			return "", err
		}
		finalNode = n
	case *hashtree.Directory:
		// A directory root is populated by an external builder process
		// writing directly beneath tempPath, not through calls to
		// Insert, so the tree has to be rediscovered from disk before
		// it can be flushed.
		scanned, err := hashtree.ScanDirectory(s.alg, r.humanName, tempPath)
		if err != nil {
			return "", fmt.Errorf("finalize %q: %w", name, err)
		}
		if err := scanned.Flush(hashtree.OSFlusher{Dir: tempPath}, ""); err != nil {
			return "", err
		}
		finalNode = scanned
	default:
		return "", fmt.Errorf("finalize %q: unknown root node type %T", name, r.node)
	}

	final, err := storepath.Name(finalNode.Digest(), r.humanName)
	if err != nil {
		return "", err
	}
	if err := s.store.Finalize(ctx, r.tempName, final); err != nil {
		return "", err
	}

	s.mu.Lock()
	r.done = true
	r.finalName = final
	s.mu.Unlock()
	return final, nil
}

// RootStatus reports whether the root named name has finalized, and if so
// its final content-addressed name; otherwise it reports the transient
// name currently visible to readers of the virtual symlink at "/name".
// There is no intermediate state between these two: readers observe
// either the temporary name (not done) or the final name (done).
func (s *Session) RootStatus(name string) (visibleName string, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[name]
	if !ok {
		return "", false, storeerr.New(storeerr.LookupFailed, fmt.Errorf("no in-flight root %q", name))
	}
	if r.done {
		return r.finalName, true, nil
	}
	return r.tempName, false, nil
}

// Open opens the backend file at the client-visible path for reading or
// writing, enforcing the session's [MaxHandles] cap via an
// [fsproto.Table]. The caller must Close the returned file, which releases
// the handle.
func (s *Session) Open(path string, flag int, perm os.FileMode) (*countedFile, error) {
	backendPath, _, err := s.ResolveWrite(path)
	if err != nil {
		return nil, err
	}
	h, err := s.handles.Acquire(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(backendPath, flag, perm)
	if err != nil {
		s.handles.Release(h)
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	return &countedFile{File: f, s: s, h: h}, nil
}

// countedFile wraps *os.File to release its session handle slot on Close.
type countedFile struct {
	*os.File
	s        *Session
	h        fsproto.Handle
	released bool
}

func (c *countedFile) Close() error {
	err := c.File.Close()
	if !c.released {
		c.s.handles.Release(c.h)
		c.released = true
	}
	return err
}

var _ io.Closer = (*countedFile)(nil)
