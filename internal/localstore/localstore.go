// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package localstore implements the on-disk layout backing the store: a
// single flat directory holding terminal store objects named
// "<hash>-<name>" plus transient "ingest-<nonce>" trees awaiting
// finalization.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

// Store is a handle to a store's root directory on the local filesystem.
type Store struct {
	dir string
}

// Open returns a [Store] rooted at dir. dir must already exist.
func Open(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open store %s: not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path of the store object named name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// NewIngestName returns a fresh, unused transient name of the form
// "ingest-<uuid>" for a new hash root, and creates nothing: the caller is
// responsible for creating the backing file or directory at
// [Store.Path] of the returned name. The nonce is a random (version 4)
// UUID rather than a raw counter or short random string, so transient
// names never collide across concurrent sessions without any shared
// coordination.
func NewIngestName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate ingest nonce: %w", err)
	}
	return "ingest-" + id.String(), nil
}

// Valid reports whether a store object exists under name, recursing
// through single-element symlink targets (a symlink target containing a
// slash is treated as invalid, bounding the recursion to exactly the
// input-addressed -> content-addressed indirection the store produces).
func (s *Store) Valid(name string) bool {
	_, err := s.dereference(name, 0)
	return err == nil
}

// maxSymlinkChases bounds dereference recursion well above the one hop
// the store ever actually produces, guarding against a corrupted store
// directory containing a symlink cycle.
const maxSymlinkChases = 32

// Dereference follows a chain of single-element symlinks starting at name
// and returns the final name, or "" if name does not resolve to a store
// object.
func (s *Store) Dereference(name string) string {
	final, err := s.dereference(name, 0)
	if err != nil {
		return ""
	}
	return final
}

func (s *Store) dereference(name string, depth int) (string, error) {
	if depth > maxSymlinkChases {
		return "", fmt.Errorf("dereference %s: too many symlink hops", name)
	}
	info, err := os.Lstat(s.Path(name))
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return name, nil
	}
	target, err := os.Readlink(s.Path(name))
	if err != nil {
		return "", err
	}
	if filepath.Base(target) != target {
		// A multi-element target is not how this store links outputs;
		// treat it as unresolvable rather than chase it across
		// directories.
		return "", fmt.Errorf("dereference %s: symlink target %q is not a single path element", name, target)
	}
	return s.dereference(target, depth+1)
}

// Finalize completes an ingest: it computes final as the content-addressed
// name and atomically moves tempName to final. If a store object already
// exists at final (a duplicate ingest of identical content), tempName is
// removed instead and the existing object is kept; this is reported the
// same way to the caller; both cases report success.
func (s *Store) Finalize(ctx context.Context, tempName, final string) error {
	tempPath := s.Path(tempName)
	finalPath := s.Path(final)

	if _, err := os.Lstat(finalPath); err == nil {
		log.Debugf(ctx, "ingest %s already present as %s; discarding duplicate %s", final, final, tempName)
		return os.RemoveAll(tempPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("finalize %s: %w", tempName, err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.RemoveAll(tempPath)
		}
		return fmt.Errorf("finalize %s -> %s: %w", tempName, final, err)
	}
	return nil
}
