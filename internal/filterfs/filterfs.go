// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package filterfs implements the filter session: a read-only view of the
// store that masks every object except those a derivation's inputs
// transitively name, so a build can see exactly its declared dependencies
// and nothing else.
package filterfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nichts.build/store/drv"
	"nichts.build/store/internal/envresolve"
	"nichts.build/store/internal/fsproto"
	"nichts.build/store/storeerr"
	"nichts.build/store/sets"
)

// FS is a read-only view over a store directory restricted to a fixed
// whitelist of top-level names, computed once at construction from a
// derivation's inputs and sources.
type FS struct {
	storeDir  string
	whitelist *sets.Sorted[string]
}

// New computes the whitelist for d by walking its inputs and sources
// (following symlinks so both the input-addressed name and its resolved
// content-addressed target are permitted) and returns a [FS] restricted
// to it. The whitelist is a [sets.Sorted] rather than a plain map so that
// [FS.Whitelist] (and so the sandbox's bind-mount order, see
// internal/buildchild) is deterministic from one build to the next.
func New(storeDir string, d *drv.Derivation, loader envresolve.DerivationLoader, deref envresolve.Dereferencer) (*FS, error) {
	whitelist := new(sets.Sorted[string])

	for _, in := range d.InputDerivations {
		inputDrv, err := loader.LoadDerivation(in.DrvName)
		if err != nil {
			return nil, storeerr.New(storeerr.MissingDependency, err)
		}
		for _, outputID := range in.Outputs {
			out, ok := inputDrv.Output(outputID)
			if !ok {
				continue
			}
			whitelist.Add(out.Path)
			if final := deref.Dereference(out.Path); final != "" {
				whitelist.Add(final)
			}
		}
	}
	for _, src := range d.Sources {
		whitelist.Add(src)
		if final := deref.Dereference(src); final != "" {
			whitelist.Add(final)
		}
	}

	return &FS{storeDir: storeDir, whitelist: whitelist}, nil
}

// Whitelist returns the top-level store object names this session
// permits access to, in ascending order.
func (f *FS) Whitelist() []string {
	names := make([]string, 0, f.whitelist.Len())
	for _, name := range f.whitelist.All() {
		names = append(names, name)
	}
	return names
}

// topElement returns the first path element of a slash-separated path.
func topElement(name string) string {
	name = strings.TrimPrefix(name, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

// checkName strips name to its top-level element and rejects it with
// [storeerr.LookupFailed] if that element is not in the whitelist. An
// empty name refers to the session root, which is always readable (but
// whose listing is still restricted to whitelisted entries by [FS.ReadDir]).
func (f *FS) checkName(name string) error {
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return nil
	}
	if !f.whitelist.Has(topElement(name)) {
		return storeerr.New(storeerr.LookupFailed, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist})
	}
	return nil
}

// Open implements [fs.FS], restricted to whitelisted top-level names.
func (f *FS) Open(name string) (fs.File, error) {
	if err := f.checkName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(f.storeDir, name))
	if err != nil {
		return nil, storeerr.New(storeerr.LookupFailed, err)
	}
	return file, nil
}

// Stat returns file info for a whitelisted store path, or for the session
// root (which always reports as an empty, zero-size directory so clients
// cannot probe its existence or enumerate siblings via a generic stat).
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if err := f.checkName(name); err != nil {
		return nil, err
	}
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || trimmed == "." {
		return rootInfo{}, nil
	}
	info, err := os.Stat(filepath.Join(f.storeDir, name))
	if err != nil {
		return nil, storeerr.New(storeerr.LookupFailed, err)
	}
	return info, nil
}

// ReadDir lists the whitelisted entries of a directory. Listing the
// session root returns only the top-level whitelisted names that
// currently exist in the store; listing beneath a whitelisted subtree
// returns every entry, since purity is enforced at the top-level-name
// boundary only.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || trimmed == "." {
		var entries []fs.DirEntry
		for _, top := range f.whitelist.All() {
			info, err := os.Lstat(filepath.Join(f.storeDir, top))
			if err != nil {
				continue
			}
			entries = append(entries, fs.FileInfoToDirEntry(info))
		}
		return entries, nil
	}
	if err := f.checkName(trimmed); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(f.storeDir, name))
	if err != nil {
		return nil, storeerr.New(storeerr.LookupFailed, err)
	}
	return entries, nil
}

// Readlink resolves a symlink within the whitelist.
func (f *FS) Readlink(name string) (string, error) {
	if err := f.checkName(name); err != nil {
		return "", err
	}
	target, err := os.Readlink(filepath.Join(f.storeDir, name))
	if err != nil {
		return "", storeerr.New(storeerr.LookupFailed, err)
	}
	return target, nil
}

// Every mutating operation spec.md §6 lists for the shared filesystem
// session surface (see [fsproto.Op]) is rejected outright: the filter
// session is read-only by construction.

func (f *FS) Create(string) error       { return fsproto.PermissionDenied(fsproto.OpFile) }
func (f *FS) Unlink(string) error       { return fsproto.PermissionDenied(fsproto.OpUnlink) }
func (f *FS) Truncate(string) error     { return fsproto.PermissionDenied(fsproto.OpTruncate) }
func (f *FS) Move(string, string) error { return fsproto.PermissionDenied(fsproto.OpMove) }
func (f *FS) Sigh(string) error         { return fsproto.PermissionDenied(fsproto.OpSigh) }

type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }
