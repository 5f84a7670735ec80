// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package hashtree accumulates a canonical content hash over a tree of
// files, symlinks, and directories as they are written during an ingest,
// without requiring the whole tree to be buffered in memory: each node
// streams its own content into a running hash and is only asked to
// reconcile against the backing filesystem once, at flush time.
package hashtree

import (
	"bufio"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"nichts.build/store/storepath"
)

// Framing bytes absorbed into a node's hash after its content, binding the
// digest to the node's kind and name as well as its bytes. These must
// match the original implementation's framing exactly, since the resulting
// digest becomes the public name of the store object.
var (
	fileFrame = []byte("\x00f\x00")
	linkFrame = []byte("\x00s\x00")
	dirFrame  = []byte("\x00d\x00")
)

// Node is a member of a hash tree: a [File], a [Symlink], or a [Directory].
type Node interface {
	Name() string
	// Digest returns the node's digest. It is only valid to call after
	// Flush has completed.
	Digest() []byte
}

type base struct {
	name string
	h    hash.Hash
	alg  storepath.Algorithm
}

func newBase(alg storepath.Algorithm, name string) (base, error) {
	h, err := storepath.New(alg)
	if err != nil {
		return base{}, err
	}
	return base{name: name, h: h, alg: alg}, nil
}

func (b *base) Name() string { return b.name }

func (b *base) Digest() []byte { return b.h.Sum(nil) }

// File hashes the content committed to a single file as it is written,
// tolerating writes that arrive in increasing-offset order (the common
// case) and restarting the hash whenever an offset rewinds.
type File struct {
	base
	cursor int64
}

// NewFile returns a new [File] node named name, hashed with alg.
func NewFile(alg storepath.Algorithm, name string) (*File, error) {
	b, err := newBase(alg, name)
	if err != nil {
		return nil, err
	}
	return &File{base: b}, nil
}

// Write absorbs buf into the running hash if offset is exactly the node's
// current cursor (the expected case for sequential writes). A lower offset
// rewinds the node: the hash and cursor are reset to zero, matching the
// original node's "treat as restart" behavior for any write that isn't a
// pure append. buf is absorbed again only when offset is zero; otherwise
// Flush re-reads the content from the start. A higher offset (a
// sparse write past the current end) is silently discarded, since this
// format has no way to represent an unwritten hole in the hash.
func (f *File) Write(buf []byte, offset int64) {
	switch {
	case offset == f.cursor:
		f.h.Write(buf)
		f.cursor += int64(len(buf))
	case offset < f.cursor:
		f.h.Reset()
		f.cursor = 0
		if offset == 0 {
			f.h.Write(buf)
			f.cursor = int64(len(buf))
		}
	}
}

// Truncate resets the hash if size is less than the node's current cursor,
// since bytes already hashed beyond the new size are no longer part of
// the file's content.
func (f *File) Truncate(size int64) {
	if size < f.cursor {
		f.h.Reset()
		f.cursor = 0
	}
}

// flushBlockSize is the target read size used to catch up a file's hash to
// its backing content during [File.Flush], chosen to be a multiple of
// every supported hash's block size.
const flushBlockSize = 64 * 1024

// Flush reads forward from the node's cursor to the end of the backing
// file and absorbs any bytes that writes never passed through the hash
// (for instance, because the writer used a path that bypassed the
// packet-level hook). It then absorbs the file/name framing. After Flush
// returns, the node's digest is final.
func (f *File) Flush(backing fs.File) error {
	info, err := backing.Stat()
	if err != nil {
		return fmt.Errorf("flush file %q: %w", f.name, err)
	}
	size := info.Size()
	if size > f.cursor {
		r, ok := backing.(io.ReaderAt)
		if !ok {
			return fmt.Errorf("flush file %q: backing file does not support ReaderAt", f.name)
		}
		sr := io.NewSectionReader(r, f.cursor, size-f.cursor)
		buf := bufio.NewReaderSize(sr, flushBlockSize)
		if _, err := io.Copy(f.h, buf); err != nil {
			return fmt.Errorf("flush file %q: %w", f.name, err)
		}
		f.cursor = size
	}
	f.h.Write(fileFrame)
	f.h.Write([]byte(f.name))
	return nil
}

// Symlink hashes the single write establishing a symlink's target.
type Symlink struct {
	base
	written bool
}

// NewSymlink returns a new [Symlink] node named name, hashed with alg.
func NewSymlink(alg storepath.Algorithm, name string) (*Symlink, error) {
	b, err := newBase(alg, name)
	if err != nil {
		return nil, err
	}
	return &Symlink{base: b}, nil
}

// Write resets the hash and absorbs buf as the symlink's target, provided
// offset is zero; non-zero offsets are silently rejected, since a symlink
// target is written as a single atomic value, not a byte stream.
func (s *Symlink) Write(buf []byte, offset int64) {
	if offset != 0 {
		return
	}
	s.h.Reset()
	s.h.Write(buf)
	s.written = true
}

// Flush absorbs the symlink/name framing. After Flush returns, the node's
// digest is final.
func (s *Symlink) Flush() {
	s.h.Write(linkFrame)
	s.h.Write([]byte(s.name))
}

// Directory accumulates the digests of its children, in a name-sorted
// order, into its own hash, making the directory's digest a function of
// the recursive structure and content of everything beneath it.
type Directory struct {
	base
	children map[string]Node
}

// NewDirectory returns a new, empty [Directory] node named name, hashed
// with alg.
func NewDirectory(alg storepath.Algorithm, name string) (*Directory, error) {
	b, err := newBase(alg, name)
	if err != nil {
		return nil, err
	}
	return &Directory{base: b, children: make(map[string]Node)}, nil
}

// Insert adds or replaces the child named node.Name(). A later Insert of
// the same name overwrites the earlier child, mirroring the reference
// implementation's "duplicates at the same parent overwrite" rule.
func (d *Directory) Insert(node Node) {
	d.children[node.Name()] = node
}

// Lookup returns the child with the given name, if any.
func (d *Directory) Lookup(name string) (Node, bool) {
	n, ok := d.children[name]
	return n, ok
}

// Remove deletes the child with the given name, if any.
func (d *Directory) Remove(name string) {
	delete(d.children, name)
}

// sortedNames returns the directory's child names in strict byte order,
// the order in which the reference implementation's insertion-sorted
// linked list presents them.
func (d *Directory) sortedNames() []string {
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flusher gives [Directory.Flush] access to the backing content of its
// children, by path relative to the root of the ingest subtree. File nodes need
// [io.ReaderAt]-capable handles, which [fs.FS] alone does not guarantee;
// implementations backed by a real directory (see package ingest) satisfy
// this via *os.File.
type Flusher interface {
	Open(path string) (fs.File, error)
	Readlink(path string) (string, error)
}

// Flush recursively flushes every child (depth-first, in sorted name
// order), then absorbs each child's digest followed by the
// directory/name framing. path is this directory's path relative to the
// Flusher's root. After Flush returns, the node's digest is final.
func (d *Directory) Flush(backing Flusher, path string) error {
	for _, name := range d.sortedNames() {
		child := d.children[name]
		childPath := name
		if path != "" {
			childPath = path + "/" + name
		}
		switch n := child.(type) {
		case *File:
			f, err := backing.Open(childPath)
			if err != nil {
				return fmt.Errorf("flush directory %q: open %q: %w", d.name, childPath, err)
			}
			err = n.Flush(f)
			cerr := f.Close()
			if err != nil {
				return err
			}
			if cerr != nil {
				return fmt.Errorf("flush directory %q: close %q: %w", d.name, childPath, cerr)
			}
		case *Symlink:
			if !n.written {
				target, err := backing.Readlink(childPath)
				if err != nil {
					return fmt.Errorf("flush directory %q: readlink %q: %w", d.name, childPath, err)
				}
				n.Write([]byte(target), 0)
			}
			n.Flush()
		case *Directory:
			if err := n.Flush(backing, childPath); err != nil {
				return err
			}
		default:
			return fmt.Errorf("flush directory %q: unknown child node type %T", d.name, child)
		}
		d.h.Write(child.Digest())
	}
	d.h.Write(dirFrame)
	d.h.Write([]byte(d.name))
	return nil
}

// OSFlusher implements [Flusher] over a real directory on the local
// filesystem, rooted at Dir.
type OSFlusher struct {
	Dir string
}

func (o OSFlusher) Open(path string) (fs.File, error) {
	return os.Open(o.Dir + "/" + path)
}

func (o OSFlusher) Readlink(path string) (string, error) {
	return os.Readlink(o.Dir + "/" + path)
}

// ScanDirectory builds a [Directory] node named name by recursively
// listing osPath on the local filesystem and inserting a child node for
// every entry found. It exists because a directory root populated by an
// external builder process (see package buildchild) never calls
// [Directory.Insert] itself: unlike [File.Flush], which can catch up on
// unhashed content by reading forward from a cursor, [Directory.Flush]
// only ever visits children that were already registered, so the tree
// has to be discovered from disk before it can be flushed.
func ScanDirectory(alg storepath.Algorithm, name, osPath string) (*Directory, error) {
	dir, err := NewDirectory(alg, name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(osPath)
	if err != nil {
		return nil, fmt.Errorf("scan directory %q: %w", name, err)
	}
	for _, entry := range entries {
		childPath := filepath.Join(osPath, entry.Name())
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			n, err := NewSymlink(alg, entry.Name())
			if err != nil {
				return nil, err
			}
			dir.Insert(n)
		case entry.IsDir():
			n, err := ScanDirectory(alg, entry.Name(), childPath)
			if err != nil {
				return nil, err
			}
			dir.Insert(n)
		default:
			n, err := NewFile(alg, entry.Name())
			if err != nil {
				return nil, err
			}
			dir.Insert(n)
		}
	}
	return dir, nil
}
