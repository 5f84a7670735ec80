// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dsnet/compress/bzip2"

	"nichts.build/store/internal/ingest"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

// Export streams name's File/Symlink/Directory structure to w as a
// length-prefixed, bzip2-compressed framing: the same walk
// [nichts.build/store/internal/hashtree.ScanDirectory] performs when
// finalizing a directory root, but writing content instead of hashing
// it. This is the Go equivalent of the reference implementation's
// store_export session (see original_source/include/store_import for
// the paired import side), supplemented here since the distilled spec
// never mentions moving objects between stores but the original
// supports it.
func (s *Server) Export(ctx context.Context, w io.Writer, name string) error {
	final := s.Dereference(name)
	if final == "" {
		return storeerr.New(storeerr.LookupFailed, fmt.Errorf("export %q: not a valid store object", name))
	}

	humanName := final
	if len(final) > storepath.PrefixLen+1 {
		humanName = final[storepath.PrefixLen+1:]
	}

	bw, err := bzip2.NewWriter(w, nil)
	if err != nil {
		return fmt.Errorf("export %s: %w", final, err)
	}
	if err := writeExportNode(bw, s.backend.Path(final), humanName); err != nil {
		bw.Close()
		return fmt.Errorf("export %s: %w", final, err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("export %s: %w", final, err)
	}
	return nil
}

// Export frame type tags.
const (
	exportFile      = 'F'
	exportSymlink   = 'S'
	exportDirectory = 'D'
)

func writeExportNode(w io.Writer, osPath, name string) error {
	info, err := os.Lstat(osPath)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(osPath)
		if err != nil {
			return err
		}
		return writeExportFrame(w, exportSymlink, name, []byte(target))
	case info.IsDir():
		entries, err := os.ReadDir(osPath)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		if err := writeExportHeader(w, exportDirectory, name, uint64(len(names))); err != nil {
			return err
		}
		for _, childName := range names {
			if err := writeExportNode(w, filepath.Join(osPath, childName), childName); err != nil {
				return err
			}
		}
		return nil
	default:
		data, err := os.ReadFile(osPath)
		if err != nil {
			return err
		}
		return writeExportFrame(w, exportFile, name, data)
	}
}

// writeExportFrame writes a leaf frame: a one-byte kind tag, a
// length-prefixed name, and a length-prefixed payload.
func writeExportFrame(w io.Writer, kind byte, name string, payload []byte) error {
	if err := writeExportHeader(w, kind, name, uint64(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// writeExportHeader writes a one-byte kind tag, a length-prefixed name,
// and a raw uint64 count (a byte length for leaf frames, a child count
// for directory frames).
func writeExportHeader(w io.Writer, kind byte, name string, count uint64) error {
	if _, err := w.Write([]byte{kind}); err != nil {
		return err
	}
	if err := writeExportString(w, name); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	_, err := w.Write(buf[:])
	return err
}

func writeExportString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Import reads a stream written by [Server.Export] and replays it
// through a fresh ingest session, so the usual finalize-and-rename path
// (see internal/ingest.Session.Finalize) names the result. It returns
// the imported object's final content-addressed name.
func (s *Server) Import(ctx context.Context, r io.Reader) (string, error) {
	br, err := bzip2.NewReader(r, nil)
	if err != nil {
		return "", fmt.Errorf("import: %w", err)
	}
	defer br.Close()

	sess := ingest.NewSession(s.backend, s.alg)
	// The top-level frame's name is the exported object's human-readable
	// name (Export strips the content-addressed prefix); reusing it as the
	// root name means Finalize recomputes the same digest and
	// either confirms it or reports the pre-existing duplicate.
	kind, rootName, err := readExportKind(br)
	if err != nil {
		return "", fmt.Errorf("import: %w", err)
	}

	switch kind {
	case exportFile:
		data, err := readExportPayload(br)
		if err != nil {
			return "", fmt.Errorf("import %s: %w", rootName, err)
		}
		tempPath, err := sess.CreateFileRoot(rootName)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(tempPath, data, 0o644); err != nil {
			return "", fmt.Errorf("import %s: %w", rootName, err)
		}
		if err := sess.NoteWrite(rootName, data, 0); err != nil {
			return "", err
		}
	case exportDirectory:
		tempPath, err := sess.CreateDirRoot(rootName)
		if err != nil {
			return "", err
		}
		count, err := readExportCount(br)
		if err != nil {
			return "", fmt.Errorf("import %s: %w", rootName, err)
		}
		for i := uint64(0); i < count; i++ {
			if err := readExportNodeInto(br, tempPath); err != nil {
				return "", fmt.Errorf("import %s: %w", rootName, err)
			}
		}
	default:
		return "", fmt.Errorf("import: unsupported top-level frame kind %q", kind)
	}

	return sess.Finalize(ctx, rootName)
}

func readExportKind(r io.Reader) (kind byte, name string, err error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return 0, "", err
	}
	name, err = readExportString(r)
	if err != nil {
		return 0, "", err
	}
	return tag[0], name, nil
}

func readExportCount(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readExportPayload(r io.Reader) ([]byte, error) {
	n, err := readExportCount(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readExportString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readExportNodeInto reads one frame and materializes it on disk beneath
// dir, recursing for nested directory frames.
func readExportNodeInto(r io.Reader, dir string) error {
	kind, name, err := readExportKind(r)
	if err != nil {
		return err
	}
	switch kind {
	case exportFile:
		data, err := readExportPayload(r)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), data, 0o644)
	case exportSymlink:
		target, err := readExportPayload(r)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), filepath.Join(dir, name))
	case exportDirectory:
		count, err := readExportCount(r)
		if err != nil {
			return err
		}
		childDir := filepath.Join(dir, name)
		if err := os.Mkdir(childDir, 0o755); err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			if err := readExportNodeInto(r, childDir); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported frame kind %q", kind)
	}
}
