// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"os"
	"testing"

	"nichts.build/store/internal/localstore"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()
	store, err := localstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewSession(store, storepath.BLAKE2s)
}

func TestFileRootIngestS1(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	tempPath, err := s.CreateFileRoot("out")
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello")
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.NoteWrite("out", data, 0); err != nil {
		t.Fatal(err)
	}

	final, err := s.Finalize(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}

	h, err := storepath.New(storepath.BLAKE2s)
	if err != nil {
		t.Fatal(err)
	}
	h.Write(data)
	h.Write([]byte("\x00f\x00"))
	h.Write([]byte("out"))
	want, err := storepath.Name(h.Sum(nil), "out")
	if err != nil {
		t.Fatal(err)
	}
	if final != want {
		t.Errorf("Finalize = %q; want %q", final, want)
	}

	if !s.store.Valid(final) {
		t.Errorf("store does not consider %q valid", final)
	}
}

func TestStrictModeRejectsUndeclaredRoot(t *testing.T) {
	s := newTestSession(t)
	s.Expect("out")

	if _, err := s.CreateFileRoot("undeclared"); err == nil {
		t.Fatal("CreateFileRoot for an undeclared root did not fail in strict mode")
	} else if !storeerr.Is(err, storeerr.PermissionDenied) {
		t.Errorf("error kind = %v; want PermissionDenied", err)
	}

	if _, err := s.CreateFileRoot("out"); err != nil {
		t.Errorf("CreateFileRoot for a declared root failed: %v", err)
	}
}

func TestRootStatusTransitionsOnce(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	tempPath, err := s.CreateFileRoot("out")
	if err != nil {
		t.Fatal(err)
	}
	name, done, err := s.RootStatus("out")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("root reported done before Finalize")
	}
	if name == "" || name == "out" {
		t.Errorf("pre-finalize status name = %q; want a temp ingest name", name)
	}

	if err := os.WriteFile(tempPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.NoteWrite("out", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	final, err := s.Finalize(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}

	name, done, err = s.RootStatus("out")
	if err != nil {
		t.Fatal(err)
	}
	if !done || name != final {
		t.Errorf("post-finalize status = (%q, %t); want (%q, true)", name, done, final)
	}
}

func TestFinalizeTwiceIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	tempPath, err := s.CreateFileRoot("out")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tempPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.NoteWrite("out", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}

	final1, err := s.Finalize(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	final2, err := s.Finalize(ctx, "out")
	if err != nil {
		t.Fatal(err)
	}
	if final1 != final2 {
		t.Errorf("Finalize called twice returned different names: %q vs %q", final1, final2)
	}
}

func TestEmptyFileIngest(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	if _, err := s.CreateFileRoot("empty"); err != nil {
		t.Fatal(err)
	}
	final, err := s.Finalize(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}

	h, err := storepath.New(storepath.BLAKE2s)
	if err != nil {
		t.Fatal(err)
	}
	h.Write([]byte("\x00f\x00"))
	h.Write([]byte("empty"))
	want, err := storepath.Name(h.Sum(nil), "empty")
	if err != nil {
		t.Fatal(err)
	}
	if final != want {
		t.Errorf("Finalize(empty file) = %q; want %q", final, want)
	}
}

func TestMaxHashRootsEnforced(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < MaxHashRoots; i++ {
		name := string(rune('a' + i%26))
		if i >= 26 {
			name += string(rune('A' + i/26))
		}
		if _, err := s.CreateFileRoot(name); err != nil {
			t.Fatalf("CreateFileRoot #%d: %v", i, err)
		}
	}
	_, err := s.CreateFileRoot("one-too-many")
	if err == nil {
		t.Fatal("creating the 65th root did not fail")
	}
	if !storeerr.Is(err, storeerr.OutOfNodeHandles) {
		t.Errorf("error kind = %v; want OutOfNodeHandles", err)
	}
}

func TestDuplicateRootNameRejected(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.CreateFileRoot("out"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateFileRoot("out"); err == nil {
		t.Fatal("creating a root with a name already in flight did not fail")
	}
}

func TestWriteText(t *testing.T) {
	s := newTestSession(t)
	final, err := s.WriteText(context.Background(), "config", []byte("Derive(...)"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.store.Valid(final) {
		t.Errorf("store does not consider %q valid", final)
	}
}
