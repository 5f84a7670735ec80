// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"nichts.build/store/internal/ingest"
)

func TestExportImportFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := []byte("exported bytes")
	sess := ingest.NewSession(s.backend, s.alg)
	final, err := sess.WriteText(ctx, "thing", data)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.Export(ctx, &buf, final); err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := s.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported != final {
		t.Errorf("Import returned %q; want %q (same content, same name)", imported, final)
	}

	got, err := os.ReadFile(s.backend.Path(imported))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("imported content = %q; want %q", got, data)
	}
}

func TestExportUnknownNameFails(t *testing.T) {
	s := newTestStore(t)
	var buf bytes.Buffer
	if err := s.Export(context.Background(), &buf, "nonexistent"); err == nil {
		t.Error("Export of a nonexistent name succeeded; want error")
	}
}

func TestExportImportDirectoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Build a small directory tree directly in the backend, mimicking
	// what a finalized directory root looks like, to exercise the
	// recursive directory framing without requiring a full build.
	srcDir := filepath.Join(s.backend.Dir(), "scratch-dir")
	if err := os.Mkdir(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(srcDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	finalName := "abcdefghijklmnopqrstuvwxyzabcdef-scratch-dir"
	if err := os.Rename(srcDir, filepath.Join(s.backend.Dir(), finalName)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.Export(ctx, &buf, finalName); err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := s.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(s.backend.Path(imported), "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("a.txt = %q; want hello", got)
	}
	got, err = os.ReadFile(filepath.Join(s.backend.Path(imported), "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "world" {
		t.Errorf("sub/b.txt = %q; want world", got)
	}
}
