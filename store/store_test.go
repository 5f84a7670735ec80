// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"nichts.build/store/drv"
	"nichts.build/store/storeerr"
	"nichts.build/store/storepath"
)

func newTestStore(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, storepath.BLAKE2s, 64<<20)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOpenRunsConnectivityCheck(t *testing.T) {
	s := newTestStore(t)
	entries, err := os.ReadDir(s.backend.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("store directory has %d entries after Open; want 0 (connectivity check should clean up)", len(entries))
	}
}

func TestValidAndDereference(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.backend.Dir(), "abc-thing"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.Valid("abc-thing") {
		t.Error("Valid(abc-thing) = false; want true")
	}
	if s.Valid("nonexistent") {
		t.Error("Valid(nonexistent) = true; want false")
	}
	if got := s.Dereference("abc-thing"); got != "abc-thing" {
		t.Errorf("Dereference(abc-thing) = %q; want abc-thing", got)
	}
}

func writeDerivation(t *testing.T, s *Server, name string, d *drv.Derivation) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.backend.Dir(), name), d.Marshal(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRealizeRejectsSlashInName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Realize(context.Background(), "a/b.drv")
	if !storeerr.Is(err, storeerr.InvalidDerivation) {
		t.Errorf("Realize error kind = %v; want InvalidDerivation", err)
	}
}

func TestRealizeMissingDerivation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Realize(context.Background(), "nope.drv")
	if err == nil {
		t.Fatal("Realize of a nonexistent derivation succeeded; want error")
	}
	if !storeerr.Is(err, storeerr.MissingDependency) {
		t.Errorf("error kind = %v; want MissingDependency", err)
	}
}

func TestRealizeDetectsMissingInput(t *testing.T) {
	s := newTestStore(t)
	d := &drv.Derivation{
		Outputs:          []drv.Output{{ID: "out", Path: "abc-out"}},
		InputDerivations: []drv.InputDerivation{{DrvName: "dep.drv", Outputs: []string{"out"}}},
		Platform:         "x86_64-linux",
		Builder:          "abc-builder",
	}
	writeDerivation(t, s, "x.drv", d)

	dep := &drv.Derivation{Outputs: []drv.Output{{ID: "out", Path: "xyz-dep"}}}
	writeDerivation(t, s, "dep.drv", dep)
	// xyz-dep is declared but never actually created in the store: not valid.

	_, err := s.Realize(context.Background(), "x.drv")
	if !storeerr.Is(err, storeerr.MissingDependency) {
		t.Errorf("error kind = %v; want MissingDependency", err)
	}
}

func TestLoadDerivationCaches(t *testing.T) {
	s := newTestStore(t)
	d := &drv.Derivation{Platform: "x86_64-linux", Builder: "abc-builder"}
	writeDerivation(t, s, "x.drv", d)

	got1, err := s.LoadDerivation("x.drv")
	if err != nil {
		t.Fatal(err)
	}
	got2, err := s.LoadDerivation("x.drv")
	if err != nil {
		t.Fatal(err)
	}
	if got1 != got2 {
		t.Error("LoadDerivation did not return the cached pointer on the second call")
	}
}
