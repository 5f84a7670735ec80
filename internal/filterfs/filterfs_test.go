// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package filterfs

import (
	"os"
	"path/filepath"
	"testing"

	"nichts.build/store/drv"
	"nichts.build/store/storeerr"
)

type fakeStore struct {
	valid map[string]string
	drvs  map[string]*drv.Derivation
}

func (f *fakeStore) Dereference(name string) string {
	return f.valid[name]
}

func (f *fakeStore) LoadDerivation(name string) (*drv.Derivation, error) {
	return f.drvs[name], nil
}

func setupStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc-dep"), []byte("visible"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "xyz-secret"), []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestFilterAllowsWhitelistedInput(t *testing.T) {
	dir := setupStore(t)
	store := &fakeStore{
		valid: map[string]string{"abc-dep": "abc-dep"},
		drvs:  map[string]*drv.Derivation{},
	}
	d := &drv.Derivation{Sources: []string{"abc-dep"}}
	ffs, err := New(dir, d, store, store)
	if err != nil {
		t.Fatal(err)
	}
	f, err := ffs.Open("abc-dep")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestFilterRejectsNonWhitelisted(t *testing.T) {
	dir := setupStore(t)
	store := &fakeStore{valid: map[string]string{}, drvs: map[string]*drv.Derivation{}}
	d := &drv.Derivation{}
	ffs, err := New(dir, d, store, store)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ffs.Open("xyz-secret")
	if err == nil {
		t.Fatal("Open of a non-whitelisted store object did not fail")
	}
	if !storeerr.Is(err, storeerr.LookupFailed) {
		t.Errorf("error kind = %v; want LookupFailed", err)
	}
}

func TestFilterRejectsWrites(t *testing.T) {
	dir := setupStore(t)
	store := &fakeStore{valid: map[string]string{}, drvs: map[string]*drv.Derivation{}}
	ffs, err := New(dir, &drv.Derivation{}, store, store)
	if err != nil {
		t.Fatal(err)
	}
	if err := ffs.Create("anything"); !storeerr.Is(err, storeerr.PermissionDenied) {
		t.Errorf("Create error kind = %v; want PermissionDenied", err)
	}
	if err := ffs.Unlink("abc-dep"); !storeerr.Is(err, storeerr.PermissionDenied) {
		t.Errorf("Unlink error kind = %v; want PermissionDenied", err)
	}
}

func TestFilterRootIsReadableButEmpty(t *testing.T) {
	dir := setupStore(t)
	store := &fakeStore{valid: map[string]string{}, drvs: map[string]*drv.Derivation{}}
	ffs, err := New(dir, &drv.Derivation{}, store, store)
	if err != nil {
		t.Fatal(err)
	}
	info, err := ffs.Stat("/")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 || !info.IsDir() {
		t.Errorf("root Stat = size %d, dir %t; want 0, true", info.Size(), info.IsDir())
	}
	entries, err := ffs.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("ReadDir(/) with no whitelisted entries = %d entries; want 0", len(entries))
	}
}

func TestFilterIncludesResolvedTarget(t *testing.T) {
	dir := setupStore(t)
	if err := os.Symlink("abc-dep", filepath.Join(dir, "in-dep")); err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{
		valid: map[string]string{"in-dep": "abc-dep"},
		drvs: map[string]*drv.Derivation{
			"x.drv": {Outputs: []drv.Output{{ID: "out", Path: "in-dep"}}},
		},
	}
	d := &drv.Derivation{
		InputDerivations: []drv.InputDerivation{{DrvName: "x.drv", Outputs: []string{"out"}}},
	}
	ffs, err := New(dir, d, store, store)
	if err != nil {
		t.Fatal(err)
	}
	if f, err := ffs.Open("in-dep"); err != nil {
		t.Errorf("Open(in-dep): %v", err)
	} else {
		f.Close()
	}
	if f, err := ffs.Open("abc-dep"); err != nil {
		t.Errorf("Open(abc-dep) (resolved target): %v", err)
	} else {
		f.Close()
	}
}
